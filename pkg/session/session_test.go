package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratesDashedUUID(t *testing.T) {
	id := New()
	assert.Len(t, id, 36)
	assert.Equal(t, 4, strings.Count(id, "-"))
}

func TestBootstrapGeneratesWhenEmpty(t *testing.T) {
	b, err := NewBootstrap("", 24)
	require.NoError(t, err)
	assert.NotEmpty(t, b.SessionID)
	assert.Equal(t, 24, b.ExpiresInHours)
}

func TestBootstrapAcceptsClientSuppliedID(t *testing.T) {
	b, err := NewBootstrap("my-client-chosen-tag", 24)
	require.NoError(t, err)
	assert.Equal(t, "my-client-chosen-tag", b.SessionID)
}

func TestValidateRejectsTraversal(t *testing.T) {
	for _, bad := range []string{"../etc", "a/b", `a\b`, "..", strings.Repeat("x", MaxIDLength+1), ""} {
		assert.ErrorIs(t, Validate(bad), ErrInvalidID, "expected invalid: %q", bad)
	}
}

func TestValidateAcceptsOrdinaryTokens(t *testing.T) {
	for _, good := range []string{"abc-123", New(), "client.chosen_tag"} {
		assert.NoError(t, Validate(good))
	}
}
