// Package session implements the opaque session-tag rule from the
// specification: the server never authenticates a session id, it only
// generates one when a client presents none and validates the shape of
// any client-supplied id before it is used to tag records or build
// storage paths.
package session

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxIDLength bounds a client-supplied session id. Generated ids are
// always a 36-character UUID; this only constrains what a client may
// hand back to us.
const MaxIDLength = 128

// ErrInvalidID indicates a client-supplied session id contains characters
// that would be unsafe to embed in a storage path, or exceeds MaxIDLength.
var ErrInvalidID = errors.New("invalid session identifier")

// Bootstrap describes the result of a session bootstrap request: either a
// fresh id was generated, or the caller's own id was accepted as-is.
type Bootstrap struct {
	SessionID      string
	CreatedAt      time.Time
	ExpiresInHours int
}

// New generates a cryptographically random session id in standard
// 36-character dashed UUID form, per §3's task_id/session_id format.
func New() string {
	return uuid.NewString()
}

// NewBootstrap returns a Bootstrap for clientID, generating a new id if
// clientID is empty, or validating clientID if the caller supplied one.
// expiresInHours is advisory only: the server attaches no real TTL to a
// session, it is purely a tag (§3 Session lifecycle).
func NewBootstrap(clientID string, expiresInHours int) (Bootstrap, error) {
	id := clientID
	if id == "" {
		id = New()
	} else if err := Validate(id); err != nil {
		return Bootstrap{}, err
	}

	return Bootstrap{
		SessionID:      id,
		CreatedAt:      time.Now().UTC(),
		ExpiresInHours: expiresInHours,
	}, nil
}

// Validate reports whether id is safe to use as a path component and as a
// registry secondary-index key. It rejects path separators, traversal
// sequences, and anything over MaxIDLength, matching the sanitization
// posture applied to upload filenames (§4.E).
func Validate(id string) error {
	if id == "" || len(id) > MaxIDLength {
		return ErrInvalidID
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return ErrInvalidID
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidID
		}
	}
	return nil
}
