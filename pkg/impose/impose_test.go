package impose

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

func TestComposeRejectsEmptyBatch(t *testing.T) {
	err := Compose(context.Background(), nil, DefaultLayoutConfig(), "/tmp/out.pdf", nil)
	assert.ErrorIs(t, err, task.ErrEmptyBatch)
}

func TestComposeRejectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Compose(ctx, []Input{{Name: "a.pdf", Path: "/nonexistent/a.pdf"}}, DefaultLayoutConfig(), "/tmp/out.pdf", nil)
	assert.Error(t, err)
}
