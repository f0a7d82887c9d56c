package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yingcaihuang/invoice-pretty/pkg/api/middleware"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry/memory"
	"github.com/yingcaihuang/invoice-pretty/pkg/scheduler"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage/local"
)

// testHarness wires a memory registry, a temp-dir local storage backend,
// and a scheduler pool that is never started (so submitted tasks stay queued
// rather than racing the test), matching what a handler needs without
// pulling in the full HTTP router.
type testHarness struct {
	reg  registry.Registry
	st   storage.Manager
	pool *scheduler.Pool
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	reg := memory.New(registry.DefaultTTLConfig())
	t.Cleanup(func() { _ = reg.Close() })

	st, err := local.New(t.TempDir())
	require.NoError(t, err)

	pool := scheduler.New(scheduler.Config{
		Workers:       1,
		QueueCapacity: 8,
	}, reg, st)

	return &testHarness{reg: reg, st: st, pool: pool}
}

// newSaturatedScheduler builds a pool with a single-slot queue that is
// never drained (Start is never called), then fills that one slot, so
// every subsequent Submit reports backpressure. Used to exercise
// callers' rollback-on-rejection paths.
func newSaturatedScheduler(t *testing.T, reg registry.Registry, st storage.Manager) *scheduler.Pool {
	t.Helper()
	pool := scheduler.New(scheduler.Config{
		Workers:       1,
		QueueCapacity: 1,
	}, reg, st)
	require.True(t, pool.Submit("filler-task"))
	return pool
}

// multipartUpload builds a multipart/form-data body with one "files" part
// per (name, content) pair, returning the body and its content type.
func multipartUpload(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for name, content := range files {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func newRequestWithSession(t *testing.T, method, target string, body *bytes.Buffer, contentType, sessionID string) *http.Request {
	t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, body)
		r.Header.Set("Content-Type", contentType)
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if sessionID != "" {
		r.Header.Set("X-Session-ID", sessionID)
		// Pass the request through RequireSession so the session id is in
		// its context, where handlers read it, as it is behind the router.
		middleware.RequireSession(http.HandlerFunc(func(_ http.ResponseWriter, withSession *http.Request) {
			r = withSession
		})).ServeHTTP(httptest.NewRecorder(), r)
	}
	return r
}

// minimalPDF is just enough PDF magic-byte header content for
// mimetype.DetectReader to classify it as application/pdf.
var minimalPDF = []byte("%PDF-1.4\n%%EOF\n")
