package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

func TestDownloadServesOwnedCompletedOutput(t *testing.T) {
	h := newTestHarness(t)
	downloadHandler := NewDownloadHandler(h.reg, h.st)

	rec := newRecord("s1", "t1", task.StatusCompleted)
	rec.OutputRefs = []string{"result.pdf"}
	require.NoError(t, h.reg.Create(context.Background(), rec))
	_, err := h.st.Put(context.Background(), "s1", "t1", storage.KindOutput, "result.pdf", strings.NewReader("composite bytes"))
	require.NoError(t, err)

	r := newRequestWithSession(t, http.MethodGet, "/api/download/t1/result.pdf", nil, "", "s1")
	r = withURLParam(r, "id", "t1")
	r = withURLParam(r, "name", "result.pdf")
	w := httptest.NewRecorder()

	downloadHandler.Download(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="result.pdf"`, w.Header().Get("Content-Disposition"))
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Equal(t, "composite bytes", string(body))
}

func TestDownloadInlineDisposition(t *testing.T) {
	h := newTestHarness(t)
	downloadHandler := NewDownloadHandler(h.reg, h.st)

	rec := newRecord("s1", "t1", task.StatusCompleted)
	rec.OutputRefs = []string{"result.pdf"}
	require.NoError(t, h.reg.Create(context.Background(), rec))
	_, err := h.st.Put(context.Background(), "s1", "t1", storage.KindOutput, "result.pdf", strings.NewReader("bytes"))
	require.NoError(t, err)

	r := newRequestWithSession(t, http.MethodGet, "/api/download/t1/result.pdf?inline=true", nil, "", "s1")
	r = withURLParam(r, "id", "t1")
	r = withURLParam(r, "name", "result.pdf")
	w := httptest.NewRecorder()

	downloadHandler.Download(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `inline; filename="result.pdf"`, w.Header().Get("Content-Disposition"))
}

func TestDownloadCrossSessionIsNotFound(t *testing.T) {
	h := newTestHarness(t)
	downloadHandler := NewDownloadHandler(h.reg, h.st)

	rec := newRecord("s1", "t1", task.StatusCompleted)
	rec.OutputRefs = []string{"result.pdf"}
	require.NoError(t, h.reg.Create(context.Background(), rec))

	r := newRequestWithSession(t, http.MethodGet, "/api/download/t1/result.pdf", nil, "", "s2")
	r = withURLParam(r, "id", "t1")
	r = withURLParam(r, "name", "result.pdf")
	w := httptest.NewRecorder()

	downloadHandler.Download(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadExpiredTaskIsNotFound(t *testing.T) {
	h := newTestHarness(t)
	downloadHandler := NewDownloadHandler(h.reg, h.st)

	rec := newRecord("s1", "t1", task.StatusExpired)
	rec.OutputRefs = []string{"result.pdf"}
	require.NoError(t, h.reg.Create(context.Background(), rec))

	r := newRequestWithSession(t, http.MethodGet, "/api/download/t1/result.pdf", nil, "", "s1")
	r = withURLParam(r, "id", "t1")
	r = withURLParam(r, "name", "result.pdf")
	w := httptest.NewRecorder()

	downloadHandler.Download(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "FILES_EXPIRED", body["code"], "expired downloads must be distinguishable from an ordinary NOT_FOUND")
}

// TestDownloadRejectsUnknownNameEvenIfPathLooksValid exercises the
// resolve() defense: a requested name that does not exactly match one of
// the task's own OutputRefs is rejected before ever reaching the storage
// backend, regardless of what the path would resolve to on disk.
func TestDownloadRejectsUnknownNameEvenIfPathLooksValid(t *testing.T) {
	h := newTestHarness(t)
	downloadHandler := NewDownloadHandler(h.reg, h.st)

	rec := newRecord("s1", "t1", task.StatusCompleted)
	rec.OutputRefs = []string{"result.pdf"}
	require.NoError(t, h.reg.Create(context.Background(), rec))

	r := newRequestWithSession(t, http.MethodGet, "/api/download/t1/../../etc/passwd", nil, "", "s1")
	r = withURLParam(r, "id", "t1")
	r = withURLParam(r, "name", "../../etc/passwd")
	w := httptest.NewRecorder()

	downloadHandler.Download(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHeadDownloadReportsSizeWithoutBody(t *testing.T) {
	h := newTestHarness(t)
	downloadHandler := NewDownloadHandler(h.reg, h.st)

	rec := newRecord("s1", "t1", task.StatusCompleted)
	rec.OutputRefs = []string{"result.pdf"}
	require.NoError(t, h.reg.Create(context.Background(), rec))
	_, err := h.st.Put(context.Background(), "s1", "t1", storage.KindOutput, "result.pdf", strings.NewReader("12345"))
	require.NoError(t, err)

	r := newRequestWithSession(t, http.MethodHead, "/api/download/t1/result.pdf", nil, "", "s1")
	r = withURLParam(r, "id", "t1")
	r = withURLParam(r, "name", "result.pdf")
	w := httptest.NewRecorder()

	downloadHandler.HeadDownload(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Body.Bytes())
}
