// Package apierr writes the user-visible error envelope named in the
// specification's error handling design: { "error": true, "code":
// "<ERROR_CODE>", "message": "<prose>" }. It is a leaf package with no
// dependency on the api/handlers/middleware packages so that all three can
// import it without creating a cycle.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yingcaihuang/invoice-pretty/pkg/session"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

// Body is the wire shape of an error response.
type Body struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes named in §7's taxonomy; used verbatim on the wire.
const (
	CodeMissingSession   = "MISSING_SESSION"
	CodeBadRequest       = "BAD_REQUEST"
	CodeUnsupportedMedia = "UNSUPPORTED_MEDIA_TYPE"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeNotFound         = "NOT_FOUND"
	CodeFilesExpired     = "FILES_EXPIRED"
	CodeBackpressure     = "BACKPRESSURE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"
)

// JSON writes data as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":true,"code":"INTERNAL","message":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Write writes the standard error envelope.
func Write(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, Body{Error: true, Code: code, Message: message})
}

// WriteMissingSession writes the 401 MissingSession response.
func WriteMissingSession(w http.ResponseWriter) {
	Write(w, http.StatusUnauthorized, CodeMissingSession, "a session identifier is required")
}

// WriteBadRequest writes a 400 BadRequest response.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	Write(w, http.StatusBadRequest, CodeBadRequest, msg)
}

// WriteUnsupportedMedia writes a 415 UnsupportedMediaType response.
func WriteUnsupportedMedia(w http.ResponseWriter, msg string) {
	Write(w, http.StatusUnsupportedMediaType, CodeUnsupportedMedia, msg)
}

// WritePayloadTooLarge writes a 413 PayloadTooLarge response.
func WritePayloadTooLarge(w http.ResponseWriter, msg string) {
	Write(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, msg)
}

// WriteNotFound writes the 404 NotFound response used for both "no such
// id" and "not your id", collapsed deliberately to avoid an existence
// oracle.
func WriteNotFound(w http.ResponseWriter, msg string) {
	Write(w, http.StatusNotFound, CodeNotFound, msg)
}

// WriteFilesExpired writes the 404 response for seed scenario S6: a
// completed task whose record is still queryable but whose files have
// been swept past the retention horizon. Distinguished from the generic
// CodeNotFound so a client can tell "never existed"/"not yours" apart
// from "existed, but its files are gone".
func WriteFilesExpired(w http.ResponseWriter) {
	Write(w, http.StatusNotFound, CodeFilesExpired, "the requested files have expired")
}

// WriteBackpressure writes the 429 Backpressure response.
func WriteBackpressure(w http.ResponseWriter) {
	Write(w, http.StatusTooManyRequests, CodeBackpressure, "the worker queue is at capacity, try again shortly")
}

// WriteInternal writes a 500 Internal response. msg is a generic prose
// string; the underlying error is never echoed to the client.
func WriteInternal(w http.ResponseWriter, msg string) {
	Write(w, http.StatusInternalServerError, CodeInternal, msg)
}

// WriteUnavailable writes a 503 response for health-degraded states.
func WriteUnavailable(w http.ResponseWriter, msg string) {
	Write(w, http.StatusServiceUnavailable, CodeUnavailable, msg)
}

// WriteRegistryErr maps a registry/task/storage sentinel error to its
// HTTP response, per the mapping table in task/errors.go and §6's status
// code table. Any error not recognized falls back to 500 Internal.
func WriteRegistryErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		WriteNotFound(w, "no such task")
	case errors.Is(err, task.ErrMissingSession):
		WriteMissingSession(w)
	case errors.Is(err, task.ErrStaleState), errors.Is(err, task.ErrInvalidTransition):
		WriteBadRequest(w, "task is not in a state that allows this operation")
	case errors.Is(err, session.ErrInvalidID):
		WriteBadRequest(w, "invalid session identifier")
	case errors.Is(err, storage.ErrNotFound):
		WriteNotFound(w, "no such file")
	default:
		WriteInternal(w, "an internal error occurred")
	}
}
