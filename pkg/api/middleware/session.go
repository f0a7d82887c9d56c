// Package middleware provides HTTP middleware for the imposition service's
// API, grounded on the teacher's own claims-in-context middleware shape.
package middleware

import (
	"context"
	"net/http"

	"github.com/yingcaihuang/invoice-pretty/pkg/apierr"
	"github.com/yingcaihuang/invoice-pretty/pkg/session"
)

type contextKey string

const sessionContextKey contextKey = "sessionID"

// GetSessionID retrieves the session id stored by RequireSession. Returns
// empty string if called on a route without that middleware.
func GetSessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionContextKey).(string)
	return id
}

// extractSessionID reads the session id from the X-Session-ID header, or
// as a fallback the session= query parameter (needed for download links
// framed in an <img>/<iframe> that cannot set custom headers).
func extractSessionID(r *http.Request) string {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("session")
}

// RequireSession rejects any request without a valid session identifier.
// The spec's MissingSession error is raised here, before any handler-level
// business logic runs.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := extractSessionID(r)
		if id == "" {
			apierr.WriteMissingSession(w)
			return
		}
		if err := session.Validate(id); err != nil {
			apierr.WriteBadRequest(w, "invalid session identifier")
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
