package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/yingcaihuang/invoice-pretty/pkg/apierr"
	"github.com/yingcaihuang/invoice-pretty/pkg/session"
)

// SessionHandler serves the unauthenticated session bootstrap endpoint.
type SessionHandler struct {
	expiresInHours int
}

// NewSessionHandler constructs a SessionHandler. expiresInHours is the
// advisory value returned to clients; the server never actually expires
// a session server-side.
func NewSessionHandler(expiresInHours int) *SessionHandler {
	return &SessionHandler{expiresInHours: expiresInHours}
}

type bootstrapRequest struct {
	SessionID string `json:"session_id"`
}

type bootstrapResponse struct {
	SessionID      string `json:"session_id"`
	CreatedAt      string `json:"created_at"`
	ExpiresInHours int    `json:"expires_in_hours"`
}

// Bootstrap handles POST /api/session: accepts an optional client-supplied
// session id and returns it (or a freshly generated one) along with a
// creation timestamp and advisory expiry.
func (h *SessionHandler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	b, err := session.NewBootstrap(req.SessionID, h.expiresInHours)
	if err != nil {
		apierr.WriteBadRequest(w, "invalid session identifier")
		return
	}

	writeJSON(w, http.StatusOK, bootstrapResponse{
		SessionID:      b.SessionID,
		CreatedAt:      b.CreatedAt.Format(time.RFC3339),
		ExpiresInHours: b.ExpiresInHours,
	})
}
