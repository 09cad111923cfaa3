package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"helpdesk.org/internal/auth"
)

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.auth.ListSessions(r.Context(), principal(r), refreshSecret(r, ""))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []auth.SessionView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.auth.RevokeSession(r.Context(), principal(r), id); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "session_id": id})
}

func (a *API) handleRevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	n, err := a.auth.RevokeOtherSessions(r.Context(), principal(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "revoked": n})
}
