package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"helpdesk.org/internal/auth"
)

type companyRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

type assignRoleRequest struct {
	Role      string `json:"role" validate:"required"`
	CompanyID string `json:"company_id"`
}

func (a *API) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	var req companyRequest
	if !bind(w, r, &req, false) {
		return
	}
	company, err := a.auth.CreateCompany(r.Context(), principal(r), req.Name)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, company)
}

func (a *API) handleUserStatus(status auth.UserStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.auth.SetUserStatus(r.Context(), principal(r), chi.URLParam(r, "id"), status)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if !bind(w, r, &req, false) {
		return
	}
	role, err := auth.ParseRoleCode(req.Role)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	assignment, err := a.auth.AssignRole(r.Context(), principal(r), chi.URLParam(r, "id"), auth.RoleContext{Role: role, CompanyID: req.CompanyID})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.RevokeRole(r.Context(), principal(r), chi.URLParam(r, "id"), chi.URLParam(r, "assignmentID")); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}
