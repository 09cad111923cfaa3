package httpapi

import (
	"net/http"

	"helpdesk.org/internal/category"
)

type categoryRequest struct {
	CompanyID   string `json:"company_id"`
	Name        string `json:"name" validate:"required,max=120"`
	Description string `json:"description" validate:"max=1000"`
}

func (a *API) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !bind(w, r, &req, false) {
		return
	}
	c, err := a.categories.Create(r.Context(), principal(r), category.CreateInput{
		CompanyID:   req.CompanyID,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleListCategories(w http.ResponseWriter, r *http.Request) {
	items, err := a.categories.List(r.Context(), principal(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if items == nil {
		items = []category.Category{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": items})
}
