package httpapi

import (
	"net/http"
	"time"

	"helpdesk.org/internal/auth"
)

type registerRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Password   string `json:"password" validate:"required,min=8,max=128"`
	Name       string `json:"name" validate:"required,max=200"`
	DeviceName string `json:"device_name" validate:"max=100"`
}

type loginRequest struct {
	Email      string `json:"email" validate:"required,max=254"`
	Password   string `json:"password" validate:"required,max=128"`
	DeviceName string `json:"device_name" validate:"max=100"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceName   string `json:"device_name" validate:"max=100"`
}

type activateRequest struct {
	Role      string `json:"role" validate:"required"`
	CompanyID string `json:"company_id"`
}

type passwordRequest struct {
	CurrentPassword string `json:"current_password" validate:"max=128"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128"`
}

type authResponse struct {
	AccessToken       string                  `json:"access_token"`
	TokenType         string                  `json:"token_type"`
	ExpiresIn         int64                   `json:"expires_in"`
	ExpiresAt         time.Time               `json:"expires_at"`
	RefreshToken      string                  `json:"refresh_token"`
	RefreshExpiresAt  time.Time               `json:"refresh_expires_at"`
	SessionID         string                  `json:"session_id"`
	User              *auth.User              `json:"user"`
	ActiveContext     *auth.RoleContext       `json:"active_context"`
	AvailableContexts []auth.AvailableContext `json:"available_contexts"`
	RequiresSelection bool                    `json:"requires_context_selection"`
	DashboardPath     string                  `json:"dashboard_path,omitempty"`
}

type contextsResponse struct {
	ActiveContext     *auth.RoleContext       `json:"active_context"`
	AvailableContexts []auth.AvailableContext `json:"available_contexts"`
}

type activateResponse struct {
	AccessToken   string           `json:"access_token"`
	TokenType     string           `json:"token_type"`
	ExpiresIn     int64            `json:"expires_in"`
	ExpiresAt     time.Time        `json:"expires_at"`
	ActiveContext auth.RoleContext `json:"active_context"`
	DashboardPath string           `json:"dashboard_path"`
}

type profileResponse struct {
	User              *auth.User              `json:"user"`
	SessionID         string                  `json:"session_id"`
	ActiveContext     *auth.RoleContext       `json:"active_context"`
	AvailableContexts []auth.AvailableContext `json:"available_contexts"`
}

func dashboardPath(rc *auth.RoleContext) string {
	if rc == nil {
		return ""
	}
	role, _ := auth.LookupRole(rc.Role)
	return role.DashboardPath
}

func secondsUntil(t time.Time) int64 {
	d := time.Until(t)
	if d < 0 {
		return 0
	}
	return int64(d.Round(time.Second) / time.Second)
}

func (a *API) respondAuthentication(w http.ResponseWriter, status int, res auth.Authentication) {
	a.setSessionCookies(w, res.Tokens)
	available := res.Available
	if available == nil {
		available = []auth.AvailableContext{}
	}
	writeJSON(w, status, authResponse{
		AccessToken:       res.Tokens.AccessToken,
		TokenType:         "Bearer",
		ExpiresIn:         secondsUntil(res.Tokens.AccessExpiresAt),
		ExpiresAt:         res.Tokens.AccessExpiresAt,
		RefreshToken:      res.Tokens.RefreshToken,
		RefreshExpiresAt:  res.Tokens.RefreshExpiresAt,
		SessionID:         res.Tokens.SessionID,
		User:              res.User,
		ActiveContext:     res.Context,
		AvailableContexts: available,
		RequiresSelection: res.Context == nil && len(available) > 1,
		DashboardPath:     dashboardPath(res.Context),
	})
}

func (a *API) cookie(name, value, path string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   a.cookies.Domain,
		HttpOnly: true,
		Secure:   a.cookies.Secure,
		SameSite: http.SameSiteStrictMode,
	}
	if expires.IsZero() {
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
	} else {
		c.Expires = expires
		c.MaxAge = int(secondsUntil(expires))
	}
	return c
}

func (a *API) setSessionCookies(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, a.cookie(accessCookie, pair.AccessToken, "/", pair.AccessExpiresAt))
	http.SetCookie(w, a.cookie(refreshCookie, pair.RefreshToken, "/v1/auth", pair.RefreshExpiresAt))
}

func (a *API) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, a.cookie(accessCookie, "", "/", time.Time{}))
	http.SetCookie(w, a.cookie(refreshCookie, "", "/v1/auth", time.Time{}))
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !bind(w, r, &req, false) {
		return
	}
	res, err := a.auth.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	}, device(r, req.DeviceName))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.respondAuthentication(w, http.StatusCreated, res)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !bind(w, r, &req, false) {
		return
	}
	res, err := a.auth.Login(r.Context(), req.Email, req.Password, device(r, req.DeviceName))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.respondAuthentication(w, http.StatusOK, res)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !bind(w, r, &req, true) {
		return
	}
	secret := refreshSecret(r, req.RefreshToken)
	if secret == "" {
		writeError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, "refresh token is required")
		return
	}
	res, err := a.auth.Refresh(r.Context(), secret, device(r, req.DeviceName))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.respondAuthentication(w, http.StatusOK, res)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	profile, err := a.auth.Me(r.Context(), p)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	available := profile.Available
	if available == nil {
		available = []auth.AvailableContext{}
	}
	writeJSON(w, http.StatusOK, profileResponse{
		User:              profile.User,
		SessionID:         p.SessionID,
		ActiveContext:     profile.Context,
		AvailableContexts: available,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Logout(r.Context(), principal(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.auth.LogoutAll(r.Context(), principal(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out", "revoked": n})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !bind(w, r, &req, false) {
		return
	}
	if err := a.auth.ChangePassword(r.Context(), principal(r), req.CurrentPassword, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

func (a *API) handleListContexts(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	available, err := a.auth.Resolver().Available(r.Context(), p.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if available == nil {
		available = []auth.AvailableContext{}
	}
	writeJSON(w, http.StatusOK, contextsResponse{ActiveContext: p.Context, AvailableContexts: available})
}

func (a *API) handleActivateContext(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if !bind(w, r, &req, false) {
		return
	}
	role, err := auth.ParseRoleCode(req.Role)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	act, err := a.auth.ActivateContext(r.Context(), principal(r), auth.RoleContext{Role: role, CompanyID: req.CompanyID})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	http.SetCookie(w, a.cookie(accessCookie, act.AccessToken, "/", act.ExpiresAt))
	writeJSON(w, http.StatusOK, activateResponse{
		AccessToken:   act.AccessToken,
		TokenType:     "Bearer",
		ExpiresIn:     secondsUntil(act.ExpiresAt),
		ExpiresAt:     act.ExpiresAt,
		ActiveContext: act.Context,
		DashboardPath: dashboardPath(&act.Context),
	})
}
