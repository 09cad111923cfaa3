package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/category"
	"helpdesk.org/internal/denylist"
	"helpdesk.org/internal/store/memory"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "correct horse battery"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *memory.Store
	svc     *auth.Service
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := memory.New()
	tokens, err := auth.NewTokenService(auth.WithHMACSecret(testSecret), auth.WithIssuer("helpdesk-test"))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	svc, err := auth.NewService(store, tokens, auth.WithDenylist(denylist.NewMemory(time.Hour)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	api := New(Options{
		Version:    "test",
		Auth:       svc,
		Categories: category.NewService(category.NewMemoryStore()),
		RateBurst:  100,
		RatePerSec: 100,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		store:   store,
		svc:     svc,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, headers)
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type errorBody struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	RequestID string            `json:"request_id"`
	Fields    map[string]string `json:"fields"`
}

func expectError(t *testing.T, resp *http.Response, status int, code auth.Code) errorBody {
	t.Helper()
	if resp.StatusCode != status {
		body := decode[errorBody](t, resp)
		t.Fatalf("expected %d %s, got %d %+v", status, code, resp.StatusCode, body)
	}
	body := decode[errorBody](t, resp)
	if body.Code != string(code) {
		t.Fatalf("expected code %s, got %+v", code, body)
	}
	if body.RequestID == "" {
		t.Fatalf("expected request_id in error body")
	}
	return body
}

func (c *apiClient) register(email string) authResponse {
	c.t.Helper()
	resp := c.post("/v1/auth/register", map[string]any{
		"email":    email,
		"password": testPassword,
		"name":     "Test User",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register %s: unexpected status %d", email, resp.StatusCode)
	}
	return decode[authResponse](c.t, resp)
}

func (c *apiClient) login(email string) authResponse {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{"email": email, "password": testPassword}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login %s: unexpected status %d", email, resp.StatusCode)
	}
	return decode[authResponse](c.t, resp)
}

func (c *apiClient) activate(token string, role auth.RoleCode, company string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/contexts/activate", map[string]any{"role": role, "company_id": company}, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		body := decode[errorBody](c.t, resp)
		c.t.Fatalf("activate %s: unexpected status %d %+v", role, resp.StatusCode, body)
	}
	out := decode[activateResponse](c.t, resp)
	if out.ActiveContext.Role != role {
		c.t.Fatalf("unexpected active context %+v", out.ActiveContext)
	}
	return out.AccessToken
}

func (c *apiClient) grant(userID string, role auth.RoleCode, company string) {
	c.t.Helper()
	a, err := auth.NewAssignment(userID+"-"+string(role), userID, auth.RoleContext{Role: role, CompanyID: company}, "", time.Now())
	if err != nil {
		c.t.Fatalf("NewAssignment: %v", err)
	}
	if err := c.store.Assignments().Create(context.Background(), a); err != nil {
		c.t.Fatalf("create assignment: %v", err)
	}
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestHealthAndInfo(t *testing.T) {
	c := newTestAPI(t)

	health := decode[map[string]any](t, c.get("/healthz", nil))
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected healthz: %+v", health)
	}
	info := decode[map[string]any](t, c.get("/v1/info", nil))
	roles, ok := info["roles"].([]any)
	if !ok || len(roles) != 4 {
		t.Fatalf("expected role catalog in info, got %+v", info["roles"])
	}
	resp := c.get("/v1/nope", nil)
	expectError(t, resp, http.StatusNotFound, auth.CodeNotFound)
}

func TestReadyProbeFailure(t *testing.T) {
	api := New(Options{Version: "test", Ready: ReadyProbe{Checks: map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}}})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "redis: connection refused") {
		t.Fatalf("expected failing check in body, got %s", rr.Body.String())
	}
}

func TestRegisterRefreshFlow(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/auth/register", map[string]any{
		"email":    "Ana@Example.com",
		"password": testPassword,
		"name":     "Ana",
	}, map[string]string{"User-Agent": "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: unexpected status %d", resp.StatusCode)
	}
	access := findCookie(resp, accessCookie)
	if access == nil || !access.HttpOnly || access.SameSite != http.SameSiteStrictMode {
		t.Fatalf("expected HttpOnly SameSite=Strict access cookie, got %+v", access)
	}
	if refresh := findCookie(resp, refreshCookie); refresh == nil || refresh.Path != "/v1/auth" {
		t.Fatalf("expected refresh cookie scoped to /v1/auth, got %+v", refresh)
	}
	reg := decode[authResponse](t, resp)
	if reg.AccessToken == "" || reg.RefreshToken == "" || reg.TokenType != "Bearer" {
		t.Fatalf("unexpected register response: %+v", reg)
	}
	if reg.ActiveContext == nil || reg.ActiveContext.Role != auth.RoleUser || reg.RequiresSelection {
		t.Fatalf("single context must be auto-selected: %+v", reg.ActiveContext)
	}
	if reg.User == nil || reg.User.Email != "ana@example.com" {
		t.Fatalf("unexpected user: %+v", reg.User)
	}

	me := decode[profileResponse](t, c.get("/v1/auth/me", bearerHeader(reg.AccessToken)))
	if me.User.ID != reg.User.ID || me.SessionID != reg.SessionID {
		t.Fatalf("unexpected profile: %+v", me)
	}

	resp = c.post("/v1/auth/refresh", map[string]any{"refresh_token": reg.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: unexpected status %d", resp.StatusCode)
	}
	rotated := decode[authResponse](t, resp)
	if rotated.RefreshToken == "" || rotated.RefreshToken == reg.RefreshToken {
		t.Fatal("refresh must rotate the secret")
	}
	if rotated.SessionID != reg.SessionID {
		t.Fatalf("rotation must keep the session id, got %s want %s", rotated.SessionID, reg.SessionID)
	}

	// Presenting the rotated secret again inside the grace window.
	resp = c.post("/v1/auth/refresh", map[string]any{"refresh_token": reg.RefreshToken}, nil)
	expectError(t, resp, http.StatusConflict, auth.CodeAlreadyRotated)

	resp = c.post("/v1/auth/refresh", nil, map[string]string{refreshHeader: rotated.RefreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("header refresh: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/auth/refresh", nil, nil)
	expectError(t, resp, http.StatusBadRequest, auth.CodeInvalidInput)
	resp = c.post("/v1/auth/refresh", map[string]any{"refresh_token": "unknown"}, nil)
	expectError(t, resp, http.StatusNotFound, auth.CodeSessionNotFound)
}

func TestGuardRejections(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/v1/auth/me", nil)
	if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_token"`) {
		t.Fatalf("expected WWW-Authenticate challenge, got %q", got)
	}
	expectError(t, resp, http.StatusUnauthorized, auth.CodeUnauthenticated)

	resp = c.get("/v1/auth/me", bearerHeader("not-a-jwt"))
	expectError(t, resp, http.StatusUnauthorized, auth.CodeTokenInvalid)

	resp = c.get("/v1/auth/me", map[string]string{"Authorization": "Basic abc"})
	expectError(t, resp, http.StatusUnauthorized, auth.CodeTokenInvalid)

	reg := c.register("cookie@example.com")
	resp = c.get("/v1/auth/me", map[string]string{"Cookie": accessCookie + "=" + reg.AccessToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cookie auth: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRequestValidation(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/auth/register", map[string]any{"email": "nope", "password": "x", "name": "A"}, nil)
	body := expectError(t, resp, http.StatusBadRequest, auth.CodeInvalidInput)
	if body.Fields["email"] == "" || body.Fields["password"] == "" {
		t.Fatalf("expected field errors, got %+v", body.Fields)
	}

	resp = c.post("/v1/auth/login", map[string]any{"email": "a@example.com", "password": testPassword, "extra": true}, nil)
	expectError(t, resp, http.StatusBadRequest, auth.CodeInvalidInput)

	c.register("dup@example.com")
	resp = c.post("/v1/auth/register", map[string]any{"email": "DUP@example.com", "password": testPassword, "name": "B"}, nil)
	expectError(t, resp, http.StatusConflict, auth.CodeConflict)

	resp = c.post("/v1/auth/login", map[string]any{"email": "dup@example.com", "password": "wrong password"}, nil)
	expectError(t, resp, http.StatusUnauthorized, auth.CodeInvalidCredentials)
}

func TestContextSwitchAdminAndCategories(t *testing.T) {
	c := newTestAPI(t)

	root := c.register("root@example.com")
	c.grant(root.User.ID, auth.RolePlatformAdmin, "")
	rootLogin := c.login("root@example.com")
	if rootLogin.ActiveContext != nil || !rootLogin.RequiresSelection || len(rootLogin.AvailableContexts) != 2 {
		t.Fatalf("expected context selection, got %+v", rootLogin)
	}
	resp := c.post("/v1/admin/companies", map[string]any{"name": "Acme"}, bearerHeader(rootLogin.AccessToken))
	expectError(t, resp, http.StatusForbidden, auth.CodeNoActiveContext)

	adminToken := c.activate(rootLogin.AccessToken, auth.RolePlatformAdmin, "")
	resp = c.post("/v1/admin/companies", map[string]any{"name": "Acme"}, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create company: unexpected status %d", resp.StatusCode)
	}
	company := decode[auth.Company](t, resp)

	lead := c.register("lead@example.com")
	resp = c.post("/v1/admin/users/"+lead.User.ID+"/roles", map[string]any{"role": "company_admin", "company_id": company.ID}, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("assign role: unexpected status %d", resp.StatusCode)
	}
	assignment := decode[auth.RoleAssignment](t, resp)
	if assignment.Role != auth.RoleCompanyAdmin || assignment.CompanyID != company.ID {
		t.Fatalf("unexpected assignment: %+v", assignment)
	}

	leadLogin := c.login("lead@example.com")
	resp = c.post("/v1/auth/contexts/activate", map[string]any{"role": "AGENT", "company_id": company.ID}, bearerHeader(leadLogin.AccessToken))
	expectError(t, resp, http.StatusForbidden, auth.CodeRoleNotHeld)

	contexts := decode[contextsResponse](t, c.get("/v1/auth/contexts", bearerHeader(leadLogin.AccessToken)))
	if contexts.ActiveContext != nil || len(contexts.AvailableContexts) != 2 {
		t.Fatalf("unexpected contexts: %+v", contexts)
	}

	leadToken := c.activate(leadLogin.AccessToken, auth.RoleCompanyAdmin, company.ID)
	resp = c.post("/v1/categories", map[string]any{"name": "Billing"}, bearerHeader(leadToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create category: unexpected status %d", resp.StatusCode)
	}
	created := decode[category.Category](t, resp)
	if created.CompanyID != company.ID {
		t.Fatalf("category must be scoped to the active company, got %s", created.CompanyID)
	}
	resp = c.post("/v1/categories", map[string]any{"name": "Sales", "company_id": "someone-else"}, bearerHeader(leadToken))
	expectError(t, resp, http.StatusForbidden, auth.CodeForbidden)
	resp = c.post("/v1/categories", map[string]any{"name": "billing"}, bearerHeader(leadToken))
	expectError(t, resp, http.StatusConflict, auth.CodeConflict)

	list := decode[map[string][]category.Category](t, c.get("/v1/categories", bearerHeader(leadToken)))
	if len(list["categories"]) != 1 || list["categories"][0].Name != "Billing" {
		t.Fatalf("unexpected categories: %+v", list)
	}

	plain := c.register("plain@example.com")
	resp = c.post("/v1/admin/companies", map[string]any{"name": "Globex"}, bearerHeader(plain.AccessToken))
	expectError(t, resp, http.StatusForbidden, auth.CodeForbidden)
	resp = c.get("/v1/categories", bearerHeader(plain.AccessToken))
	expectError(t, resp, http.StatusForbidden, auth.CodeForbidden)

	resp = c.post("/v1/admin/users/"+plain.User.ID+"/suspend", nil, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend: unexpected status %d", resp.StatusCode)
	}
	suspended := decode[auth.User](t, resp)
	if suspended.Status != auth.StatusSuspended {
		t.Fatalf("unexpected status %s", suspended.Status)
	}
	resp = c.get("/v1/auth/me", bearerHeader(plain.AccessToken))
	expectError(t, resp, http.StatusForbidden, auth.CodeAccountSuspended)

	resp = c.do(http.MethodDelete, "/v1/admin/users/"+lead.User.ID+"/roles/"+assignment.ID, nil, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke role: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionEndpoints(t *testing.T) {
	c := newTestAPI(t)

	first := c.register("multi@example.com")
	second := c.login("multi@example.com")

	resp := c.get("/v1/auth/sessions", map[string]string{
		"Authorization": "Bearer " + second.AccessToken,
		refreshHeader:   second.RefreshToken,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list sessions: unexpected status %d", resp.StatusCode)
	}
	listed := decode[map[string][]auth.SessionView](t, resp)
	if len(listed["sessions"]) != 2 {
		t.Fatalf("expected two sessions, got %d", len(listed["sessions"]))
	}
	for _, s := range listed["sessions"] {
		if s.Current != (s.ID == second.SessionID) {
			t.Fatalf("wrong current flag on %+v", s)
		}
	}

	resp = c.do(http.MethodDelete, "/v1/auth/sessions/does-not-exist", nil, bearerHeader(second.AccessToken))
	expectError(t, resp, http.StatusNotFound, auth.CodeSessionNotFound)

	resp = c.post("/v1/auth/sessions/revoke-others", nil, bearerHeader(second.AccessToken))
	revoked := decode[map[string]any](t, resp)
	if revoked["revoked"] != float64(1) {
		t.Fatalf("expected one revoked session, got %+v", revoked)
	}
	resp = c.get("/v1/auth/me", bearerHeader(first.AccessToken))
	expectError(t, resp, http.StatusUnauthorized, auth.CodeTokenInvalid)
	resp = c.post("/v1/auth/refresh", map[string]any{"refresh_token": first.RefreshToken}, nil)
	expectError(t, resp, http.StatusUnauthorized, auth.CodeSessionRevoked)

	resp = c.post("/v1/auth/logout", nil, bearerHeader(second.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: unexpected status %d", resp.StatusCode)
	}
	if cleared := findCookie(resp, accessCookie); cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("expected access cookie to be cleared, got %+v", cleared)
	}
	resp.Body.Close()
	resp = c.get("/v1/auth/me", bearerHeader(second.AccessToken))
	expectError(t, resp, http.StatusUnauthorized, auth.CodeTokenInvalid)
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	c := newTestAPI(t)
	first := c.register("pw@example.com")
	second := c.login("pw@example.com")

	resp := c.post("/v1/auth/password", map[string]any{"current_password": "wrong password", "new_password": "brand new secret"}, bearerHeader(second.AccessToken))
	expectError(t, resp, http.StatusUnauthorized, auth.CodeInvalidCredentials)

	resp = c.post("/v1/auth/password", map[string]any{"current_password": testPassword, "new_password": "brand new secret"}, bearerHeader(second.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change password: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/auth/refresh", map[string]any{"refresh_token": first.RefreshToken}, nil)
	expectError(t, resp, http.StatusUnauthorized, auth.CodeSessionRevoked)
	resp = c.post("/v1/auth/refresh", map[string]any{"refresh_token": second.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("current session must survive, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
