package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/category"
	"helpdesk.org/internal/obs"
)

const serviceName = "helpdesk-api"

// ReadyProbe runs the named dependency checks behind /readyz.
type ReadyProbe struct {
	Checks map[string]func(context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	names := make([]string, 0, len(rp.Checks))
	for name := range rp.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := rp.Checks[name](ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// CookieConfig controls the attributes of credential cookies.
type CookieConfig struct {
	Secure bool
	Domain string
}

// Options wires the HTTP layer to the services it fronts.
type Options struct {
	Version     string
	Ready       ReadyProbe
	Auth        *auth.Service
	Categories  *category.Service
	Cookies     CookieConfig
	RateBurst   int
	RatePerSec  int
	CORSOrigins []string

	// TrustedProxies lists the peers whose X-Forwarded-For is believed.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	readyProbe ReadyProbe
	version    string

	auth       *auth.Service
	categories *category.Service
	cookies    CookieConfig

	rateBurst      int
	ratePerSec     int
	corsOrigins    []string
	trustedProxies []netip.Prefix
}

func New(opts Options) *API {
	a := &API{
		readyProbe:     opts.Ready,
		version:        opts.Version,
		auth:           opts.Auth,
		categories:     opts.Categories,
		cookies:        opts.Cookies,
		rateBurst:      opts.RateBurst,
		ratePerSec:     opts.RatePerSec,
		corsOrigins:    opts.CORSOrigins,
		trustedProxies: opts.TrustedProxies,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(ClientIP(a.trustedProxies), RequestID, Logging, SecurityHeaders, CORS(a.corsOrigins), obs.Instrument)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, auth.CodeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, auth.CodeInvalidInput, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	limited := func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) }
	limitBody := func(next http.Handler) http.Handler { return MaxBodyBytes(next, 1<<20) }

	r.Route("/v1", func(r chi.Router) {
		r.Use(limitBody)

		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(limited)
				r.Post("/register", a.handleRegister)
				r.Post("/login", a.handleLogin)
				r.Post("/refresh", a.handleRefresh)
			})
			r.Group(func(r chi.Router) {
				r.Use(a.authenticate)
				r.Get("/me", a.handleMe)
				r.Post("/logout", a.handleLogout)
				r.Post("/logout-all", a.handleLogoutAll)
				r.Post("/password", a.handleChangePassword)
				r.Get("/contexts", a.handleListContexts)
				r.Post("/contexts/activate", a.handleActivateContext)
				r.Get("/sessions", a.handleListSessions)
				r.Delete("/sessions/{id}", a.handleRevokeSession)
				r.Post("/sessions/revoke-others", a.handleRevokeOtherSessions)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.authenticate, requireContext, requireRole(auth.RolePlatformAdmin, auth.RoleCompanyAdmin))
			r.Post("/companies", a.handleCreateCompany)
			r.Post("/users/{id}/suspend", a.handleUserStatus(auth.StatusSuspended))
			r.Post("/users/{id}/reactivate", a.handleUserStatus(auth.StatusActive))
			r.Delete("/users/{id}", a.handleUserStatus(auth.StatusDeleted))
			r.Post("/users/{id}/roles", a.handleAssignRole)
			r.Delete("/users/{id}/roles/{assignmentID}", a.handleRevokeRole)
		})

		r.Route("/categories", func(r chi.Router) {
			r.Use(a.authenticate, requireContext)
			r.Post("/", a.handleCreateCategory)
			r.Get("/", a.handleListCategories)
		})
	})
	return r
}

// Handler returns the root http.Handler for the server.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	roles := make([]map[string]any, 0, 4)
	for _, role := range auth.Roles() {
		roles = append(roles, map[string]any{
			"code":             role.Code,
			"name":             role.Name,
			"requires_company": role.RequiresCompany,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
		"roles":   roles,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
