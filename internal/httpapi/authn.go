package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/obs"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer "
	accessCookie  = "jwt_token"
	refreshCookie = "refresh_token"
	refreshHeader = "X-Refresh-Token"
)

// authenticate admits requests carrying a valid access token in the
// Authorization header or the jwt_token cookie.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := accessToken(r)
		if err != nil {
			a.reject(w, r, err)
			return
		}
		principal, err := a.auth.Guard().Authenticate(r.Context(), token)
		if err != nil {
			a.reject(w, r, err)
			return
		}
		setRequestUser(r.Context(), principal.UserID)
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) reject(w http.ResponseWriter, r *http.Request, err error) {
	if code := auth.CodeOf(err); code != auth.CodeInternal {
		obs.GuardRejections.WithLabelValues(string(code)).Inc()
	}
	handleAuthError(w, r, err)
}

// requireContext refuses callers that have not activated a role context.
func requireContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			handleAuthError(w, r, auth.ErrUnauthenticated)
			return
		}
		if !p.HasContext() {
			obs.GuardRejections.WithLabelValues(string(auth.CodeNoActiveContext)).Inc()
			handleAuthError(w, r, auth.ErrNoActiveContext)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole refuses callers whose active role is not one of codes.
func requireRole(codes ...auth.RoleCode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := auth.PrincipalFromContext(r.Context())
			if !p.ActsAs(codes...) {
				obs.GuardRejections.WithLabelValues(string(auth.CodeForbidden)).Inc()
				handleAuthError(w, r, auth.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func accessToken(r *http.Request) (string, error) {
	if header := r.Header.Get(authHeader); strings.TrimSpace(header) != "" {
		return extractBearerToken(header)
	}
	if c, err := r.Cookie(accessCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	return "", fmt.Errorf("%w: missing bearer token", auth.ErrUnauthenticated)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", fmt.Errorf("%w: missing bearer token", auth.ErrUnauthenticated)
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", fmt.Errorf("%w: invalid authorization scheme", auth.ErrTokenMalformed)
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", fmt.Errorf("%w: missing bearer token", auth.ErrUnauthenticated)
	}
	return token, nil
}

// refreshSecret reads the refresh secret from the header, the cookie, or
// the decoded body value, in that order.
func refreshSecret(r *http.Request, fromBody string) string {
	if v := strings.TrimSpace(r.Header.Get(refreshHeader)); v != "" {
		return v
	}
	if c, err := r.Cookie(refreshCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value)
	}
	return strings.TrimSpace(fromBody)
}
