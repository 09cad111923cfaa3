package auth

import (
	"context"
	"time"
)

// Principal is the request-scoped authenticated identity. It is immutable
// once the guard has built it; handlers receive copies.
type Principal struct {
	UserID    string
	Email     string
	SessionID string
	TokenID   string
	Context   *RoleContext
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasContext reports whether a role context is active.
func (p Principal) HasContext() bool { return p.Context != nil }

// ActiveRole returns the active role code, or "" without a context.
func (p Principal) ActiveRole() RoleCode {
	if p.Context == nil {
		return ""
	}
	return p.Context.Role
}

// CompanyScope returns the company the request is confined to.
func (p Principal) CompanyScope() (string, bool) {
	if p.Context == nil || p.Context.CompanyID == "" {
		return "", false
	}
	return p.Context.CompanyID, true
}

// ActsAs reports whether the active context has one of the given roles.
func (p Principal) ActsAs(codes ...RoleCode) bool {
	role := p.ActiveRole()
	if role == "" {
		return false
	}
	for _, c := range codes {
		if c == role {
			return true
		}
	}
	return false
}

type principalContextKey struct{}
type tokenContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	if principal.Context != nil {
		rc := *principal.Context
		principal.Context = &rc
	}
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	p := *v
	if v.Context != nil {
		rc := *v.Context
		p.Context = &rc
	}
	return p, true
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID == "" {
		return "", false
	}
	return p.UserID, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
