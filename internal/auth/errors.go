package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrConflict      = errors.New("auth: conflict")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrForbidden     = errors.New("auth: forbidden")

	ErrUnauthenticated       = errors.New("auth: unauthenticated")
	ErrTokenExpired          = fmt.Errorf("%w: token expired", ErrUnauthenticated)
	ErrTokenMalformed        = fmt.Errorf("%w: token malformed", ErrUnauthenticated)
	ErrTokenSignatureInvalid = fmt.Errorf("%w: token signature invalid", ErrUnauthenticated)
	ErrTokenRevoked          = fmt.Errorf("%w: token revoked", ErrUnauthenticated)
	ErrInvalidCredentials    = errors.New("auth: invalid credentials")

	ErrAccountSuspended = errors.New("auth: account suspended")
	ErrRoleNotHeld      = errors.New("auth: role not held")
	ErrNoActiveContext  = errors.New("auth: no active role context")

	ErrSessionNotFound = errors.New("auth: session not found")
	ErrSessionRevoked  = errors.New("auth: session revoked")
	ErrSessionExpired  = errors.New("auth: session expired")
	ErrReuseDetected   = errors.New("auth: refresh token reuse detected")
	ErrAlreadyRotated  = errors.New("auth: refresh token already rotated")

	// ErrStaleSession is returned by stores when a conditional update finds
	// the session no longer active.
	ErrStaleSession = errors.New("auth: session no longer active")
)

// Code is the stable machine-readable form of an auth error.
type Code string

const (
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeTokenInvalid       Code = "TOKEN_INVALID"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeAccountSuspended   Code = "ACCOUNT_SUSPENDED"
	CodeRoleNotHeld        Code = "ROLE_NOT_HELD"
	CodeNoActiveContext    Code = "NO_ACTIVE_CONTEXT"
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeSessionRevoked     Code = "SESSION_REVOKED"
	CodeSessionExpired     Code = "SESSION_EXPIRED"
	CodeReuseDetected      Code = "REUSE_DETECTED"
	CodeAlreadyRotated     Code = "ALREADY_ROTATED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeConflict           Code = "CONFLICT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInternal           Code = "INTERNAL"
)

var codeTable = []struct {
	err  error
	code Code
}{
	{ErrTokenExpired, CodeTokenExpired},
	{ErrTokenMalformed, CodeTokenInvalid},
	{ErrTokenSignatureInvalid, CodeTokenInvalid},
	{ErrTokenRevoked, CodeTokenInvalid},
	{ErrUnauthenticated, CodeUnauthenticated},
	{ErrInvalidCredentials, CodeInvalidCredentials},
	{ErrAccountSuspended, CodeAccountSuspended},
	{ErrRoleNotHeld, CodeRoleNotHeld},
	{ErrNoActiveContext, CodeNoActiveContext},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrSessionRevoked, CodeSessionRevoked},
	{ErrSessionExpired, CodeSessionExpired},
	{ErrReuseDetected, CodeReuseDetected},
	{ErrAlreadyRotated, CodeAlreadyRotated},
	{ErrForbidden, CodeForbidden},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrAlreadyExists, CodeConflict},
	{ErrConflict, CodeConflict},
	{ErrNotFound, CodeNotFound},
}

// CodeOf classifies err. Unknown errors are INTERNAL.
func CodeOf(err error) Code {
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}
