package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"helpdesk.org/internal/ids"
)

const (
	defaultIssuer    = "helpdesk"
	defaultAccessTTL = 15 * time.Minute
	// issuedAtSkew tolerates clocks of peer instances running slightly ahead.
	issuedAtSkew = 5 * time.Second
)

// ErrSigningKeyUnavailable means no key material was configured.
var ErrSigningKeyUnavailable = errors.New("auth: signing key unavailable")

// TokenService issues and validates access tokens. Validation is purely
// cryptographic and never touches storage.
type TokenService struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithHMACSecret signs tokens with HS256.
func WithHMACSecret(secret string) TokenOption {
	return func(t *TokenService) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		t.method = jwt.SigningMethodHS256
		t.signKey = []byte(secret)
		t.verifyKey = []byte(secret)
		return nil
	}
}

// WithRS256Keys configures RSA keys used for signing and verifying tokens.
// It takes precedence over an HMAC secret.
func WithRS256Keys(privatePEM, publicPEM string) TokenOption {
	return func(t *TokenService) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" && publicPEM == "" {
			return nil
		}
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		if !priv.PublicKey.Equal(pub) {
			return errors.New("auth: public key does not match private key")
		}
		t.useRSA(priv, pub)
		return nil
	}
}

func (t *TokenService) useRSA(priv *rsa.PrivateKey, pub *rsa.PublicKey) {
	t.method = jwt.SigningMethodRS256
	t.signKey = priv
	t.verifyKey = pub
}

// WithKeyID sets the key identifier embedded into token headers.
func WithKeyID(kid string) TokenOption {
	return func(t *TokenService) error {
		t.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(t *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(t *TokenService) error {
		if ttl > 0 {
			t.accessTTL = ttl
		}
		return nil
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(t *TokenService) error {
		if fn != nil {
			t.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService. A signing key is mandatory.
func NewTokenService(opts ...TokenOption) (*TokenService, error) {
	t := &TokenService{
		issuer:    defaultIssuer,
		accessTTL: defaultAccessTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if t.method == nil {
		return nil, ErrSigningKeyUnavailable
	}
	return t, nil
}

// AccessTTL returns the configured access token lifetime.
func (t *TokenService) AccessTTL() time.Duration { return t.accessTTL }

// TokenSubject is what an access token is bound to.
type TokenSubject struct {
	UserID    string
	Email     string
	SessionID string
	Context   *RoleContext
}

// AccessToken is a signed token with its lifetime.
type AccessToken struct {
	Token     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type contextClaim struct {
	Code      RoleCode `json:"code"`
	CompanyID *string  `json:"company_id"`
}

type accessClaims struct {
	Email      string        `json:"email,omitempty"`
	SessionID  string        `json:"sid"`
	ActiveRole *contextClaim `json:"active_role"`
	jwt.RegisteredClaims
}

// Issue signs an access token for subject. The active_role claim is null
// when no context has been selected yet.
func (t *TokenService) Issue(subject TokenSubject) (AccessToken, error) {
	if strings.TrimSpace(subject.UserID) == "" || strings.TrimSpace(subject.SessionID) == "" {
		return AccessToken{}, fmt.Errorf("%w: user and session are required", ErrInvalidInput)
	}
	now := t.now().UTC().Truncate(time.Second)
	exp := now.Add(t.accessTTL)
	jti := ids.TokenID()

	claims := accessClaims{
		Email:     subject.Email,
		SessionID: subject.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	if subject.Context != nil {
		claim := &contextClaim{Code: subject.Context.Role}
		if subject.Context.CompanyID != "" {
			company := subject.Context.CompanyID
			claim.CompanyID = &company
		}
		claims.ActiveRole = claim
	}

	token := jwt.NewWithClaims(t.method, claims)
	if t.keyID != "" {
		token.Header["kid"] = t.keyID
	}
	signed, err := token.SignedString(t.signKey)
	if err != nil {
		return AccessToken{}, fmt.Errorf("%w: %v", ErrSigningKeyUnavailable, err)
	}
	return AccessToken{Token: signed, ID: jti, IssuedAt: now, ExpiresAt: exp}, nil
}

// Validate verifies signature, expiry and claim shape and returns the
// embedded identity. Failures are ErrTokenExpired, ErrTokenMalformed or
// ErrTokenSignatureInvalid.
func (t *TokenService) Validate(raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrTokenMalformed
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	claims := &accessClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.verifyKey, nil
	})
	if err != nil {
		return Principal{}, classifyJWTError(err)
	}
	return t.principalFromClaims(claims)
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenSignatureInvalid
	default:
		return ErrTokenMalformed
	}
}

func (t *TokenService) principalFromClaims(c *accessClaims) (Principal, error) {
	if strings.TrimSpace(c.Subject) == "" || strings.TrimSpace(c.SessionID) == "" || c.ID == "" {
		return Principal{}, ErrTokenMalformed
	}
	if c.IssuedAt == nil {
		return Principal{}, ErrTokenMalformed
	}
	now := t.now()
	if c.IssuedAt.Time.After(now.Add(issuedAtSkew)) || c.ExpiresAt.Time.Before(c.IssuedAt.Time) {
		return Principal{}, ErrTokenMalformed
	}
	p := Principal{
		UserID:    c.Subject,
		Email:     c.Email,
		SessionID: c.SessionID,
		TokenID:   c.ID,
		IssuedAt:  c.IssuedAt.Time.UTC(),
		ExpiresAt: c.ExpiresAt.Time.UTC(),
	}
	if c.ActiveRole != nil {
		company := ""
		if c.ActiveRole.CompanyID != nil {
			company = *c.ActiveRole.CompanyID
		}
		rc, err := NewRoleContext(c.ActiveRole.Code, company)
		if err != nil {
			return Principal{}, ErrTokenMalformed
		}
		p.Context = &rc
	}
	return p, nil
}
