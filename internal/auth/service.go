package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"helpdesk.org/internal/ids"
	"helpdesk.org/internal/obs"
)

const (
	defaultRefreshTTL = 24 * time.Hour * 14
	defaultReuseGrace = 5 * time.Second
)

// Service implements login, registration, refresh rotation, context
// activation and the session registry on top of a Store.
type Service struct {
	store    Store
	tokens   *TokenService
	resolver *Resolver
	guard    *Guard
	denylist Denylist
	events   EventSink
	now      func() time.Time

	refreshTTL       time.Duration
	reuseGrace       time.Duration
	revokeAllOnReuse bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithRefreshTTL configures refresh session lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithReuseGrace sets how long a just-rotated secret is answered with
// ErrAlreadyRotated instead of being treated as theft. Zero disables it.
func WithReuseGrace(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 {
			return errors.New("auth: reuse grace must not be negative")
		}
		s.reuseGrace = d
		return nil
	}
}

// WithRevokeAllOnReuse revokes every session of the user on replay, not
// only the affected chain.
func WithRevokeAllOnReuse(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.revokeAllOnReuse = enabled
		return nil
	}
}

// WithDenylist enables immediate access token denial for revoked sessions.
func WithDenylist(d Denylist) ServiceOption {
	return func(s *Service) error {
		s.denylist = d
		return nil
	}
}

// WithEvents sets the audit sink.
func WithEvents(sink EventSink) ServiceOption {
	return func(s *Service) error {
		if sink != nil {
			s.events = sink
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if store == nil || tokens == nil {
		return nil, errors.New("auth: store and token service are required")
	}
	svc := &Service{
		store:      store,
		tokens:     tokens,
		events:     discardSink{},
		now:        time.Now,
		refreshTTL: defaultRefreshTTL,
		reuseGrace: defaultReuseGrace,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.resolver = NewResolver(store.Assignments(), store.Companies())
	svc.guard = NewGuard(tokens, store.Users(), svc.denylist)
	return svc, nil
}

// Guard returns the request authenticator bound to this service.
func (s *Service) Guard() *Guard { return s.guard }

// Resolver returns the role-context resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Tokens returns the access token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// TokenPair holds a fresh access token and the plaintext refresh secret.
// The secret is returned exactly once and never stored.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        string
}

// Authentication is the result of login, registration and refresh.
type Authentication struct {
	User      *User
	Tokens    TokenPair
	Context   *RoleContext
	Available []AvailableContext
}

// RegisterInput carries self-service signup fields.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
}

// Register creates an ACTIVE user holding the USER role and opens a session.
func (s *Service) Register(ctx context.Context, in RegisterInput, dev Device) (Authentication, error) {
	now := s.now().UTC()
	dev = NormalizeDevice(dev)
	email := NormalizeEmail(in.Email)
	name := strings.TrimSpace(in.Name)
	if email == "" || !strings.Contains(email, "@") {
		return Authentication{}, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if name == "" {
		return Authentication{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return Authentication{}, err
	}
	user := &User{
		ID:           ids.At(now),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	base, err := NewAssignment(ids.At(now), user.ID, RoleContext{Role: RoleUser}, "", now)
	if err != nil {
		return Authentication{}, err
	}
	if err := s.store.Users().Create(ctx, user, base); err != nil {
		s.emit(ctx, Event{Type: EventRegister, IP: dev.IP, Device: dev.Name}, err)
		return Authentication{}, err
	}
	res, err := s.startSession(ctx, user, dev, now)
	s.emit(ctx, Event{Type: EventRegister, UserID: user.ID, SessionID: res.Tokens.SessionID, IP: dev.IP, Device: dev.Name}, err)
	return res, err
}

// Login verifies credentials and opens a session. Unknown, deleted and
// password-less accounts are indistinguishable from a wrong password.
func (s *Service) Login(ctx context.Context, email, password string, dev Device) (res Authentication, err error) {
	now := s.now().UTC()
	dev = NormalizeDevice(dev)
	ev := Event{Type: EventLogin, IP: dev.IP, Device: dev.Name}
	defer func() {
		obs.AuthLogins.WithLabelValues(outcomeLabel(err)).Inc()
		if res.User != nil {
			ev.UserID = res.User.ID
			ev.SessionID = res.Tokens.SessionID
			if res.Context != nil {
				ev.Role, ev.CompanyID = res.Context.Role, res.Context.CompanyID
			}
		}
		s.emit(ctx, ev, err)
	}()

	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return Authentication{}, ErrInvalidCredentials
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			spendComparison(password)
			return Authentication{}, ErrInvalidCredentials
		}
		return Authentication{}, err
	}
	ev.UserID = user.ID
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Authentication{}, ErrInvalidCredentials
	}
	switch user.Status {
	case StatusActive:
	case StatusSuspended:
		return Authentication{}, ErrAccountSuspended
	default:
		return Authentication{}, ErrInvalidCredentials
	}
	if err := s.store.Users().RecordLogin(ctx, user.ID, dev.IP, now); err != nil {
		obs.Logger().WarnContext(ctx, "record login failed", slog.String("user_id", user.ID), slog.String("error", err.Error()))
	}
	return s.startSession(ctx, user, dev, now)
}

func (s *Service) startSession(ctx context.Context, user *User, dev Device, now time.Time) (Authentication, error) {
	active, available, err := s.resolver.Default(ctx, user.ID)
	if err != nil {
		return Authentication{}, err
	}
	family := ids.At(now)
	sess, secret, err := s.newSession(user.ID, family, dev, active, now)
	if err != nil {
		return Authentication{}, err
	}
	if err := s.store.Sessions().Create(ctx, sess); err != nil {
		return Authentication{}, fmt.Errorf("create session: %w", err)
	}
	access, err := s.tokens.Issue(TokenSubject{UserID: user.ID, Email: user.Email, SessionID: family, Context: active})
	if err != nil {
		return Authentication{}, err
	}
	return Authentication{
		User:      user,
		Context:   active,
		Available: available,
		Tokens: TokenPair{
			AccessToken:      access.Token,
			AccessExpiresAt:  access.ExpiresAt,
			RefreshToken:     secret,
			RefreshExpiresAt: sess.ExpiresAt,
			SessionID:        family,
		},
	}, nil
}

func (s *Service) newSession(userID, family string, dev Device, rc *RoleContext, now time.Time) (*RefreshSession, string, error) {
	secret, hash, err := NewRefreshSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate refresh secret: %w", err)
	}
	var stored *RoleContext
	if rc != nil {
		copied := *rc
		stored = &copied
	}
	id := family
	if id == "" {
		id = ids.At(now)
	}
	return &RefreshSession{
		ID:         ids.At(now),
		UserID:     userID,
		FamilyID:   id,
		TokenHash:  hash,
		Device:     dev,
		Context:    stored,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.refreshTTL),
		LastUsedAt: now,
	}, secret, nil
}

// Refresh redeems a refresh secret: the presented session is rotated to a
// successor in one conditional step and a new access token is minted with
// the session's last known context, re-validated against live assignments.
func (s *Service) Refresh(ctx context.Context, secret string, dev Device) (res Authentication, err error) {
	now := s.now().UTC()
	dev = NormalizeDevice(dev)
	ev := Event{Type: EventRefresh, IP: dev.IP, Device: dev.Name}
	defer func() {
		obs.AuthRefreshes.WithLabelValues(outcomeLabel(err)).Inc()
		if res.Context != nil {
			ev.Role, ev.CompanyID = res.Context.Role, res.Context.CompanyID
		}
		s.emit(ctx, ev, err)
	}()

	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Authentication{}, ErrSessionNotFound
	}
	sessions := s.store.Sessions()
	current, err := sessions.FindByHash(ctx, HashSecret(secret))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Authentication{}, ErrSessionNotFound
		}
		return Authentication{}, err
	}
	ev.UserID, ev.SessionID = current.UserID, current.FamilyID
	if err := s.checkRedeemable(ctx, current, now); err != nil {
		return Authentication{}, err
	}

	user, err := s.store.Users().Find(ctx, current.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Authentication{}, ErrSessionRevoked
		}
		return Authentication{}, err
	}
	switch user.Status {
	case StatusActive:
	case StatusSuspended:
		return Authentication{}, ErrAccountSuspended
	default:
		return Authentication{}, ErrSessionRevoked
	}

	active, err := s.resolver.Reconcile(ctx, user.ID, current.Context)
	if err != nil {
		return Authentication{}, err
	}
	next, nextSecret, err := s.newSession(user.ID, current.FamilyID, mergeDevice(current.Device, dev), active, now)
	if err != nil {
		return Authentication{}, err
	}
	if err := sessions.Rotate(ctx, current.ID, next, now); err != nil {
		if !errors.Is(err, ErrStaleSession) {
			return Authentication{}, fmt.Errorf("rotate session: %w", err)
		}
		// Lost the race: classify from the row as the winner left it.
		latest, ferr := sessions.Find(ctx, current.ID)
		if ferr != nil {
			return Authentication{}, fmt.Errorf("reload session: %w", ferr)
		}
		if latest.RevokedReason == ReasonRotated {
			return Authentication{}, ErrAlreadyRotated
		}
		if cerr := s.checkRedeemable(ctx, latest, now); cerr != nil {
			return Authentication{}, cerr
		}
		return Authentication{}, ErrAlreadyRotated
	}

	access, err := s.tokens.Issue(TokenSubject{UserID: user.ID, Email: user.Email, SessionID: next.FamilyID, Context: active})
	if err != nil {
		return Authentication{}, err
	}
	available, err := s.resolver.Available(ctx, user.ID)
	if err != nil {
		return Authentication{}, err
	}
	return Authentication{
		User:      user,
		Context:   active,
		Available: available,
		Tokens: TokenPair{
			AccessToken:      access.Token,
			AccessExpiresAt:  access.ExpiresAt,
			RefreshToken:     nextSecret,
			RefreshExpiresAt: next.ExpiresAt,
			SessionID:        next.FamilyID,
		},
	}, nil
}

func mergeDevice(prev, cur Device) Device {
	out := prev
	if cur.IP != "" {
		out.IP = cur.IP
	}
	if cur.UserAgent != "" {
		out.UserAgent = cur.UserAgent
	}
	return out
}

// checkRedeemable maps a non-usable session to its error. A rotated secret
// presented again is theft unless it arrives within the grace window.
func (s *Service) checkRedeemable(ctx context.Context, sess *RefreshSession, now time.Time) error {
	if sess.Revoked() {
		switch sess.RevokedReason {
		case ReasonRotated:
			if s.reuseGrace > 0 && now.Sub(*sess.RevokedAt) <= s.reuseGrace {
				return ErrAlreadyRotated
			}
			s.handleReuse(ctx, sess, now)
			return ErrReuseDetected
		case ReasonExpired:
			return ErrSessionExpired
		default:
			return ErrSessionRevoked
		}
	}
	if sess.Expired(now) {
		return ErrSessionExpired
	}
	return nil
}

func (s *Service) handleReuse(ctx context.Context, sess *RefreshSession, now time.Time) {
	obs.AuthReuseDetected.Inc()
	log := obs.Logger().With(slog.String("user_id", sess.UserID), slog.String("session_id", sess.FamilyID))
	log.WarnContext(ctx, "refresh token reuse detected")

	sessions := s.store.Sessions()
	if _, err := sessions.RevokeFamily(ctx, sess.FamilyID, ReasonReuse, now); err != nil {
		log.ErrorContext(ctx, "revoke session family failed", slog.String("error", err.Error()))
	}
	s.deny(ctx, sess.FamilyID)
	scope := "family"
	if s.revokeAllOnReuse {
		scope = "user"
		families, err := sessions.RevokeAllForUser(ctx, sess.UserID, "", ReasonReuse, now)
		if err != nil {
			log.ErrorContext(ctx, "revoke user sessions failed", slog.String("error", err.Error()))
		}
		s.deny(ctx, families...)
		s.denyUser(ctx, sess.UserID, now)
	}
	s.events.Emit(ctx, Event{
		Type:      EventRefreshReuse,
		At:        now,
		UserID:    sess.UserID,
		SessionID: sess.FamilyID,
		IP:        sess.Device.IP,
		Device:    sess.Device.Name,
		Outcome:   OutcomeFailure,
		Reason:    string(CodeReuseDetected),
		Fields:    map[string]string{"revoked": scope},
	})
}

// Activation is the result of a successful context switch.
type Activation struct {
	AccessToken string
	ExpiresAt   time.Time
	Context     RoleContext
}

// ActivateContext switches the caller to requested after re-validating it
// against current assignments. Passwords are not re-checked: the guard must
// already have admitted the caller.
func (s *Service) ActivateContext(ctx context.Context, p Principal, requested RoleContext) (res Activation, err error) {
	ev := Event{Type: EventRoleSwitch, UserID: p.UserID, SessionID: p.SessionID, Role: requested.Role, CompanyID: requested.CompanyID}
	if p.Context != nil {
		ev.Fields = map[string]string{"from": p.Context.String()}
	}
	defer func() { s.emit(ctx, ev, err) }()

	rc, err := s.resolver.Validate(ctx, p.UserID, requested)
	if err != nil {
		return Activation{}, err
	}
	if err := s.store.Sessions().SetContext(ctx, p.UserID, p.SessionID, &rc); err != nil {
		if errors.Is(err, ErrStaleSession) || errors.Is(err, ErrNotFound) {
			return Activation{}, ErrSessionRevoked
		}
		return Activation{}, fmt.Errorf("store context: %w", err)
	}
	access, err := s.tokens.Issue(TokenSubject{UserID: p.UserID, Email: p.Email, SessionID: p.SessionID, Context: &rc})
	if err != nil {
		return Activation{}, err
	}
	return Activation{AccessToken: access.Token, ExpiresAt: access.ExpiresAt, Context: rc}, nil
}

// Profile is the caller's identity with its contexts.
type Profile struct {
	User      *User
	Context   *RoleContext
	Available []AvailableContext
}

// Me loads the caller's profile.
func (s *Service) Me(ctx context.Context, p Principal) (Profile, error) {
	user, err := s.store.Users().Find(ctx, p.UserID)
	if err != nil {
		return Profile{}, err
	}
	available, err := s.resolver.Available(ctx, p.UserID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{User: user, Context: p.Context, Available: available}, nil
}

// ChangePassword replaces the password and revokes every other session.
func (s *Service) ChangePassword(ctx context.Context, p Principal, current, next string) (err error) {
	defer func() { s.emit(ctx, Event{Type: EventPasswordChange, UserID: p.UserID, SessionID: p.SessionID}, err) }()
	users := s.store.Users()
	user, err := users.Find(ctx, p.UserID)
	if err != nil {
		return err
	}
	if user.HasPassword() {
		if err := VerifyPassword(user.PasswordHash, current); err != nil {
			return ErrInvalidCredentials
		}
	}
	if current == next {
		return fmt.Errorf("%w: new password must differ", ErrInvalidInput)
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := users.UpdatePassword(ctx, user.ID, hash, now); err != nil {
		return err
	}
	_, err = s.revokeAllExcept(ctx, user.ID, p.SessionID, ReasonPassword, now)
	return err
}

func (s *Service) emit(ctx context.Context, ev Event, err error) {
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	ev.Outcome, ev.Reason = outcomeOf(err)
	s.events.Emit(ctx, ev)
}

func (s *Service) deny(ctx context.Context, sessionIDs ...string) {
	if s.denylist == nil || len(sessionIDs) == 0 {
		return
	}
	if err := s.denylist.DenySessions(ctx, sessionIDs...); err != nil {
		obs.Logger().ErrorContext(ctx, "denylist sessions failed", slog.Int("count", len(sessionIDs)), slog.String("error", err.Error()))
	}
}

func (s *Service) denyUser(ctx context.Context, userID string, cutoff time.Time) {
	if s.denylist == nil {
		return
	}
	if err := s.denylist.DenyUserBefore(ctx, userID, cutoff); err != nil {
		obs.Logger().ErrorContext(ctx, "denylist user failed", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	return strings.ToLower(string(CodeOf(err)))
}
