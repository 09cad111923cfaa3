package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SessionView is one device session as shown to its owner.
type SessionView struct {
	ID         string       `json:"id"`
	DeviceName string       `json:"device_name"`
	IP         string       `json:"ip_address,omitempty"`
	UserAgent  string       `json:"user_agent,omitempty"`
	Context    *RoleContext `json:"role_context,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	LastUsedAt time.Time    `json:"last_used_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
	Current    bool         `json:"is_current"`
}

// ListSessions returns the caller's live sessions, most recently used first.
// The current one is identified by the presented refresh secret when there
// is one, else by the session bound to the access token.
func (s *Service) ListSessions(ctx context.Context, p Principal, presentedSecret string) ([]SessionView, error) {
	rows, err := s.store.Sessions().ListActive(ctx, p.UserID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	currentHash := ""
	if strings.TrimSpace(presentedSecret) != "" {
		currentHash = HashSecret(presentedSecret)
	}
	out := make([]SessionView, 0, len(rows))
	for _, row := range rows {
		current := row.FamilyID == p.SessionID
		if currentHash != "" {
			current = row.TokenHash == currentHash
		}
		out = append(out, SessionView{
			ID:         row.FamilyID,
			DeviceName: row.Device.Name,
			IP:         row.Device.IP,
			UserAgent:  row.Device.UserAgent,
			Context:    row.Context,
			CreatedAt:  row.IssuedAt,
			LastUsedAt: row.LastUsedAt,
			ExpiresAt:  row.ExpiresAt,
			Current:    current,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

// RevokeSession ends one of the caller's sessions. Revoking a session that
// is already revoked succeeds without changes.
func (s *Service) RevokeSession(ctx context.Context, p Principal, sessionID string) (err error) {
	defer func() {
		s.emit(ctx, Event{Type: EventSessionRevoke, UserID: p.UserID, SessionID: sessionID}, err)
	}()
	sessions := s.store.Sessions()
	latest, err := sessions.LatestInFamily(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if latest.UserID != p.UserID {
		return ErrSessionNotFound
	}
	if latest.Revoked() {
		return nil
	}
	if _, err := sessions.RevokeFamily(ctx, latest.FamilyID, ReasonUserInitiated, s.now().UTC()); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.deny(ctx, latest.FamilyID)
	return nil
}

// RevokeOtherSessions ends every session of the caller except the current one.
func (s *Service) RevokeOtherSessions(ctx context.Context, p Principal) (n int, err error) {
	defer func() {
		s.emit(ctx, Event{Type: EventSessionRevoke, UserID: p.UserID, SessionID: p.SessionID,
			Fields: map[string]string{"scope": "others", "count": fmt.Sprint(n)}}, err)
	}()
	return s.revokeAllExcept(ctx, p.UserID, p.SessionID, ReasonUserInitiated, s.now().UTC())
}

func (s *Service) revokeAllExcept(ctx context.Context, userID, keepFamily string, reason RevocationReason, now time.Time) (int, error) {
	families, err := s.store.Sessions().RevokeAllForUser(ctx, userID, keepFamily, reason, now)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	s.deny(ctx, families...)
	return len(families), nil
}

// Logout ends the caller's current session and denies its access tokens.
func (s *Service) Logout(ctx context.Context, p Principal) (err error) {
	defer func() { s.emit(ctx, Event{Type: EventLogout, UserID: p.UserID, SessionID: p.SessionID}, err) }()
	if _, err := s.store.Sessions().RevokeFamily(ctx, p.SessionID, ReasonLogout, s.now().UTC()); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.deny(ctx, p.SessionID)
	return nil
}

// LogoutAll ends every session of the caller, the current one included.
func (s *Service) LogoutAll(ctx context.Context, p Principal) (n int, err error) {
	defer func() {
		s.emit(ctx, Event{Type: EventLogoutAll, UserID: p.UserID, SessionID: p.SessionID,
			Fields: map[string]string{"count": fmt.Sprint(n)}}, err)
	}()
	now := s.now().UTC()
	n, err = s.revokeAllExcept(ctx, p.UserID, "", ReasonLogoutAll, now)
	if err != nil {
		return 0, err
	}
	s.denyUser(ctx, p.UserID, now)
	return n, nil
}

// SweepExpired marks sessions past expiry as revoked with ReasonExpired.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	return s.store.Sessions().ExpireStale(ctx, s.now().UTC())
}
