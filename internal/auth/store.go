package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Multi-row invariants (unique email, one active assignment per
// user/role/company, single winner on rotation) are enforced by the store.
type Store interface {
	Users() UserStore
	Companies() CompanyStore
	Assignments() AssignmentStore
	Sessions() SessionStore
}

// UserStore manages identities.
type UserStore interface {
	// Create inserts the user and its initial assignments atomically.
	Create(ctx context.Context, u *User, initial ...*RoleAssignment) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdateStatus(ctx context.Context, id string, status UserStatus, at time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error
	RecordLogin(ctx context.Context, id, ip string, at time.Time) error
}

// CompanyStore manages tenants.
type CompanyStore interface {
	Create(ctx context.Context, c *Company) error
	Find(ctx context.Context, id string) (*Company, error)
	FindMany(ctx context.Context, ids []string) (map[string]*Company, error)
}

// AssignmentStore manages role assignments. Rows are never deleted.
type AssignmentStore interface {
	// Create fails with ErrConflict when an identical active assignment exists.
	Create(ctx context.Context, a *RoleAssignment) error
	Find(ctx context.Context, id string) (*RoleAssignment, error)
	// FindByContext returns the most recent assignment for the pair, active or not.
	FindByContext(ctx context.Context, userID string, rc RoleContext) (*RoleAssignment, error)
	ListActive(ctx context.Context, userID string) ([]*RoleAssignment, error)
	// Reactivate flips a revoked assignment back to active; ErrConflict if already active.
	Reactivate(ctx context.Context, id, actor string, at time.Time) error
	// Revoke soft-revokes; revoking an inactive assignment reports false.
	Revoke(ctx context.Context, id, actor string, at time.Time) (bool, error)
}

// SessionStore manages refresh sessions.
type SessionStore interface {
	Create(ctx context.Context, s *RefreshSession) error
	Find(ctx context.Context, id string) (*RefreshSession, error)
	FindByHash(ctx context.Context, tokenHash string) (*RefreshSession, error)
	// LatestInFamily returns the newest row of a device session.
	LatestInFamily(ctx context.Context, familyID string) (*RefreshSession, error)
	// Rotate revokes currentID as rotated and inserts next in one atomic step.
	// It fails with ErrStaleSession unless currentID is still active at at.
	Rotate(ctx context.Context, currentID string, next *RefreshSession, at time.Time) error
	// SetContext records the active context on the live row of a family;
	// ErrStaleSession when the family has no active row.
	SetContext(ctx context.Context, userID, familyID string, rc *RoleContext) error
	RevokeFamily(ctx context.Context, familyID string, reason RevocationReason, at time.Time) (int64, error)
	// RevokeAllForUser revokes every active row except those of exceptFamily
	// and returns the affected family ids.
	RevokeAllForUser(ctx context.Context, userID, exceptFamily string, reason RevocationReason, at time.Time) ([]string, error)
	ListActive(ctx context.Context, userID string, at time.Time) ([]*RefreshSession, error)
	// ExpireStale marks rows past expiry as revoked with ReasonExpired.
	ExpireStale(ctx context.Context, at time.Time) (int64, error)
}

// Denylist lets the guard reject still-valid access tokens of revoked
// sessions before they expire on their own.
type Denylist interface {
	DenySessions(ctx context.Context, sessionIDs ...string) error
	DenyUserBefore(ctx context.Context, userID string, cutoff time.Time) error
	Denied(ctx context.Context, p Principal) (bool, error)
}
