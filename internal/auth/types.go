package auth

import (
	"fmt"
	"strings"
	"time"
)

// UserStatus is the account lifecycle state.
type UserStatus string

const (
	StatusActive    UserStatus = "ACTIVE"
	StatusSuspended UserStatus = "SUSPENDED"
	StatusDeleted   UserStatus = "DELETED"
)

// CanTransition reports whether an account may move from s to next.
// DELETED is terminal; ACTIVE and SUSPENDED swap freely.
func (s UserStatus) CanTransition(next UserStatus) bool {
	switch {
	case s == StatusDeleted:
		return false
	case s == next:
		return false
	case next == StatusActive, next == StatusSuspended, next == StatusDeleted:
		return true
	default:
		return false
	}
}

// User is an identity that may hold several role assignments.
type User struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Name               string     `json:"name"`
	PasswordHash       string     `json:"-"`
	ExternalProvider   string     `json:"external_provider,omitempty"`
	ExternalID         string     `json:"-"`
	Status             UserStatus `json:"status"`
	EmailVerified      bool       `json:"email_verified"`
	OnboardingComplete bool       `json:"onboarding_complete"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP        string     `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// HasPassword reports whether the user can authenticate with a password.
func (u *User) HasPassword() bool { return u.PasswordHash != "" }

// NormalizeEmail lower-cases and trims an address for lookup and uniqueness.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Company is a tenant.
type Company struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleAssignment grants a role to a user, optionally inside a company.
// Revocation is soft; rows are never deleted.
type RoleAssignment struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Role       RoleCode   `json:"role"`
	CompanyID  string     `json:"company_id,omitempty"`
	Active     bool       `json:"active"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RevokedBy  string     `json:"revoked_by,omitempty"`
}

// NewAssignment builds an active assignment, rejecting invalid role/company pairings.
func NewAssignment(id, userID string, rc RoleContext, assignedBy string, at time.Time) (*RoleAssignment, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	checked, err := NewRoleContext(rc.Role, rc.CompanyID)
	if err != nil {
		return nil, err
	}
	return &RoleAssignment{
		ID:         id,
		UserID:     userID,
		Role:       checked.Role,
		CompanyID:  checked.CompanyID,
		Active:     true,
		AssignedAt: at.UTC(),
		AssignedBy: assignedBy,
	}, nil
}

// Context returns the role context granted by the assignment.
func (a *RoleAssignment) Context() RoleContext {
	return RoleContext{Role: a.Role, CompanyID: a.CompanyID}
}

// RevocationReason records why a refresh session stopped being usable.
type RevocationReason string

const (
	ReasonRotated       RevocationReason = "rotated"
	ReasonLogout        RevocationReason = "logout"
	ReasonUserInitiated RevocationReason = "user-initiated"
	ReasonLogoutAll     RevocationReason = "logout-all"
	ReasonPassword      RevocationReason = "password-change"
	ReasonReuse         RevocationReason = "reuse-detected"
	ReasonAdmin         RevocationReason = "admin"
	ReasonExpired       RevocationReason = "expired"
)

// Device describes the client a session was opened from.
type Device struct {
	Name      string `json:"device_name"`
	UserAgent string `json:"user_agent,omitempty"`
	IP        string `json:"ip_address,omitempty"`
}

// RefreshSession backs one logical device session. Only the hash of the
// opaque secret is stored. Rotation revokes the row and links its successor
// through ReplacedBy; all rows of one login share FamilyID.
type RefreshSession struct {
	ID            string
	UserID        string
	FamilyID      string
	TokenHash     string
	Device        Device
	Context       *RoleContext
	IssuedAt      time.Time
	ExpiresAt     time.Time
	LastUsedAt    time.Time
	RevokedAt     *time.Time
	RevokedReason RevocationReason
	ReplacedBy    string
}

// Revoked reports whether the session has been revoked for any reason.
func (s *RefreshSession) Revoked() bool { return s.RevokedAt != nil }

// Expired reports whether the session is past its expiry at now.
func (s *RefreshSession) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// Usable reports whether the session can still be redeemed at now.
func (s *RefreshSession) Usable(now time.Time) bool { return !s.Revoked() && !s.Expired(now) }
