package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"helpdesk.org/internal/ids"
)

// authorizeGrant checks whether actor may grant or revoke target.
// Platform admins manage every role; company admins manage agents and
// admins of the company they are currently acting for.
func authorizeGrant(actor Principal, target RoleContext) error {
	if !actor.HasContext() {
		return ErrNoActiveContext
	}
	switch actor.ActiveRole() {
	case RolePlatformAdmin:
		return nil
	case RoleCompanyAdmin:
		scope, _ := actor.CompanyScope()
		if (target.Role == RoleAgent || target.Role == RoleCompanyAdmin) && target.CompanyID == scope {
			return nil
		}
	}
	return ErrForbidden
}

func requirePlatformAdmin(actor Principal) error {
	if !actor.HasContext() {
		return ErrNoActiveContext
	}
	if !actor.ActsAs(RolePlatformAdmin) {
		return ErrForbidden
	}
	return nil
}

// CreateCompany registers a tenant.
func (s *Service) CreateCompany(ctx context.Context, actor Principal, name string) (*Company, error) {
	if err := requirePlatformAdmin(actor); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: company name is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	c := &Company{ID: ids.At(now), Name: name, Active: true, CreatedAt: now}
	if err := s.store.Companies().Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// SetUserStatus suspends, reactivates or deletes an account. DELETED is
// terminal and revokes every session; suspension is enforced live by the
// guard and on refresh.
func (s *Service) SetUserStatus(ctx context.Context, actor Principal, userID string, status UserStatus) (user *User, err error) {
	defer func() {
		s.emit(ctx, Event{Type: EventAccountStatus, UserID: userID, ActorID: actor.UserID,
			Fields: map[string]string{"status": string(status)}}, err)
	}()
	if err := requirePlatformAdmin(actor); err != nil {
		return nil, err
	}
	if userID == actor.UserID {
		return nil, fmt.Errorf("%w: cannot change own account status", ErrInvalidInput)
	}
	users := s.store.Users()
	user, err = users.Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: cannot move account from %s to %s", ErrConflict, user.Status, status)
	}
	now := s.now().UTC()
	if err := users.UpdateStatus(ctx, userID, status, now); err != nil {
		return nil, err
	}
	if status == StatusDeleted {
		if _, err := s.revokeAllExcept(ctx, userID, "", ReasonAdmin, now); err != nil {
			return nil, err
		}
		s.denyUser(ctx, userID, now)
	}
	user.Status = status
	user.UpdatedAt = now
	return user, nil
}

// AssignRole grants rc to the user. A previously revoked identical
// assignment is reactivated instead of duplicated.
func (s *Service) AssignRole(ctx context.Context, actor Principal, userID string, rc RoleContext) (a *RoleAssignment, err error) {
	defer func() {
		s.emit(ctx, Event{Type: EventRoleAssign, UserID: userID, ActorID: actor.UserID, Role: rc.Role, CompanyID: rc.CompanyID}, err)
	}()
	now := s.now().UTC()
	a, err = NewAssignment(ids.At(now), userID, rc, actor.UserID, now)
	if err != nil {
		return nil, err
	}
	if err := authorizeGrant(actor, a.Context()); err != nil {
		return nil, err
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Status == StatusDeleted {
		return nil, fmt.Errorf("%w: account is deleted", ErrConflict)
	}
	if a.CompanyID != "" {
		company, err := s.store.Companies().Find(ctx, a.CompanyID)
		if err != nil {
			return nil, err
		}
		if !company.Active {
			return nil, fmt.Errorf("%w: company is inactive", ErrConflict)
		}
	}

	assignments := s.store.Assignments()
	existing, err := assignments.FindByContext(ctx, userID, a.Context())
	switch {
	case err == nil && existing.Active:
		return nil, fmt.Errorf("%w: role already assigned", ErrConflict)
	case err == nil:
		if err := assignments.Reactivate(ctx, existing.ID, actor.UserID, now); err != nil {
			return nil, err
		}
		existing.Active, existing.AssignedAt, existing.AssignedBy = true, now, actor.UserID
		existing.RevokedAt, existing.RevokedBy = nil, ""
		return existing, nil
	case errors.Is(err, ErrNotFound):
		if err := assignments.Create(ctx, a); err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, err
	}
}

// RevokeRole soft-revokes an assignment. Access tokens already issued for
// that context stay valid until they expire, but it can no longer be
// activated or carried over on refresh.
func (s *Service) RevokeRole(ctx context.Context, actor Principal, userID, assignmentID string) (err error) {
	ev := Event{Type: EventRoleRevoke, UserID: userID, ActorID: actor.UserID}
	defer func() { s.emit(ctx, ev, err) }()
	assignments := s.store.Assignments()
	a, err := assignments.Find(ctx, assignmentID)
	if err != nil {
		return err
	}
	if a.UserID != userID {
		return ErrNotFound
	}
	ev.Role, ev.CompanyID = a.Role, a.CompanyID
	if err := authorizeGrant(actor, a.Context()); err != nil {
		return err
	}
	if _, err := assignments.Revoke(ctx, a.ID, actor.UserID, s.now().UTC()); err != nil {
		return err
	}
	return nil
}
