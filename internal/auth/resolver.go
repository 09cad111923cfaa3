package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// AvailableContext is a display-ready role context the user may activate.
type AvailableContext struct {
	RoleContext
	AssignmentID  string `json:"assignment_id"`
	RoleName      string `json:"role_name"`
	CompanyName   string `json:"company_name,omitempty"`
	DashboardPath string `json:"dashboard_path"`
}

// Resolver computes activatable contexts from a user's live assignments.
type Resolver struct {
	assignments AssignmentStore
	companies   CompanyStore
}

// NewResolver builds a Resolver over the given stores.
func NewResolver(assignments AssignmentStore, companies CompanyStore) *Resolver {
	return &Resolver{assignments: assignments, companies: companies}
}

// Available lists the contexts backed by active assignments. Assignments
// bound to a missing or deactivated company are not activatable.
func (r *Resolver) Available(ctx context.Context, userID string) ([]AvailableContext, error) {
	assignments, err := r.assignments.ListActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	var companyIDs []string
	for _, a := range assignments {
		if a.CompanyID != "" {
			companyIDs = append(companyIDs, a.CompanyID)
		}
	}
	companies := map[string]*Company{}
	if len(companyIDs) > 0 {
		companies, err = r.companies.FindMany(ctx, companyIDs)
		if err != nil {
			return nil, fmt.Errorf("load companies: %w", err)
		}
	}

	out := make([]AvailableContext, 0, len(assignments))
	for _, a := range assignments {
		role, ok := LookupRole(a.Role)
		if !ok || !a.Active {
			continue
		}
		item := AvailableContext{
			RoleContext:   a.Context(),
			AssignmentID:  a.ID,
			RoleName:      role.Name,
			DashboardPath: role.DashboardPath,
		}
		if a.CompanyID != "" {
			company, ok := companies[a.CompanyID]
			if !ok || !company.Active {
				continue
			}
			item.CompanyName = company.Name
		}
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := roleRank(out[i].Role), roleRank(out[j].Role); ri != rj {
			return ri < rj
		}
		return out[i].CompanyName < out[j].CompanyName
	})
	return out, nil
}

// Default returns the context to auto-activate after login: set only when
// exactly one context is available.
func (r *Resolver) Default(ctx context.Context, userID string) (*RoleContext, []AvailableContext, error) {
	available, err := r.Available(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if len(available) == 1 {
		rc := available[0].RoleContext
		return &rc, available, nil
	}
	return nil, available, nil
}

// Validate checks requested against the user's current assignments.
// Assignments that were granted once but revoked since do not count.
func (r *Resolver) Validate(ctx context.Context, userID string, requested RoleContext) (RoleContext, error) {
	rc, err := NewRoleContext(requested.Role, requested.CompanyID)
	if err != nil {
		return RoleContext{}, err
	}
	available, err := r.Available(ctx, userID)
	if err != nil {
		return RoleContext{}, err
	}
	for _, a := range available {
		if a.RoleContext.Equal(rc) {
			return rc, nil
		}
	}
	return RoleContext{}, fmt.Errorf("%w: %s", ErrRoleNotHeld, rc)
}

// Reconcile re-checks a session's last known context. If it is no longer
// held the single remaining context is used, otherwise no context.
func (r *Resolver) Reconcile(ctx context.Context, userID string, last *RoleContext) (*RoleContext, error) {
	if last != nil {
		rc, err := r.Validate(ctx, userID, *last)
		if err == nil {
			return &rc, nil
		}
		if !errors.Is(err, ErrRoleNotHeld) && !errors.Is(err, ErrInvalidInput) {
			return nil, err
		}
	}
	rc, _, err := r.Default(ctx, userID)
	return rc, err
}
