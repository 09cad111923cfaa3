// Package memory is a mutex-guarded auth store for development and tests.
// It enforces the same invariants as the Postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"helpdesk.org/internal/auth"
)

// Store keeps all auth state in process memory.
type Store struct {
	mu          sync.RWMutex
	users       map[string]*auth.User
	emails      map[string]string
	companies   map[string]*auth.Company
	assignments map[string]*auth.RoleAssignment
	sessions    map[string]*auth.RefreshSession
	byHash      map[string]string
}

var _ auth.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:       make(map[string]*auth.User),
		emails:      make(map[string]string),
		companies:   make(map[string]*auth.Company),
		assignments: make(map[string]*auth.RoleAssignment),
		sessions:    make(map[string]*auth.RefreshSession),
		byHash:      make(map[string]string),
	}
}

func (s *Store) Users() auth.UserStore             { return userStore{s} }
func (s *Store) Companies() auth.CompanyStore       { return companyStore{s} }
func (s *Store) Assignments() auth.AssignmentStore { return assignmentStore{s} }
func (s *Store) Sessions() auth.SessionStore       { return sessionStore{s} }

// Users ----------------------------------------------------------------------
type userStore struct{ s *Store }

func (u userStore) Create(_ context.Context, user *auth.User, initial ...*auth.RoleAssignment) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.emails[user.Email]; ok {
		return auth.ErrAlreadyExists
	}
	if _, ok := u.s.users[user.ID]; ok {
		return auth.ErrAlreadyExists
	}
	for _, a := range initial {
		if u.s.activeAssignmentLocked(a.UserID, a.Context()) != nil {
			return auth.ErrConflict
		}
	}
	cp := *user
	u.s.users[user.ID] = &cp
	u.s.emails[user.Email] = user.ID
	for _, a := range initial {
		ac := *a
		u.s.assignments[a.ID] = &ac
	}
	return nil
}

func (u userStore) Find(_ context.Context, id string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (u userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	u.s.mu.RLock()
	id, ok := u.s.emails[email]
	u.s.mu.RUnlock()
	if !ok {
		return nil, auth.ErrNotFound
	}
	return u.Find(ctx, id)
}

func (u userStore) mutate(id string, fn func(*auth.User)) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(user)
	return nil
}

func (u userStore) UpdateStatus(_ context.Context, id string, status auth.UserStatus, at time.Time) error {
	return u.mutate(id, func(user *auth.User) {
		user.Status = status
		user.UpdatedAt = at
	})
}

func (u userStore) UpdatePassword(_ context.Context, id, hash string, at time.Time) error {
	return u.mutate(id, func(user *auth.User) {
		user.PasswordHash = hash
		user.UpdatedAt = at
	})
}

func (u userStore) RecordLogin(_ context.Context, id, ip string, at time.Time) error {
	return u.mutate(id, func(user *auth.User) {
		t := at
		user.LastLoginAt = &t
		user.LastLoginIP = ip
	})
}

// Companies ------------------------------------------------------------------
type companyStore struct{ s *Store }

func (c companyStore) Create(_ context.Context, company *auth.Company) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, ok := c.s.companies[company.ID]; ok {
		return auth.ErrAlreadyExists
	}
	cp := *company
	c.s.companies[company.ID] = &cp
	return nil
}

func (c companyStore) Find(_ context.Context, id string) (*auth.Company, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	company, ok := c.s.companies[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *company
	return &cp, nil
}

func (c companyStore) FindMany(_ context.Context, ids []string) (map[string]*auth.Company, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	out := make(map[string]*auth.Company, len(ids))
	for _, id := range ids {
		if company, ok := c.s.companies[id]; ok {
			cp := *company
			out[id] = &cp
		}
	}
	return out, nil
}

// Assignments ----------------------------------------------------------------
type assignmentStore struct{ s *Store }

func (s *Store) activeAssignmentLocked(userID string, rc auth.RoleContext) *auth.RoleAssignment {
	for _, a := range s.assignments {
		if a.Active && a.UserID == userID && a.Context().Equal(rc) {
			return a
		}
	}
	return nil
}

func (a assignmentStore) Create(_ context.Context, ra *auth.RoleAssignment) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if _, ok := a.s.users[ra.UserID]; !ok {
		return auth.ErrNotFound
	}
	if a.s.activeAssignmentLocked(ra.UserID, ra.Context()) != nil {
		return auth.ErrConflict
	}
	cp := *ra
	a.s.assignments[ra.ID] = &cp
	return nil
}

func (a assignmentStore) Find(_ context.Context, id string) (*auth.RoleAssignment, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	ra, ok := a.s.assignments[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *ra
	return &cp, nil
}

func (a assignmentStore) FindByContext(_ context.Context, userID string, rc auth.RoleContext) (*auth.RoleAssignment, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	var latest *auth.RoleAssignment
	for _, ra := range a.s.assignments {
		if ra.UserID != userID || !ra.Context().Equal(rc) {
			continue
		}
		if latest == nil || ra.Active || (!latest.Active && ra.AssignedAt.After(latest.AssignedAt)) {
			latest = ra
		}
	}
	if latest == nil {
		return nil, auth.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (a assignmentStore) ListActive(_ context.Context, userID string) ([]*auth.RoleAssignment, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	var out []*auth.RoleAssignment
	for _, ra := range a.s.assignments {
		if ra.UserID == userID && ra.Active {
			cp := *ra
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a assignmentStore) Reactivate(_ context.Context, id, actor string, at time.Time) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	ra, ok := a.s.assignments[id]
	if !ok {
		return auth.ErrNotFound
	}
	if ra.Active || a.s.activeAssignmentLocked(ra.UserID, ra.Context()) != nil {
		return auth.ErrConflict
	}
	ra.Active, ra.AssignedAt, ra.AssignedBy = true, at, actor
	ra.RevokedAt, ra.RevokedBy = nil, ""
	return nil
}

func (a assignmentStore) Revoke(_ context.Context, id, actor string, at time.Time) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	ra, ok := a.s.assignments[id]
	if !ok {
		return false, auth.ErrNotFound
	}
	if !ra.Active {
		return false, nil
	}
	t := at
	ra.Active, ra.RevokedAt, ra.RevokedBy = false, &t, actor
	return true, nil
}

// Sessions -------------------------------------------------------------------
type sessionStore struct{ s *Store }

func cloneSession(src *auth.RefreshSession) *auth.RefreshSession {
	cp := *src
	if src.Context != nil {
		rc := *src.Context
		cp.Context = &rc
	}
	if src.RevokedAt != nil {
		t := *src.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}

func (ss sessionStore) insertLocked(sess *auth.RefreshSession) error {
	if _, ok := ss.s.sessions[sess.ID]; ok {
		return auth.ErrAlreadyExists
	}
	if _, ok := ss.s.byHash[sess.TokenHash]; ok {
		return auth.ErrAlreadyExists
	}
	ss.s.sessions[sess.ID] = cloneSession(sess)
	ss.s.byHash[sess.TokenHash] = sess.ID
	return nil
}

func (ss sessionStore) Create(_ context.Context, sess *auth.RefreshSession) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	return ss.insertLocked(sess)
}

func (ss sessionStore) Find(_ context.Context, id string) (*auth.RefreshSession, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()
	sess, ok := ss.s.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (ss sessionStore) FindByHash(ctx context.Context, hash string) (*auth.RefreshSession, error) {
	ss.s.mu.RLock()
	id, ok := ss.s.byHash[hash]
	ss.s.mu.RUnlock()
	if !ok {
		return nil, auth.ErrNotFound
	}
	return ss.Find(ctx, id)
}

func (ss sessionStore) LatestInFamily(_ context.Context, familyID string) (*auth.RefreshSession, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()
	var latest *auth.RefreshSession
	for _, sess := range ss.s.sessions {
		if sess.FamilyID != familyID {
			continue
		}
		if latest == nil || sess.ID > latest.ID {
			latest = sess
		}
	}
	if latest == nil {
		return nil, auth.ErrNotFound
	}
	return cloneSession(latest), nil
}

func (ss sessionStore) Rotate(_ context.Context, currentID string, next *auth.RefreshSession, at time.Time) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	cur, ok := ss.s.sessions[currentID]
	if !ok {
		return auth.ErrNotFound
	}
	if !cur.Usable(at) {
		return auth.ErrStaleSession
	}
	if err := ss.insertLocked(next); err != nil {
		return err
	}
	t := at
	cur.RevokedAt, cur.RevokedReason, cur.ReplacedBy = &t, auth.ReasonRotated, next.ID
	return nil
}

func (ss sessionStore) SetContext(_ context.Context, userID, familyID string, rc *auth.RoleContext) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	for _, sess := range ss.s.sessions {
		if sess.FamilyID == familyID && sess.UserID == userID && !sess.Revoked() {
			if rc == nil {
				sess.Context = nil
			} else {
				c := *rc
				sess.Context = &c
			}
			return nil
		}
	}
	return auth.ErrStaleSession
}

func (ss sessionStore) revokeLocked(match func(*auth.RefreshSession) bool, reason auth.RevocationReason, at time.Time) []string {
	var families []string
	seen := map[string]bool{}
	for _, sess := range ss.s.sessions {
		if sess.Revoked() || !match(sess) {
			continue
		}
		t := at
		sess.RevokedAt, sess.RevokedReason = &t, reason
		if !seen[sess.FamilyID] {
			seen[sess.FamilyID] = true
			families = append(families, sess.FamilyID)
		}
	}
	sort.Strings(families)
	return families
}

func (ss sessionStore) RevokeFamily(_ context.Context, familyID string, reason auth.RevocationReason, at time.Time) (int64, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	var n int64
	for _, sess := range ss.s.sessions {
		if sess.FamilyID == familyID && !sess.Revoked() {
			t := at
			sess.RevokedAt, sess.RevokedReason = &t, reason
			n++
		}
	}
	return n, nil
}

func (ss sessionStore) RevokeAllForUser(_ context.Context, userID, exceptFamily string, reason auth.RevocationReason, at time.Time) ([]string, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	return ss.revokeLocked(func(sess *auth.RefreshSession) bool {
		return sess.UserID == userID && (exceptFamily == "" || sess.FamilyID != exceptFamily)
	}, reason, at), nil
}

func (ss sessionStore) ListActive(_ context.Context, userID string, at time.Time) ([]*auth.RefreshSession, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()
	var out []*auth.RefreshSession
	for _, sess := range ss.s.sessions {
		if sess.UserID == userID && sess.Usable(at) {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

func (ss sessionStore) ExpireStale(_ context.Context, at time.Time) (int64, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	var n int64
	for _, sess := range ss.s.sessions {
		if !sess.Revoked() && sess.Expired(at) {
			t := sess.ExpiresAt
			sess.RevokedAt, sess.RevokedReason = &t, auth.ReasonExpired
			n++
		}
	}
	return n, nil
}

// CountActive reports the number of usable sessions of a user.
func (s *Store) CountActive(userID string, at time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Usable(at) {
			n++
		}
	}
	return n
}
