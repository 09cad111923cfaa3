package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"helpdesk.org/internal/auth"
)

// User store ---------------------------------------------------------------
type userStore struct{ db *sql.DB }

const userColumns = `id, email, name, password_hash, external_provider, external_id, status,
	email_verified, onboarding_complete, last_login_at, last_login_ip, created_at, updated_at`

func scanUser(row scanner) (*auth.User, error) {
	var (
		u                                   auth.User
		hash, provider, externalID, loginIP sql.NullString
		lastLogin                           sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &hash, &provider, &externalID, &u.Status,
		&u.EmailVerified, &u.OnboardingComplete, &lastLogin, &loginIP, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.PasswordHash = hash.String
	u.ExternalProvider = provider.String
	u.ExternalID = externalID.String
	u.LastLoginIP = loginIP.String
	u.LastLoginAt = timePtr(lastLogin)
	return &u, nil
}

func (s userStore) Create(ctx context.Context, u *auth.User, initial ...*auth.RoleAssignment) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into users (id, email, name, password_hash, external_provider, external_id, status,
				email_verified, onboarding_complete, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, u.ID, u.Email, u.Name, nullIfEmpty(u.PasswordHash), nullIfEmpty(u.ExternalProvider), nullIfEmpty(u.ExternalID),
			string(u.Status), u.EmailVerified, u.OnboardingComplete, u.CreatedAt, u.UpdatedAt)
		if err != nil {
			return mapError(err, auth.ErrAlreadyExists)
		}
		for _, a := range initial {
			if err := insertAssignment(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if err != nil {
		return nil, mapError(err, auth.ErrConflict)
	}
	return u, nil
}

func (s userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email))
	if err != nil {
		return nil, mapError(err, auth.ErrConflict)
	}
	return u, nil
}

func (s userStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err, auth.ErrConflict)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s userStore) UpdateStatus(ctx context.Context, id string, status auth.UserStatus, at time.Time) error {
	return s.update(ctx, `update users set status = $2, updated_at = $3 where id = $1`, id, string(status), at)
}

func (s userStore) UpdatePassword(ctx context.Context, id, hash string, at time.Time) error {
	return s.update(ctx, `update users set password_hash = $2, updated_at = $3 where id = $1`, id, hash, at)
}

func (s userStore) RecordLogin(ctx context.Context, id, ip string, at time.Time) error {
	return s.update(ctx, `update users set last_login_at = $2, last_login_ip = $3 where id = $1`, id, at, nullIfEmpty(ip))
}

// Company store ------------------------------------------------------------
type companyStore struct{ db *sql.DB }

func (s companyStore) Create(ctx context.Context, c *auth.Company) error {
	_, err := s.db.ExecContext(ctx,
		`insert into companies (id, name, active, created_at) values ($1,$2,$3,$4)`,
		c.ID, c.Name, c.Active, c.CreatedAt)
	return mapError(err, auth.ErrConflict)
}

func (s companyStore) Find(ctx context.Context, id string) (*auth.Company, error) {
	var c auth.Company
	err := s.db.QueryRowContext(ctx,
		`select id, name, active, created_at from companies where id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Active, &c.CreatedAt)
	if err != nil {
		return nil, mapError(err, auth.ErrConflict)
	}
	return &c, nil
}

func (s companyStore) FindMany(ctx context.Context, ids []string) (map[string]*auth.Company, error) {
	out := make(map[string]*auth.Company, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`select id, name, active, created_at from companies where id in (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c auth.Company
		if err := rows.Scan(&c.ID, &c.Name, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		out[c.ID] = &c
	}
	return out, rows.Err()
}

// Assignment store ---------------------------------------------------------
type assignmentStore struct{ db *sql.DB }

const assignmentColumns = `id, user_id, role, company_id, active, assigned_at, assigned_by, revoked_at, revoked_by`

func scanAssignment(row scanner) (*auth.RoleAssignment, error) {
	var (
		a                              auth.RoleAssignment
		company, assignedBy, revokedBy sql.NullString
		revokedAt                      sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Role, &company, &a.Active, &a.AssignedAt, &assignedBy, &revokedAt, &revokedBy); err != nil {
		return nil, err
	}
	a.CompanyID = company.String
	a.AssignedBy = assignedBy.String
	a.RevokedBy = revokedBy.String
	a.RevokedAt = timePtr(revokedAt)
	return &a, nil
}

func insertAssignment(ctx context.Context, q querier, a *auth.RoleAssignment) error {
	_, err := q.ExecContext(ctx, `
		insert into role_assignments (id, user_id, role, company_id, active, assigned_at, assigned_by)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, a.ID, a.UserID, string(a.Role), nullIfEmpty(a.CompanyID), a.Active, a.AssignedAt, nullIfEmpty(a.AssignedBy))
	return mapError(err, auth.ErrConflict)
}

func (s assignmentStore) Create(ctx context.Context, a *auth.RoleAssignment) error {
	return insertAssignment(ctx, s.db, a)
}

func (s assignmentStore) Find(ctx context.Context, id string) (*auth.RoleAssignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx,
		`select `+assignmentColumns+` from role_assignments where id = $1`, id))
	if err != nil {
		return nil, mapError(err, auth.ErrConflict)
	}
	return a, nil
}

func (s assignmentStore) FindByContext(ctx context.Context, userID string, rc auth.RoleContext) (*auth.RoleAssignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx, `
		select `+assignmentColumns+`
		from role_assignments
		where user_id = $1 and role = $2 and coalesce(company_id, '') = $3
		order by active desc, assigned_at desc
		limit 1
	`, userID, string(rc.Role), rc.CompanyID))
	if err != nil {
		return nil, mapError(err, auth.ErrConflict)
	}
	return a, nil
}

func (s assignmentStore) ListActive(ctx context.Context, userID string) ([]*auth.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+assignmentColumns+`
		from role_assignments
		where user_id = $1 and active
		order by assigned_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.RoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s assignmentStore) Reactivate(ctx context.Context, id, actor string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update role_assignments
		set active = true, assigned_at = $3, assigned_by = $2, revoked_at = null, revoked_by = null
		where id = $1 and not active
	`, id, nullIfEmpty(actor), at)
	if err != nil {
		return mapError(err, auth.ErrConflict)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Find(ctx, id); err != nil {
			return err
		}
		return auth.ErrConflict
	}
	return nil
}

func (s assignmentStore) Revoke(ctx context.Context, id, actor string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update role_assignments
		set active = false, revoked_at = $3, revoked_by = $2
		where id = $1 and active
	`, id, nullIfEmpty(actor), at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.Find(ctx, id); err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				return false, auth.ErrNotFound
			}
			return false, err
		}
		return false, nil
	}
	return true, nil
}
