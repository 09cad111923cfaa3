package pg

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"helpdesk.org/internal/auth"
)

type sessionStore struct{ db *sql.DB }

const sessionColumns = `id, user_id, family_id, token_hash, device_name, user_agent, ip_address,
	context_role, context_company_id, issued_at, expires_at, last_used_at, revoked_at, revoked_reason, replaced_by`

func scanSession(row scanner) (*auth.RefreshSession, error) {
	var (
		s                                           auth.RefreshSession
		userAgent, ip, role, company, reason, repl sql.NullString
		revokedAt                                   sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.FamilyID, &s.TokenHash, &s.Device.Name, &userAgent, &ip,
		&role, &company, &s.IssuedAt, &s.ExpiresAt, &s.LastUsedAt, &revokedAt, &reason, &repl); err != nil {
		return nil, err
	}
	s.Device.UserAgent = userAgent.String
	s.Device.IP = ip.String
	if role.Valid {
		s.Context = &auth.RoleContext{Role: auth.RoleCode(role.String), CompanyID: company.String}
	}
	s.RevokedAt = timePtr(revokedAt)
	s.RevokedReason = auth.RevocationReason(reason.String)
	s.ReplacedBy = repl.String
	return &s, nil
}

func contextColumns(rc *auth.RoleContext) (sql.NullString, sql.NullString) {
	if rc == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return nullIfEmpty(string(rc.Role)), nullIfEmpty(rc.CompanyID)
}

func insertSession(ctx context.Context, q querier, s *auth.RefreshSession) error {
	role, company := contextColumns(s.Context)
	_, err := q.ExecContext(ctx, `
		insert into refresh_sessions (id, user_id, family_id, token_hash, device_name, user_agent, ip_address,
			context_role, context_company_id, issued_at, expires_at, last_used_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, s.ID, s.UserID, s.FamilyID, s.TokenHash, s.Device.Name, nullIfEmpty(s.Device.UserAgent), nullIfEmpty(s.Device.IP),
		role, company, s.IssuedAt, s.ExpiresAt, s.LastUsedAt)
	return mapError(err, auth.ErrAlreadyExists)
}

func (st sessionStore) Create(ctx context.Context, s *auth.RefreshSession) error {
	return insertSession(ctx, st.db, s)
}

func (st sessionStore) findOne(ctx context.Context, where string, arg any) (*auth.RefreshSession, error) {
	s, err := scanSession(st.db.QueryRowContext(ctx, `select `+sessionColumns+` from refresh_sessions where `+where, arg))
	if err != nil {
		return nil, mapError(err, auth.ErrConflict)
	}
	return s, nil
}

func (st sessionStore) Find(ctx context.Context, id string) (*auth.RefreshSession, error) {
	return st.findOne(ctx, `id = $1`, id)
}

func (st sessionStore) FindByHash(ctx context.Context, hash string) (*auth.RefreshSession, error) {
	return st.findOne(ctx, `token_hash = $1`, hash)
}

func (st sessionStore) LatestInFamily(ctx context.Context, familyID string) (*auth.RefreshSession, error) {
	return st.findOne(ctx, `family_id = $1 order by id desc limit 1`, familyID)
}

// Rotate is the single-winner step of refresh: only one caller can flip the
// active row, the rest see zero affected rows.
func (st sessionStore) Rotate(ctx context.Context, currentID string, next *auth.RefreshSession, at time.Time) error {
	return withTx(ctx, st.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update refresh_sessions
			set revoked_at = $2, revoked_reason = 'rotated', replaced_by = $3
			where id = $1 and revoked_at is null and expires_at > $2
		`, currentID, at, next.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return auth.ErrStaleSession
		}
		return insertSession(ctx, tx, next)
	})
}

func (st sessionStore) SetContext(ctx context.Context, userID, familyID string, rc *auth.RoleContext) error {
	role, company := contextColumns(rc)
	res, err := st.db.ExecContext(ctx, `
		update refresh_sessions
		set context_role = $3, context_company_id = $4
		where user_id = $1 and family_id = $2 and revoked_at is null
	`, userID, familyID, role, company)
	if err != nil {
		return mapError(err, auth.ErrConflict)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrStaleSession
	}
	return nil
}

func (st sessionStore) RevokeFamily(ctx context.Context, familyID string, reason auth.RevocationReason, at time.Time) (int64, error) {
	res, err := st.db.ExecContext(ctx, `
		update refresh_sessions
		set revoked_at = $2, revoked_reason = $3
		where family_id = $1 and revoked_at is null
	`, familyID, at, string(reason))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (st sessionStore) RevokeAllForUser(ctx context.Context, userID, exceptFamily string, reason auth.RevocationReason, at time.Time) ([]string, error) {
	rows, err := st.db.QueryContext(ctx, `
		update refresh_sessions
		set revoked_at = $3, revoked_reason = $4
		where user_id = $1 and revoked_at is null and ($2 = '' or family_id <> $2)
		returning family_id
	`, userID, exceptFamily, at, string(reason))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[string]bool{}
	var families []string
	for rows.Next() {
		var family string
		if err := rows.Scan(&family); err != nil {
			return nil, err
		}
		if !seen[family] {
			seen[family] = true
			families = append(families, family)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(families)
	return families, nil
}

func (st sessionStore) ListActive(ctx context.Context, userID string, at time.Time) ([]*auth.RefreshSession, error) {
	rows, err := st.db.QueryContext(ctx, `
		select `+sessionColumns+`
		from refresh_sessions
		where user_id = $1 and revoked_at is null and expires_at > $2
		order by last_used_at desc
	`, userID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.RefreshSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (st sessionStore) ExpireStale(ctx context.Context, at time.Time) (int64, error) {
	res, err := st.db.ExecContext(ctx, `
		update refresh_sessions
		set revoked_at = expires_at, revoked_reason = 'expired'
		where revoked_at is null and expires_at <= $1
	`, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
