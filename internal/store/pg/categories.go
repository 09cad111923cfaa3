package pg

import (
	"context"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/category"
)

var _ category.Store = (*Store)(nil)

func (s *Store) CreateCategory(ctx context.Context, c *category.Category) error {
	_, err := s.db.ExecContext(ctx, `
		insert into ticket_categories (id, company_id, name, description, created_by, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, c.ID, c.CompanyID, c.Name, nullIfEmpty(c.Description), nullIfEmpty(c.CreatedBy), c.CreatedAt)
	return mapError(err, auth.ErrConflict)
}

func (s *Store) ListCategories(ctx context.Context, companyID string) ([]category.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, company_id, name, coalesce(description, ''), coalesce(created_by, ''), created_at
		from ticket_categories
		where company_id = $1
		order by name
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []category.Category
	for rows.Next() {
		var c category.Category
		if err := rows.Scan(&c.ID, &c.CompanyID, &c.Name, &c.Description, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
