// Package category manages ticket categories. Every operation is confined to
// the company of the caller's active role context.
package category

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/ids"
)

// Category groups tickets of one company.
type Category struct {
	ID          string    `json:"id"`
	CompanyID   string    `json:"company_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists categories. Names are unique per company, case-insensitively.
type Store interface {
	CreateCategory(ctx context.Context, c *Category) error
	ListCategories(ctx context.Context, companyID string) ([]Category, error)
}

// CreateInput carries a new category. CompanyID is optional; when present it
// must match the caller's scope.
type CreateInput struct {
	CompanyID   string
	Name        string
	Description string
}

// Service applies tenant scoping on top of a Store.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

func scope(p auth.Principal, allowed ...auth.RoleCode) (string, error) {
	if !p.HasContext() {
		return "", auth.ErrNoActiveContext
	}
	if !p.ActsAs(allowed...) {
		return "", auth.ErrForbidden
	}
	company, ok := p.CompanyScope()
	if !ok {
		return "", auth.ErrForbidden
	}
	return company, nil
}

// Create adds a category to the caller's company. Only company admins may.
func (s *Service) Create(ctx context.Context, p auth.Principal, in CreateInput) (*Category, error) {
	company, err := scope(p, auth.RoleCompanyAdmin)
	if err != nil {
		return nil, err
	}
	if id := strings.TrimSpace(in.CompanyID); id != "" && id != company {
		return nil, fmt.Errorf("%w: company outside active context", auth.ErrForbidden)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", auth.ErrInvalidInput)
	}
	now := s.now().UTC()
	c := &Category{
		ID:          ids.At(now),
		CompanyID:   company,
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		CreatedBy:   p.UserID,
		CreatedAt:   now,
	}
	if err := s.store.CreateCategory(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns the categories of the caller's company.
func (s *Service) List(ctx context.Context, p auth.Principal) ([]Category, error) {
	company, err := scope(p, auth.RoleAgent, auth.RoleCompanyAdmin)
	if err != nil {
		return nil, err
	}
	return s.store.ListCategories(ctx, company)
}

// MemoryStore keeps categories in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string][]Category
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]Category)}
}

func (m *MemoryStore) CreateCategory(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rows[c.CompanyID] {
		if strings.EqualFold(existing.Name, c.Name) {
			return fmt.Errorf("%w: category %q exists", auth.ErrConflict, c.Name)
		}
	}
	m.rows[c.CompanyID] = append(m.rows[c.CompanyID], *c)
	return nil
}

func (m *MemoryStore) ListCategories(_ context.Context, companyID string) ([]Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Category(nil), m.rows[companyID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
