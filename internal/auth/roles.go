package auth

import (
	"fmt"
	"strings"
)

// RoleCode identifies an entry of the role catalog.
type RoleCode string

const (
	RoleUser          RoleCode = "USER"
	RoleAgent         RoleCode = "AGENT"
	RoleCompanyAdmin  RoleCode = "COMPANY_ADMIN"
	RolePlatformAdmin RoleCode = "PLATFORM_ADMIN"
)

// Role is a catalog entry. Whether a role is bound to a company is a property
// of the role itself, so pairings are checked once when a context or an
// assignment is constructed.
type Role struct {
	Code            RoleCode
	Name            string
	RequiresCompany bool
	DashboardPath   string
}

var catalog = map[RoleCode]Role{
	RoleUser:          {Code: RoleUser, Name: "User", DashboardPath: "/tickets"},
	RoleAgent:         {Code: RoleAgent, Name: "Agent", RequiresCompany: true, DashboardPath: "/agent/dashboard"},
	RoleCompanyAdmin:  {Code: RoleCompanyAdmin, Name: "Company Admin", RequiresCompany: true, DashboardPath: "/empresa/dashboard"},
	RolePlatformAdmin: {Code: RolePlatformAdmin, Name: "Platform Admin", DashboardPath: "/admin/dashboard"},
}

// catalogOrder fixes the presentation order of contexts.
var catalogOrder = []RoleCode{RolePlatformAdmin, RoleCompanyAdmin, RoleAgent, RoleUser}

// LookupRole returns the catalog entry for code.
func LookupRole(code RoleCode) (Role, bool) {
	r, ok := catalog[RoleCode(strings.ToUpper(strings.TrimSpace(string(code))))]
	return r, ok
}

// ParseRoleCode normalizes raw and checks it against the catalog.
func ParseRoleCode(raw string) (RoleCode, error) {
	r, ok := LookupRole(RoleCode(raw))
	if !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
	return r.Code, nil
}

// Roles lists the catalog in presentation order.
func Roles() []Role {
	out := make([]Role, 0, len(catalogOrder))
	for _, code := range catalogOrder {
		out = append(out, catalog[code])
	}
	return out
}

func roleRank(code RoleCode) int {
	for i, c := range catalogOrder {
		if c == code {
			return i
		}
	}
	return len(catalogOrder)
}

// RoleContext is one way a user can act: a role plus the company it is bound
// to, if the role requires one. The zero value is not a valid context.
type RoleContext struct {
	Role      RoleCode `json:"role"`
	CompanyID string   `json:"company_id,omitempty"`
}

// NewRoleContext validates the role/company pairing.
func NewRoleContext(code RoleCode, companyID string) (RoleContext, error) {
	role, ok := LookupRole(code)
	if !ok {
		return RoleContext{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, code)
	}
	companyID = strings.TrimSpace(companyID)
	switch {
	case role.RequiresCompany && companyID == "":
		return RoleContext{}, fmt.Errorf("%w: role %s requires a company", ErrInvalidInput, role.Code)
	case !role.RequiresCompany && companyID != "":
		return RoleContext{}, fmt.Errorf("%w: role %s cannot be bound to a company", ErrInvalidInput, role.Code)
	}
	return RoleContext{Role: role.Code, CompanyID: companyID}, nil
}

// Scoped reports whether the context is bound to a company.
func (c RoleContext) Scoped() bool { return c.CompanyID != "" }

// Equal compares role and company.
func (c RoleContext) Equal(o RoleContext) bool {
	return c.Role == o.Role && c.CompanyID == o.CompanyID
}

func (c RoleContext) String() string {
	if c.CompanyID == "" {
		return string(c.Role)
	}
	return string(c.Role) + "@" + c.CompanyID
}
