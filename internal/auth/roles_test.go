package auth

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestRoleContextPairing(t *testing.T) {
	cases := []struct {
		role    RoleCode
		company string
		ok      bool
	}{
		{RoleUser, "", true},
		{RoleUser, "c1", false},
		{RolePlatformAdmin, "", true},
		{RolePlatformAdmin, "c1", false},
		{RoleAgent, "c1", true},
		{RoleAgent, "", false},
		{RoleCompanyAdmin, "c1", true},
		{RoleCompanyAdmin, "  ", false},
		{"SUPERUSER", "", false},
		{"agent", "c1", true},
	}
	for _, tc := range cases {
		rc, err := NewRoleContext(tc.role, tc.company)
		if tc.ok && err != nil {
			t.Fatalf("%s/%q: unexpected error %v", tc.role, tc.company, err)
		}
		if !tc.ok {
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("%s/%q: expected invalid input, got %v", tc.role, tc.company, err)
			}
			continue
		}
		if _, ok := LookupRole(rc.Role); !ok {
			t.Fatalf("normalized role %q not in catalog", rc.Role)
		}
	}
}

func TestRoleCatalogOrder(t *testing.T) {
	roles := Roles()
	want := []RoleCode{RolePlatformAdmin, RoleCompanyAdmin, RoleAgent, RoleUser}
	if len(roles) != len(want) {
		t.Fatalf("unexpected catalog size %d", len(roles))
	}
	for i, r := range roles {
		if r.Code != want[i] {
			t.Fatalf("position %d: got %s want %s", i, r.Code, want[i])
		}
		if r.DashboardPath == "" {
			t.Fatalf("%s has no dashboard path", r.Code)
		}
	}
	if _, err := ParseRoleCode("nope"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRoleContextString(t *testing.T) {
	if got := (RoleContext{Role: RoleAgent, CompanyID: "c1"}).String(); got != "AGENT@c1" {
		t.Fatalf("unexpected string %q", got)
	}
	if got := (RoleContext{Role: RoleUser}).String(); got != "USER" {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestStatusTransitions(t *testing.T) {
	if !StatusActive.CanTransition(StatusSuspended) || !StatusSuspended.CanTransition(StatusActive) {
		t.Fatal("active and suspended should swap")
	}
	if StatusDeleted.CanTransition(StatusActive) {
		t.Fatal("deleted must be terminal")
	}
	if StatusActive.CanTransition(StatusActive) {
		t.Fatal("same-state transition should be rejected")
	}
}

func TestNewAssignmentRejectsBadPairing(t *testing.T) {
	if _, err := NewAssignment("a1", "u1", RoleContext{Role: RoleAgent}, "", time.Now()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	a, err := NewAssignment("a1", "u1", RoleContext{Role: RoleAgent, CompanyID: "c1"}, "admin", time.Now())
	if err != nil {
		t.Fatalf("NewAssignment: %v", err)
	}
	if !a.Active || a.Context().CompanyID != "c1" {
		t.Fatalf("unexpected assignment: %+v", a)
	}
}

func TestDetectDeviceName(t *testing.T) {
	cases := map[string]string{
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36": "Chrome on macOS",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36 Edg/120.0":                "Edge on Windows",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Version/17.0 Mobile Safari/604.1":       "Safari on iOS",
		"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0":                                            "Firefox on Linux",
		"curl/8.4.0": "Unknown Device",
		"":           "Unknown Device",
	}
	for ua, want := range cases {
		if got := DetectDeviceName(ua); got != want {
			t.Fatalf("%q: got %q want %q", ua, got, want)
		}
	}
	dev := NormalizeDevice(Device{Name: "  My Laptop  ", IP: " 10.0.0.1 "})
	if dev.Name != "My Laptop" || dev.IP != "10.0.0.1" {
		t.Fatalf("unexpected device: %+v", dev)
	}
}

func TestNormalizeDeviceKeepsValidUTF8(t *testing.T) {
	cases := []struct {
		name     string
		in       Device
		wantName string
		maxUA    int
	}{
		{"ascii at limit", Device{Name: strings.Repeat("a", 130)}, strings.Repeat("a", 120), 0},
		{"euro cut on rune boundary", Device{Name: "a" + strings.Repeat("€", 40)}, "a" + strings.Repeat("€", 39), 0},
		{"four byte runes", Device{Name: strings.Repeat("😀", 31)}, strings.Repeat("😀", 30), 0},
		{"invalid bytes replaced", Device{Name: "lap\xfftop"}, "lap\uFFFDtop", 0},
		{"long user agent", Device{Name: "x", UserAgent: strings.Repeat("é", 400)}, "x", maxUserAgentLen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeDevice(tc.in)
			if got.Name != tc.wantName {
				t.Fatalf("name = %q, want %q", got.Name, tc.wantName)
			}
			for field, v := range map[string]string{"name": got.Name, "user_agent": got.UserAgent} {
				if !utf8.ValidString(v) {
					t.Fatalf("%s is not valid UTF-8: %q", field, v)
				}
			}
			if len(got.Name) > maxDeviceNameLen {
				t.Fatalf("name is %d bytes", len(got.Name))
			}
			if tc.maxUA > 0 && len(got.UserAgent) > tc.maxUA {
				t.Fatalf("user agent is %d bytes", len(got.UserAgent))
			}
		})
	}
}

func TestRefreshSecretHashing(t *testing.T) {
	plain, hash, err := NewRefreshSecret()
	if err != nil {
		t.Fatalf("NewRefreshSecret: %v", err)
	}
	if len(plain) != 64 {
		t.Fatalf("expected 32 random bytes hex encoded, got %d chars", len(plain))
	}
	if hash == plain || HashSecret(plain) != hash {
		t.Fatal("hash must be derived from, and differ from, the secret")
	}
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		code Code
	}{
		{ErrTokenExpired, CodeTokenExpired},
		{ErrTokenRevoked, CodeTokenInvalid},
		{ErrUnauthenticated, CodeUnauthenticated},
		{fmt.Errorf("%w: AGENT@c1", ErrRoleNotHeld), CodeRoleNotHeld},
		{ErrAlreadyExists, CodeConflict},
		{ErrReuseDetected, CodeReuseDetected},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.code {
			t.Fatalf("%v: got %s want %s", tc.err, got, tc.code)
		}
	}
}

func TestPasswordHashing(t *testing.T) {
	if _, err := HashPassword("short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyPassword(hash, "correct horse"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong horse"); err == nil {
		t.Fatal("expected mismatch")
	}
	if err := VerifyPassword("", "anything"); err == nil {
		t.Fatal("expected error for password-less account")
	}
}

func TestPrincipalContextCopies(t *testing.T) {
	rc := &RoleContext{Role: RoleAgent, CompanyID: "c1"}
	ctx := ContextWithPrincipal(t.Context(), Principal{UserID: "u1", Context: rc})
	rc.CompanyID = "mutated"
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Context.CompanyID != "c1" {
		t.Fatalf("principal leaked mutation: %+v", p.Context)
	}
	if scope, ok := p.CompanyScope(); !ok || scope != "c1" {
		t.Fatalf("unexpected scope %q", scope)
	}
	if !p.ActsAs(RoleCompanyAdmin, RoleAgent) || p.ActsAs(RoleUser) {
		t.Fatal("unexpected ActsAs result")
	}
}
