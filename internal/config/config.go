// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const devSecret = "dev-only-insecure-secret"

// Config holds all runtime settings for the API and its workers.
type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9090"`

	PostgresDSN    string `env:"PG_DSN"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaAuditTopic string   `env:"KAFKA_AUDIT_TOPIC" envDefault:"helpdesk.auth.audit"`

	JWTSecret     string `env:"JWT_SECRET" envDefault:"dev-only-insecure-secret"`
	JWTIssuer     string `env:"JWT_ISSUER" envDefault:"helpdesk"`
	JWTPrivateKey string `env:"JWT_PRIVATE_KEY"`
	JWTPublicKey  string `env:"JWT_PUBLIC_KEY"`
	JWTKeyID      string `env:"JWT_KEY_ID"`

	AccessTTL        time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	RefreshTTL       time.Duration `env:"REFRESH_TTL" envDefault:"336h"`
	ReuseGrace       time.Duration `env:"REUSE_GRACE" envDefault:"5s"`
	RevokeAllOnReuse bool          `env:"REVOKE_ALL_ON_REUSE" envDefault:"true"`

	CookieSecure bool   `env:"COOKIE_SECURE" envDefault:"false"`
	CookieDomain string `env:"COOKIE_DOMAIN"`

	RateBurst   int      `env:"RATE_BURST" envDefault:"20"`
	RatePerSec  int      `env:"RATE_PER_SEC" envDefault:"10"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	// TrustedProxies holds IPs or CIDRs of reverse proxies allowed to set
	// X-Forwarded-For.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	ServiceKeys  []string `env:"SERVICE_KEYS" envSeparator:","`
	SessionSweep string   `env:"SESSION_SWEEP" envDefault:"@every 1h"`
}

// Load reads an optional .env file and then parses HELPDESK_* variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "HELPDESK_"}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// UsesRS256 reports whether an RSA key pair is configured for signing.
func (c *Config) UsesRS256() bool {
	return strings.TrimSpace(c.JWTPrivateKey) != "" && strings.TrimSpace(c.JWTPublicKey) != ""
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("config: TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("config: TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("config: token lifetimes must be positive")
	}
	if c.AccessTTL >= c.RefreshTTL {
		return fmt.Errorf("config: access ttl %s must be shorter than refresh ttl %s", c.AccessTTL, c.RefreshTTL)
	}
	if c.ReuseGrace < 0 {
		return errors.New("config: reuse grace must not be negative")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	if (c.JWTPrivateKey == "") != (c.JWTPublicKey == "") {
		return errors.New("config: both JWT_PRIVATE_KEY and JWT_PUBLIC_KEY are required for RS256")
	}
	if !c.IsDevelopment() && !c.UsesRS256() {
		if c.JWTSecret == devSecret {
			return fmt.Errorf("config: JWT_SECRET must be set explicitly in %q mode", c.Environment)
		}
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("config: JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
		}
	}
	return nil
}
