// Package denylist records revoked sessions and per-user cutoffs so the guard
// can refuse access tokens that are still cryptographically valid.
// Entries live only as long as an access token can.
package denylist

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"helpdesk.org/internal/auth"
)

const (
	sessionPrefix = "helpdesk:denylist:sid:"
	userPrefix    = "helpdesk:denylist:user:"
)

// Redis implements auth.Denylist on a Redis server shared by all instances.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ auth.Denylist = (*Redis)(nil)

// NewRedis keeps entries for ttl, which should equal the access token lifetime.
func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) DenySessions(ctx context.Context, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for _, id := range sessionIDs {
		pipe.Set(ctx, sessionPrefix+id, "1", r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis deny sessions: %w", err)
	}
	return nil
}

func (r *Redis) DenyUserBefore(ctx context.Context, userID string, cutoff time.Time) error {
	if err := r.client.Set(ctx, userPrefix+userID, strconv.FormatInt(cutoff.Unix(), 10), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis deny user: %w", err)
	}
	return nil
}

// Denied reports whether p's session is listed or p was issued in a second
// earlier than the user's cutoff.
func (r *Redis) Denied(ctx context.Context, p auth.Principal) (bool, error) {
	vals, err := r.client.MGet(ctx, sessionPrefix+p.SessionID, userPrefix+p.UserID).Result()
	if err != nil {
		return false, fmt.Errorf("redis check denylist: %w", err)
	}
	if len(vals) > 0 && vals[0] != nil {
		return true, nil
	}
	if len(vals) > 1 && vals[1] != nil {
		raw, _ := vals[1].(string)
		cutoff, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return false, fmt.Errorf("redis check denylist: bad cutoff %q", raw)
		}
		return issuedBefore(p, cutoff), nil
	}
	return false, nil
}

// iat has second precision. A token minted in the cutoff second passes here:
// either it belongs to a family denied by session id alongside the cutoff,
// or it comes from a login made after the cutoff.
func issuedBefore(p auth.Principal, cutoff int64) bool {
	return p.IssuedAt.Unix() < cutoff
}

// Memory is a single-process denylist for development without Redis.
type Memory struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]time.Time
	users    map[string]memoryCutoff
}

type memoryCutoff struct {
	cutoff  int64
	expires time.Time
}

var _ auth.Denylist = (*Memory)(nil)

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]time.Time),
		users:    make(map[string]memoryCutoff),
	}
}

func (m *Memory) DenySessions(_ context.Context, sessionIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp := m.now().Add(m.ttl)
	for _, id := range sessionIDs {
		m.sessions[id] = exp
	}
	return nil
}

func (m *Memory) DenyUserBefore(_ context.Context, userID string, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = memoryCutoff{cutoff: cutoff.Unix(), expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Denied(_ context.Context, p auth.Principal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.sessions[p.SessionID]; ok {
		if now.Before(exp) {
			return true, nil
		}
		delete(m.sessions, p.SessionID)
	}
	if c, ok := m.users[p.UserID]; ok {
		if now.Before(c.expires) {
			return issuedBefore(p, c.cutoff), nil
		}
		delete(m.users, p.UserID)
	}
	return false, nil
}
