package gate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"signgate/internal/policy"
	"signgate/pkg/domain"
)

// Cache remembers positive gate verdicts for a short TTL so polling
// clients do not recompute the snapshot on every request. Only allowed
// verdicts are cached; a blocked verdict flips via webhook and must be
// re-evaluated every time. InvalidateUser drops all of a user's entries
// the moment any of their artifacts changes.
type Cache interface {
	GetAllowed(ctx context.Context, userID domain.UserID, action policy.ActionType, ctxHash string) (bool, error)
	SetAllowed(ctx context.Context, userID domain.UserID, action policy.ActionType, ctxHash string) error
	InvalidateUser(ctx context.Context, userID domain.UserID) error
}

func verdictField(action policy.ActionType, ctxHash string) string {
	return fmt.Sprintf("%s:%s", action, ctxHash)
}

// =============================================================================
// In-memory cache
// =============================================================================

// InMemoryCache is a process-local Cache for tests and single-node runs.
type InMemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[domain.UserID]map[string]time.Time
	now     func() time.Time
}

func NewInMemoryCache(ttl time.Duration) *InMemoryCache {
	return &InMemoryCache{
		ttl:     ttl,
		entries: make(map[domain.UserID]map[string]time.Time),
		now:     time.Now,
	}
}

// WithClock overrides the cache clock. Test hook.
func (c *InMemoryCache) WithClock(now func() time.Time) *InMemoryCache {
	c.now = now
	return c
}

func (c *InMemoryCache) GetAllowed(_ context.Context, userID domain.UserID, action policy.ActionType, ctxHash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields, ok := c.entries[userID]
	if !ok {
		return false, nil
	}
	expiry, ok := fields[verdictField(action, ctxHash)]
	if !ok || c.now().After(expiry) {
		return false, nil
	}
	return true, nil
}

func (c *InMemoryCache) SetAllowed(_ context.Context, userID domain.UserID, action policy.ActionType, ctxHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields, ok := c.entries[userID]
	if !ok {
		fields = make(map[string]time.Time)
		c.entries[userID] = fields
	}
	fields[verdictField(action, ctxHash)] = c.now().Add(c.ttl)
	return nil
}

func (c *InMemoryCache) InvalidateUser(_ context.Context, userID domain.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

// =============================================================================
// Redis cache
// =============================================================================

// RedisCache shares verdicts across instances. Entries for one user live
// in a single hash so invalidation is one DEL regardless of how many
// actions the user has touched. Each field carries its own expiry stamp;
// the hash-level TTL is garbage collection only, so a fresh verdict for
// one action never extends the lifetime of a sibling verdict.
type RedisCache struct {
	client *goredis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisCache(client *goredis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, now: time.Now}
}

// WithClock overrides the cache clock. Test hook.
func (c *RedisCache) WithClock(now func() time.Time) *RedisCache {
	c.now = now
	return c
}

func redisVerdictKey(userID domain.UserID) string {
	return fmt.Sprintf("gate:allowed:%s", userID)
}

func (c *RedisCache) GetAllowed(ctx context.Context, userID domain.UserID, action policy.ActionType, ctxHash string) (bool, error) {
	val, err := c.client.HGet(ctx, redisVerdictKey(userID), verdictField(action, ctxHash)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gate cache get: %w", err)
	}
	expiresAt, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, nil
	}
	return c.now().UnixMilli() < expiresAt, nil
}

func (c *RedisCache) SetAllowed(ctx context.Context, userID domain.UserID, action policy.ActionType, ctxHash string) error {
	key := redisVerdictKey(userID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, verdictField(action, ctxHash), c.now().Add(c.ttl).UnixMilli())
	// GC bound for idle users. Validity is the per-field stamp above.
	pipe.Expire(ctx, key, 2*c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("gate cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) InvalidateUser(ctx context.Context, userID domain.UserID) error {
	if err := c.client.Del(ctx, redisVerdictKey(userID)).Err(); err != nil {
		return fmt.Errorf("gate cache invalidate: %w", err)
	}
	return nil
}
