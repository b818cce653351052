// internal/store/accounts.go
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

var ErrAccountNotFound = errors.New("account not found")

// rowQuerier is the part of *pgxpool.Pool the store needs.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Accounts reads the account and membership tables owned by the CRUD layer.
type Accounts struct {
	db rowQuerier
}

func NewAccounts(db rowQuerier) *Accounts {
	return &Accounts{db: db}
}

// IsSuspended reports the suspension flag of a user account.
func (a *Accounts) IsSuspended(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var banned bool
	err := a.db.QueryRow(ctx, `SELECT is_banned FROM users WHERE id = $1`, userID).Scan(&banned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrAccountNotFound
		}
		return false, fmt.Errorf("failed to load suspension flag: %w", err)
	}

	return banned, nil
}

// IsChatMember reports whether userID belongs to chatID.
func (a *Accounts) IsChatMember(ctx context.Context, chatID, userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var member bool
	err := a.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)
	`, chatID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("failed to check chat membership: %w", err)
	}

	return member, nil
}

// SuspensionChecker is implemented by Accounts.
type SuspensionChecker interface {
	IsSuspended(ctx context.Context, userID string) (bool, error)
}

// cacheClient is the part of *redis.Client the suspension cache uses.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedSuspensions keeps suspension flags in Redis for a short TTL so a
// reconnect storm does not hit Postgres once per socket. An unban that is
// not followed by Invalidate takes up to ttl to be seen.
type CachedSuspensions struct {
	next SuspensionChecker
	rdb  cacheClient
	ttl  time.Duration
}

// NewCachedSuspensions wraps next. A nil rdb disables caching.
func NewCachedSuspensions(next SuspensionChecker, rdb *redis.Client, ttl time.Duration) *CachedSuspensions {
	c := &CachedSuspensions{next: next, ttl: ttl}
	if rdb != nil {
		c.rdb = rdb
	}
	return c
}

func (c *CachedSuspensions) IsSuspended(ctx context.Context, userID string) (bool, error) {
	if c.rdb == nil || c.ttl <= 0 {
		return c.next.IsSuspended(ctx, userID)
	}

	key := suspensionKey(userID)
	cached, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if v, perr := strconv.ParseBool(cached); perr == nil {
			return v, nil
		}
	case !errors.Is(err, redis.Nil):
		// Cache trouble falls through to the database.
	}

	suspended, err := c.next.IsSuspended(ctx, userID)
	if err != nil {
		return false, err
	}

	_ = c.rdb.Set(ctx, key, strconv.FormatBool(suspended), c.ttl).Err()
	return suspended, nil
}

// Invalidate drops the cached flag after a moderation action.
func (c *CachedSuspensions) Invalidate(ctx context.Context, userID string) error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, suspensionKey(userID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to invalidate suspension cache: %w", err)
	}
	return nil
}

func suspensionKey(userID string) string {
	return fmt.Sprintf("chatrelay:suspended:%s", userID)
}
