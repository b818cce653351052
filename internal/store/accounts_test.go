package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

type fakeRow struct {
	value bool
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.value
	return nil
}

type fakeQuerier struct {
	row  fakeRow
	sql  string
	args []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.sql = sql
	q.args = args
	return q.row
}

func TestIsSuspended(t *testing.T) {
	tests := []struct {
		name    string
		row     fakeRow
		want    bool
		wantErr error
	}{
		{name: "active account", row: fakeRow{value: false}},
		{name: "banned account", row: fakeRow{value: true}, want: true},
		{name: "missing account", row: fakeRow{err: pgx.ErrNoRows}, wantErr: ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQuerier{row: tt.row}
			got, err := NewAccounts(q).IsSuspended(context.Background(), "42")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsSuspended() = %v, want %v", got, tt.want)
			}
			if len(q.args) != 1 || q.args[0] != "42" {
				t.Errorf("query args = %v", q.args)
			}
		})
	}
}

func TestIsSuspendedWrapsDatabaseErrors(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := NewAccounts(&fakeQuerier{row: fakeRow{err: boom}}).IsSuspended(context.Background(), "1")
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped %v", err, boom)
	}
}

func TestIsChatMember(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{value: true}}
	ok, err := NewAccounts(q).IsChatMember(context.Background(), "7", "42")
	if err != nil || !ok {
		t.Fatalf("IsChatMember() = %v, %v", ok, err)
	}
	if q.args[0] != "7" || q.args[1] != "42" {
		t.Errorf("query args = %v", q.args)
	}
}

func TestCachedSuspensionsWithoutRedisDelegates(t *testing.T) {
	accounts := NewAccounts(&fakeQuerier{row: fakeRow{value: true}})
	cached := NewCachedSuspensions(accounts, nil, 0)

	got, err := cached.IsSuspended(context.Background(), "42")
	if err != nil || !got {
		t.Fatalf("IsSuspended() = %v, %v", got, err)
	}
	if err := cached.Invalidate(context.Background(), "42"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
}

type fakeCache struct {
	values map[string]string
	ttls   map[string]time.Duration
	getErr error
	delErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (c *fakeCache) Get(_ context.Context, key string) *redis.StringCmd {
	if c.getErr != nil {
		return redis.NewStringResult("", c.getErr)
	}
	v, ok := c.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (c *fakeCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	c.values[key] = value.(string)
	c.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (c *fakeCache) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if c.delErr != nil {
		return redis.NewIntResult(0, c.delErr)
	}
	var n int64
	for _, k := range keys {
		if _, ok := c.values[k]; ok {
			delete(c.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

type countingChecker struct {
	suspended bool
	calls     int
}

func (c *countingChecker) IsSuspended(context.Context, string) (bool, error) {
	c.calls++
	return c.suspended, nil
}

func TestCachedSuspensionsUsesRedis(t *testing.T) {
	ctx := context.Background()
	next := &countingChecker{suspended: true}
	cache := newFakeCache()
	cached := &CachedSuspensions{next: next, rdb: cache, ttl: 30 * time.Second}

	for i := 0; i < 2; i++ {
		got, err := cached.IsSuspended(ctx, "42")
		if err != nil || !got {
			t.Fatalf("IsSuspended() = %v, %v", got, err)
		}
	}
	if next.calls != 1 {
		t.Errorf("database lookups = %d, want 1", next.calls)
	}
	key := "chatrelay:suspended:42"
	if cache.values[key] != "true" || cache.ttls[key] != 30*time.Second {
		t.Errorf("cache entry = %q ttl %v", cache.values[key], cache.ttls[key])
	}

	// An unban is only seen once the entry is invalidated.
	next.suspended = false
	if got, _ := cached.IsSuspended(ctx, "42"); !got {
		t.Error("cached flag expected before invalidation")
	}
	if err := cached.Invalidate(ctx, "42"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if got, _ := cached.IsSuspended(ctx, "42"); got {
		t.Error("stale flag after invalidation")
	}
	if next.calls != 2 {
		t.Errorf("database lookups = %d, want 2", next.calls)
	}
}

func TestCachedSuspensionsRedisFailures(t *testing.T) {
	ctx := context.Background()
	next := &countingChecker{suspended: true}
	cache := newFakeCache()
	cache.getErr = errors.New("connection refused")
	cached := &CachedSuspensions{next: next, rdb: cache, ttl: time.Minute}

	got, err := cached.IsSuspended(ctx, "42")
	if err != nil || !got || next.calls != 1 {
		t.Errorf("IsSuspended() = %v, %v after %d lookups", got, err, next.calls)
	}

	cache.delErr = errors.New("connection refused")
	if err := cached.Invalidate(ctx, "42"); err == nil {
		t.Error("expected Invalidate error")
	}
}
