//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotagate"
	qgpg "github.com/ineyio/quotagate/store/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/quotagate_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *qgpg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := qgpg.New(pool, qgpg.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %[1]susage_events, %[1]sidempotency, %[1]saccounts", prefix))
	})
	return s
}

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func create(t *testing.T, s *qgpg.Store, id string, q quotagate.Quota) {
	t.Helper()
	err := s.Create(context.Background(), quotagate.Account{ID: id, Handle: id, Quota: q, CreatedAt: now})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	until := now.Add(24 * time.Hour)
	acc := quotagate.Account{
		ID:             "a1",
		Handle:         "alice",
		Roles:          quotagate.Roles{Admin: true},
		Quota:          quotagate.Limited(7),
		Banned:         true,
		BanExpiresAt:   &until,
		Subscription:   &quotagate.Subscription{Tier: quotagate.TierBasic, ExpiresAt: until},
		RegistrationIP: "10.0.0.1",
		LastResetDay:   "2025-03-10",
		CreatedAt:      now,
	}
	if err := store.Create(ctx, acc); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetByHandle(ctx, "alice")
	if err != nil {
		t.Fatalf("get by handle: %v", err)
	}
	if got.ID != "a1" || !got.Roles.Admin || got.Quota.Remaining() != 7 {
		t.Errorf("unexpected account: %+v", got)
	}
	if got.BanExpiresAt == nil || !got.BanExpiresAt.Equal(until) {
		t.Errorf("ban expiry = %v, want %v", got.BanExpiresAt, until)
	}
	if got.Subscription == nil || got.Subscription.Tier != quotagate.TierBasic {
		t.Errorf("subscription = %+v", got.Subscription)
	}

	if err := store.Create(ctx, acc); err != quotagate.ErrAccountExists {
		t.Errorf("duplicate id: got %v, want ErrAccountExists", err)
	}
	acc.ID = "a2"
	if err := store.Create(ctx, acc); err != quotagate.ErrHandleTaken {
		t.Errorf("duplicate handle: got %v, want ErrHandleTaken", err)
	}
	if _, err := store.GetByID(ctx, "missing"); err != quotagate.ErrNotFound {
		t.Errorf("missing: got %v, want ErrNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	create(t, store, "a", quotagate.Limited(1))
	create(t, store, "b", quotagate.Limited(1))

	acc, err := store.Update(ctx, "a", func(acc *quotagate.Account) error {
		acc.Handle = "renamed"
		acc.Quota = quotagate.Unlimited()
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if acc.Handle != "renamed" || !acc.Quota.IsUnlimited() {
		t.Errorf("unexpected account: %+v", acc)
	}

	_, err = store.Update(ctx, "a", func(acc *quotagate.Account) error {
		acc.Handle = "b"
		return nil
	})
	if err != quotagate.ErrHandleTaken {
		t.Errorf("got %v, want ErrHandleTaken", err)
	}
}

func TestReserveCommitRollback(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	create(t, store, "acct1", quotagate.Limited(2))

	res, err := store.Reserve(ctx, "acct1", "")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Remaining != 1 {
		t.Errorf("remaining = %d, want 1", res.Remaining)
	}
	if _, err := store.Commit(ctx, res, now); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, err = store.Reserve(ctx, "acct1", "")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Rollback(ctx, res); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	acc, err := store.GetByID(ctx, "acct1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acc.Quota.Remaining() != 1 || acc.TotalUsed != 1 {
		t.Errorf("remaining=%d used=%d, want 1/1", acc.Quota.Remaining(), acc.TotalUsed)
	}

	events, err := store.UsageSince(ctx, "acct1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestReserveExhaustedAndMissing(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	create(t, store, "empty", quotagate.Limited(0))

	if _, err := store.Reserve(ctx, "empty", ""); err != quotagate.ErrQuotaExhausted {
		t.Errorf("got %v, want ErrQuotaExhausted", err)
	}
	if _, err := store.Reserve(ctx, "missing", ""); err != quotagate.ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestIdempotency(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	create(t, store, "acct1", quotagate.Limited(5))

	if _, err := store.Reserve(ctx, "acct1", "key-1"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	_, err := store.Reserve(ctx, "acct1", "key-1")
	if err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestRollbackFreesScopedKey(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	create(t, store, "a", quotagate.Limited(3))
	create(t, store, "b", quotagate.Limited(3))

	res, err := store.Reserve(ctx, "a", "req-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := store.Reserve(ctx, "b", "req-1"); err != nil {
		t.Errorf("same key on another account: %v", err)
	}
	if err := store.Rollback(ctx, res); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := store.Reserve(ctx, "a", "req-1"); err != nil {
		t.Errorf("retry after rollback: %v", err)
	}

	acc, err := store.GetByID(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acc.Quota.Remaining() != 2 {
		t.Errorf("remaining = %d, want 2", acc.Quota.Remaining())
	}
}

func TestConcurrentConsume(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	create(t, store, "acct1", quotagate.Limited(10))

	var success atomic.Int64
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.Consume(ctx, "acct1", now); err == nil {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := success.Load(); got != 10 {
		t.Errorf("successful consumes = %d, want 10", got)
	}
	acc, err := store.GetByID(ctx, "acct1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acc.Quota.Remaining() != 0 || acc.TotalUsed != 10 {
		t.Errorf("remaining=%d used=%d, want 0/10", acc.Quota.Remaining(), acc.TotalUsed)
	}
}

func TestHealBan(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	past := now.Add(-time.Hour)
	err := store.Create(ctx, quotagate.Account{ID: "b", Handle: "b", Banned: true, BanExpiresAt: &past, CreatedAt: now})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	healed, err := store.HealBan(ctx, "b", now)
	if err != nil || !healed {
		t.Fatalf("heal: healed=%v err=%v", healed, err)
	}
	healed, err = store.HealBan(ctx, "b", now)
	if err != nil || healed {
		t.Errorf("second heal: healed=%v err=%v", healed, err)
	}
}

func TestResetDaily(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	create(t, store, "a", quotagate.Limited(0))
	create(t, store, "mod", quotagate.Unlimited())

	err := store.Create(ctx, quotagate.Account{
		ID: "p", Handle: "p", Quota: quotagate.Limited(0), CreatedAt: now,
		Subscription: &quotagate.Subscription{Tier: quotagate.TierPremium, ExpiresAt: now.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := store.ResetDaily(ctx, now, quotagate.DefaultAllotments())
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 2 {
		t.Errorf("reset %d accounts, want 2", n)
	}
	p, _ := store.GetByID(ctx, "p")
	if p.Quota.Remaining() != 200 {
		t.Errorf("premium remaining = %d, want 200", p.Quota.Remaining())
	}

	n, err = store.ResetDaily(ctx, now.Add(time.Hour), quotagate.DefaultAllotments())
	if err != nil || n != 0 {
		t.Errorf("second reset: n=%d err=%v", n, err)
	}
}
