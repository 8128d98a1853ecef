// Package memory provides an in-process AccountStore.
//
// All operations run under one mutex, which makes every conditional update
// trivially atomic. State is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/quotagate"
)

// Store is an in-memory AccountStore.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*quotagate.Account
	handles  map[string]string // handle -> id
	usage    map[string][]quotagate.UsageEvent
	seen     map[string]bool                 // account-scoped idempotency keys
	commits  map[string]quotagate.UsageEvent // reservation id -> event
}

var _ quotagate.AccountStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*quotagate.Account),
		handles:  make(map[string]string),
		usage:    make(map[string][]quotagate.UsageEvent),
		seen:     make(map[string]bool),
		commits:  make(map[string]quotagate.UsageEvent),
	}
}

// Create inserts a new account.
func (s *Store) Create(ctx context.Context, acc quotagate.Account) error {
	if err := ctx.Err(); err != nil {
		return quotagate.Unavailable("quotagate/memory: create", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.ID]; ok {
		return quotagate.ErrAccountExists
	}
	if _, ok := s.handles[acc.Handle]; ok {
		return quotagate.ErrHandleTaken
	}

	stored := clone(acc)
	s.accounts[acc.ID] = &stored
	s.handles[acc.Handle] = acc.ID
	return nil
}

// GetByID returns the account with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (quotagate.Account, error) {
	if err := ctx.Err(); err != nil {
		return quotagate.Account{}, quotagate.Unavailable("quotagate/memory: get", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return quotagate.Account{}, quotagate.ErrNotFound
	}
	return clone(*acc), nil
}

// GetByHandle returns the account with the given handle.
func (s *Store) GetByHandle(ctx context.Context, handle string) (quotagate.Account, error) {
	if err := ctx.Err(); err != nil {
		return quotagate.Account{}, quotagate.Unavailable("quotagate/memory: get by handle", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.handles[handle]
	if !ok {
		return quotagate.Account{}, quotagate.ErrNotFound
	}
	return clone(*s.accounts[id]), nil
}

// Update applies fn to a copy of the account and stores the result.
func (s *Store) Update(ctx context.Context, id string, fn func(*quotagate.Account) error) (quotagate.Account, error) {
	if err := ctx.Err(); err != nil {
		return quotagate.Account{}, quotagate.Unavailable("quotagate/memory: update", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.accounts[id]
	if !ok {
		return quotagate.Account{}, quotagate.ErrNotFound
	}

	next := clone(*cur)
	if err := fn(&next); err != nil {
		return quotagate.Account{}, err
	}
	next.ID = cur.ID

	if next.Handle != cur.Handle {
		if _, taken := s.handles[next.Handle]; taken {
			return quotagate.Account{}, quotagate.ErrHandleTaken
		}
		delete(s.handles, cur.Handle)
		s.handles[next.Handle] = id
	}

	s.accounts[id] = &next
	return clone(next), nil
}

// HealBan clears a lapsed ban.
func (s *Store) HealBan(ctx context.Context, id string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, quotagate.Unavailable("quotagate/memory: heal ban", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return false, quotagate.ErrNotFound
	}
	if !acc.Banned || acc.BanExpiresAt == nil || acc.BanExpiresAt.After(now) {
		return false, nil
	}
	quotagate.Unban(acc)
	return true, nil
}

// Reserve takes one use from the account if one is available.
func (s *Store) Reserve(ctx context.Context, id string, idempotencyKey string) (quotagate.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return quotagate.Reservation{}, quotagate.Unavailable("quotagate/memory: reserve", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scoped := scopedKey(id, idempotencyKey)
	if idempotencyKey != "" && s.seen[scoped] {
		return quotagate.Reservation{}, fmt.Errorf("%w: idempotency key %q", quotagate.ErrDuplicateRequest, idempotencyKey)
	}

	acc, ok := s.accounts[id]
	if !ok {
		return quotagate.Reservation{}, quotagate.ErrNotFound
	}
	if !quotagate.CanConsume(*acc) {
		return quotagate.Reservation{}, quotagate.ErrQuotaExhausted
	}

	res := quotagate.Reservation{
		ID:             uuid.New().String(),
		AccountID:      id,
		IdempotencyKey: idempotencyKey,
		Unlimited:      acc.Quota.IsUnlimited(),
	}
	if !res.Unlimited {
		acc.Quota = quotagate.Limited(acc.Quota.Remaining() - 1)
		res.Remaining = acc.Quota.Remaining()
	}

	if idempotencyKey != "" {
		s.seen[scoped] = true
	}
	return res, nil
}

// Commit increments total-used and appends a usage event.
func (s *Store) Commit(ctx context.Context, res quotagate.Reservation, now time.Time) (quotagate.UsageEvent, error) {
	if err := ctx.Err(); err != nil {
		return quotagate.UsageEvent{}, quotagate.Unavailable("quotagate/memory: commit", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ev, ok := s.commits[res.ID]; ok && res.ID != "" {
		return ev, nil
	}
	acc, ok := s.accounts[res.AccountID]
	if !ok {
		return quotagate.UsageEvent{}, quotagate.ErrNotFound
	}
	acc.TotalUsed++

	id := res.ID
	if id == "" {
		id = uuid.New().String()
	}
	ev := s.appendUsage(id, res.AccountID, now)
	s.commits[id] = ev
	return ev, nil
}

// Rollback returns a reserved use.
func (s *Store) Rollback(ctx context.Context, res quotagate.Reservation) error {
	if err := ctx.Err(); err != nil {
		return quotagate.Unavailable("quotagate/memory: rollback", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if res.IdempotencyKey != "" {
		delete(s.seen, scopedKey(res.AccountID, res.IdempotencyKey))
	}

	acc, ok := s.accounts[res.AccountID]
	if !ok || res.Unlimited || acc.Quota.IsUnlimited() {
		return nil
	}
	*acc = quotagate.Grant(*acc, 1)
	return nil
}

// Consume debits one use and records it.
func (s *Store) Consume(ctx context.Context, id string, now time.Time) (quotagate.Account, quotagate.UsageEvent, error) {
	if err := ctx.Err(); err != nil {
		return quotagate.Account{}, quotagate.UsageEvent{}, quotagate.Unavailable("quotagate/memory: consume", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return quotagate.Account{}, quotagate.UsageEvent{}, quotagate.ErrNotFound
	}
	if !quotagate.CanConsume(*acc) {
		return quotagate.Account{}, quotagate.UsageEvent{}, quotagate.ErrQuotaExhausted
	}

	next, err := quotagate.Consume(*acc)
	if err != nil {
		return quotagate.Account{}, quotagate.UsageEvent{}, err
	}
	*acc = next
	return clone(next), s.appendUsage(uuid.New().String(), id, now), nil
}

// ResetDaily restores limited accounts to their allotment once per day.
func (s *Store) ResetDaily(ctx context.Context, now time.Time, a quotagate.Allotments) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, quotagate.Unavailable("quotagate/memory: reset daily", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, acc := range s.accounts {
		next, changed := quotagate.ResetDaily(*acc, now, a)
		if changed {
			*acc = next
			n++
		}
	}
	return n, nil
}

// UsageSince returns events at or after since, oldest first.
func (s *Store) UsageSince(ctx context.Context, accountID string, since time.Time) ([]quotagate.UsageEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, quotagate.Unavailable("quotagate/memory: usage", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []quotagate.UsageEvent
	for _, ev := range s.usage[accountID] {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ListAccounts returns every account ordered by handle.
func (s *Store) ListAccounts(ctx context.Context) ([]quotagate.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, quotagate.Unavailable("quotagate/memory: list", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]quotagate.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, clone(*acc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

// appendUsage must be called with the write lock held.
func (s *Store) appendUsage(eventID, accountID string, now time.Time) quotagate.UsageEvent {
	ev := quotagate.UsageEvent{
		ID:        eventID,
		AccountID: accountID,
		Timestamp: now,
	}
	s.usage[accountID] = append(s.usage[accountID], ev)
	return ev
}

func scopedKey(accountID, key string) string { return accountID + ":" + key }

// clone copies the pointer fields so callers never alias stored state.
func clone(acc quotagate.Account) quotagate.Account {
	if acc.BanExpiresAt != nil {
		t := *acc.BanExpiresAt
		acc.BanExpiresAt = &t
	}
	if acc.LastHandleChange != nil {
		t := *acc.LastHandleChange
		acc.LastHandleChange = &t
	}
	if acc.Subscription != nil {
		sub := *acc.Subscription
		acc.Subscription = &sub
	}
	return acc
}
