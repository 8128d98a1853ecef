// Package redis provides a Redis-backed AccountStore.
//
// Accounts are Redis hashes; usage events live in one sorted set per
// account scored by timestamp. Every quota debit runs as a Lua script, so
// concurrent requests from one account can never overdraw it. Scripts
// touch several keys; on Redis Cluster use a key prefix with a hash tag
// (for example "{quotagate}:") so they share a slot.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotagate"
)

const (
	idempotencyTTL   = 24 * time.Hour
	maxUpdateRetries = 5
)

// hashGetter is satisfied by both the client and a WATCH transaction.
type hashGetter interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

// Store is a Redis-backed AccountStore.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
}

var _ quotagate.AccountStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "quotagate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed AccountStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "quotagate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(id string) string    { return s.keyPrefix + "account:" + id }
func (s *Store) handleKey(handle string) string { return s.keyPrefix + "handle:" + handle }
func (s *Store) usageKey(id string) string      { return s.keyPrefix + "usage:" + id }
func (s *Store) idemKey(id, key string) string  { return s.keyPrefix + "idem:" + id + ":" + key }
func (s *Store) accountsKey() string            { return s.keyPrefix + "accounts" }

// createScript inserts an account and its handle index.
// KEYS[1] = account hash, KEYS[2] = handle key, KEYS[3] = account id set
// ARGV[1] = id, ARGV[2..] = field/value pairs
//
// Returns 1 created, -1 id exists, -2 handle taken.
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return -1
end
if redis.call("EXISTS", KEYS[2]) == 1 then
    return -2
end
local fields = {}
for i = 2, #ARGV do
    fields[#fields + 1] = ARGV[i]
end
redis.call("HSET", KEYS[1], unpack(fields))
redis.call("SET", KEYS[2], ARGV[1])
redis.call("SADD", KEYS[3], ARGV[1])
return 1
`)

// debitScript takes one use from an account.
// KEYS[1] = account hash, KEYS[2] = idempotency key, KEYS[3] = usage zset
// ARGV[1] = has_idem ("1" or "0")
// ARGV[2] = count_use ("1" to also increment total used and append ARGV[3] at score ARGV[4])
//
// Returns {status, unlimited, remaining}:
//
//	 1 = debited
//	 0 = quota exhausted
//	-1 = duplicate idempotency key
//	-2 = account not found
var debitScript = goredis.NewScript(`
local account_key = KEYS[1]
local idem_key = KEYS[2]
local usage_key = KEYS[3]

if redis.call("EXISTS", account_key) == 0 then
    return {-2, 0, 0}
end

-- Idempotency check
if ARGV[1] == "1" then
    local set = redis.call("SET", idem_key, "1", "NX", "PX", tonumber(ARGV[5]))
    if not set then
        return {-1, 0, 0}
    end
end

local unlimited = redis.call("HGET", account_key, "quota_unlimited") == "1"
local remaining = tonumber(redis.call("HGET", account_key, "quota_remaining") or "0")

if not unlimited then
    if remaining <= 0 then
        -- Rollback idempotency key on failure
        if ARGV[1] == "1" then
            redis.call("DEL", idem_key)
        end
        return {0, 0, 0}
    end
    remaining = redis.call("HINCRBY", account_key, "quota_remaining", -1)
end

if ARGV[2] == "1" then
    redis.call("HINCRBY", account_key, "quota_total_used", 1)
    redis.call("ZADD", usage_key, tonumber(ARGV[4]), ARGV[3])
end

if unlimited then
    return {1, 1, 0}
end
return {1, 0, remaining}
`)

// commitScript finalizes a reservation once.
// KEYS[1] = account hash, KEYS[2] = usage zset
// ARGV[1] = event id, ARGV[2] = score (unix ms)
//
// Returns {status, score}: 1 committed, 2 already committed (score of
// the existing event), 0 account not found.
var commitScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {0, 0}
end
local existing = redis.call("ZSCORE", KEYS[2], ARGV[1])
if existing then
    return {2, tonumber(existing)}
end
redis.call("HINCRBY", KEYS[1], "quota_total_used", 1)
redis.call("ZADD", KEYS[2], tonumber(ARGV[2]), ARGV[1])
return {1, tonumber(ARGV[2])}
`)

// rollbackScript frees the idempotency key and returns a reserved use to a
// limited account.
// KEYS[1] = account hash, KEYS[2] = idempotency key
// ARGV[1] = has_idem ("1" or "0"), ARGV[2] = refund ("1" or "0")
var rollbackScript = goredis.NewScript(`
if ARGV[1] == "1" then
    redis.call("DEL", KEYS[2])
end
if ARGV[2] ~= "1" or redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
if redis.call("HGET", KEYS[1], "quota_unlimited") == "1" then
    return 0
end
redis.call("HINCRBY", KEYS[1], "quota_remaining", 1)
return 1
`)

// healScript clears a lapsed ban.
// KEYS[1] = account hash, ARGV[1] = now (unix ms)
var healScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
if redis.call("HGET", KEYS[1], "banned") ~= "1" then
    return 0
end
local expires = redis.call("HGET", KEYS[1], "ban_expires_at")
if not expires or expires == "" or tonumber(expires) > tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", KEYS[1], "banned", "0", "ban_expires_at", "")
return 1
`)

// resetScript restores one limited account to its allotment once per day.
// KEYS[1] = account hash
// ARGV[1] = day, ARGV[2] = now (unix ms), ARGV[3] = default allotment,
// ARGV[4..] = tier/allotment pairs
var resetScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return 0
end
if redis.call("HGET", key, "quota_unlimited") == "1" then
    return 0
end
if redis.call("HGET", key, "last_reset_day") == ARGV[1] then
    return 0
end
local allot = ARGV[3]
local tier = redis.call("HGET", key, "subscription_type") or ""
local expires = redis.call("HGET", key, "subscription_expires_at") or ""
if tier ~= "" and expires ~= "" and tonumber(expires) > tonumber(ARGV[2]) then
    for i = 4, #ARGV, 2 do
        if ARGV[i] == tier then
            allot = ARGV[i + 1]
        end
    end
end
redis.call("HSET", key, "quota_remaining", allot, "last_reset_day", ARGV[1])
return 1
`)

// Create inserts a new account.
func (s *Store) Create(ctx context.Context, acc quotagate.Account) error {
	args := []any{acc.ID}
	for k, v := range encode(acc) {
		args = append(args, k, v)
	}

	result, err := createScript.Run(ctx, s.client,
		[]string{s.accountKey(acc.ID), s.handleKey(acc.Handle), s.accountsKey()},
		args...,
	).Int64()
	if err != nil {
		return quotagate.Unavailable("quotagate/redis: create", err)
	}

	switch result {
	case 1:
		return nil
	case -1:
		return quotagate.ErrAccountExists
	case -2:
		return quotagate.ErrHandleTaken
	default:
		return fmt.Errorf("quotagate/redis: unexpected create result: %d", result)
	}
}

// GetByID returns the account with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (quotagate.Account, error) {
	return s.load(ctx, s.client, id)
}

// GetByHandle returns the account with the given handle.
func (s *Store) GetByHandle(ctx context.Context, handle string) (quotagate.Account, error) {
	id, err := s.client.Get(ctx, s.handleKey(handle)).Result()
	if errors.Is(err, goredis.Nil) {
		return quotagate.Account{}, quotagate.ErrNotFound
	}
	if err != nil {
		return quotagate.Account{}, quotagate.Unavailable("quotagate/redis: get handle", err)
	}
	return s.load(ctx, s.client, id)
}

// Update applies fn under optimistic locking on the account hash.
func (s *Store) Update(ctx context.Context, id string, fn func(*quotagate.Account) error) (quotagate.Account, error) {
	key := s.accountKey(id)

	var updated quotagate.Account
	txf := func(tx *goredis.Tx) error {
		acc, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		oldHandle := acc.Handle

		if err := fn(&acc); err != nil {
			return err
		}
		acc.ID = id

		if acc.Handle != oldHandle {
			newKey := s.handleKey(acc.Handle)
			if err := tx.Watch(ctx, newKey).Err(); err != nil {
				return quotagate.Unavailable("quotagate/redis: watch handle", err)
			}
			n, err := tx.Exists(ctx, newKey).Result()
			if err != nil {
				return quotagate.Unavailable("quotagate/redis: check handle", err)
			}
			if n > 0 {
				return quotagate.ErrHandleTaken
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, encode(acc))
			if acc.Handle != oldHandle {
				pipe.Del(ctx, s.handleKey(oldHandle))
				pipe.Set(ctx, s.handleKey(acc.Handle), id, 0)
			}
			return nil
		})
		if errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		if err != nil {
			return quotagate.Unavailable("quotagate/redis: update", err)
		}
		updated = acc
		return nil
	}

	for range maxUpdateRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return quotagate.Account{}, err
		}
		return updated, nil
	}
	return quotagate.Account{}, quotagate.Unavailable("quotagate/redis: update", goredis.TxFailedErr)
}

// HealBan clears a lapsed ban.
func (s *Store) HealBan(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := healScript.Run(ctx, s.client, []string{s.accountKey(id)}, now.UnixMilli()).Int64()
	if err != nil {
		return false, quotagate.Unavailable("quotagate/redis: heal ban", err)
	}
	if result == -1 {
		return false, quotagate.ErrNotFound
	}
	return result == 1, nil
}

// Reserve takes one use from the account if one is available.
func (s *Store) Reserve(ctx context.Context, id string, idempotencyKey string) (quotagate.Reservation, error) {
	hasIdem := "0"
	idemK := s.idemKey(id, "_noop")
	if idempotencyKey != "" {
		hasIdem = "1"
		idemK = s.idemKey(id, idempotencyKey)
	}

	status, unlimited, remaining, err := s.debit(ctx, id, idemK, hasIdem, "0", "", 0)
	if err != nil {
		return quotagate.Reservation{}, err
	}
	if status == -1 {
		return quotagate.Reservation{}, fmt.Errorf("%w: idempotency key %q", quotagate.ErrDuplicateRequest, idempotencyKey)
	}
	if err := debitStatus(status); err != nil {
		return quotagate.Reservation{}, err
	}

	return quotagate.Reservation{
		ID:             uuid.New().String(),
		AccountID:      id,
		IdempotencyKey: idempotencyKey,
		Unlimited:      unlimited,
		Remaining:      remaining,
	}, nil
}

// Commit increments total-used and appends a usage event.
func (s *Store) Commit(ctx context.Context, res quotagate.Reservation, now time.Time) (quotagate.UsageEvent, error) {
	ev := newEvent(res.AccountID, now)
	if res.ID != "" {
		ev.ID = res.ID
	}
	vals, err := commitScript.Run(ctx, s.client,
		[]string{s.accountKey(res.AccountID), s.usageKey(res.AccountID)},
		ev.ID, ev.Timestamp.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return quotagate.UsageEvent{}, quotagate.Unavailable("quotagate/redis: commit", err)
	}
	if len(vals) != 2 {
		return quotagate.UsageEvent{}, fmt.Errorf("quotagate/redis: unexpected commit result: %v", vals)
	}
	if vals[0] == 0 {
		return quotagate.UsageEvent{}, quotagate.ErrNotFound
	}
	ev.Timestamp = time.UnixMilli(vals[1]).UTC()
	return ev, nil
}

// Rollback frees the idempotency key and returns a reserved use unless the
// account is unlimited.
func (s *Store) Rollback(ctx context.Context, res quotagate.Reservation) error {
	if res.Unlimited && res.IdempotencyKey == "" {
		return nil
	}
	hasIdem, refund := "0", formatBool(!res.Unlimited)
	if res.IdempotencyKey != "" {
		hasIdem = "1"
	}
	_, err := rollbackScript.Run(ctx, s.client,
		[]string{s.accountKey(res.AccountID), s.idemKey(res.AccountID, res.IdempotencyKey)},
		hasIdem, refund,
	).Result()
	if err != nil {
		return quotagate.Unavailable("quotagate/redis: rollback", err)
	}
	return nil
}

// Consume debits one use and records it in one script.
func (s *Store) Consume(ctx context.Context, id string, now time.Time) (quotagate.Account, quotagate.UsageEvent, error) {
	ev := newEvent(id, now)
	status, _, _, err := s.debit(ctx, id, s.idemKey(id, "_noop"), "0", "1", ev.ID, ev.Timestamp.UnixMilli())
	if err != nil {
		return quotagate.Account{}, quotagate.UsageEvent{}, err
	}
	if err := debitStatus(status); err != nil {
		return quotagate.Account{}, quotagate.UsageEvent{}, err
	}

	acc, err := s.GetByID(ctx, id)
	if err != nil {
		return quotagate.Account{}, quotagate.UsageEvent{}, err
	}
	return acc, ev, nil
}

// ResetDaily restores every limited account not yet reset today.
func (s *Store) ResetDaily(ctx context.Context, now time.Time, a quotagate.Allotments) (int64, error) {
	args := []any{quotagate.DayKey(now), now.UnixMilli(), a.Default}
	for tier, n := range a.Tiers {
		args = append(args, tier, n)
	}

	var n int64
	iter := s.client.SScan(ctx, s.accountsKey(), 0, "", 100).Iterator()
	for iter.Next(ctx) {
		result, err := resetScript.Run(ctx, s.client, []string{s.accountKey(iter.Val())}, args...).Int64()
		if err != nil {
			return n, quotagate.Unavailable("quotagate/redis: reset daily", err)
		}
		n += result
	}
	if err := iter.Err(); err != nil {
		return n, quotagate.Unavailable("quotagate/redis: scan accounts", err)
	}
	return n, nil
}

// UsageSince returns events at or after since, oldest first.
func (s *Store) UsageSince(ctx context.Context, accountID string, since time.Time) ([]quotagate.UsageEvent, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, s.usageKey(accountID), &goredis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, quotagate.Unavailable("quotagate/redis: usage", err)
	}

	events := make([]quotagate.UsageEvent, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		events = append(events, quotagate.UsageEvent{
			ID:        id,
			AccountID: accountID,
			Timestamp: time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return events, nil
}

// ListAccounts returns every account.
func (s *Store) ListAccounts(ctx context.Context) ([]quotagate.Account, error) {
	ids, err := s.client.SMembers(ctx, s.accountsKey()).Result()
	if err != nil {
		return nil, quotagate.Unavailable("quotagate/redis: list", err)
	}

	accounts := make([]quotagate.Account, 0, len(ids))
	for _, id := range ids {
		acc, err := s.load(ctx, s.client, id)
		if errors.Is(err, quotagate.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func (s *Store) debit(ctx context.Context, id, idemK, hasIdem, countUse, eventID string, score int64) (int64, bool, int64, error) {
	vals, err := debitScript.Run(ctx, s.client,
		[]string{s.accountKey(id), idemK, s.usageKey(id)},
		hasIdem, countUse, eventID, score, idempotencyTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, false, 0, quotagate.Unavailable("quotagate/redis: debit", err)
	}
	if len(vals) != 3 {
		return 0, false, 0, fmt.Errorf("quotagate/redis: unexpected debit result: %v", vals)
	}
	return vals[0], vals[1] == 1, vals[2], nil
}

func (s *Store) load(ctx context.Context, c hashGetter, id string) (quotagate.Account, error) {
	fields, err := c.HGetAll(ctx, s.accountKey(id)).Result()
	if err != nil {
		return quotagate.Account{}, quotagate.Unavailable("quotagate/redis: get", err)
	}
	if len(fields) == 0 {
		return quotagate.Account{}, quotagate.ErrNotFound
	}
	return decode(id, fields), nil
}

func debitStatus(status int64) error {
	switch status {
	case 1:
		return nil
	case 0:
		return quotagate.ErrQuotaExhausted
	case -2:
		return quotagate.ErrNotFound
	default:
		return fmt.Errorf("quotagate/redis: unexpected debit status: %d", status)
	}
}

func newEvent(accountID string, now time.Time) quotagate.UsageEvent {
	return quotagate.UsageEvent{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Timestamp: now.UTC().Truncate(time.Millisecond),
	}
}
