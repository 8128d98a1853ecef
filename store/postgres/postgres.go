// Package postgres provides a PostgreSQL-backed AccountStore.
//
// Quota debits are single conditional UPDATE statements, so concurrent
// requests from one account can never overdraw it. Safe for multi-instance
// deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotagate"
)

const uniqueViolation = "23505"

// Store is a PostgreSQL-backed AccountStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ quotagate.AccountStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotagate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed AccountStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "quotagate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountsTable() string    { return s.tablePrefix + "accounts" }
func (s *Store) usageTable() string       { return s.tablePrefix + "usage_events" }
func (s *Store) idempotencyTable() string { return s.tablePrefix + "idempotency" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			handle TEXT NOT NULL UNIQUE,
			is_admin BOOLEAN NOT NULL DEFAULT false,
			is_moderator BOOLEAN NOT NULL DEFAULT false,
			is_super_admin BOOLEAN NOT NULL DEFAULT false,
			quota_unlimited BOOLEAN NOT NULL DEFAULT false,
			quota_remaining BIGINT NOT NULL DEFAULT 0 CHECK (quota_remaining >= 0),
			quota_total_used BIGINT NOT NULL DEFAULT 0,
			banned BOOLEAN NOT NULL DEFAULT false,
			ban_expires_at TIMESTAMPTZ,
			subscription_type TEXT,
			subscription_expires_at TIMESTAMPTZ,
			registration_ip TEXT NOT NULL DEFAULT '',
			last_handle_change TIMESTAMPTZ,
			last_reset_day TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES %[1]s (id),
			used_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_account_used_at ON %[2]s (account_id, used_at);
		CREATE TABLE IF NOT EXISTS %[3]s (
			key TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.accountsTable(), s.usageTable(), s.idempotencyTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return quotagate.Unavailable("quotagate/postgres: ensure schema", err)
	}
	return nil
}

const accountColumns = `id, handle, is_admin, is_moderator, is_super_admin,
	quota_unlimited, quota_remaining, quota_total_used, banned, ban_expires_at,
	subscription_type, subscription_expires_at, registration_ip,
	last_handle_change, last_reset_day, created_at`

// Create inserts a new account.
func (s *Store) Create(ctx context.Context, acc quotagate.Account) error {
	subType, subExp := subscriptionColumns(acc.Subscription)
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			s.accountsTable(), accountColumns),
		acc.ID, acc.Handle, acc.Roles.Admin, acc.Roles.Moderator, acc.Roles.SuperAdmin,
		acc.Quota.IsUnlimited(), acc.Quota.Remaining(), acc.TotalUsed, acc.Banned, acc.BanExpiresAt,
		subType, subExp, acc.RegistrationIP,
		acc.LastHandleChange, acc.LastResetDay, acc.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if strings.HasSuffix(pgErr.ConstraintName, "_pkey") {
			return quotagate.ErrAccountExists
		}
		return quotagate.ErrHandleTaken
	}
	if err != nil {
		return quotagate.Unavailable("quotagate/postgres: create", err)
	}
	return nil
}

// GetByID returns the account with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (quotagate.Account, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, accountColumns, s.accountsTable()), id)
	return scanAccount(row, "quotagate/postgres: get")
}

// GetByHandle returns the account with the given handle.
func (s *Store) GetByHandle(ctx context.Context, handle string) (quotagate.Account, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE handle = $1`, accountColumns, s.accountsTable()), handle)
	return scanAccount(row, "quotagate/postgres: get by handle")
}

// Update locks the row, applies fn and writes the mutable columns back.
func (s *Store) Update(ctx context.Context, id string, fn func(*quotagate.Account) error) (quotagate.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return quotagate.Account{}, quotagate.Unavailable("quotagate/postgres: begin tx", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, accountColumns, s.accountsTable()), id)
	acc, err := scanAccount(row, "quotagate/postgres: lock")
	if err != nil {
		return quotagate.Account{}, err
	}

	if err := fn(&acc); err != nil {
		return quotagate.Account{}, err
	}
	acc.ID = id

	subType, subExp := subscriptionColumns(acc.Subscription)
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET handle = $2, is_admin = $3, is_moderator = $4, is_super_admin = $5,
			quota_unlimited = $6, quota_remaining = $7, quota_total_used = $8,
			banned = $9, ban_expires_at = $10, subscription_type = $11, subscription_expires_at = $12,
			registration_ip = $13, last_handle_change = $14, last_reset_day = $15
			WHERE id = $1`, s.accountsTable()),
		id, acc.Handle, acc.Roles.Admin, acc.Roles.Moderator, acc.Roles.SuperAdmin,
		acc.Quota.IsUnlimited(), acc.Quota.Remaining(), acc.TotalUsed,
		acc.Banned, acc.BanExpiresAt, subType, subExp,
		acc.RegistrationIP, acc.LastHandleChange, acc.LastResetDay,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return quotagate.Account{}, quotagate.ErrHandleTaken
	}
	if err != nil {
		return quotagate.Account{}, quotagate.Unavailable("quotagate/postgres: update", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return quotagate.Account{}, quotagate.Unavailable("quotagate/postgres: commit update", err)
	}
	return acc, nil
}

// HealBan clears a ban whose expiry is at or before now.
func (s *Store) HealBan(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET banned = false, ban_expires_at = NULL
			WHERE id = $1 AND banned AND ban_expires_at IS NOT NULL AND ban_expires_at <= $2`,
			s.accountsTable()),
		id, now,
	)
	if err != nil {
		return false, quotagate.Unavailable("quotagate/postgres: heal ban", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Reserve takes one use from the account if one is available.
func (s *Store) Reserve(ctx context.Context, id string, idempotencyKey string) (quotagate.Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return quotagate.Reservation{}, quotagate.Unavailable("quotagate/postgres: begin tx", err)
	}
	defer tx.Rollback(ctx)

	// 1. Idempotency check, scoped to the account.
	if idempotencyKey != "" {
		var inserted bool
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`INSERT INTO %s (key) VALUES ($1) ON CONFLICT DO NOTHING RETURNING true`, s.idempotencyTable()),
			scopedKey(id, idempotencyKey),
		).Scan(&inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			return quotagate.Reservation{}, fmt.Errorf("%w: idempotency key %q", quotagate.ErrDuplicateRequest, idempotencyKey)
		}
		if err != nil {
			return quotagate.Reservation{}, quotagate.Unavailable("quotagate/postgres: idem check", err)
		}
	}

	// 2. Atomic reserve: decrement only if a use is available.
	var unlimited bool
	var remaining int64
	err = tx.QueryRow(ctx, s.debitQuery(false), id).Scan(&unlimited, &remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		// Idempotency key is discarded with the transaction.
		return quotagate.Reservation{}, s.debitFailure(ctx, tx, id)
	}
	if err != nil {
		return quotagate.Reservation{}, quotagate.Unavailable("quotagate/postgres: reserve", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return quotagate.Reservation{}, quotagate.Unavailable("quotagate/postgres: commit reserve", err)
	}

	res := quotagate.Reservation{
		ID:             uuid.New().String(),
		AccountID:      id,
		IdempotencyKey: idempotencyKey,
		Unlimited:      unlimited,
	}
	if !unlimited {
		res.Remaining = remaining
	}
	return res, nil
}

// Commit increments total-used and appends a usage event in one
// transaction. The event id is the reservation id, so a repeated commit
// finds the existing event and rolls its increment back.
func (s *Store) Commit(ctx context.Context, res quotagate.Reservation, now time.Time) (quotagate.UsageEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return quotagate.UsageEvent{}, quotagate.Unavailable("quotagate/postgres: begin tx", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET quota_total_used = quota_total_used + 1 WHERE id = $1`, s.accountsTable()),
		res.AccountID,
	)
	if err != nil {
		return quotagate.UsageEvent{}, quotagate.Unavailable("quotagate/postgres: commit", err)
	}
	if tag.RowsAffected() == 0 {
		return quotagate.UsageEvent{}, quotagate.ErrNotFound
	}

	eventID := res.ID
	if eventID == "" {
		eventID = uuid.New().String()
	}
	ev, err := s.insertUsage(ctx, tx, eventID, res.AccountID, now)
	if errors.Is(err, errCommitted) {
		_ = tx.Rollback(ctx)
		return s.usageEvent(ctx, eventID)
	}
	if err != nil {
		return quotagate.UsageEvent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return quotagate.UsageEvent{}, quotagate.Unavailable("quotagate/postgres: commit usage", err)
	}
	return ev, nil
}

// Rollback frees the reservation's idempotency key and returns the use
// unless the account is unlimited. Both happen in one statement.
func (s *Store) Rollback(ctx context.Context, res quotagate.Reservation) error {
	if res.Unlimited && res.IdempotencyKey == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`WITH freed AS (
				DELETE FROM %[2]s WHERE key = $2
			)
			UPDATE %[1]s SET quota_remaining = quota_remaining + 1
			WHERE id = $1 AND NOT quota_unlimited AND NOT $3::boolean`, s.accountsTable(), s.idempotencyTable()),
		res.AccountID, scopedKey(res.AccountID, res.IdempotencyKey), res.Unlimited,
	)
	if err != nil {
		return quotagate.Unavailable("quotagate/postgres: rollback", err)
	}
	return nil
}

// Consume debits one use, increments total-used and appends a usage event
// in one transaction.
func (s *Store) Consume(ctx context.Context, id string, now time.Time) (quotagate.Account, quotagate.UsageEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return quotagate.Account{}, quotagate.UsageEvent{}, quotagate.Unavailable("quotagate/postgres: begin tx", err)
	}
	defer tx.Rollback(ctx)

	var unlimited bool
	var remaining int64
	err = tx.QueryRow(ctx, s.debitQuery(true), id).Scan(&unlimited, &remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return quotagate.Account{}, quotagate.UsageEvent{}, s.debitFailure(ctx, tx, id)
	}
	if err != nil {
		return quotagate.Account{}, quotagate.UsageEvent{}, quotagate.Unavailable("quotagate/postgres: consume", err)
	}

	ev, err := s.insertUsage(ctx, tx, uuid.New().String(), id, now)
	if err != nil {
		return quotagate.Account{}, quotagate.UsageEvent{}, err
	}

	row := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, accountColumns, s.accountsTable()), id)
	acc, err := scanAccount(row, "quotagate/postgres: reload")
	if err != nil {
		return quotagate.Account{}, quotagate.UsageEvent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return quotagate.Account{}, quotagate.UsageEvent{}, quotagate.Unavailable("quotagate/postgres: commit consume", err)
	}
	return acc, ev, nil
}

// ResetDaily restores every limited account not yet reset today.
func (s *Store) ResetDaily(ctx context.Context, now time.Time, a quotagate.Allotments) (int64, error) {
	tiers := make([]string, 0, len(a.Tiers))
	allots := make([]int64, 0, len(a.Tiers))
	for tier, n := range a.Tiers {
		tiers = append(tiers, tier)
		allots = append(allots, n)
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s AS a SET
			quota_remaining = COALESCE((
				SELECT t.allot FROM unnest($3::text[], $4::bigint[]) AS t(tier, allot)
				WHERE t.tier = a.subscription_type AND a.subscription_expires_at > $1
			), $2),
			last_reset_day = $5
			WHERE NOT a.quota_unlimited AND a.last_reset_day <> $5`, s.accountsTable()),
		now, a.Default, tiers, allots, quotagate.DayKey(now),
	)
	if err != nil {
		return 0, quotagate.Unavailable("quotagate/postgres: reset daily", err)
	}
	return tag.RowsAffected(), nil
}

// UsageSince returns events at or after since, oldest first.
func (s *Store) UsageSince(ctx context.Context, accountID string, since time.Time) ([]quotagate.UsageEvent, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, account_id, used_at FROM %s
			WHERE account_id = $1 AND used_at >= $2 ORDER BY used_at`, s.usageTable()),
		accountID, since,
	)
	if err != nil {
		return nil, quotagate.Unavailable("quotagate/postgres: usage", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (quotagate.UsageEvent, error) {
		var ev quotagate.UsageEvent
		err := row.Scan(&ev.ID, &ev.AccountID, &ev.Timestamp)
		return ev, err
	})
	if err != nil {
		return nil, quotagate.Unavailable("quotagate/postgres: scan usage", err)
	}
	return events, nil
}

// ListAccounts returns every account ordered by handle.
func (s *Store) ListAccounts(ctx context.Context) ([]quotagate.Account, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY handle`, accountColumns, s.accountsTable()))
	if err != nil {
		return nil, quotagate.Unavailable("quotagate/postgres: list", err)
	}

	accounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (quotagate.Account, error) {
		return scanAccount(row, "quotagate/postgres: scan account")
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// CleanupIdempotency removes expired idempotency keys.
func (s *Store) CleanupIdempotency(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.idempotencyTable()),
		cutoff,
	)
	if err != nil {
		return 0, quotagate.Unavailable("quotagate/postgres: cleanup idempotency", err)
	}
	return tag.RowsAffected(), nil
}

// debitQuery takes one use from a limited account with a positive balance,
// or passes an unlimited account through. It returns no row when the
// precondition fails.
func (s *Store) debitQuery(countUse bool) string {
	totalUsed := ""
	if countUse {
		totalUsed = ", quota_total_used = quota_total_used + 1"
	}
	return fmt.Sprintf(`UPDATE %s SET
		quota_remaining = CASE WHEN quota_unlimited THEN quota_remaining ELSE quota_remaining - 1 END%s
		WHERE id = $1 AND (quota_unlimited OR quota_remaining > 0)
		RETURNING quota_unlimited, quota_remaining`, s.accountsTable(), totalUsed)
}

// debitFailure tells a missing account apart from an exhausted one.
func (s *Store) debitFailure(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT true FROM %s WHERE id = $1`, s.accountsTable()), id,
	).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return quotagate.ErrNotFound
	}
	if err != nil {
		return quotagate.Unavailable("quotagate/postgres: check exists", err)
	}
	return quotagate.ErrQuotaExhausted
}

// errCommitted reports that a usage event with the given id already exists.
var errCommitted = errors.New("quotagate/postgres: already committed")

func (s *Store) insertUsage(ctx context.Context, tx pgx.Tx, eventID, accountID string, now time.Time) (quotagate.UsageEvent, error) {
	ev := quotagate.UsageEvent{
		ID:        eventID,
		AccountID: accountID,
		Timestamp: now.UTC(),
	}
	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_id, used_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`, s.usageTable()),
		ev.ID, ev.AccountID, ev.Timestamp,
	)
	if err != nil {
		return quotagate.UsageEvent{}, quotagate.Unavailable("quotagate/postgres: insert usage", err)
	}
	if tag.RowsAffected() == 0 {
		return quotagate.UsageEvent{}, errCommitted
	}
	return ev, nil
}

func (s *Store) usageEvent(ctx context.Context, id string) (quotagate.UsageEvent, error) {
	var ev quotagate.UsageEvent
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, account_id, used_at FROM %s WHERE id = $1`, s.usageTable()), id,
	).Scan(&ev.ID, &ev.AccountID, &ev.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return quotagate.UsageEvent{}, quotagate.ErrNotFound
	}
	if err != nil {
		return quotagate.UsageEvent{}, quotagate.Unavailable("quotagate/postgres: get usage", err)
	}
	return ev, nil
}

func scopedKey(accountID, key string) string { return accountID + ":" + key }

func scanAccount(row pgx.Row, op string) (quotagate.Account, error) {
	var (
		acc       quotagate.Account
		unlimited bool
		remaining int64
		subType   *string
		subExp    *time.Time
	)
	err := row.Scan(
		&acc.ID, &acc.Handle, &acc.Roles.Admin, &acc.Roles.Moderator, &acc.Roles.SuperAdmin,
		&unlimited, &remaining, &acc.TotalUsed, &acc.Banned, &acc.BanExpiresAt,
		&subType, &subExp, &acc.RegistrationIP,
		&acc.LastHandleChange, &acc.LastResetDay, &acc.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return quotagate.Account{}, quotagate.ErrNotFound
	}
	if err != nil {
		return quotagate.Account{}, quotagate.Unavailable(op, err)
	}

	acc.Quota = quotagate.Limited(remaining)
	if unlimited {
		acc.Quota = quotagate.Unlimited()
	}
	if subType != nil && subExp != nil {
		acc.Subscription = &quotagate.Subscription{Tier: *subType, ExpiresAt: *subExp}
	}
	return acc, nil
}

func subscriptionColumns(sub *quotagate.Subscription) (*string, *time.Time) {
	if sub == nil {
		return nil, nil
	}
	tier, exp := sub.Tier, sub.ExpiresAt
	return &tier, &exp
}
