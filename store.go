package quotagate

import (
	"context"
	"time"
)

// AccountStore is the durable home of accounts and usage events.
//
// Implementations must make Reserve and Consume single atomic conditional
// updates. Infrastructure failures are reported wrapped in
// ErrStoreUnavailable.
type AccountStore interface {
	// Create inserts a new account.
	Create(ctx context.Context, acc Account) error

	// GetByID returns the account with the given id or ErrNotFound.
	GetByID(ctx context.Context, id string) (Account, error)

	// GetByHandle returns the account with the given handle or ErrNotFound.
	GetByHandle(ctx context.Context, handle string) (Account, error)

	// Update applies fn to the stored account and writes the result back.
	// An error from fn aborts the update.
	Update(ctx context.Context, id string, fn func(*Account) error) (Account, error)

	// HealBan clears a ban whose expiry is at or before now. It reports
	// whether a row changed.
	HealBan(ctx context.Context, id string, now time.Time) (bool, error)

	// Reserve takes one use from the account if one is available. A
	// non-empty idempotencyKey is scoped to the account and stays taken
	// until the reservation is rolled back.
	Reserve(ctx context.Context, id string, idempotencyKey string) (Reservation, error)

	// Commit finalizes a reservation: total-used is incremented and a usage
	// event with the reservation's id appended. Committing the same
	// reservation again returns the first event and changes nothing.
	Commit(ctx context.Context, res Reservation, now time.Time) (UsageEvent, error)

	// Rollback returns a reservation that was not used and frees its
	// idempotency key.
	Rollback(ctx context.Context, res Reservation) error

	// Consume reserves and commits one use in a single step.
	Consume(ctx context.Context, id string, now time.Time) (Account, UsageEvent, error)

	// ResetDaily restores every limited account not yet reset on now's day.
	ResetDaily(ctx context.Context, now time.Time, a Allotments) (int64, error)

	// UsageSince returns an account's usage events at or after since, oldest first.
	UsageSince(ctx context.Context, accountID string, since time.Time) ([]UsageEvent, error)

	// ListAccounts returns every account.
	ListAccounts(ctx context.Context) ([]Account, error)
}

// Reservation is one use taken from an account but not yet committed.
type Reservation struct {
	ID             string
	AccountID      string
	IdempotencyKey string // as supplied by the caller, "" if none
	Unlimited      bool   // no balance was taken
	Remaining      int64  // balance after the reservation, 0 when Unlimited
}
