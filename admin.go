package quotagate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const maxHandleLen = 32

// subscriptionPeriod is how long a granted subscription lasts.
const subscriptionPeriod = 1 // months

// DefaultLeaderboardSize is how many accounts Leaderboard returns when n
// is not positive.
const DefaultLeaderboardSize = 10

// BulkResult is the outcome of a bulk operation for one handle.
type BulkResult struct {
	Handle  string
	Account Account // zero when Err is set
	Err     error
}

// Admin performs privilege administration. Every operation checks the
// caller's stored roles before touching the target.
type Admin struct {
	store AccountStore
	opts  options
}

// NewAdmin creates an Admin over store.
func NewAdmin(store AccountStore, opts ...Option) *Admin {
	return &Admin{store: store, opts: buildOptions(opts)}
}

// GrantAdmin sets the admin flag on the target.
func (a *Admin) GrantAdmin(ctx context.Context, callerID, handle string) (Account, error) {
	return a.mutate(ctx, "grant_admin", callerID, handle, func(_ Account, t *Account, _ time.Time) error {
		t.Roles.Admin = true
		return nil
	})
}

// RevokeAdmin clears the admin flag. Only a super-admin may demote another
// super-admin.
func (a *Admin) RevokeAdmin(ctx context.Context, callerID, handle string) (Account, error) {
	return a.mutate(ctx, "revoke_admin", callerID, handle, func(c Account, t *Account, _ time.Time) error {
		if t.Roles.SuperAdmin && !c.Roles.SuperAdmin {
			return fmt.Errorf("%w: cannot demote super-admin %q", ErrUnauthorized, t.Handle)
		}
		t.Roles.Admin = false
		return nil
	})
}

// GrantModerator sets the moderator flag and grants unlimited quota once.
func (a *Admin) GrantModerator(ctx context.Context, callerID, handle string) (Account, error) {
	return a.mutate(ctx, "grant_moderator", callerID, handle, func(_ Account, t *Account, _ time.Time) error {
		t.Roles.Moderator = true
		*t = SetUnlimited(*t, true, a.opts.allotments.Default)
		return nil
	})
}

// RevokeModerator clears the moderator flag and resets quota to the default.
func (a *Admin) RevokeModerator(ctx context.Context, callerID, handle string) (Account, error) {
	return a.mutate(ctx, "revoke_moderator", callerID, handle, func(_ Account, t *Account, _ time.Time) error {
		t.Roles.Moderator = false
		*t = SetUnlimited(*t, false, a.opts.allotments.Default)
		return nil
	})
}

// GrantSubscription subscribes the target to tier for one month and sets
// its quota to the tier allotment.
func (a *Admin) GrantSubscription(ctx context.Context, callerID, handle, tier string) (Account, error) {
	allot, ok := a.opts.allotments.Tier(tier)
	if !ok {
		return Account{}, fmt.Errorf("%w: unknown subscription tier %q", ErrInvalidArgument, tier)
	}
	return a.mutate(ctx, "grant_subscription", callerID, handle, func(_ Account, t *Account, now time.Time) error {
		t.Subscription = &Subscription{Tier: tier, ExpiresAt: now.AddDate(0, subscriptionPeriod, 0)}
		t.Quota = Limited(allot)
		return nil
	})
}

// RevokeSubscription removes the subscription and resets quota to the default.
func (a *Admin) RevokeSubscription(ctx context.Context, callerID, handle string) (Account, error) {
	return a.mutate(ctx, "revoke_subscription", callerID, handle, func(_ Account, t *Account, _ time.Time) error {
		t.Subscription = nil
		t.Quota = Limited(a.opts.allotments.Default)
		return nil
	})
}

// Ban bans the target permanently.
func (a *Admin) Ban(ctx context.Context, callerID, handle string) (Account, error) {
	return a.mutate(ctx, "ban", callerID, handle, func(_ Account, t *Account, _ time.Time) error {
		BanPermanently(t)
		return nil
	})
}

// TempBan bans the target for the given number of days.
func (a *Admin) TempBan(ctx context.Context, callerID, handle string, days int) (Account, error) {
	if days < 1 {
		return Account{}, fmt.Errorf("%w: ban days must be at least 1, got %d", ErrInvalidArgument, days)
	}
	return a.mutate(ctx, "temp_ban", callerID, handle, func(_ Account, t *Account, now time.Time) error {
		BanFor(t, now, time.Duration(days)*24*time.Hour)
		return nil
	})
}

// Unban lifts any ban on the target.
func (a *Admin) Unban(ctx context.Context, callerID, handle string) (Account, error) {
	return a.mutate(ctx, "unban", callerID, handle, func(_ Account, t *Account, _ time.Time) error {
		Unban(t)
		return nil
	})
}

// GrantUses adds n uses to the target.
func (a *Admin) GrantUses(ctx context.Context, callerID, handle string, n int64) (Account, error) {
	if n < 1 {
		return Account{}, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidArgument, n)
	}
	return a.mutate(ctx, "grant_uses", callerID, handle, func(_ Account, t *Account, _ time.Time) error {
		*t = Grant(*t, n)
		return nil
	})
}

// RemoveUses takes up to n uses from the target; the balance stops at zero.
func (a *Admin) RemoveUses(ctx context.Context, callerID, handle string, n int64) (Account, error) {
	if n < 1 {
		return Account{}, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidArgument, n)
	}
	return a.mutate(ctx, "remove_uses", callerID, handle, func(_ Account, t *Account, _ time.Time) error {
		*t = Grant(*t, -n)
		return nil
	})
}

// SetUnlimited toggles unlimited quota on the target.
func (a *Admin) SetUnlimited(ctx context.Context, callerID, handle string, on bool) (Account, error) {
	return a.mutate(ctx, "set_unlimited", callerID, handle, func(_ Account, t *Account, _ time.Time) error {
		*t = SetUnlimited(*t, on, a.opts.allotments.Default)
		return nil
	})
}

// ChangeHandle renames the target, subject to the handle change cooldown.
func (a *Admin) ChangeHandle(ctx context.Context, callerID, handle, newHandle string) (Account, error) {
	newHandle, err := NormalizeHandle(newHandle)
	if err != nil {
		return Account{}, err
	}
	return a.mutate(ctx, "change_handle", callerID, handle, func(_ Account, t *Account, now time.Time) error {
		if t.LastHandleChange != nil && now.Sub(*t.LastHandleChange) < a.opts.handleCooldown {
			next := t.LastHandleChange.Add(a.opts.handleCooldown)
			return fmt.Errorf("%w: next change allowed at %s", ErrHandleCooldown, next.UTC().Format(time.RFC3339))
		}
		t.Handle = newHandle
		t.LastHandleChange = &now
		return nil
	})
}

// Lookup returns the target account for inspection.
func (a *Admin) Lookup(ctx context.Context, callerID, handle string) (Account, error) {
	if _, err := a.authorizeCaller(ctx, callerID); err != nil {
		return Account{}, err
	}
	acc, err := a.store.GetByHandle(ctx, handle)
	if err != nil {
		return Account{}, fmt.Errorf("quotagate: lookup %q: %w", handle, err)
	}
	return acc, nil
}

// ListAccounts returns the accounts whose handle, id or registration IP
// contains query, ordered by handle. An empty query matches everything.
func (a *Admin) ListAccounts(ctx context.Context, callerID, query string) ([]Account, error) {
	if _, err := a.authorizeCaller(ctx, callerID); err != nil {
		return nil, err
	}
	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("quotagate: list accounts: %w", err)
	}

	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Account, 0, len(accounts))
	for _, acc := range accounts {
		if q == "" ||
			strings.Contains(strings.ToLower(acc.Handle), q) ||
			strings.Contains(strings.ToLower(acc.ID), q) ||
			strings.Contains(acc.RegistrationIP, q) {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

// Leaderboard returns the n accounts with the most recorded uses. Ties
// are ordered by handle. It is readable by any account.
func (a *Admin) Leaderboard(ctx context.Context, n int) ([]Account, error) {
	if n <= 0 {
		n = DefaultLeaderboardSize
	}
	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("quotagate: leaderboard: %w", err)
	}

	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].TotalUsed != accounts[j].TotalUsed {
			return accounts[i].TotalUsed > accounts[j].TotalUsed
		}
		return accounts[i].Handle < accounts[j].Handle
	})
	if len(accounts) > n {
		accounts = accounts[:n]
	}
	return accounts, nil
}

// BanMany bans every handle permanently. Each handle gets its own result;
// an unknown handle reports ErrNotFound and does not stop the rest.
func (a *Admin) BanMany(ctx context.Context, callerID string, handles []string) ([]BulkResult, error) {
	return a.bulk(ctx, callerID, handles, a.Ban)
}

// UnbanMany lifts bans on every handle, reporting per handle like BanMany.
func (a *Admin) UnbanMany(ctx context.Context, callerID string, handles []string) ([]BulkResult, error) {
	return a.bulk(ctx, callerID, handles, a.Unban)
}

// bulk checks the caller once up front so an unprivileged caller gets a
// single error rather than one per handle.
func (a *Admin) bulk(ctx context.Context, callerID string, handles []string, op func(context.Context, string, string) (Account, error)) ([]BulkResult, error) {
	if len(handles) == 0 {
		return nil, fmt.Errorf("%w: at least one handle is required", ErrInvalidArgument)
	}
	if _, err := a.authorizeCaller(ctx, callerID); err != nil {
		return nil, err
	}

	results := make([]BulkResult, 0, len(handles))
	for _, h := range handles {
		acc, err := op(ctx, callerID, h)
		results = append(results, BulkResult{Handle: h, Account: acc, Err: err})
	}
	return results, nil
}

// NormalizeHandle trims and validates a handle.
func NormalizeHandle(handle string) (string, error) {
	h := strings.TrimSpace(handle)
	if h == "" {
		return "", fmt.Errorf("%w: handle is required", ErrInvalidArgument)
	}
	if len(h) > maxHandleLen {
		return "", fmt.Errorf("%w: handle longer than %d bytes", ErrInvalidArgument, maxHandleLen)
	}
	return h, nil
}

func (a *Admin) authorizeCaller(ctx context.Context, callerID string) (Account, error) {
	if callerID == "" {
		return Account{}, ErrUnauthorized
	}
	caller, err := a.store.GetByID(ctx, callerID)
	if errors.Is(err, ErrNotFound) {
		return Account{}, fmt.Errorf("%w: unknown caller %s", ErrUnauthorized, callerID)
	}
	if err != nil {
		return Account{}, fmt.Errorf("quotagate: load caller %s: %w", callerID, err)
	}
	if !caller.Roles.Privileged() {
		return Account{}, fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, caller.Handle)
	}
	return caller, nil
}

// mutate authorizes the caller, resolves the target by handle and applies
// fn to it inside a single store update.
func (a *Admin) mutate(ctx context.Context, op, callerID, handle string, fn func(caller Account, target *Account, now time.Time) error) (Account, error) {
	updated, err := a.apply(ctx, callerID, handle, fn)
	a.opts.meter.OnAdmin(AdminEvent{Op: op, CallerID: callerID, Target: handle, Error: err})
	return updated, err
}

func (a *Admin) apply(ctx context.Context, callerID, handle string, fn func(Account, *Account, time.Time) error) (Account, error) {
	caller, err := a.authorizeCaller(ctx, callerID)
	if err != nil {
		return Account{}, err
	}

	target, err := a.store.GetByHandle(ctx, handle)
	if err != nil {
		return Account{}, fmt.Errorf("quotagate: resolve %q: %w", handle, err)
	}

	now := a.opts.now()
	updated, err := a.store.Update(ctx, target.ID, func(acc *Account) error {
		return fn(caller, acc, now)
	})
	if err != nil {
		return Account{}, fmt.Errorf("quotagate: update %q: %w", handle, err)
	}
	return updated, nil
}
