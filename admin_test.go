package quotagate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/quotagate"
)

type adminFixture struct {
	store qg.AccountStore
	admin *qg.Admin
	clock *fakeClock
	meter *recordingMeter
}

func newAdminFixture(t *testing.T, extra ...qg.Account) adminFixture {
	t.Helper()
	accounts := append([]qg.Account{
		{ID: "root", Handle: "root", Roles: qg.Roles{Admin: true}, Quota: qg.Limited(5)},
		{ID: "super", Handle: "super", Roles: qg.Roles{SuperAdmin: true}, Quota: qg.Limited(5)},
		{ID: "mod", Handle: "mod", Roles: qg.Roles{Moderator: true}, Quota: qg.Unlimited()},
		limited("alice", 5),
		limited("bob", 5),
	}, extra...)

	store := seed(t, accounts...)
	clock := newClock()
	m := &recordingMeter{}
	return adminFixture{
		store: store,
		admin: qg.NewAdmin(store, qg.WithClock(clock.Now), qg.WithMeter(m)),
		clock: clock,
		meter: m,
	}
}

func (f adminFixture) snapshot(t *testing.T) []qg.Account {
	t.Helper()
	accounts, err := f.store.ListAccounts(context.Background())
	require.NoError(t, err)
	return accounts
}

func TestAdmin_MissingTargetChangesNothing(t *testing.T) {
	f := newAdminFixture(t)
	before := f.snapshot(t)

	_, err := f.admin.RevokeAdmin(context.Background(), "root", "nobody")
	assert.ErrorIs(t, err, qg.ErrNotFound)
	assert.Equal(t, before, f.snapshot(t))

	require.Len(t, f.meter.admin, 1)
	assert.Equal(t, "revoke_admin", f.meter.admin[0].Op)
	assert.ErrorIs(t, f.meter.admin[0].Error, qg.ErrNotFound)
}

func TestAdmin_UnprivilegedCallerRejected(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	before := f.snapshot(t)

	for _, caller := range []string{"alice", "mod", "ghost", ""} {
		_, err := f.admin.Ban(ctx, caller, "bob")
		assert.ErrorIs(t, err, qg.ErrUnauthorized, "caller %q", caller)

		_, err = f.admin.Lookup(ctx, caller, "bob")
		assert.ErrorIs(t, err, qg.ErrUnauthorized, "caller %q", caller)
	}
	assert.Equal(t, before, f.snapshot(t))
}

func TestAdmin_GrantAndRevokeAdmin(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	acc, err := f.admin.GrantAdmin(ctx, "root", "alice")
	require.NoError(t, err)
	assert.True(t, acc.Roles.Admin)

	// The new admin can now administer others.
	_, err = f.admin.GrantUses(ctx, "alice", "bob", 1)
	require.NoError(t, err)

	acc, err = f.admin.RevokeAdmin(ctx, "root", "alice")
	require.NoError(t, err)
	assert.False(t, acc.Roles.Admin)
}

func TestAdmin_OnlySuperAdminDemotesSuperAdmin(t *testing.T) {
	f := newAdminFixture(t,
		qg.Account{ID: "super2", Handle: "super2", Roles: qg.Roles{Admin: true, SuperAdmin: true}},
	)
	ctx := context.Background()

	_, err := f.admin.RevokeAdmin(ctx, "root", "super2")
	assert.ErrorIs(t, err, qg.ErrUnauthorized)
	assert.True(t, get(t, f.store, "super2").Roles.Admin)

	acc, err := f.admin.RevokeAdmin(ctx, "super", "super2")
	require.NoError(t, err)
	assert.False(t, acc.Roles.Admin)
}

func TestAdmin_Moderator(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	acc, err := f.admin.GrantModerator(ctx, "root", "alice")
	require.NoError(t, err)
	assert.True(t, acc.Roles.Moderator)
	assert.True(t, acc.Quota.IsUnlimited())

	acc, err = f.admin.RevokeModerator(ctx, "root", "alice")
	require.NoError(t, err)
	assert.False(t, acc.Roles.Moderator)
	assert.Equal(t, qg.Limited(qg.DefaultDailyAllotment), acc.Quota)
}

func TestAdmin_Subscription(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	acc, err := f.admin.GrantSubscription(ctx, "root", "alice", qg.TierPremium)
	require.NoError(t, err)
	require.NotNil(t, acc.Subscription)
	assert.Equal(t, qg.TierPremium, acc.Subscription.Tier)
	assert.True(t, epoch.AddDate(0, 1, 0).Equal(acc.Subscription.ExpiresAt))
	assert.Equal(t, qg.Limited(200), acc.Quota)

	_, err = f.admin.GrantSubscription(ctx, "root", "alice", "platinum")
	assert.ErrorIs(t, err, qg.ErrInvalidArgument)

	acc, err = f.admin.RevokeSubscription(ctx, "root", "alice")
	require.NoError(t, err)
	assert.Nil(t, acc.Subscription)
	assert.Equal(t, qg.Limited(qg.DefaultDailyAllotment), acc.Quota)
}

func TestAdmin_Bans(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	_, err := f.admin.TempBan(ctx, "root", "alice", 0)
	assert.ErrorIs(t, err, qg.ErrInvalidArgument)

	acc, err := f.admin.TempBan(ctx, "root", "alice", 2)
	require.NoError(t, err)
	assert.True(t, acc.Banned)
	require.NotNil(t, acc.BanExpiresAt)
	assert.True(t, epoch.Add(48*time.Hour).Equal(*acc.BanExpiresAt))

	acc, err = f.admin.Ban(ctx, "root", "alice")
	require.NoError(t, err)
	assert.True(t, acc.Banned)
	assert.Nil(t, acc.BanExpiresAt)

	acc, err = f.admin.Unban(ctx, "root", "alice")
	require.NoError(t, err)
	assert.False(t, acc.Banned)
}

func TestAdmin_Uses(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	acc, err := f.admin.GrantUses(ctx, "root", "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(15), acc.Quota.Remaining())

	acc, err = f.admin.RemoveUses(ctx, "root", "alice", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.Quota.Remaining())

	_, err = f.admin.GrantUses(ctx, "root", "alice", 0)
	assert.ErrorIs(t, err, qg.ErrInvalidArgument)
	_, err = f.admin.RemoveUses(ctx, "root", "alice", -1)
	assert.ErrorIs(t, err, qg.ErrInvalidArgument)

	acc, err = f.admin.SetUnlimited(ctx, "root", "alice", true)
	require.NoError(t, err)
	assert.True(t, acc.Quota.IsUnlimited())

	acc, err = f.admin.SetUnlimited(ctx, "root", "alice", false)
	require.NoError(t, err)
	assert.Equal(t, qg.Limited(qg.DefaultDailyAllotment), acc.Quota)
}

func TestAdmin_ChangeHandle(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	acc, err := f.admin.ChangeHandle(ctx, "root", "alice", "  alicia ")
	require.NoError(t, err)
	assert.Equal(t, "alicia", acc.Handle)

	_, err = f.store.GetByHandle(ctx, "alice")
	assert.ErrorIs(t, err, qg.ErrNotFound)

	_, err = f.admin.ChangeHandle(ctx, "root", "alicia", "ally")
	assert.ErrorIs(t, err, qg.ErrHandleCooldown)

	f.clock.Advance(31 * 24 * time.Hour)

	_, err = f.admin.ChangeHandle(ctx, "root", "alicia", "bob")
	assert.ErrorIs(t, err, qg.ErrHandleTaken)

	acc, err = f.admin.ChangeHandle(ctx, "root", "alicia", "ally")
	require.NoError(t, err)
	assert.Equal(t, "ally", acc.Handle)

	_, err = f.admin.ChangeHandle(ctx, "root", "ally", "")
	assert.ErrorIs(t, err, qg.ErrInvalidArgument)
}

func TestAdmin_Lookup(t *testing.T) {
	f := newAdminFixture(t)

	acc, err := f.admin.Lookup(context.Background(), "super", "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", acc.ID)

	_, err = f.admin.Lookup(context.Background(), "super", "nobody")
	assert.ErrorIs(t, err, qg.ErrNotFound)
}

func TestAdmin_ListAccountsSearch(t *testing.T) {
	carol := limited("c-123", 1)
	carol.Handle = "Carol"
	carol.RegistrationIP = "203.0.113.7"
	f := newAdminFixture(t, carol)
	ctx := context.Background()

	all, err := f.admin.ListAccounts(ctx, "root", "")
	require.NoError(t, err)
	assert.Len(t, all, 6)

	byHandle, err := f.admin.ListAccounts(ctx, "root", "car")
	require.NoError(t, err)
	require.Len(t, byHandle, 1)
	assert.Equal(t, "c-123", byHandle[0].ID)

	byIP, err := f.admin.ListAccounts(ctx, "root", "203.0.113")
	require.NoError(t, err)
	require.Len(t, byIP, 1)

	none, err := f.admin.ListAccounts(ctx, "root", "zzz")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.admin.ListAccounts(ctx, "alice", "")
	assert.ErrorIs(t, err, qg.ErrUnauthorized)
}

func TestAdmin_Leaderboard(t *testing.T) {
	var extra []qg.Account
	for i, used := range []int64{7, 3, 9, 3} {
		acc := limited(string(rune('p'+i)), 1)
		acc.TotalUsed = used
		extra = append(extra, acc)
	}
	f := newAdminFixture(t, extra...)
	ctx := context.Background()

	top, err := f.admin.Leaderboard(ctx, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "r", top[0].Handle)
	assert.Equal(t, "p", top[1].Handle)
	// q and s tie on 3; the handle breaks it.
	assert.Equal(t, "q", top[2].Handle)

	all, err := f.admin.Leaderboard(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 9)
}

func TestAdmin_BanManyReportsEachHandle(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	results, err := f.admin.BanMany(ctx, "root", []string{"alice", "nobody", "bob"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.True(t, results[0].Account.Banned)
	assert.Equal(t, "nobody", results[1].Handle)
	assert.ErrorIs(t, results[1].Err, qg.ErrNotFound)
	assert.NoError(t, results[2].Err)
	assert.True(t, get(t, f.store, "bob").Banned)

	results, err = f.admin.UnbanMany(ctx, "root", []string{"alice", "bob"})
	require.NoError(t, err)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.False(t, r.Account.Banned)
	}

	_, err = f.admin.BanMany(ctx, "alice", []string{"bob"})
	assert.ErrorIs(t, err, qg.ErrUnauthorized)
	assert.False(t, get(t, f.store, "bob").Banned)

	_, err = f.admin.BanMany(ctx, "root", nil)
	assert.ErrorIs(t, err, qg.ErrInvalidArgument)
}
