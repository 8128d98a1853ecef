package quotagate

import (
	"fmt"
	"time"
)

// Default allotments.
const (
	DefaultDailyAllotment int64 = 5
	TierBasic                   = "basic"
	TierPremium                 = "premium"
)

// Allotments maps accounts to their daily quota.
type Allotments struct {
	Default int64            `yaml:"default"`
	Tiers   map[string]int64 `yaml:"tiers"`
}

// DefaultAllotments returns the product defaults.
func DefaultAllotments() Allotments {
	return Allotments{
		Default: DefaultDailyAllotment,
		Tiers: map[string]int64{
			TierBasic:   50,
			TierPremium: 200,
		},
	}
}

// Tier returns the allotment for a subscription tier.
func (a Allotments) Tier(tier string) (int64, bool) {
	n, ok := a.Tiers[tier]
	return n, ok
}

// For returns the daily allotment acc is entitled to at now.
func (a Allotments) For(acc Account, now time.Time) int64 {
	if acc.Subscription.Active(now) {
		if n, ok := a.Tiers[acc.Subscription.Tier]; ok {
			return n
		}
	}
	return a.Default
}

// CanConsume reports whether acc has a use left.
func CanConsume(acc Account) bool {
	return acc.Quota.IsUnlimited() || acc.Quota.Remaining() > 0
}

// Consume debits one use. Unlimited accounts only count toward TotalUsed.
// Calling Consume on an account that cannot consume is a caller bug.
func Consume(acc Account) (Account, error) {
	if !CanConsume(acc) {
		return acc, fmt.Errorf("%w: consume on exhausted account %s", ErrInvariantViolation, acc.ID)
	}
	if !acc.Quota.IsUnlimited() {
		acc.Quota = Limited(acc.Quota.Remaining() - 1)
	}
	acc.TotalUsed++
	return acc, nil
}

// Grant adds delta uses, clamping at zero. Unlimited accounts are unchanged.
func Grant(acc Account, delta int64) Account {
	if acc.Quota.IsUnlimited() {
		return acc
	}
	acc.Quota = Limited(acc.Quota.Remaining() + delta)
	return acc
}

// SetUnlimited switches acc to Unlimited, or back to Limited(allotment).
// Switching off discards any previous balance.
func SetUnlimited(acc Account, on bool, allotment int64) Account {
	if on {
		acc.Quota = Unlimited()
	} else {
		acc.Quota = Limited(allotment)
	}
	return acc
}

// ResetDaily restores a limited account to its allotment once per day.
// The second return value reports whether anything changed.
func ResetDaily(acc Account, now time.Time, a Allotments) (Account, bool) {
	day := DayKey(now)
	if acc.Quota.IsUnlimited() || acc.LastResetDay == day {
		return acc, false
	}
	acc.Quota = Limited(a.For(acc, now))
	acc.LastResetDay = day
	return acc, true
}
