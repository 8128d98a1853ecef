package quotagate

import "time"

// BanStatus is the effective ban state of an account at a point in time.
type BanStatus int

const (
	NotBanned BanStatus = iota
	PermanentlyBanned
	TemporarilyBanned
)

func (s BanStatus) String() string {
	switch s {
	case NotBanned:
		return "not-banned"
	case PermanentlyBanned:
		return "permanently-banned"
	case TemporarilyBanned:
		return "temporarily-banned"
	default:
		return "unknown"
	}
}

// BanEvaluation is the result of EvaluateBan.
type BanEvaluation struct {
	Status BanStatus
	Until  *time.Time // set for TemporarilyBanned

	// Heal is set when the stored ban has lapsed and must be cleared before
	// access is granted.
	Heal bool
}

// Banned reports whether the evaluation blocks access.
func (e BanEvaluation) Banned() bool {
	return e.Status != NotBanned
}

// EvaluateBan decides the effective ban status of acc at now.
func EvaluateBan(acc Account, now time.Time) BanEvaluation {
	if !acc.Banned {
		return BanEvaluation{Status: NotBanned}
	}
	if acc.BanExpiresAt == nil {
		return BanEvaluation{Status: PermanentlyBanned}
	}
	if !acc.BanExpiresAt.After(now) {
		return BanEvaluation{Status: NotBanned, Heal: true}
	}
	until := *acc.BanExpiresAt
	return BanEvaluation{Status: TemporarilyBanned, Until: &until}
}

// HealBan returns acc with a lapsed ban cleared. Accounts that are not
// banned are returned unchanged.
func HealBan(acc Account, now time.Time) Account {
	if EvaluateBan(acc, now).Heal {
		acc.Banned = false
		acc.BanExpiresAt = nil
	}
	return acc
}

// BanPermanently marks acc banned with no expiry.
func BanPermanently(acc *Account) {
	acc.Banned = true
	acc.BanExpiresAt = nil
}

// BanFor marks acc banned until now + d.
func BanFor(acc *Account, now time.Time, d time.Duration) {
	until := now.Add(d)
	acc.Banned = true
	acc.BanExpiresAt = &until
}

// Unban clears both ban fields.
func Unban(acc *Account) {
	acc.Banned = false
	acc.BanExpiresAt = nil
}
