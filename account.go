package quotagate

import (
	"fmt"
	"time"
)

// LegacyUnlimited is the balance older records use to mean "no limit".
const LegacyUnlimited int64 = 999999

// Account is the durable per-identity record holding roles, quota and ban state.
type Account struct {
	ID             string
	Handle         string
	Roles          Roles
	Quota          Quota
	TotalUsed      int64
	Banned         bool
	BanExpiresAt   *time.Time // nil with Banned means permanent
	Subscription   *Subscription
	RegistrationIP string // advisory only

	LastHandleChange *time.Time
	LastResetDay     string // YYYY-MM-DD (UTC) of the last daily reset
	CreatedAt        time.Time
}

// Roles holds independent privilege flags.
type Roles struct {
	Admin      bool
	Moderator  bool
	SuperAdmin bool
}

// Privileged reports whether the roles allow administration.
func (r Roles) Privileged() bool {
	return r.Admin || r.SuperAdmin
}

// Subscription is a paid tier with an expiry.
type Subscription struct {
	Tier      string
	ExpiresAt time.Time
}

// Active reports whether the subscription is in force at now.
func (s *Subscription) Active(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// Quota is either Unlimited or Limited with a non-negative remaining balance.
// The zero value is Limited(0).
type Quota struct {
	unlimited bool
	remaining int64
}

// Unlimited returns a quota that is never exhausted.
func Unlimited() Quota { return Quota{unlimited: true} }

// Limited returns a quota with n uses remaining. Negative n is clamped to 0.
func Limited(n int64) Quota {
	if n < 0 {
		n = 0
	}
	return Quota{remaining: n}
}

// QuotaFromLegacy converts a stored balance that may carry the
// LegacyUnlimited sentinel.
func QuotaFromLegacy(n int64) Quota {
	if n == LegacyUnlimited {
		return Unlimited()
	}
	return Limited(n)
}

// IsUnlimited reports whether q is the Unlimited variant.
func (q Quota) IsUnlimited() bool { return q.unlimited }

// Remaining returns the remaining balance. It is 0 for Unlimited quotas;
// check IsUnlimited first.
func (q Quota) Remaining() int64 {
	if q.unlimited {
		return 0
	}
	return q.remaining
}

// Legacy renders q in the sentinel encoding.
func (q Quota) Legacy() int64 {
	if q.unlimited {
		return LegacyUnlimited
	}
	return q.remaining
}

func (q Quota) String() string {
	if q.unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", q.remaining)
}

// UsageEvent is one successful metered action. Events are append-only.
type UsageEvent struct {
	ID        string
	AccountID string
	Timestamp time.Time
}

// DayKey returns the UTC calendar day of t in YYYY-MM-DD form.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
