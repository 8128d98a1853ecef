package redis

import (
	"strconv"
	"time"

	"github.com/ineyio/quotagate"
)

// encode flattens an account into hash fields. Times are unix
// milliseconds; an empty string stands for nil.
func encode(acc quotagate.Account) map[string]any {
	subType, subExpires := "", ""
	if acc.Subscription != nil {
		subType = acc.Subscription.Tier
		subExpires = formatMillis(acc.Subscription.ExpiresAt)
	}

	return map[string]any{
		"handle":                  acc.Handle,
		"is_admin":                formatBool(acc.Roles.Admin),
		"is_moderator":            formatBool(acc.Roles.Moderator),
		"is_super_admin":          formatBool(acc.Roles.SuperAdmin),
		"quota_unlimited":         formatBool(acc.Quota.IsUnlimited()),
		"quota_remaining":         strconv.FormatInt(acc.Quota.Remaining(), 10),
		"quota_total_used":        strconv.FormatInt(acc.TotalUsed, 10),
		"banned":                  formatBool(acc.Banned),
		"ban_expires_at":          formatOptional(acc.BanExpiresAt),
		"subscription_type":       subType,
		"subscription_expires_at": subExpires,
		"registration_ip":         acc.RegistrationIP,
		"last_handle_change":      formatOptional(acc.LastHandleChange),
		"last_reset_day":          acc.LastResetDay,
		"created_at":              formatMillis(acc.CreatedAt),
	}
}

func decode(id string, f map[string]string) quotagate.Account {
	acc := quotagate.Account{
		ID:     id,
		Handle: f["handle"],
		Roles: quotagate.Roles{
			Admin:      f["is_admin"] == "1",
			Moderator:  f["is_moderator"] == "1",
			SuperAdmin: f["is_super_admin"] == "1",
		},
		TotalUsed:        parseInt(f["quota_total_used"]),
		Banned:           f["banned"] == "1",
		BanExpiresAt:     parseOptional(f["ban_expires_at"]),
		RegistrationIP:   f["registration_ip"],
		LastHandleChange: parseOptional(f["last_handle_change"]),
		LastResetDay:     f["last_reset_day"],
	}

	// The flag is authoritative; quota_remaining is a plain balance.
	acc.Quota = quotagate.Limited(parseInt(f["quota_remaining"]))
	if f["quota_unlimited"] == "1" {
		acc.Quota = quotagate.Unlimited()
	}

	if tier := f["subscription_type"]; tier != "" {
		if exp := parseOptional(f["subscription_expires_at"]); exp != nil {
			acc.Subscription = &quotagate.Subscription{Tier: tier, ExpiresAt: *exp}
		}
	}

	if t := parseOptional(f["created_at"]); t != nil {
		acc.CreatedAt = *t
	}
	return acc
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatMillis(*t)
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseOptional(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
