package quotagate

import (
	"context"
	"fmt"
	"sort"
	"time"
)

const (
	heavyUseThreshold  = 100
	heavyUseAccountAge = 7 * 24 * time.Hour
)

// Burst is a run of usage events that exceeded the configured rate.
type Burst struct {
	AccountID string
	Count     int // events inside the window
	Start     time.Time
	End       time.Time
}

// DetectBursts returns, per account, the densest window of length window
// that holds more than threshold events. Accounts under the threshold are
// omitted. Results are ordered by Count, highest first.
func DetectBursts(events []UsageEvent, window time.Duration, threshold int) []Burst {
	byAccount := make(map[string][]time.Time)
	for _, ev := range events {
		byAccount[ev.AccountID] = append(byAccount[ev.AccountID], ev.Timestamp)
	}

	var bursts []Burst
	for id, ts := range byAccount {
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })

		best := Burst{AccountID: id}
		lo := 0
		for hi := range ts {
			for ts[hi].Sub(ts[lo]) > window {
				lo++
			}
			if n := hi - lo + 1; n > best.Count {
				best.Count = n
				best.Start = ts[lo]
				best.End = ts[hi]
			}
		}
		if best.Count > threshold {
			bursts = append(bursts, best)
		}
	}

	sort.Slice(bursts, func(i, j int) bool {
		if bursts[i].Count != bursts[j].Count {
			return bursts[i].Count > bursts[j].Count
		}
		return bursts[i].AccountID < bursts[j].AccountID
	})
	return bursts
}

// NewlyHeavy reports accounts with heavy lifetime use that were created
// within the last week.
func NewlyHeavy(acc Account, now time.Time) bool {
	return acc.TotalUsed > heavyUseThreshold && now.Sub(acc.CreatedAt) < heavyUseAccountAge
}

// ActivityReport lists accounts worth a moderator's attention.
type ActivityReport struct {
	Bursts      []Burst
	NewlyHeavy  []Account
	GeneratedAt time.Time
}

// Reporter builds suspicious-activity reports from the store.
type Reporter struct {
	store     AccountStore
	window    time.Duration
	threshold int
	opts      options
}

// NewReporter creates a Reporter flagging more than threshold uses within window.
func NewReporter(store AccountStore, window time.Duration, threshold int, opts ...Option) *Reporter {
	return &Reporter{store: store, window: window, threshold: threshold, opts: buildOptions(opts)}
}

// Report scans usage since the given time across every account.
func (r *Reporter) Report(ctx context.Context, since time.Time) (ActivityReport, error) {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return ActivityReport{}, fmt.Errorf("quotagate: activity report: %w", err)
	}

	now := r.opts.now()
	report := ActivityReport{GeneratedAt: now}

	var events []UsageEvent
	for _, acc := range accounts {
		if NewlyHeavy(acc, now) {
			report.NewlyHeavy = append(report.NewlyHeavy, acc)
		}
		evs, err := r.store.UsageSince(ctx, acc.ID, since)
		if err != nil {
			return ActivityReport{}, fmt.Errorf("quotagate: activity report for %s: %w", acc.ID, err)
		}
		events = append(events, evs...)
	}

	report.Bursts = DetectBursts(events, r.window, r.threshold)
	return report, nil
}
