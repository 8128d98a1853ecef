package quotagate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DenyReason explains a denied Decision.
type DenyReason int

const (
	ReasonNone DenyReason = iota
	ReasonUnauthenticated
	ReasonBanned
	ReasonQuotaExhausted
)

func (r DenyReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnauthenticated:
		return "unauthenticated"
	case ReasonBanned:
		return "banned"
	case ReasonQuotaExhausted:
		return "quota-exhausted"
	default:
		return "unknown"
	}
}

// Decision is the outcome of the access gate. A denial is a normal
// outcome, not an error.
type Decision struct {
	Allowed     bool
	Reason      DenyReason
	BannedUntil *time.Time // nil for permanent bans
}

// Allow returns an allowing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a denial for reason.
func Deny(reason DenyReason) Decision { return Decision{Reason: reason} }

// DenyBanned returns a ban denial. until is nil for permanent bans.
func DenyBanned(until *time.Time) Decision {
	return Decision{Reason: ReasonBanned, BannedUntil: until}
}

func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	if d.Reason == ReasonBanned && d.BannedUntil != nil {
		return fmt.Sprintf("deny(banned until %s)", d.BannedUntil.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("deny(%s)", d.Reason)
}

// Decide composes the ban evaluator and the quota ledger for acc at now.
// A lapsed ban counts as healed; persisting the heal is the caller's job.
func Decide(acc Account, now time.Time) Decision {
	return decide(acc, EvaluateBan(acc, now))
}

func decide(acc Account, ban BanEvaluation) Decision {
	if ban.Banned() {
		return DenyBanned(ban.Until)
	}
	if !CanConsume(acc) {
		return Deny(ReasonQuotaExhausted)
	}
	return Allow()
}

// Permit is an allowed, reserved use that must be recorded or released.
type Permit struct {
	Reservation Reservation
	Remaining   Quota // balance after the reservation
}

// Gate is the single authorization point in front of every metered action.
type Gate struct {
	store AccountStore
	opts  options
}

// NewGate creates a Gate over store.
func NewGate(store AccountStore, opts ...Option) *Gate {
	return &Gate{store: store, opts: buildOptions(opts)}
}

// Authorize decides whether accountID may perform a metered action now.
// Store failures are returned as errors matching ErrStoreUnavailable,
// never as a denial.
func (g *Gate) Authorize(ctx context.Context, accountID string) (Decision, error) {
	d, _, err := g.authorize(ctx, accountID)
	return d, err
}

// Acquire authorizes accountID and atomically reserves one use. The
// returned Permit is only valid when the decision allows.
func (g *Gate) Acquire(ctx context.Context, accountID, idempotencyKey string) (Permit, Decision, error) {
	d, _, err := g.authorize(ctx, accountID)
	if err != nil || !d.Allowed {
		return Permit{}, d, err
	}

	// Writes are attempted once: a lost reply could already have debited.
	callCtx, cancel := g.callContext(ctx)
	res, err := g.store.Reserve(callCtx, accountID, idempotencyKey)
	cancel()
	switch {
	case errors.Is(err, ErrQuotaExhausted):
		d = Deny(ReasonQuotaExhausted)
		g.opts.meter.OnDecision(DecisionEvent{AccountID: accountID, Decision: d, Attempts: 1})
		return Permit{}, d, nil
	case errors.Is(err, ErrNotFound):
		d = Deny(ReasonUnauthenticated)
		g.opts.meter.OnDecision(DecisionEvent{AccountID: accountID, Decision: d, Attempts: 1})
		return Permit{}, d, nil
	case err != nil:
		return Permit{}, Decision{}, fmt.Errorf("quotagate: reserve for %s: %w", accountID, err)
	}

	remaining := Limited(res.Remaining)
	if res.Unlimited {
		remaining = Unlimited()
	}
	return Permit{Reservation: res, Remaining: remaining}, d, nil
}

// Consume authorizes accountID and atomically debits one use, recording
// a usage event. Concurrent callers never drive the balance below zero.
func (g *Gate) Consume(ctx context.Context, accountID string) (Account, Decision, error) {
	d, acc, err := g.authorize(ctx, accountID)
	if err != nil || !d.Allowed {
		return acc, d, err
	}

	callCtx, cancel := g.callContext(ctx)
	updated, ev, err := g.store.Consume(callCtx, accountID, g.opts.now())
	cancel()
	switch {
	case errors.Is(err, ErrQuotaExhausted):
		d = Deny(ReasonQuotaExhausted)
		g.opts.meter.OnDecision(DecisionEvent{AccountID: accountID, Decision: d, Attempts: 1})
		return acc, d, nil
	case errors.Is(err, ErrNotFound):
		d = Deny(ReasonUnauthenticated)
		g.opts.meter.OnDecision(DecisionEvent{AccountID: accountID, Decision: d, Attempts: 1})
		return Account{}, d, nil
	case err != nil:
		return acc, Decision{}, fmt.Errorf("quotagate: consume for %s: %w", accountID, err)
	}

	g.opts.meter.OnUsage(ev)
	return updated, d, nil
}

// Account reads accountID as it is stored, retrying transient failures.
// Call it after Authorize to observe any healed ban.
func (g *Gate) Account(ctx context.Context, accountID string) (Account, error) {
	var acc Account
	_, err := retry(ctx, g.opts, func(ctx context.Context) error {
		var err error
		acc, err = g.store.GetByID(ctx, accountID)
		return err
	})
	if err != nil {
		return Account{}, fmt.Errorf("quotagate: get %s: %w", accountID, err)
	}
	return acc, nil
}

func (g *Gate) authorize(ctx context.Context, accountID string) (Decision, Account, error) {
	if accountID == "" {
		d := Deny(ReasonUnauthenticated)
		g.opts.meter.OnDecision(DecisionEvent{Decision: d})
		return d, Account{}, nil
	}

	var acc Account
	attempts, err := retry(ctx, g.opts, func(ctx context.Context) error {
		var err error
		acc, err = g.store.GetByID(ctx, accountID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		d := Deny(ReasonUnauthenticated)
		g.opts.meter.OnDecision(DecisionEvent{AccountID: accountID, Decision: d, Attempts: attempts})
		return d, Account{}, nil
	}
	if err != nil {
		return Decision{}, Account{}, fmt.Errorf("quotagate: authorize %s: %w", accountID, err)
	}

	now := g.opts.now()
	ban := EvaluateBan(acc, now)
	if ban.Heal {
		// Healing is idempotent, so it may be retried like a read.
		_, err := retry(ctx, g.opts, func(ctx context.Context) error {
			_, err := g.store.HealBan(ctx, accountID, now)
			return err
		})
		if err != nil {
			return Decision{}, Account{}, fmt.Errorf("quotagate: heal ban for %s: %w", accountID, err)
		}
		acc = HealBan(acc, now)
	}

	d := decide(acc, ban)
	g.opts.meter.OnDecision(DecisionEvent{
		AccountID: accountID,
		Decision:  d,
		Healed:    ban.Heal,
		Attempts:  attempts,
	})
	return d, acc, nil
}

func (g *Gate) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return callContext(ctx, g.opts)
}

func callContext(ctx context.Context, o options) (context.Context, context.CancelFunc) {
	if o.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.storeTimeout)
}

// retry runs fn until it succeeds, fails with a non-retryable error, or
// the attempt budget is spent. Each attempt gets its own timeout.
func retry(ctx context.Context, o options, fn func(context.Context) error) (int, error) {
	var err error
	for attempt := 1; ; attempt++ {
		callCtx, cancel := callContext(ctx, o)
		err = fn(callCtx)
		cancel()
		if err == nil || !IsRetryable(err) || attempt >= o.attempts {
			return attempt, err
		}

		select {
		case <-time.After(o.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return attempt, err
		}
	}
}
