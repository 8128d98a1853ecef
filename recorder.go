package quotagate

import (
	"context"
	"fmt"
)

// Recorder finalizes or releases permits issued by the Gate.
type Recorder struct {
	store AccountStore
	opts  options
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store AccountStore, opts ...Option) *Recorder {
	return &Recorder{store: store, opts: buildOptions(opts)}
}

// Record appends the usage event for a permit whose action succeeded.
// Commits are idempotent per reservation, so unavailable stores are
// retried like reads.
func (r *Recorder) Record(ctx context.Context, p Permit) (UsageEvent, error) {
	now := r.opts.now()
	var ev UsageEvent
	attempts, err := retry(ctx, r.opts, func(ctx context.Context) error {
		var err error
		ev, err = r.store.Commit(ctx, p.Reservation, now)
		return err
	})
	if err != nil {
		r.opts.meter.OnRecordError(RecordErrorEvent{
			AccountID:     p.Reservation.AccountID,
			ReservationID: p.Reservation.ID,
			Attempts:      attempts,
			Error:         err,
		})
		return UsageEvent{}, fmt.Errorf("quotagate: record usage for %s: %w", p.Reservation.AccountID, err)
	}
	r.opts.meter.OnUsage(ev)
	return ev, nil
}

// Release returns the use held by a permit whose action failed.
func (r *Recorder) Release(ctx context.Context, p Permit) error {
	callCtx, cancel := callContext(ctx, r.opts)
	defer cancel()

	if err := r.store.Rollback(callCtx, p.Reservation); err != nil {
		return fmt.Errorf("quotagate: release reservation for %s: %w", p.Reservation.AccountID, err)
	}
	return nil
}
