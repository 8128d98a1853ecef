package quotagate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// NewAccount describes an identity seen for the first time.
type NewAccount struct {
	ID             string // empty to assign a fresh UUID
	Handle         string
	RegistrationIP string
}

// Provisioner creates accounts at first successful authentication.
type Provisioner struct {
	store AccountStore
	opts  options
}

// NewProvisioner creates a Provisioner over store.
func NewProvisioner(store AccountStore, opts ...Option) *Provisioner {
	return &Provisioner{store: store, opts: buildOptions(opts)}
}

// Provision returns the existing account for na.ID, or creates one with
// the default allotment, no roles and no ban.
func (p *Provisioner) Provision(ctx context.Context, na NewAccount) (Account, error) {
	if na.ID != "" {
		acc, err := p.store.GetByID(ctx, na.ID)
		if err == nil {
			return acc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Account{}, fmt.Errorf("quotagate: provision %s: %w", na.ID, err)
		}
	}

	handle, err := NormalizeHandle(na.Handle)
	if err != nil {
		return Account{}, err
	}

	id := na.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := p.opts.now()
	acc := Account{
		ID:             id,
		Handle:         handle,
		Quota:          Limited(p.opts.allotments.Default),
		RegistrationIP: na.RegistrationIP,
		LastResetDay:   DayKey(now),
		CreatedAt:      now,
	}

	err = p.store.Create(ctx, acc)
	if errors.Is(err, ErrAccountExists) {
		// Lost a race with a concurrent first login.
		return p.store.GetByID(ctx, id)
	}
	if err != nil {
		return Account{}, fmt.Errorf("quotagate: provision %s: %w", id, err)
	}
	return acc, nil
}

// DailyReset is the entry point for the external once-a-day scheduler.
type DailyReset struct {
	store AccountStore
	opts  options
}

// NewDailyReset creates a DailyReset over store.
func NewDailyReset(store AccountStore, opts ...Option) *DailyReset {
	return &DailyReset{store: store, opts: buildOptions(opts)}
}

// Run restores every limited account to its allotment for today. Running
// it again on the same UTC day changes nothing.
func (r *DailyReset) Run(ctx context.Context) (int64, error) {
	n, err := r.store.ResetDaily(ctx, r.opts.now(), r.opts.allotments)
	if err != nil {
		return n, fmt.Errorf("quotagate: daily reset: %w", err)
	}
	return n, nil
}
