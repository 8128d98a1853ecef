package quotagate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Request is a metered generation request.
type Request struct {
	Prompt string

	// RequestID deduplicates client retries of the same request. Optional.
	RequestID string
}

// Result is the outcome of a successful generation.
type Result struct {
	Text      string
	Remaining Quota
	Event     UsageEvent
}

// Service gates, performs and records metered generation calls.
type Service struct {
	gate      *Gate
	recorder  *Recorder
	generator Generator
	health    *HealthTracker
	opts      options
}

// NewService creates a Service that meters calls to gen against store.
func NewService(store AccountStore, gen Generator, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("quotagate: account store is required")
	}
	if gen == nil {
		return nil, fmt.Errorf("quotagate: generator is required")
	}

	o := buildOptions(opts)
	health := o.health
	if health == nil {
		health = newHealthTracker(o.now)
	}

	return &Service{
		gate:      NewGate(store, opts...),
		recorder:  NewRecorder(store, opts...),
		generator: gen,
		health:    health,
		opts:      o,
	}, nil
}

// Gate returns the gate the service authorizes through.
func (s *Service) Gate() *Gate { return s.gate }

// Generate runs one metered generation for accountID. A use is reserved
// before the generator is called and only recorded if it succeeds;
// otherwise the reservation is released.
func (s *Service) Generate(ctx context.Context, accountID string, req Request) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, fmt.Errorf("%w: prompt is required", ErrInvalidArgument)
	}
	if len(req.Prompt) > s.opts.maxPromptBytes {
		return Result{}, fmt.Errorf("%w: prompt exceeds %d bytes", ErrInvalidArgument, s.opts.maxPromptBytes)
	}

	name := s.generator.Name()
	if s.health.GetHealth(name) == HealthUnhealthy {
		return Result{}, fmt.Errorf("quotagate: generator %s: %w", name, ErrGeneratorUnavailable)
	}

	permit, d, err := s.gate.Acquire(ctx, accountID, req.RequestID)
	if err != nil {
		return Result{}, err
	}
	if !d.Allowed {
		return Result{}, &DeniedError{Decision: d}
	}

	start := s.opts.now()
	text, err := s.generator.Complete(ctx, req.Prompt)
	duration := s.opts.now().Sub(start)

	if err != nil {
		s.health.RecordFailure(name)
		s.report(accountID, name, duration, err)
		if relErr := s.recorder.Release(context.WithoutCancel(ctx), permit); relErr != nil {
			return Result{}, fmt.Errorf("quotagate: generate: %w (release failed: %v)", err, relErr)
		}
		return Result{}, fmt.Errorf("quotagate: generate: %w", err)
	}

	s.health.RecordSuccess(name)
	s.report(accountID, name, duration, nil)

	ev, err := s.recorder.Record(context.WithoutCancel(ctx), permit)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Text:      text,
		Remaining: permit.Remaining,
		Event:     ev,
	}, nil
}

func (s *Service) report(accountID, name string, d time.Duration, err error) {
	s.opts.meter.OnGeneration(GenerationEvent{
		AccountID: accountID,
		Generator: name,
		Success:   err == nil,
		Duration:  d,
		Error:     err,
	})
}
