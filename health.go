package quotagate

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the health of a generator.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-generator health using a circuit breaker pattern.
type HealthTracker struct {
	mu         sync.Mutex
	now        func() time.Time
	generators map[string]*generatorHealth
}

type generatorHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time   // when state transitioned to unhealthy
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return newHealthTracker(time.Now)
}

func newHealthTracker(now func() time.Time) *HealthTracker {
	return &HealthTracker{
		now:        now,
		generators: make(map[string]*generatorHealth),
	}
}

// GetHealth returns the current health state for a generator.
func (h *HealthTracker) GetHealth(name string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	gh, ok := h.generators[name]
	if !ok {
		return HealthHealthy
	}

	// Check if unhealthy period has elapsed → transition to half-open.
	if gh.state == HealthUnhealthy && h.now().Sub(gh.unhealthyAt) >= healthUnhealthyPeriod {
		gh.state = HealthHalfOpen
	}

	return gh.state
}

// RecordSuccess records a successful call.
func (h *HealthTracker) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	gh := h.getOrCreate(name)
	gh.state = HealthHealthy
	gh.failures = gh.failures[:0]
}

// RecordFailure records a failed call.
func (h *HealthTracker) RecordFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	gh := h.getOrCreate(name)
	now := h.now()

	// A failed trial call while half-open reopens the circuit.
	if gh.state == HealthHalfOpen {
		gh.state = HealthUnhealthy
		gh.unhealthyAt = now
		return
	}
	if gh.state == HealthUnhealthy {
		return
	}

	// Prune old failures outside the window.
	cutoff := now.Add(-healthFailureWindow)
	valid := gh.failures[:0]
	for _, t := range gh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	gh.failures = append(valid, now)

	if len(gh.failures) >= healthFailureThreshold {
		gh.state = HealthUnhealthy
		gh.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(name string) *generatorHealth {
	gh, ok := h.generators[name]
	if !ok {
		gh = &generatorHealth{state: HealthHealthy}
		h.generators[name] = gh
	}
	return gh
}
