package quotagate

import "time"

// Meter observes gate, usage and administration events for monitoring/logging.
type Meter interface {
	// OnDecision is called for every gate decision.
	OnDecision(event DecisionEvent)

	// OnUsage is called when a usage event has been recorded.
	OnUsage(event UsageEvent)

	// OnAdmin is called after an administration operation.
	OnAdmin(event AdminEvent)

	// OnGeneration is called when the generator returns.
	OnGeneration(event GenerationEvent)

	// OnRecordError is called when a successful action could not be
	// recorded. The reserved use stays debited.
	OnRecordError(event RecordErrorEvent)
}

// DecisionEvent describes a gate decision.
type DecisionEvent struct {
	AccountID string
	Decision  Decision
	Healed    bool // a lapsed ban was cleared
	Attempts  int  // store reads needed
}

// AdminEvent describes an administration operation.
type AdminEvent struct {
	Op       string
	CallerID string
	Target   string
	Error    error
}

// GenerationEvent describes the outcome of a generator call.
type GenerationEvent struct {
	AccountID string
	Generator string
	Success   bool
	Duration  time.Duration
	Error     error
}

// RecordErrorEvent describes a reservation whose commit failed.
type RecordErrorEvent struct {
	AccountID     string
	ReservationID string
	Attempts      int
	Error         error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnDecision(DecisionEvent)       {}
func (noopMeter) OnUsage(UsageEvent)             {}
func (noopMeter) OnAdmin(AdminEvent)             {}
func (noopMeter) OnGeneration(GenerationEvent)   {}
func (noopMeter) OnRecordError(RecordErrorEvent) {}
