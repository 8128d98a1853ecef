package meter

import "github.com/ineyio/quotagate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ quotagate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDecision(quotagate.DecisionEvent)       {}
func (m *NoopMeter) OnUsage(quotagate.UsageEvent)             {}
func (m *NoopMeter) OnAdmin(quotagate.AdminEvent)             {}
func (m *NoopMeter) OnGeneration(quotagate.GenerationEvent)   {}
func (m *NoopMeter) OnRecordError(quotagate.RecordErrorEvent) {}
