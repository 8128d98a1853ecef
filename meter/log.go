package meter

import (
	"log/slog"

	"github.com/ineyio/quotagate"
)

// LogMeter logs gate, usage and admin events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ quotagate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDecision(e quotagate.DecisionEvent) {
	if e.Decision.Allowed {
		m.Logger.Info("decision",
			"account", e.AccountID,
			"allowed", true,
			"healed", e.Healed,
			"attempts", e.Attempts,
		)
		return
	}

	attrs := []any{
		"account", e.AccountID,
		"allowed", false,
		"reason", e.Decision.Reason.String(),
		"attempts", e.Attempts,
	}
	if e.Decision.BannedUntil != nil {
		attrs = append(attrs, "banned_until", *e.Decision.BannedUntil)
	}
	m.Logger.Warn("decision_denied", attrs...)
}

func (m *LogMeter) OnUsage(e quotagate.UsageEvent) {
	m.Logger.Info("usage",
		"event", e.ID,
		"account", e.AccountID,
		"at", e.Timestamp,
	)
}

func (m *LogMeter) OnAdmin(e quotagate.AdminEvent) {
	if e.Error == nil {
		m.Logger.Info("admin",
			"op", e.Op,
			"caller", e.CallerID,
			"target", e.Target,
		)
	} else {
		m.Logger.Warn("admin_error",
			"op", e.Op,
			"caller", e.CallerID,
			"target", e.Target,
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnGeneration(e quotagate.GenerationEvent) {
	if e.Success {
		m.Logger.Info("generation",
			"generator", e.Generator,
			"account", e.AccountID,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("generation_error",
			"generator", e.Generator,
			"account", e.AccountID,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnRecordError(e quotagate.RecordErrorEvent) {
	m.Logger.Error("record_error",
		"account", e.AccountID,
		"reservation", e.ReservationID,
		"attempts", e.Attempts,
		"error", e.Error,
	)
}
