package tracing

import (
	"github.com/aviary-ai/aviary/ai/observability/logging"
)

// Exporter receives finished traces.
type Exporter interface {
	Export(trace *TracingContext)
}

// LogExporter writes finished traces to the structured log. Slow phases and
// failed provider calls get their own lines so they can be grepped without
// unpacking the summary.
type LogExporter struct {
	logger *logging.Logger

	// SlowPhaseMS is the threshold for flagging a phase, in milliseconds.
	SlowPhaseMS int64
}

// NewLogExporter creates a log exporter on the given logger. A nil logger
// falls back to the package default.
func NewLogExporter(logger *logging.Logger) *LogExporter {
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	return &LogExporter{logger: logger, SlowPhaseMS: 100}
}

// Export logs the trace summary.
func (e *LogExporter) Export(trace *TracingContext) {
	if trace == nil {
		return
	}

	trace.mu.RLock()
	phases := trace.Phases
	llmCalls := trace.LLMCalls
	status := trace.Status
	trace.mu.RUnlock()

	e.logger.Debug("trace",
		"trace_id", trace.TraceID,
		"operation", trace.OperationName,
		"status", int(status),
		"duration_ms", trace.Duration().Milliseconds(),
		"phases", len(phases),
		"llm_calls", len(llmCalls),
	)

	for _, phase := range phases {
		if phase.Duration.Milliseconds() > e.SlowPhaseMS {
			e.logger.Warn("slow phase",
				"trace_id", trace.TraceID,
				"phase", phase.Name,
				"duration_ms", phase.Duration.Milliseconds(),
			)
		}
	}
	for _, call := range llmCalls {
		if call.Status == StatusError {
			e.logger.Error("provider call failed",
				"trace_id", trace.TraceID,
				"provider", call.Provider,
				"model", call.Model,
				"error", call.Error,
			)
		}
	}
}

// NoopExporter discards traces. Used when tracing export is disabled.
type NoopExporter struct{}

func (NoopExporter) Export(*TracingContext) {}
