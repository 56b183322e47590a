// Package tracing provides request tracing with context propagation. Trace
// ids travel through context values, never through package globals, so
// concurrent requests cannot observe each other's ids.
package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// TraceIDLength is the length of generated trace ids.
const TraceIDLength = 16

// TracingContext holds tracing information for a single request.
type TracingContext struct {
	TraceID       string
	OperationName string
	StartTime     time.Time
	EndTime       time.Time

	// Phases contains the traced processing phases in order.
	Phases []*Phase

	// LLMCalls contains the provider calls made under this trace.
	LLMCalls []*LLMCall

	// Metadata contains additional trace information.
	Metadata map[string]string

	Status TraceStatus

	mu sync.RWMutex
}

// TraceStatus represents the status of a trace.
type TraceStatus int

const (
	StatusOK TraceStatus = iota
	StatusError
	StatusCanceled
)

// Phase represents a distinct phase in request processing, such as an
// observation window's topic check or a memory transaction.
type Phase struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Status    TraceStatus
	Error     string
}

// LLMCall represents one provider API call.
type LLMCall struct {
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
	Status           TraceStatus
	Error            string
}

// NewTraceID generates a 16-character trace id.
func NewTraceID() string {
	id := shortuuid.New()
	if len(id) > TraceIDLength {
		id = id[:TraceIDLength]
	}
	return id
}

// ValidTraceID reports whether an externally supplied id may be adopted.
// Anything outside 8..64 URL-safe characters is replaced with a fresh id.
func ValidTraceID(id string) bool {
	if len(id) < 8 || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// NewTrace creates a trace for an operation, adopting the supplied id when it
// is valid and minting one otherwise.
func NewTrace(operationName, incomingID string) *TracingContext {
	id := incomingID
	if !ValidTraceID(id) {
		id = NewTraceID()
	}
	return &TracingContext{
		TraceID:       id,
		OperationName: operationName,
		StartTime:     time.Now(),
		Metadata:      make(map[string]string, 4),
	}
}

// RecordPhase runs fn as a named phase and appends its timing and outcome.
func (tc *TracingContext) RecordPhase(name string, fn func() error) error {
	if tc == nil {
		return fn()
	}
	phase := &Phase{Name: name, StartTime: time.Now()}
	err := fn()
	phase.EndTime = time.Now()
	phase.Duration = phase.EndTime.Sub(phase.StartTime)
	if err != nil {
		phase.Status = StatusError
		phase.Error = err.Error()
	}

	tc.mu.Lock()
	tc.Phases = append(tc.Phases, phase)
	tc.mu.Unlock()
	return err
}

// RecordLLMCall appends one provider call record.
func (tc *TracingContext) RecordLLMCall(provider, model string, promptTokens, completionTokens int, duration time.Duration, err error) {
	if tc == nil {
		return
	}
	call := &LLMCall{
		Provider:         provider,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Duration:         duration,
	}
	if err != nil {
		call.Status = StatusError
		call.Error = err.Error()
	}

	tc.mu.Lock()
	tc.LLMCalls = append(tc.LLMCalls, call)
	tc.mu.Unlock()
}

// SetMetadata records one key on the trace.
func (tc *TracingContext) SetMetadata(key, value string) {
	if tc == nil {
		return
	}
	tc.mu.Lock()
	tc.Metadata[key] = value
	tc.mu.Unlock()
}

// Finish stamps the end time and final status.
func (tc *TracingContext) Finish(status TraceStatus) {
	if tc == nil {
		return
	}
	tc.mu.Lock()
	tc.EndTime = time.Now()
	tc.Status = status
	tc.mu.Unlock()
}

// Duration returns the wall time covered so far.
func (tc *TracingContext) Duration() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	end := tc.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(tc.StartTime)
}

type contextKey struct{}

// WithContext attaches the trace to a context.
func WithContext(ctx context.Context, tc *TracingContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext extracts the trace from a context, or nil.
func FromContext(ctx context.Context) *TracingContext {
	if tc, ok := ctx.Value(contextKey{}).(*TracingContext); ok {
		return tc
	}
	return nil
}

// TraceIDFromContext returns the current trace id, or "" outside a trace.
func TraceIDFromContext(ctx context.Context) string {
	if tc := FromContext(ctx); tc != nil {
		return tc.TraceID
	}
	return ""
}
