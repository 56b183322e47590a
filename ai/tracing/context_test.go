package tracing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceIDLength(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewTraceID()
		assert.Len(t, id, TraceIDLength)
		assert.True(t, ValidTraceID(id), "generated id %q must be valid", id)
		seen[id] = true
	}
	// Collisions across 100 draws would mean the generator is broken.
	assert.Len(t, seen, 100)
}

func TestValidTraceID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"generated shape", "aB3xY9kQ7mN2pR5t", true},
		{"minimum length", "abcd1234", true},
		{"with dash and underscore", "trace-id_0099", true},
		{"too short", "abc", false},
		{"empty", "", false},
		{"header injection", "abc\r\nSet-Cookie: x", false},
		{"spaces", "trace id 123", false},
		{"too long", string(make([]byte, 65)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidTraceID(tt.id))
		})
	}
}

func TestNewTraceAdoptsValidIncomingID(t *testing.T) {
	tc := NewTrace("chat", "client-supplied-id1")
	assert.Equal(t, "client-supplied-id1", tc.TraceID)

	minted := NewTrace("chat", "bad id")
	assert.NotEqual(t, "bad id", minted.TraceID)
	assert.Len(t, minted.TraceID, TraceIDLength)
}

func TestContextPropagation(t *testing.T) {
	tc := NewTrace("observation", "")
	ctx := WithContext(context.Background(), tc)

	assert.Same(t, tc, FromContext(ctx))
	assert.Equal(t, tc.TraceID, TraceIDFromContext(ctx))

	assert.Nil(t, FromContext(context.Background()))
	assert.Empty(t, TraceIDFromContext(context.Background()))
}

// Two traces in flight at once must never observe each other's ids; this is
// the property a process-global would break.
func TestConcurrentTracesIsolated(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tc := NewTrace("chat", "")
			ctx := WithContext(context.Background(), tc)
			for j := 0; j < 20; j++ {
				if got := TraceIDFromContext(ctx); got != tc.TraceID {
					t.Errorf("trace id leaked: got %q want %q", got, tc.TraceID)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestRecordPhase(t *testing.T) {
	tc := NewTrace("observation", "")

	err := tc.RecordPhase("topic_check", func() error { return nil })
	require.NoError(t, err)

	wantErr := errors.New("provider down")
	err = tc.RecordPhase("decision", func() error { return wantErr })
	require.ErrorIs(t, err, wantErr)

	require.Len(t, tc.Phases, 2)
	assert.Equal(t, "topic_check", tc.Phases[0].Name)
	assert.Equal(t, StatusOK, tc.Phases[0].Status)
	assert.Equal(t, StatusError, tc.Phases[1].Status)
	assert.Equal(t, "provider down", tc.Phases[1].Error)
}

func TestRecordPhaseOnNilTrace(t *testing.T) {
	var tc *TracingContext
	called := false
	err := tc.RecordPhase("anything", func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRecordLLMCall(t *testing.T) {
	tc := NewTrace("chat", "")
	tc.RecordLLMCall("openai", "gpt-4o", 120, 40, 800*time.Millisecond, nil)
	tc.RecordLLMCall("anthropic", "claude", 80, 0, time.Second, errors.New("timeout"))

	require.Len(t, tc.LLMCalls, 2)
	assert.Equal(t, StatusOK, tc.LLMCalls[0].Status)
	assert.Equal(t, 120, tc.LLMCalls[0].PromptTokens)
	assert.Equal(t, StatusError, tc.LLMCalls[1].Status)
	assert.Equal(t, "timeout", tc.LLMCalls[1].Error)
}

func TestFinishStampsStatus(t *testing.T) {
	tc := NewTrace("chat", "")
	tc.Finish(StatusCanceled)

	assert.Equal(t, StatusCanceled, tc.Status)
	assert.False(t, tc.EndTime.IsZero())
	assert.GreaterOrEqual(t, tc.Duration(), time.Duration(0))
}

func TestLogExporterHandlesNil(t *testing.T) {
	e := NewLogExporter(nil)
	// Must not panic.
	e.Export(nil)

	tc := NewTrace("chat", "")
	tc.RecordLLMCall("openai", "gpt-4o", 1, 1, time.Millisecond, errors.New("boom"))
	tc.Finish(StatusError)
	e.Export(tc)

	NoopExporter{}.Export(tc)
}
