package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
)

// fakeGenerator scripts per-attempt outcomes.
type fakeGenerator struct {
	calls     int
	responses []func() (*Response, error)
}

func (f *fakeGenerator) name() string  { return "fake" }
func (f *fakeGenerator) model() string { return "fake-model" }

func (f *fakeGenerator) generate(_ context.Context, _ []Message) (*Response, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx]()
}

func newTestProvider(gen generator, attempts int) *retryingProvider {
	return &retryingProvider{
		gen:         gen,
		timeout:     time.Second,
		maxAttempts: attempts,
	}
}

func ok(text string) func() (*Response, error) {
	return func() (*Response, error) {
		return &Response{Text: text, Stats: Stats{TotalTokens: 3}}, nil
	}
}

func fail(code aierrors.Code) func() (*Response, error) {
	return func() (*Response, error) {
		return nil, aierrors.New(code, "scripted failure")
	}
}

func TestGenerateSuccess(t *testing.T) {
	gen := &fakeGenerator{responses: []func() (*Response, error){ok("hello")}}
	p := newTestProvider(gen, 2)

	res := p.Generate(context.Background(), []Message{UserMessage("hi")})
	require.True(t, res.IsOk())
	assert.Equal(t, "hello", res.Value().Text)
	assert.Equal(t, 1, gen.calls)
}

func TestGenerateRetriesTransientFailure(t *testing.T) {
	gen := &fakeGenerator{responses: []func() (*Response, error){
		fail(aierrors.ProviderUnavailable),
		ok("second try"),
	}}
	p := newTestProvider(gen, 2)

	res := p.Generate(context.Background(), []Message{UserMessage("hi")})
	require.True(t, res.IsOk())
	assert.Equal(t, "second try", res.Value().Text)
	assert.Equal(t, 2, gen.calls)
}

func TestGenerateDoesNotRetryClientFault(t *testing.T) {
	gen := &fakeGenerator{responses: []func() (*Response, error){
		fail(aierrors.AuthInvalidToken),
		ok("never reached"),
	}}
	p := newTestProvider(gen, 3)

	res := p.Generate(context.Background(), []Message{UserMessage("hi")})
	require.False(t, res.IsOk())
	assert.Equal(t, aierrors.AuthInvalidToken, res.Failure().Code)
	assert.Equal(t, 1, gen.calls, "client faults must not be retried")
}

func TestGenerateExhaustsAttempts(t *testing.T) {
	gen := &fakeGenerator{responses: []func() (*Response, error){
		fail(aierrors.ProviderUnavailable),
	}}
	p := newTestProvider(gen, 2)

	res := p.Generate(context.Background(), []Message{UserMessage("hi")})
	require.False(t, res.IsOk())
	assert.Equal(t, aierrors.ProviderUnavailable, res.Failure().Code)
	assert.Equal(t, 2, gen.calls)
}

func TestGenerateEmptyTextIsInvalidResponse(t *testing.T) {
	gen := &fakeGenerator{responses: []func() (*Response, error){ok("")}}
	p := newTestProvider(gen, 2)

	res := p.Generate(context.Background(), []Message{UserMessage("hi")})
	require.False(t, res.IsOk())
	assert.Equal(t, aierrors.ProviderInvalidResponse, res.Failure().Code)
	assert.Equal(t, 1, gen.calls, "empty text is a permanent failure")
}

func TestGenerateCancelledContext(t *testing.T) {
	gen := &fakeGenerator{responses: []func() (*Response, error){
		func() (*Response, error) { return nil, context.Canceled },
	}}
	p := newTestProvider(gen, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.Generate(ctx, []Message{UserMessage("hi")})
	require.False(t, res.IsOk())
	assert.Equal(t, aierrors.OperationCancelled, res.Failure().Code)
}

func TestMessageHelpers(t *testing.T) {
	assert.Equal(t, Message{Role: "system", Content: "s"}, SystemPrompt("s"))
	assert.Equal(t, Message{Role: "user", Content: "u"}, UserMessage("u"))
	assert.Equal(t, Message{Role: "assistant", Content: "a"}, AssistantMessage("a"))
}

func TestNewProviderDefaults(t *testing.T) {
	cfg := Config{Provider: "openai", APIKey: "test-key", Model: "gpt-4o-mini"}
	p, err := NewProvider(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "gpt-4o-mini", p.Model())
}

func TestNewProviderRequiresKey(t *testing.T) {
	_, err := NewProvider(Config{Provider: "openai", Model: "m"}, nil)
	assert.Error(t, err)

	_, err = NewProvider(Config{Provider: "anthropic", Model: "m"}, nil)
	assert.Error(t, err)
}
