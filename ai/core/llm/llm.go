// Package llm provides the provider layer: a uniform generate contract over
// OpenAI-compatible and Anthropic APIs with retry, timeout, and structured
// error mapping.
package llm

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/metrics"
	"github.com/aviary-ai/aviary/ai/observability/logging"
	"github.com/aviary-ai/aviary/ai/result"
	"github.com/aviary-ai/aviary/ai/tracing"
)

// Message is one entry of a conversation sent to a provider.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// Stats holds token usage and timing for a single provider call.
type Stats struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	TotalDurationMs  int64 `json:"total_duration_ms"`
}

// Response is a successful provider generation.
type Response struct {
	Text  string
	Raw   any // provider-specific response object
	Stats Stats
}

// Provider is the uniform LLM contract. Implementations are stateless beyond
// the configured credentials and safe for concurrent use.
type Provider interface {
	// Name returns the provider identifier (openai, anthropic, ...).
	Name() string

	// Model returns the configured model name.
	Model() string

	// Generate produces a completion for the messages. Failures carry a
	// mapped error code; the text of a success is never empty.
	Generate(ctx context.Context, messages []Message) result.Result[*Response]
}

// Config configures a provider.
type Config struct {
	Provider    string // openai, anthropic, or any OpenAI-compatible id
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int     // default 2048
	Temperature float32 // default 0.7
	Timeout     int     // per-attempt timeout in seconds, default 20
	MaxAttempts int     // retry budget, default 2
}

func (c *Config) applyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.Timeout <= 0 {
		c.Timeout = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
}

// generator is the raw single-attempt call implemented by each backend.
type generator interface {
	name() string
	model() string
	generate(ctx context.Context, messages []Message) (*Response, error)
}

// NewProvider constructs a provider for the configured backend, wrapped with
// retry and error mapping. The metrics exporter may be nil.
func NewProvider(cfg Config, exporter *metrics.Exporter) (Provider, error) {
	cfg.applyDefaults()

	var (
		gen generator
		err error
	)
	switch cfg.Provider {
	case "anthropic":
		gen, err = newAnthropicGenerator(cfg)
	default:
		// Everything else speaks the OpenAI wire protocol behind a BaseURL.
		gen, err = newOpenAIGenerator(cfg)
	}
	if err != nil {
		return nil, err
	}

	return &retryingProvider{
		gen:         gen,
		timeout:     time.Duration(cfg.Timeout) * time.Second,
		maxAttempts: cfg.MaxAttempts,
		exporter:    exporter,
	}, nil
}

// retryDelay is the linear backoff unit: attempt n waits n*retryDelay.
const retryDelay = 350 * time.Millisecond

type retryingProvider struct {
	gen         generator
	timeout     time.Duration
	maxAttempts int
	exporter    *metrics.Exporter
}

func (p *retryingProvider) Name() string  { return p.gen.name() }
func (p *retryingProvider) Model() string { return p.gen.model() }

func (p *retryingProvider) Generate(ctx context.Context, messages []Message) result.Result[*Response] {
	logger := logging.FromContext(ctx).WithFields(map[string]any{
		"provider": p.gen.name(),
		"model":    p.gen.model(),
	})
	traceCtx := tracing.FromContext(ctx)

	start := time.Now()
	var resp *Response

	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()

			var attemptErr error
			resp, attemptErr = p.gen.generate(attemptCtx, messages)
			if attemptErr != nil {
				return mapError(attemptErr)
			}
			if resp == nil || resp.Text == "" {
				return aierrors.New(aierrors.ProviderInvalidResponse, "provider returned empty text")
			}
			return nil
		},
		retry.RetryIf(isRetryable),
		retry.Attempts(uint(p.maxAttempts)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * retryDelay
		}),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("provider call failed, retrying",
				"attempt", n+1,
				"max_attempts", p.maxAttempts,
				"error", err,
			)
		}),
	)

	elapsed := time.Since(start)
	if err != nil {
		aiErr := aierrors.From(unwrapRetry(ctx, err))
		logger.Error("provider call failed",
			"error", aiErr,
			"duration_ms", elapsed.Milliseconds(),
		)
		if p.exporter != nil {
			p.exporter.RecordProviderError(p.gen.name(), string(aiErr.Code))
		}
		if traceCtx != nil {
			traceCtx.RecordLLMCall(p.gen.name(), p.gen.model(), 0, 0, elapsed, aiErr)
		}
		return result.Fail[*Response](aiErr)
	}

	resp.Stats.TotalDurationMs = elapsed.Milliseconds()
	logger.Debug("provider call completed",
		"total_tokens", resp.Stats.TotalTokens,
		"duration_ms", elapsed.Milliseconds(),
	)
	if p.exporter != nil {
		p.exporter.RecordProviderCall(p.gen.name(), p.gen.model(), elapsed)
		p.exporter.RecordProviderTokens(p.gen.name(), p.gen.model(), "prompt", resp.Stats.PromptTokens)
		p.exporter.RecordProviderTokens(p.gen.name(), p.gen.model(), "completion", resp.Stats.CompletionTokens)
	}
	if traceCtx != nil {
		traceCtx.RecordLLMCall(p.gen.name(), p.gen.model(),
			resp.Stats.PromptTokens, resp.Stats.CompletionTokens, elapsed, nil)
	}
	return result.Ok(resp)
}

// isRetryable restricts retries to transient provider failures: 5xx and
// network/timeout errors. Client faults and quota exhaustion are permanent.
func isRetryable(err error) bool {
	aiErr := aierrors.From(err)
	switch aiErr.Code {
	case aierrors.ProviderUnavailable, aierrors.ProviderTimeout:
		return true
	default:
		return false
	}
}

// unwrapRetry distinguishes caller cancellation from attempt timeout when
// retry.Do exits through its context option.
func unwrapRetry(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return aierrors.Wrap(ctx.Err(), aierrors.OperationCancelled, "generation cancelled")
	}
	return err
}

func newHTTPClient(perAttempt time.Duration) *http.Client {
	return &http.Client{
		// Transport-level ceiling above the per-attempt context deadline so
		// the context always fires first.
		Timeout: perAttempt + 5*time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// SystemPrompt creates a system message.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}
