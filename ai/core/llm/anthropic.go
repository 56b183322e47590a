package llm

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"
)

// anthropicGenerator calls the Anthropic messages API. System messages are
// hoisted into the system parameter; the remainder must alternate user and
// assistant turns, which the orchestrator's prompt builders guarantee.
type anthropicGenerator struct {
	client      anthropic.Client
	modelName   string
	maxTokens   int
	temperature float32
}

func newAnthropicGenerator(cfg Config) (*anthropicGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic provider requires an API key")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(newHTTPClient(time.Duration(cfg.Timeout) * time.Second)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &anthropicGenerator{
		client:      anthropic.NewClient(opts...),
		modelName:   cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (g *anthropicGenerator) name() string  { return "anthropic" }
func (g *anthropicGenerator) model() string { return g.modelName }

func (g *anthropicGenerator) generate(ctx context.Context, messages []Message) (*Response, error) {
	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam

	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(turns) == 0 {
		return nil, errors.New("anthropic request requires at least one non-system message")
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(g.modelName),
		MaxTokens:   int64(g.maxTokens),
		System:      system,
		Messages:    turns,
		Temperature: anthropic.Float(float64(g.temperature)),
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	return &Response{
		Text: text.String(),
		Raw:  resp,
		Stats: Stats{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}
