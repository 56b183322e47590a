package llm

import (
	"context"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/pkg/errors"
)

// wellKnownBaseURLs maps OpenAI-compatible provider ids to their endpoints,
// used when no explicit BaseURL is configured.
var wellKnownBaseURLs = map[string]string{
	"deepseek":    "https://api.deepseek.com",
	"siliconflow": "https://api.siliconflow.cn/v1",
	"openrouter":  "https://openrouter.ai/api/v1",
	"ollama":      "http://localhost:11434/v1",
}

// openaiGenerator speaks the OpenAI chat completion protocol. DeepSeek,
// SiliconFlow, OpenRouter, and Ollama all share this wire format.
type openaiGenerator struct {
	client       *openai.Client
	providerName string
	modelName    string
	maxTokens    int
	temperature  float32
}

func newOpenAIGenerator(cfg Config) (*openaiGenerator, error) {
	if cfg.APIKey == "" && cfg.Provider != "ollama" {
		return nil, errors.Errorf("provider %s requires an API key", cfg.Provider)
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	switch {
	case cfg.BaseURL != "":
		clientConfig.BaseURL = cfg.BaseURL
	case wellKnownBaseURLs[cfg.Provider] != "":
		clientConfig.BaseURL = wellKnownBaseURLs[cfg.Provider]
	}
	clientConfig.HTTPClient = newHTTPClient(time.Duration(cfg.Timeout) * time.Second)

	return &openaiGenerator{
		client:       openai.NewClientWithConfig(clientConfig),
		providerName: cfg.Provider,
		modelName:    cfg.Model,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
	}, nil
}

func (g *openaiGenerator) name() string  { return g.providerName }
func (g *openaiGenerator) model() string { return g.modelName }

func (g *openaiGenerator) generate(ctx context.Context, messages []Message) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:       g.modelName,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
		Messages:    convertMessages(messages),
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in completion response")
	}

	return &Response{
		Text: resp.Choices[0].Message.Content,
		Raw:  resp,
		Stats: Stats{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	converted := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		}
		converted[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return converted
}
