package store

import "time"

// LLMCallStat records one provider round trip for usage accounting.
type LLMCallStat struct {
	ID               int64
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	DurationMS       int64
	Success          bool
	ErrorCode        string // empty on success
	CreatedAt        time.Time
}

// ProviderUsage aggregates calls per provider/model pair.
type ProviderUsage struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Calls            int64  `json:"calls"`
	Errors           int64  `json:"errors"`
	PromptTokens     int64  `json:"promptTokens"`
	CompletionTokens int64  `json:"completionTokens"`
	AvgDurationMS    int64  `json:"avgDurationMs"`
}

// UsageSummary is the rollup served on the admin stats surface.
type UsageSummary struct {
	Since            time.Time       `json:"since"`
	TotalCalls       int64           `json:"totalCalls"`
	TotalErrors      int64           `json:"totalErrors"`
	PromptTokens     int64           `json:"promptTokens"`
	CompletionTokens int64           `json:"completionTokens"`
	ByProvider       []ProviderUsage `json:"byProvider"`
}
