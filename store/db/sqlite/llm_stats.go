package sqlite

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/aviary-ai/aviary/store"
)

func (d *DB) SaveLLMCall(ctx context.Context, call *store.LLMCallStat) error {
	if call.Provider == "" {
		return errors.New("provider required")
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}
	success := 0
	if call.Success {
		success = 1
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO llm_call (provider, model, prompt_tokens, completion_tokens, duration_ms, success, error_code, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		call.Provider, call.Model, call.PromptTokens, call.CompletionTokens,
		call.DurationMS, success, call.ErrorCode, call.CreatedAt.UnixMilli(),
	)
	return errors.Wrap(err, "failed to insert llm call")
}

func (d *DB) UsageSummary(ctx context.Context, since time.Time) (*store.UsageSummary, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT provider, model,
			COUNT(*),
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM llm_call
		WHERE created_ts >= ?
		GROUP BY provider, model
		ORDER BY COUNT(*) DESC`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate llm calls")
	}
	defer rows.Close()

	summary := &store.UsageSummary{Since: since}
	for rows.Next() {
		var usage store.ProviderUsage
		var avgDuration float64
		if err := rows.Scan(&usage.Provider, &usage.Model, &usage.Calls, &usage.Errors,
			&usage.PromptTokens, &usage.CompletionTokens, &avgDuration); err != nil {
			return nil, errors.Wrap(err, "failed to scan llm usage")
		}
		usage.AvgDurationMS = int64(avgDuration)
		summary.ByProvider = append(summary.ByProvider, usage)
		summary.TotalCalls += usage.Calls
		summary.TotalErrors += usage.Errors
		summary.PromptTokens += usage.PromptTokens
		summary.CompletionTokens += usage.CompletionTokens
	}
	return summary, rows.Err()
}
