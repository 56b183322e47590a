package store

import (
	"context"
	"time"
)

// NoopDriver discards writes and serves empty reads. It backs the store when
// the database cannot be opened, keeping transcript persistence best-effort.
type NoopDriver struct{}

func NewNoopDriver() *NoopDriver { return &NoopDriver{} }

func (NoopDriver) SaveTranscript(_ context.Context, entry *TranscriptEntry) (*TranscriptEntry, error) {
	return entry, nil
}

func (NoopDriver) ListTranscript(context.Context, *FindTranscript) ([]*TranscriptEntry, error) {
	return nil, nil
}

func (NoopDriver) DeleteTranscript(context.Context, string) (int64, error) {
	return 0, nil
}

func (NoopDriver) SaveLLMCall(context.Context, *LLMCallStat) error {
	return nil
}

func (NoopDriver) UsageSummary(_ context.Context, since time.Time) (*UsageSummary, error) {
	return &UsageSummary{Since: since}, nil
}

func (NoopDriver) Close() error { return nil }
