// Package store persists conversation transcripts and LLM call statistics.
// Persistence is best-effort: the rest of the system keeps working when the
// database is unavailable, it only loses history and usage reporting.
package store

import (
	"context"
	"time"
)

// Driver is the database access layer behind Store.
type Driver interface {
	SaveTranscript(ctx context.Context, entry *TranscriptEntry) (*TranscriptEntry, error)
	ListTranscript(ctx context.Context, find *FindTranscript) ([]*TranscriptEntry, error)
	DeleteTranscript(ctx context.Context, sessionKey string) (int64, error)

	SaveLLMCall(ctx context.Context, call *LLMCallStat) error
	UsageSummary(ctx context.Context, since time.Time) (*UsageSummary, error)

	Close() error
}

// Store provides database access to transcripts and usage statistics.
type Store struct {
	driver Driver
}

// New creates a new instance of Store.
func New(driver Driver) *Store {
	return &Store{driver: driver}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) SaveTranscript(ctx context.Context, entry *TranscriptEntry) (*TranscriptEntry, error) {
	return s.driver.SaveTranscript(ctx, entry)
}

func (s *Store) ListTranscript(ctx context.Context, find *FindTranscript) ([]*TranscriptEntry, error) {
	return s.driver.ListTranscript(ctx, find)
}

func (s *Store) DeleteTranscript(ctx context.Context, sessionKey string) (int64, error) {
	return s.driver.DeleteTranscript(ctx, sessionKey)
}

func (s *Store) SaveLLMCall(ctx context.Context, call *LLMCallStat) error {
	return s.driver.SaveLLMCall(ctx, call)
}

func (s *Store) UsageSummary(ctx context.Context, since time.Time) (*UsageSummary, error) {
	return s.driver.UsageSummary(ctx, since)
}
