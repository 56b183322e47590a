package store

import "time"

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TranscriptEntry is one persisted message of a conversation. SessionKey is
// "<channel adapter>/<channel id>".
type TranscriptEntry struct {
	ID         int64
	SessionKey string
	Role       string // user | assistant
	Author     string // user name or bot persona name
	Content    string
	TraceID    string
	CreatedAt  time.Time
}

// FindTranscript filters transcript listings. Entries come back oldest first.
type FindTranscript struct {
	SessionKey string
	Since      time.Time
	Limit      int // 0 means no limit
	Offset     int
}
