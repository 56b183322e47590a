// Package memory implements the hybrid semantic memory engine: an in-memory
// vector store with JSON snapshot persistence, cached embeddings, hybrid
// retrieval (semantic + lexical + recency), LLM-assisted conflict resolution,
// and transactional multi-step updates.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Type is the lifecycle class of a memory vector. It drives retrieval
// weighting and cleanup policy.
type Type string

const (
	TypeShortTerm Type = "shortTerm"
	TypeMidTerm   Type = "midTerm"
	TypeLongTerm  Type = "longTerm"
	TypeProfile   Type = "profile"
	TypePinned    Type = "pinned" // never age-evicted
)

// Source records how a memory entered the store. Explicit memories win
// conflicts against implicit ones.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceImplicit Source = "implicit"
)

// MemoryVector is one stored memory with its embedding and access stats.
type MemoryVector struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Content      string    `json:"content"`
	Embedding    []float32 `json:"embedding"`
	Timestamp    time.Time `json:"timestamp"`
	Importance   float64   `json:"importance"` // clamped to [0,1]
	Type         Type      `json:"type"`
	Source       Source    `json:"source"`
	AccessCount  int       `json:"accessCount"`
	LastAccessed time.Time `json:"lastAccessed"`
	Deprecated   bool      `json:"deprecated,omitempty"`
	// SupersededBy points at the replacement when a conflict deprecated
	// this vector.
	SupersededBy string `json:"supersededBy,omitempty"`
}

// Clone returns a deep copy, used for transaction snapshots.
func (v *MemoryVector) Clone() *MemoryVector {
	clone := *v
	clone.Embedding = make([]float32, len(v.Embedding))
	copy(clone.Embedding, v.Embedding)
	return &clone
}

// Metadata accompanies AddMemory and classifies the new vector.
type Metadata struct {
	UserID string
	Type   Type
	Source Source
}

func (m *Metadata) applyDefaults() {
	if m.Type == "" {
		m.Type = TypeShortTerm
	}
	if m.Source == "" {
		m.Source = SourceImplicit
	}
}

// ClampImportance forces importance into [0,1].
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NewVectorID derives a stable, collision-resistant id from the owner and
// content plus a timestamp discriminator: mem_<hash16>_<unixnano>. Nanosecond
// resolution keeps repeated identical content from colliding.
func NewVectorID(userID, content string, ts time.Time) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + content))
	return fmt.Sprintf("mem_%s_%d", hex.EncodeToString(sum[:8]), ts.UnixNano())
}

// hashUserID buckets persisted snapshots per user without leaking raw ids
// into directory names.
func hashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:8])
}
