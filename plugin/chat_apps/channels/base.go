// Package channels provides the ChatChannel adapter interface and the
// shared rolling history buffer adapters build on.
package channels

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/aviary-ai/aviary/plugin/chat_apps"
)

// ErrInvalidPayload signals an unparseable platform payload.
var ErrInvalidPayload = errors.New("invalid message payload")

// MessageHandler consumes an incoming user message. Adapters call it once
// per received message; the orchestrator supplies the implementation.
type MessageHandler func(ctx context.Context, msg *chat_apps.IncomingMessage)

// ChatChannel is the contract every conversation surface implements.
type ChatChannel interface {
	// Name returns the adapter identifier ("telegram", "http", ...).
	Name() string

	// SendMessage delivers one bot reply to its channel.
	SendMessage(ctx context.Context, msg *chat_apps.OutgoingMessage) error

	// SendChunked streams reply chunks, flushing platform-sized messages.
	SendChunked(ctx context.Context, channelID string, chunks <-chan string) error

	// FetchHistory returns up to limit most recent messages of a channel,
	// oldest first.
	FetchHistory(channelID string, limit int) []chat_apps.ConversationMessage

	// OnMessage registers the handler for incoming messages. Must be
	// called before the adapter starts receiving.
	OnMessage(handler MessageHandler)

	// Close stops receiving and releases resources.
	Close() error
}

// History is a bounded per-channel message buffer. Appends past capacity
// drop the oldest entry; a channel reset discards its history.
type History struct {
	mu       sync.RWMutex
	capacity int
	byChan   map[string][]chat_apps.ConversationMessage
}

// NewHistory creates a buffer keeping up to capacity messages per channel.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 100
	}
	return &History{
		capacity: capacity,
		byChan:   make(map[string][]chat_apps.ConversationMessage),
	}
}

// Append records a message in a channel's history.
func (h *History) Append(channelID string, msg chat_apps.ConversationMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := append(h.byChan[channelID], msg)
	if len(buf) > h.capacity {
		buf = buf[len(buf)-h.capacity:]
	}
	h.byChan[channelID] = buf
}

// Last returns up to limit most recent messages, oldest first.
func (h *History) Last(channelID string, limit int) []chat_apps.ConversationMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	buf := h.byChan[channelID]
	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	out := make([]chat_apps.ConversationMessage, len(buf))
	copy(out, buf)
	return out
}

// Reset discards one channel's history.
func (h *History) Reset(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byChan, channelID)
}

// Channels lists the channel ids with recorded history.
func (h *History) Channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.byChan))
	for id := range h.byChan {
		ids = append(ids, id)
	}
	return ids
}
