// Package chat_apps defines the message shapes shared by every chat channel
// adapter. A channel is a conversation surface (a Telegram chat, an HTTP/WS
// session); adapters translate between the platform wire format and these
// types.
package chat_apps

import "time"

// Metadata keys attached to outgoing messages.
const (
	MetaSource     = "source"     // which bot produced the reply
	MetaSkillName  = "skillName"  // skill that served the request, if any
	MetaConfidence = "confidence" // routing confidence, formatted float
	MetaTraceID    = "traceId"
)

// ConversationMessage is one entry of a channel's rolling history.
type ConversationMessage struct {
	Author    string    `json:"author"`
	IsBot     bool      `json:"isBot"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// IncomingMessage is a user message received by a channel adapter.
type IncomingMessage struct {
	ChannelID string            // adapter-scoped conversation id
	UserID    string            // platform user id
	Author    string            // display name
	Content   string
	Timestamp time.Time
	Metadata  map[string]string
}

// OutgoingMessage is a bot reply handed to a channel adapter for delivery.
type OutgoingMessage struct {
	ChannelID string
	Content   string
	Metadata  map[string]string
}

// Meta returns a metadata value, "" when unset.
func (m *OutgoingMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// WithMeta sets a metadata value, allocating the map on first use.
func (m *OutgoingMessage) WithMeta(key, value string) *OutgoingMessage {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
	return m
}
