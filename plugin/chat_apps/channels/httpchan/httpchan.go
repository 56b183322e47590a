// Package httpchan implements the in-process channel adapter backing the
// gateway's /chat and /ws endpoints. Replies are delivered to the waiter
// that asked and broadcast to WebSocket subscribers, ordered by completion.
package httpchan

import (
	"context"
	"sync"
	"time"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/plugin/chat_apps"
	"github.com/aviary-ai/aviary/plugin/chat_apps/channels"
)

// Config tunes the HTTP channel.
type Config struct {
	// HistorySize bounds the per-channel rolling history. Default 100.
	HistorySize int
	// SubscriberBuffer is the per-subscriber queue; a slow subscriber
	// past this bound loses messages rather than blocking bots. Default 32.
	SubscriberBuffer int
}

// Channel is the HTTP/WS ChatChannel implementation.
type Channel struct {
	cfg     Config
	history *channels.History

	mu          sync.Mutex
	handler     channels.MessageHandler
	waiters     map[string][]chan *chat_apps.OutgoingMessage
	subscribers map[string]map[int]chan *chat_apps.OutgoingMessage
	nextSubID   int
	closed      bool
}

// New creates the channel adapter.
func New(cfg Config) *Channel {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 32
	}
	return &Channel{
		cfg:         cfg,
		history:     channels.NewHistory(cfg.HistorySize),
		waiters:     make(map[string][]chan *chat_apps.OutgoingMessage),
		subscribers: make(map[string]map[int]chan *chat_apps.OutgoingMessage),
	}
}

func (c *Channel) Name() string { return "http" }

// OnMessage registers the incoming handler.
func (c *Channel) OnMessage(handler channels.MessageHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Ask submits a user message and blocks until the first bot reply for the
// channel lands or ctx expires. The waiter is registered before the handler
// runs, so a fast reply cannot be missed.
func (c *Channel) Ask(ctx context.Context, msg *chat_apps.IncomingMessage) (*chat_apps.OutgoingMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, aierrors.New(aierrors.OperationCancelled, "channel is closed")
	}
	handler := c.handler
	waiter := make(chan *chat_apps.OutgoingMessage, 1)
	c.waiters[msg.ChannelID] = append(c.waiters[msg.ChannelID], waiter)
	c.mu.Unlock()

	if handler == nil {
		c.removeWaiter(msg.ChannelID, waiter)
		return nil, aierrors.New(aierrors.SystemInternal, "no message handler registered")
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.history.Append(msg.ChannelID, chat_apps.ConversationMessage{
		Author:    msg.Author,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	handler(ctx, msg)

	select {
	case reply := <-waiter:
		return reply, nil
	case <-ctx.Done():
		c.removeWaiter(msg.ChannelID, waiter)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, aierrors.New(aierrors.ProviderTimeout, "timed out waiting for a reply")
		}
		return nil, aierrors.Wrap(ctx.Err(), aierrors.OperationCancelled, "request cancelled")
	}
}

// Inject submits a user message without waiting for a reply; WS clients
// observe replies through their subscription.
func (c *Channel) Inject(ctx context.Context, msg *chat_apps.IncomingMessage) error {
	c.mu.Lock()
	handler := c.handler
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return aierrors.New(aierrors.OperationCancelled, "channel is closed")
	}
	if handler == nil {
		return aierrors.New(aierrors.SystemInternal, "no message handler registered")
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.history.Append(msg.ChannelID, chat_apps.ConversationMessage{
		Author:    msg.Author,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	handler(ctx, msg)
	return nil
}

// SendMessage delivers a bot reply: first registered waiter wins, every
// subscriber gets a copy.
func (c *Channel) SendMessage(_ context.Context, msg *chat_apps.OutgoingMessage) error {
	c.history.Append(msg.ChannelID, chat_apps.ConversationMessage{
		Author:    msg.Meta(chat_apps.MetaSource),
		IsBot:     true,
		Content:   msg.Content,
		Timestamp: time.Now(),
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if queue := c.waiters[msg.ChannelID]; len(queue) > 0 {
		waiter := queue[0]
		c.waiters[msg.ChannelID] = queue[1:]
		waiter <- msg
	}
	for _, sub := range c.subscribers[msg.ChannelID] {
		select {
		case sub <- msg:
		default: // slow subscriber, drop instead of blocking the bot
		}
	}
	return nil
}

// SendChunked joins streamed chunks into a single reply; HTTP waiters need
// one complete message.
func (c *Channel) SendChunked(ctx context.Context, channelID string, chunks <-chan string) error {
	var content string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return c.SendMessage(ctx, &chat_apps.OutgoingMessage{
					ChannelID: channelID,
					Content:   content,
				})
			}
			content += chunk
		}
	}
}

// Subscribe attaches a listener for a channel's replies. The returned
// cancel detaches it.
func (c *Channel) Subscribe(channelID string) (<-chan *chat_apps.OutgoingMessage, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := make(chan *chat_apps.OutgoingMessage, c.cfg.SubscriberBuffer)
	subs, ok := c.subscribers[channelID]
	if !ok {
		subs = make(map[int]chan *chat_apps.OutgoingMessage)
		c.subscribers[channelID] = subs
	}
	id := c.nextSubID
	c.nextSubID++
	subs[id] = sub

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if subs, ok := c.subscribers[channelID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(c.subscribers, channelID)
			}
		}
	}
	return sub, cancel
}

// FetchHistory returns the rolling buffer for a channel, oldest first.
func (c *Channel) FetchHistory(channelID string, limit int) []chat_apps.ConversationMessage {
	return c.history.Last(channelID, limit)
}

// Reset drops a channel's history and pending waiters.
func (c *Channel) Reset(channelID string) {
	c.history.Reset(channelID)
	c.mu.Lock()
	delete(c.waiters, channelID)
	c.mu.Unlock()
}

// Close rejects future asks and detaches all subscribers.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.waiters = make(map[string][]chan *chat_apps.OutgoingMessage)
	for _, subs := range c.subscribers {
		for _, sub := range subs {
			close(sub)
		}
	}
	c.subscribers = make(map[string]map[int]chan *chat_apps.OutgoingMessage)
	return nil
}

func (c *Channel) removeWaiter(channelID string, waiter chan *chat_apps.OutgoingMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.waiters[channelID]
	for i, w := range queue {
		if w == waiter {
			c.waiters[channelID] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}
