// Package telegram implements the Telegram channel adapter over the Bot API
// with long polling.
package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"

	"github.com/aviary-ai/aviary/ai/observability/logging"
	"github.com/aviary-ai/aviary/plugin/chat_apps"
	"github.com/aviary-ai/aviary/plugin/chat_apps/channels"
)

const (
	// maxMessageLen is Telegram's hard limit per message.
	maxMessageLen = 4096
	pollTimeout   = 30 // seconds, long-poll request duration
)

// Config holds the Telegram adapter configuration.
type Config struct {
	BotToken string
	// AllowedChats restricts which chat ids the adapter listens to.
	// Empty means all.
	AllowedChats []string
	// HistorySize bounds the per-chat rolling history. Default 100.
	HistorySize int
}

// Channel is the Telegram ChatChannel implementation.
type Channel struct {
	bot     *tgbotapi.BotAPI
	cfg     Config
	history *channels.History
	allowed map[string]struct{}

	mu      sync.Mutex
	handler channels.MessageHandler

	cancel context.CancelFunc
	doneWg sync.WaitGroup
}

// New connects the bot and starts long polling after OnMessage is set via
// Start.
func New(cfg Config) (*Channel, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, errors.Wrap(err, "create telegram bot")
	}

	var allowed map[string]struct{}
	if len(cfg.AllowedChats) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedChats))
		for _, id := range cfg.AllowedChats {
			allowed[strings.TrimSpace(id)] = struct{}{}
		}
	}

	return &Channel{
		bot:     bot,
		cfg:     cfg,
		history: channels.NewHistory(cfg.HistorySize),
		allowed: allowed,
	}, nil
}

func (c *Channel) Name() string { return "telegram" }

// OnMessage registers the incoming handler.
func (c *Channel) OnMessage(handler channels.MessageHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Start begins long polling. Incoming messages run the registered handler,
// one goroutine per message.
func (c *Channel) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = pollTimeout
	updates := c.bot.GetUpdatesChan(updateCfg)

	c.doneWg.Add(1)
	go func() {
		defer c.doneWg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				c.handleUpdate(ctx, update)
			}
		}
	}()
}

func (c *Channel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	tgMsg := update.Message
	if tgMsg == nil {
		tgMsg = update.EditedMessage
	}
	if tgMsg == nil || tgMsg.Text == "" || tgMsg.From == nil {
		return
	}

	chatID := strconv.FormatInt(tgMsg.Chat.ID, 10)
	if c.allowed != nil {
		if _, ok := c.allowed[chatID]; !ok {
			return
		}
	}

	author := tgMsg.From.UserName
	if author == "" {
		author = strings.TrimSpace(tgMsg.From.FirstName + " " + tgMsg.From.LastName)
	}
	incoming := &chat_apps.IncomingMessage{
		ChannelID: chatID,
		UserID:    strconv.FormatInt(tgMsg.From.ID, 10),
		Author:    author,
		Content:   tgMsg.Text,
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"update_id": strconv.Itoa(update.UpdateID),
		},
	}
	c.history.Append(chatID, chat_apps.ConversationMessage{
		Author:    author,
		Content:   tgMsg.Text,
		Timestamp: incoming.Timestamp,
	})

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		logging.FromContext(ctx).Warn("telegram message dropped, no handler registered",
			"chat_id", chatID)
		return
	}
	go handler(ctx, incoming)
}

// SendMessage delivers one reply, splitting content over the platform
// message limit.
func (c *Channel) SendMessage(ctx context.Context, msg *chat_apps.OutgoingMessage) error {
	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid telegram chat id %q", msg.ChannelID)
	}

	author := msg.Meta(chat_apps.MetaSource)
	for _, part := range splitMessage(msg.Content, maxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := tgbotapi.NewMessage(chatID, part)
		if _, err := c.bot.Send(out); err != nil {
			return errors.Wrap(err, "telegram send")
		}
	}

	c.history.Append(msg.ChannelID, chat_apps.ConversationMessage{
		Author:    author,
		IsBot:     true,
		Content:   msg.Content,
		Timestamp: time.Now(),
	})
	return nil
}

// SendChunked accumulates streamed chunks and flushes platform-sized
// messages as the limit is reached, then sends the remainder.
func (c *Channel) SendChunked(ctx context.Context, channelID string, chunks <-chan string) error {
	var buf strings.Builder
	flush := func() error {
		if buf.Len() == 0 {
			return nil
		}
		err := c.SendMessage(ctx, &chat_apps.OutgoingMessage{
			ChannelID: channelID,
			Content:   buf.String(),
		})
		buf.Reset()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return flush()
			}
			if buf.Len()+len(chunk) > maxMessageLen {
				if err := flush(); err != nil {
					return err
				}
			}
			buf.WriteString(chunk)
		}
	}
}

// FetchHistory returns the rolling buffer for a chat, oldest first.
func (c *Channel) FetchHistory(channelID string, limit int) []chat_apps.ConversationMessage {
	return c.history.Last(channelID, limit)
}

// Close stops long polling.
func (c *Channel) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.bot.StopReceivingUpdates()
	c.doneWg.Wait()
	return nil
}

// splitMessage cuts content into limit-sized parts, preferring newline
// boundaries.
func splitMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}
	var parts []string
	for len(content) > limit {
		cut := strings.LastIndexByte(content[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		parts = append(parts, content[:cut])
		content = strings.TrimLeft(content[cut:], "\n")
	}
	if content != "" {
		parts = append(parts, content)
	}
	return parts
}
