package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aviary-ai/aviary/ai/core/llm"
	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/memory"
	"github.com/aviary-ai/aviary/ai/metrics"
	"github.com/aviary-ai/aviary/ai/observability/logging"
	"github.com/aviary-ai/aviary/ai/routing"
	"github.com/aviary-ai/aviary/plugin/chat_apps"
	"github.com/aviary-ai/aviary/plugin/chat_apps/channels"
)

// Config tunes the orchestrator. Zero values take the defaults.
type Config struct {
	QueueSize           int           // per-(bot,channel) bound, default 100
	QueueEntryTTL       time.Duration // stale-entry GC age, default 5m
	WorkerLimit         int64         // per-bot concurrency cap, default 5
	ParticipationMaxAge time.Duration // participation record expiry, default 1h
	ReplyTimeout        time.Duration // per-reply budget, default 60s
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.QueueEntryTTL <= 0 {
		c.QueueEntryTTL = 5 * time.Minute
	}
	if c.WorkerLimit <= 0 {
		c.WorkerLimit = 5
	}
	if c.ParticipationMaxAge <= 0 {
		c.ParticipationMaxAge = time.Hour
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 60 * time.Second
	}
}

// Bot is one configured persona with its resolved observation delay.
type Bot struct {
	Role  RoleConfig
	delay time.Duration
	sem   *semaphore.Weighted
}

// Delay returns the resolved observation delay.
func (b *Bot) Delay() time.Duration { return b.delay }

type queueKey struct {
	bot     string
	channel string
}

type queueEntry struct {
	msg        *chat_apps.IncomingMessage
	ch         channels.ChatChannel
	enqueuedAt time.Time
}

// Orchestrator fans user messages out to its bots. Lead bots
// (alwaysOnUserQuestion) answer immediately through the intent router;
// aiDecide bots schedule a delayed observation of the channel.
type Orchestrator struct {
	cfg      Config
	provider llm.Provider
	router   *routing.Router
	registry *routing.Registry
	store    *memory.Store // optional
	exporter *metrics.Exporter

	mu           sync.Mutex
	bots         []*Bot
	queues       map[queueKey][]queueEntry
	observations map[queueKey]*observationTask

	participation *participationTable

	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

// New builds an orchestrator. store and exporter may be nil.
func New(cfg Config, provider llm.Provider, router *routing.Router, registry *routing.Registry, store *memory.Store, exporter *metrics.Exporter) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:           cfg,
		provider:      provider,
		router:        router,
		registry:      registry,
		store:         store,
		exporter:      exporter,
		queues:        make(map[queueKey][]queueEntry),
		observations:  make(map[queueKey]*observationTask),
		participation: newParticipationTable(cfg.ParticipationMaxAge),
	}
}

// AddBot registers a persona. Must be called before Start.
func (o *Orchestrator) AddBot(role RoleConfig) error {
	role.applyDefaults()
	if err := role.validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return aierrors.New(aierrors.SystemInternal, "cannot add bots after start")
	}
	o.bots = append(o.bots, &Bot{
		Role: role,
		sem:  semaphore.NewWeighted(o.cfg.WorkerLimit),
	})
	return nil
}

// Bots returns the registered bots.
func (o *Orchestrator) Bots() []*Bot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Bot, len(o.bots))
	copy(out, o.bots)
	return out
}

// Start resolves observation delays and accepts messages from now on.
// Delay resolution happens once; the values hold for the process lifetime.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	if len(o.bots) == 0 {
		o.mu.Unlock()
		return aierrors.New(aierrors.ConfigInvalid, "orchestrator has no bots")
	}
	bots := make([]*Bot, len(o.bots))
	copy(bots, o.bots)
	o.baseCtx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.started = true
	o.mu.Unlock()

	for _, bot := range bots {
		if bot.Role.Strategy == StrategyAIDecide {
			bot.delay = resolveDelay(ctx, o.provider, bot.Role)
			logging.FromContext(ctx).Info("observation delay resolved",
				"bot", bot.Role.Name, "delay", bot.delay)
		}
	}
	return nil
}

// Attach subscribes the orchestrator to a channel adapter.
func (o *Orchestrator) Attach(ch channels.ChatChannel) {
	ch.OnMessage(func(ctx context.Context, msg *chat_apps.IncomingMessage) {
		_ = o.OnMessage(ctx, ch, msg)
	})
}

// OnMessage enqueues a user message for every bot. The returned error
// reflects the lead bots only: BACKPRESSURE_QUEUE_FULL when their queue
// rejected the message (an apology is sent through the adapter).
func (o *Orchestrator) OnMessage(ctx context.Context, ch channels.ChatChannel, msg *chat_apps.IncomingMessage) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return aierrors.New(aierrors.SystemInternal, "orchestrator not started")
	}
	bots := make([]*Bot, len(o.bots))
	copy(bots, o.bots)
	o.mu.Unlock()

	var leadErr error
	for _, bot := range bots {
		err := o.enqueue(bot, ch, msg)
		if err == nil {
			continue
		}
		if bot.Role.Strategy == StrategyAlwaysOnUserQuestion {
			leadErr = err
			o.apologize(ctx, bot, ch, msg.ChannelID, err)
		}
	}
	return leadErr
}

// enqueue admits one message into a (bot,channel) queue, garbage-collecting
// stale entries first, then dispatches per the bot's strategy.
func (o *Orchestrator) enqueue(bot *Bot, ch channels.ChatChannel, msg *chat_apps.IncomingMessage) error {
	key := queueKey{bot: bot.Role.Name, channel: msg.ChannelID}
	now := time.Now()

	o.mu.Lock()
	queue := o.queues[key]
	kept := queue[:0]
	for _, entry := range queue {
		if now.Sub(entry.enqueuedAt) <= o.cfg.QueueEntryTTL {
			kept = append(kept, entry)
		} else if o.exporter != nil {
			o.exporter.RecordQueueDrop(bot.Role.Name, key.channel)
		}
	}
	if len(kept) >= o.cfg.QueueSize {
		o.queues[key] = kept
		o.mu.Unlock()
		if o.exporter != nil {
			o.exporter.RecordQueueDrop(bot.Role.Name, key.channel)
		}
		return aierrors.Newf(aierrors.BackpressureQueueFull,
			"queue for bot %q channel %q is full", bot.Role.Name, msg.ChannelID)
	}
	kept = append(kept, queueEntry{msg: msg, ch: ch, enqueuedAt: now})
	o.queues[key] = kept
	depth := len(kept)
	o.mu.Unlock()

	if o.exporter != nil {
		o.exporter.SetQueueDepth(bot.Role.Name, key.channel, depth)
	}

	switch bot.Role.Strategy {
	case StrategyAlwaysOnUserQuestion:
		o.wg.Add(1)
		go o.drainOne(bot, key)
	case StrategyAIDecide:
		o.scheduleObservation(bot, ch, msg.ChannelID)
	}
	return nil
}

// drainOne processes the oldest live entry of a queue under the bot's
// worker cap.
func (o *Orchestrator) drainOne(bot *Bot, key queueKey) {
	defer o.wg.Done()

	if err := bot.sem.Acquire(o.baseCtx, 1); err != nil {
		return
	}
	defer bot.sem.Release(1)

	now := time.Now()
	o.mu.Lock()
	queue := o.queues[key]
	var entry *queueEntry
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		if now.Sub(head.enqueuedAt) <= o.cfg.QueueEntryTTL {
			entry = &head
			break
		}
		if o.exporter != nil {
			o.exporter.RecordQueueDrop(bot.Role.Name, key.channel)
		}
	}
	o.queues[key] = queue
	o.mu.Unlock()

	if entry == nil {
		return
	}
	o.answerQuestion(bot, entry)
}

// answerQuestion runs the full lead-bot path: route, execute or generate,
// deliver. Failures turn into a pre-authored user-facing message.
func (o *Orchestrator) answerQuestion(bot *Bot, entry *queueEntry) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.ReplyTimeout)
	defer cancel()
	logger := logging.FromContext(ctx).WithFields(map[string]any{
		"bot":     bot.Role.Name,
		"channel": entry.msg.ChannelID,
	})
	ctx = logging.ToContext(ctx, logger)

	history := entry.ch.FetchHistory(entry.msg.ChannelID, bot.Role.MaxObservationMessages)
	convContext := renderHistory(history)

	out := &chat_apps.OutgoingMessage{ChannelID: entry.msg.ChannelID}
	out.WithMeta(chat_apps.MetaSource, bot.Role.Name)
	if traceID := entry.msg.Metadata[chat_apps.MetaTraceID]; traceID != "" {
		out.WithMeta(chat_apps.MetaTraceID, traceID)
	}

	res := o.router.Route(ctx, entry.msg.Content, convContext)
	var decision *routing.Decision
	switch {
	case res.IsOk():
		decision = res.Value()
	case res.Failure().Code == aierrors.IntentNoDecision,
		res.Failure().Code == aierrors.IntentLowConfidence:
		// An indecisive router is not user-visible; fall back to a plain
		// model reply.
		decision = &routing.Decision{Action: routing.ActionModelReply}
	default:
		logger.Error("routing failed", "error", res.Failure())
		out.Content = res.Failure().FriendlyMessage()
		o.deliver(ctx, bot, entry.ch, out, "error")
		return
	}

	switch decision.Action {
	case routing.ActionRunSkill:
		output, err := o.registry.Execute(ctx, decision.SkillName, decision.SkillInput)
		if err != nil {
			logger.Error("skill execution failed", "skill", decision.SkillName, "error", err)
			out.Content = aierrors.From(err).FriendlyMessage()
			o.deliver(ctx, bot, entry.ch, out, "error")
			return
		}
		out.Content = output
		out.WithMeta(chat_apps.MetaSkillName, decision.SkillName)
		out.WithMeta(chat_apps.MetaConfidence, fmt.Sprintf("%.2f", decision.Confidence))
		o.deliver(ctx, bot, entry.ch, out, "skill")

	case routing.ActionClarify:
		out.Content = decision.ClarificationText
		o.deliver(ctx, bot, entry.ch, out, "clarify")

	default:
		text, err := o.modelReply(ctx, bot, entry.msg, history)
		if err != nil {
			logger.Error("model reply failed", "error", err)
			out.Content = aierrors.From(err).FriendlyMessage()
			o.deliver(ctx, bot, entry.ch, out, "error")
			return
		}
		out.Content = text
		o.deliver(ctx, bot, entry.ch, out, "model")
	}
}

// modelReply generates a conversational answer in the bot's voice, with the
// user's relevant memories folded into the system prompt.
func (o *Orchestrator) modelReply(ctx context.Context, bot *Bot, msg *chat_apps.IncomingMessage, history []chat_apps.ConversationMessage) (string, error) {
	system := fmt.Sprintf("You are %s. %s\nReply in your own voice, briefly and helpfully.",
		bot.Role.Name, bot.Role.Description)
	if memories := o.memoryContext(ctx, msg.UserID, msg.Content); memories != "" {
		system += "\nWhat you remember about this user:\n" + memories
	}
	if len(history) > 0 {
		system += "\nRecent conversation:\n" + renderHistory(history)
	}

	res := o.provider.Generate(ctx, []llm.Message{
		llm.SystemPrompt(system),
		llm.UserMessage(msg.Content),
	})
	if !res.IsOk() {
		return "", res.Failure()
	}
	return res.Value().Text, nil
}

// memoryContext pulls the most relevant stored memories; failures degrade
// to an empty context.
func (o *Orchestrator) memoryContext(ctx context.Context, userID, query string) string {
	if o.store == nil || userID == "" {
		return ""
	}
	hits, err := o.store.SearchMemories(ctx, memory.SearchQuery{
		UserID: userID,
		Query:  query,
		Limit:  5,
	})
	if err != nil {
		logging.FromContext(ctx).Debug("memory lookup failed", "error", err)
		return ""
	}
	var b strings.Builder
	for _, hit := range hits {
		b.WriteString("- ")
		b.WriteString(hit.Vector.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func (o *Orchestrator) deliver(ctx context.Context, bot *Bot, ch channels.ChatChannel, out *chat_apps.OutgoingMessage, outcome string) {
	if err := ch.SendMessage(ctx, out); err != nil {
		logging.FromContext(ctx).Error("reply delivery failed", "error", err)
		outcome = "delivery_error"
	}
	if o.exporter != nil {
		o.exporter.RecordParticipation(bot.Role.Name, outcome)
	}
}

func (o *Orchestrator) apologize(ctx context.Context, bot *Bot, ch channels.ChatChannel, channelID string, err error) {
	out := &chat_apps.OutgoingMessage{
		ChannelID: channelID,
		Content:   aierrors.From(err).FriendlyMessage(),
	}
	out.WithMeta(chat_apps.MetaSource, bot.Role.Name)
	if sendErr := ch.SendMessage(ctx, out); sendErr != nil {
		logging.FromContext(ctx).Error("backpressure apology failed", "error", sendErr)
	}
}

// Shutdown cancels pending observations, clears participation records, and
// waits for in-flight work until ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.stopOnce.Do(func() {
		o.mu.Lock()
		for key, task := range o.observations {
			task.stop()
			delete(o.observations, key)
		}
		o.queues = make(map[queueKey][]queueEntry)
		o.mu.Unlock()
		o.participation.clear()

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = aierrors.Wrap(ctx.Err(), aierrors.OperationCancelled, "shutdown drain timed out")
		}
		if o.cancel != nil {
			o.cancel()
		}
	})
	return err
}

// Stats reports queue and participation counters for the admin surface.
func (o *Orchestrator) Stats() map[string]any {
	o.mu.Lock()
	queued := 0
	for _, queue := range o.queues {
		queued += len(queue)
	}
	observations := len(o.observations)
	bots := len(o.bots)
	o.mu.Unlock()

	return map[string]any{
		"bots":                 bots,
		"queuedMessages":       queued,
		"pendingObservations":  observations,
		"participationRecords": o.participation.len(),
	}
}

// renderHistory flattens a history window into prompt lines, oldest first.
func renderHistory(history []chat_apps.ConversationMessage) string {
	var b strings.Builder
	for _, msg := range history {
		author := msg.Author
		if author == "" {
			author = "user"
		}
		if msg.IsBot {
			author += " (bot)"
		}
		b.WriteString(author)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}
