package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aviary-ai/aviary/ai/core/llm"
	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/internal/strutil"
	"github.com/aviary-ai/aviary/ai/observability/logging"
	"github.com/aviary-ai/aviary/plugin/chat_apps"
	"github.com/aviary-ai/aviary/plugin/chat_apps/channels"
)

// topicSummaryLen is how much of the newest user message names the topic.
const topicSummaryLen = 200

// observationTask is a pending delayed observation for one (bot,channel).
type observationTask struct {
	timer *time.Timer
}

func (t *observationTask) stop() {
	t.timer.Stop()
}

// scheduleObservation arms a timer for an aiDecide bot. At most one task
// exists per (bot,channel); a newer user question does NOT reset a pending
// task, which completes on its original schedule over the accumulated
// history.
func (o *Orchestrator) scheduleObservation(bot *Bot, ch channels.ChatChannel, channelID string) {
	key := queueKey{bot: bot.Role.Name, channel: channelID}

	o.mu.Lock()
	if _, exists := o.observations[key]; exists {
		o.mu.Unlock()
		return
	}
	task := &observationTask{}
	task.timer = time.AfterFunc(bot.delay, func() {
		o.mu.Lock()
		delete(o.observations, key)
		// The queued entries only buffered context; the history window is
		// the source of truth for the observation itself.
		delete(o.queues, key)
		o.mu.Unlock()

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := bot.sem.Acquire(o.baseCtx, 1); err != nil {
				return
			}
			defer bot.sem.Release(1)
			o.observe(bot, ch, channelID)
		}()
	})
	o.observations[key] = task
	o.mu.Unlock()
}

// observe runs one observation: topic check, participation decision, reply.
// Provider failures in the check or decision abort silently; only a failed
// final reply surfaces to the channel.
func (o *Orchestrator) observe(bot *Bot, ch channels.ChatChannel, channelID string) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.ReplyTimeout)
	defer cancel()
	logger := logging.FromContext(ctx).WithFields(map[string]any{
		"bot":     bot.Role.Name,
		"channel": channelID,
	})
	ctx = logging.ToContext(ctx, logger)

	history := ch.FetchHistory(channelID, bot.Role.MaxObservationMessages)
	topic := topicSummary(history)
	if topic == "" {
		o.recordObservation(bot, "empty")
		return
	}

	changed, err := o.topicChanged(ctx, bot, channelID, topic)
	if err != nil {
		logger.Warn("topic check failed, aborting observation", "error", err)
		o.recordObservation(bot, "error")
		return
	}
	if !changed {
		logger.Debug("topic unchanged since last participation")
		o.recordObservation(bot, "same_topic")
		return
	}

	participate, reason := o.decideParticipation(ctx, bot, history)
	if !participate {
		logger.Debug("declining to participate", "reason", reason)
		o.recordObservation(bot, "declined")
		return
	}

	text, err := o.observationReply(ctx, bot, history)
	out := &chat_apps.OutgoingMessage{ChannelID: channelID}
	out.WithMeta(chat_apps.MetaSource, bot.Role.Name)
	if err != nil {
		logger.Error("observation reply failed", "error", err)
		out.Content = aierrors.From(err).FriendlyMessage()
		o.deliver(ctx, bot, ch, out, "error")
		o.recordObservation(bot, "error")
		return
	}
	out.Content = text
	o.deliver(ctx, bot, ch, out, "observation")
	o.participation.set(bot.Role.Name, channelID, topic)
	o.recordObservation(bot, "participated")
}

// topicChanged compares the current topic against the bot's last
// participation. No or expired record means changed; an unclear provider
// verdict means unchanged, which aborts the observation.
func (o *Orchestrator) topicChanged(ctx context.Context, bot *Bot, channelID, topic string) (bool, error) {
	record, ok := o.participation.get(bot.Role.Name, channelID)
	if !ok {
		return true, nil
	}

	res := o.provider.Generate(ctx, []llm.Message{
		llm.SystemPrompt("You compare two conversation topics. Answer with exactly one word: " +
			"YES if they are different topics, NO if they are the same topic."),
		llm.UserMessage(fmt.Sprintf("Earlier topic: %s\nCurrent topic: %s\nDifferent?", record.Topic, topic)),
	})
	if !res.IsOk() {
		return false, res.Failure()
	}
	verdict, ok := parseYesNo(res.Value().Text)
	if !ok {
		return false, nil
	}
	return verdict, nil
}

type participationDecision struct {
	ShouldParticipate bool   `json:"shouldParticipate"`
	Reason            string `json:"reason"`
}

// decideParticipation asks the provider for a JSON verdict. Any failure or
// unparseable answer means no participation.
func (o *Orchestrator) decideParticipation(ctx context.Context, bot *Bot, history []chat_apps.ConversationMessage) (bool, string) {
	prompt := bot.Role.DecisionPrompt
	if prompt == "" {
		prompt = fmt.Sprintf("You are %s: %s\nDecide whether you would add real value by joining "+
			"the conversation below. Respond with JSON only: "+
			"{\"shouldParticipate\": true|false, \"reason\": \"...\"}.",
			bot.Role.Name, bot.Role.Description)
	}

	res := o.provider.Generate(ctx, []llm.Message{
		llm.SystemPrompt(prompt),
		llm.UserMessage(renderHistory(history)),
	})
	if !res.IsOk() {
		return false, res.Failure().Error()
	}

	var decision participationDecision
	if !llm.DecodeJSON(res.Value().Text, &decision) {
		return false, "unparseable decision payload"
	}
	return decision.ShouldParticipate, decision.Reason
}

// observationReply generates the bot's contribution over the full window.
func (o *Orchestrator) observationReply(ctx context.Context, bot *Bot, history []chat_apps.ConversationMessage) (string, error) {
	system := fmt.Sprintf("You are %s. %s\nYou have been following this conversation and decided "+
		"to contribute. Reply in your own voice; do not repeat what other bots already said.",
		bot.Role.Name, bot.Role.Description)

	res := o.provider.Generate(ctx, []llm.Message{
		llm.SystemPrompt(system),
		llm.UserMessage(renderHistory(history)),
	})
	if !res.IsOk() {
		return "", res.Failure()
	}
	return res.Value().Text, nil
}

func (o *Orchestrator) recordObservation(bot *Bot, state string) {
	if o.exporter != nil {
		o.exporter.RecordObservation(bot.Role.Name, state)
	}
}

// topicSummary is the first topicSummaryLen characters of the newest user
// message in the window.
func topicSummary(history []chat_apps.ConversationMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].IsBot && strings.TrimSpace(history[i].Content) != "" {
			return strutil.Truncate(history[i].Content, topicSummaryLen)
		}
	}
	return ""
}

// parseYesNo extracts a leading YES/NO verdict from a provider answer.
func parseYesNo(text string) (verdict, ok bool) {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(text)))
	if len(fields) == 0 {
		return false, false
	}
	switch strings.Trim(fields[0], ".,!:") {
	case "YES":
		return true, true
	case "NO":
		return false, true
	default:
		return false, false
	}
}
