package orchestrator

import (
	"sync"
	"time"
)

// participationKey identifies one bot's presence in one channel.
type participationKey struct {
	bot     string
	channel string
}

// ParticipationRecord remembers the topic a bot last joined on.
type ParticipationRecord struct {
	Topic string
	At    time.Time
}

// participationTable tracks per-(bot,channel) participation with a max age.
// Expired records count as absent and are pruned on read.
type participationTable struct {
	mu     sync.Mutex
	items  map[participationKey]ParticipationRecord
	maxAge time.Duration
}

func newParticipationTable(maxAge time.Duration) *participationTable {
	return &participationTable{
		items:  make(map[participationKey]ParticipationRecord),
		maxAge: maxAge,
	}
}

func (t *participationTable) get(bot, channel string) (ParticipationRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := participationKey{bot: bot, channel: channel}
	rec, ok := t.items[key]
	if !ok {
		return ParticipationRecord{}, false
	}
	if time.Since(rec.At) > t.maxAge {
		delete(t.items, key)
		return ParticipationRecord{}, false
	}
	return rec, true
}

func (t *participationTable) set(bot, channel, topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[participationKey{bot: bot, channel: channel}] = ParticipationRecord{
		Topic: topic,
		At:    time.Now(),
	}
}

// prune drops expired records, returning how many were removed.
func (t *participationTable) prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, rec := range t.items {
		if time.Since(rec.At) > t.maxAge {
			delete(t.items, key)
			removed++
		}
	}
	return removed
}

func (t *participationTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = make(map[participationKey]ParticipationRecord)
}

func (t *participationTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
