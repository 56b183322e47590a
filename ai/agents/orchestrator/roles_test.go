package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/plugin/chat_apps"
)

func writeRolesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRoles(t *testing.T) {
	path := writeRolesFile(t, `
roles:
  - name: concierge
    description: answers every question
    strategy: alwaysOnUserQuestion
  - name: historian
    description: chimes in with historical context
    observationDelayMs: 4000
    maxObservationMessages: 50
`)

	roles, err := LoadRoles(path)
	require.NoError(t, err)
	require.Len(t, roles, 2)

	assert.Equal(t, "concierge", roles[0].Name)
	assert.Equal(t, StrategyAlwaysOnUserQuestion, roles[0].Strategy)
	assert.Equal(t, 20, roles[0].MaxObservationMessages, "default window")

	assert.Equal(t, StrategyAIDecide, roles[1].Strategy, "default strategy")
	assert.Equal(t, 4000, roles[1].ObservationDelayMS)
	assert.Equal(t, 50, roles[1].MaxObservationMessages)
}

func TestLoadRolesErrors(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{"empty file", ""},
		{"no roles", "roles: []"},
		{"missing name", "roles:\n  - description: anonymous\n"},
		{"missing description", "roles:\n  - name: ghost\n"},
		{"unknown strategy", "roles:\n  - name: x\n    description: y\n    strategy: sometimes\n"},
		{"not yaml", "{{{"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadRoles(writeRolesFile(t, tc.content))
			require.Error(t, err)
			assert.Equal(t, aierrors.ConfigInvalid, aierrors.From(err).Code)
		})
	}
}

func TestLoadRolesMissingFile(t *testing.T) {
	_, err := LoadRoles(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, aierrors.ConfigInvalid, aierrors.From(err).Code)
}

func TestResolveDelayConfigured(t *testing.T) {
	provider := &scriptedProvider{fail: aierrors.New(aierrors.SystemInternal, "must not be called")}
	role := RoleConfig{Name: "x", Description: "y", ObservationDelayMS: 4000}

	assert.Equal(t, 4*time.Second, resolveDelay(context.Background(), provider, role))

	role.ObservationDelayMS = 30000
	assert.Equal(t, defaultDelay, resolveDelay(context.Background(), provider, role), "above range")

	role.ObservationDelayMS = 500
	assert.Equal(t, defaultDelay, resolveDelay(context.Background(), provider, role), "below range")
}

func TestResolveDelayFromProvider(t *testing.T) {
	testCases := []struct {
		name   string
		answer string
		want   time.Duration
	}{
		{"in range", "7", 7 * time.Second},
		{"padded", "  12\n", 12 * time.Second},
		{"lower bound", "2", 2 * time.Second},
		{"upper bound", "15", 15 * time.Second},
		{"above range", "99", defaultDelay},
		{"below range", "1", defaultDelay},
		{"not a number", "about five seconds", defaultDelay},
	}
	role := RoleConfig{Name: "x", Description: "a helpful observer"}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			provider := &scriptedProvider{answers: []string{tc.answer}}
			assert.Equal(t, tc.want, resolveDelay(context.Background(), provider, role))
		})
	}
}

func TestResolveDelayProviderFailure(t *testing.T) {
	provider := &scriptedProvider{fail: aierrors.New(aierrors.ProviderUnavailable, "down")}
	role := RoleConfig{Name: "x", Description: "y"}
	assert.Equal(t, defaultDelay, resolveDelay(context.Background(), provider, role))
}

func TestParticipationTableExpiry(t *testing.T) {
	table := newParticipationTable(50 * time.Millisecond)
	table.set("bot", "c1", "coffee")

	rec, ok := table.get("bot", "c1")
	require.True(t, ok)
	assert.Equal(t, "coffee", rec.Topic)

	time.Sleep(80 * time.Millisecond)
	_, ok = table.get("bot", "c1")
	assert.False(t, ok, "expired record reads as absent")
	assert.Equal(t, 0, table.len(), "expired record pruned on read")
}

func TestParticipationTablePrune(t *testing.T) {
	table := newParticipationTable(30 * time.Millisecond)
	table.set("a", "c1", "t1")
	table.set("b", "c1", "t2")
	time.Sleep(50 * time.Millisecond)
	table.set("c", "c1", "t3")

	assert.Equal(t, 2, table.prune())
	assert.Equal(t, 1, table.len())
}

func TestTopicSummary(t *testing.T) {
	history := []chat_apps.ConversationMessage{
		{Author: "alice", Content: "older question"},
		{Author: "lead", IsBot: true, Content: "bot answer"},
		{Author: "alice", Content: "newest question"},
		{Author: "lead", IsBot: true, Content: "trailing bot noise"},
	}
	assert.Equal(t, "newest question", topicSummary(history), "newest user message wins")

	assert.Equal(t, "", topicSummary([]chat_apps.ConversationMessage{
		{Author: "lead", IsBot: true, Content: "only bots here"},
	}))

	long := strings.Repeat("x", 400)
	summary := topicSummary([]chat_apps.ConversationMessage{{Author: "alice", Content: long}})
	assert.Len(t, summary, topicSummaryLen+len("..."))
}
