package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestAppend(t *testing.T) {
	dir := t.TempDir()
	w := NewDigestWriter(dir)

	vec := &MemoryVector{
		ID:        "mem_a",
		UserID:    "alice",
		Content:   "likes long walks",
		Timestamp: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
		Type:      TypeShortTerm,
		Source:    SourceImplicit,
	}
	require.NoError(t, w.Append(vec))
	require.NoError(t, w.Append(vec))

	data, err := os.ReadFile(filepath.Join(dir, "MEMORY.md"))
	require.NoError(t, err)
	content := string(data)
	assert.True(t, strings.HasPrefix(content, "# Memory log\n"), "header written once")
	assert.Equal(t, 2, strings.Count(content, "likes long walks"))

	daily, err := os.ReadFile(filepath.Join(dir, "daily", "2026-08-25.md"))
	require.NoError(t, err)
	assert.Contains(t, string(daily), "likes long walks")
	assert.True(t, strings.HasPrefix(string(daily), "# 2026-08-25\n"))
}

func TestDigestDeprecatedStruckThrough(t *testing.T) {
	dir := t.TempDir()
	w := NewDigestWriter(dir)

	vec := &MemoryVector{
		ID:         "mem_a",
		Content:    "outdated fact",
		Timestamp:  time.Now(),
		Type:       TypeShortTerm,
		Deprecated: true,
	}
	require.NoError(t, w.Append(vec))

	data, err := os.ReadFile(filepath.Join(dir, "MEMORY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "~~outdated fact~~")
}

func TestDigestRegenerate(t *testing.T) {
	dir := t.TempDir()
	w := NewDigestWriter(dir)
	store := newTestStore(t, "")
	ctx := context.Background()

	_, err := store.AddMemory(ctx, "regenerable fact one", Metadata{UserID: "alice"}, 0.5)
	require.NoError(t, err)
	_, err = store.AddMemory(ctx, "regenerable fact two", Metadata{UserID: "bob"}, 0.5)
	require.NoError(t, err)

	require.NoError(t, w.Regenerate(store))

	data, err := os.ReadFile(filepath.Join(dir, "MEMORY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "regenerable fact one")
	assert.Contains(t, string(data), "regenerable fact two")

	today := time.Now().Format("2006-01-02")
	assert.FileExists(t, filepath.Join(dir, "daily", today+".md"))
}

func TestDailyDigestsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	w := NewDigestWriter(dir)

	for _, day := range []string{"2026-08-23", "2026-08-25", "2026-08-24"} {
		ts, err := time.Parse("2006-01-02", day)
		require.NoError(t, err)
		require.NoError(t, w.Append(&MemoryVector{
			ID:        "mem_" + day,
			Content:   "entry for " + day,
			Timestamp: ts,
			Type:      TypeShortTerm,
		}))
	}

	digests, err := w.DailyDigests()
	require.NoError(t, err)
	require.Len(t, digests, 3)
	assert.Equal(t, "2026-08-25", digests[0].Date.Format("2006-01-02"))
	assert.Equal(t, "2026-08-23", digests[2].Date.Format("2006-01-02"))
}

func TestRenderMarkdownRegeneratesWhenMissing(t *testing.T) {
	dir := t.TempDir()
	w := NewDigestWriter(dir)
	store := newTestStore(t, "")

	_, err := store.AddMemory(context.Background(), "lazy mirror", Metadata{UserID: "alice"}, 0.5)
	require.NoError(t, err)

	content, err := w.RenderMarkdown(store)
	require.NoError(t, err)
	assert.Contains(t, content, "lazy mirror")
}
