package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessageShort(t *testing.T) {
	parts := splitMessage("hello", 4096)
	assert.Equal(t, []string{"hello"}, parts)
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	content := strings.Repeat("line one\n", 3) + "tail"
	parts := splitMessage(content, 20)
	require.Greater(t, len(parts), 1)
	for _, part := range parts {
		assert.LessOrEqual(t, len(part), 20)
	}
	assert.Equal(t, strings.ReplaceAll(content, "\n", ""),
		strings.ReplaceAll(strings.Join(parts, ""), "\n", ""), "no content lost")
}

func TestSplitMessageHardCut(t *testing.T) {
	content := strings.Repeat("a", 50)
	parts := splitMessage(content, 20)
	require.Len(t, parts, 3)
	assert.Equal(t, 20, len(parts[0]))
	assert.Equal(t, 10, len(parts[2]))
}
