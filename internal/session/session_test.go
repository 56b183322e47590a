package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		key  Key
	}{
		{"plain", Key{UserID: "alice", ChannelID: "general"}},
		{"empty user", Key{UserID: "", ChannelID: "general"}},
		{"empty channel", Key{UserID: "alice", ChannelID: ""}},
		{"both empty", Key{}},
		{"separator in user", Key{UserID: "a|b", ChannelID: "c"}},
		{"separator in channel", Key{UserID: "a", ChannelID: "b|c"}},
		{"backslash in user", Key{UserID: `a\b`, ChannelID: "c"}},
		{"colon everywhere", Key{UserID: "user:x", ChannelID: "channel:y"}},
		{"prefix-looking channel", Key{UserID: "a", ChannelID: "channel:z|user:w"}},
		{"unicode", Key{UserID: "用户", ChannelID: "频道"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.key.Encode()
			parsed, err := Parse(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.key, parsed)
		})
	}
}

// Distinct key pairs must never collide, which is exactly what naive colon
// concatenation gets wrong.
func TestEncodeInjective(t *testing.T) {
	a := Key{UserID: "a|b", ChannelID: "c"}
	b := Key{UserID: "a", ChannelID: "b|c"}
	assert.NotEqual(t, a.Encode(), b.Encode())

	c := Key{UserID: "a|channel:x", ChannelID: "y"}
	d := Key{UserID: "a", ChannelID: "x|channel:y"}
	assert.NotEqual(t, c.Encode(), d.Encode())
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no user prefix", "alice|channel:general"},
		{"no channel segment", "user:alice"},
		{"no channel prefix", "user:alice|general"},
		{"bare colon join", "alice:general"},
		{"dangling escape", `user:alice\`},
		{"invalid escape", `user:a\x|channel:c`},
		{"trailing separator data", "user:a|channel:b|channel:c"},
		{"uppercase prefix", "USER:a|CHANNEL:b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.Error(t, err, "input %q should be rejected", tt.input)
		})
	}
}
