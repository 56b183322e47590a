package profile

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"ADMIN_TOKEN", "DISABLE_ADMIN",
		"MAX_REQUEST_BODY_SIZE", "MAX_CONCURRENT_REQUESTS",
		"REQUEST_TIMEOUT_MS", "CHAT_REQUEST_TIMEOUT_MS",
		"SESSIONS_DIR", "MEMORY_DIR", "CORS_ALLOWED_ORIGINS",
		"LLM_PROVIDER", "LLM_API_KEY", "LLM_BASE_URL", "LLM_MODEL",
		"LLM_TIMEOUT_SECONDS", "LLM_MAX_ATTEMPTS",
		"EMBEDDING_PROVIDER", "EMBEDDING_API_KEY", "EMBEDDING_BASE_URL",
		"EMBEDDING_MODEL", "EMBEDDING_DIMENSIONS",
		"ROLES_FILE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "RATE_LIMIT_OVERRIDES",
		"CHANNEL_QUEUE_SIZE", "BOT_WORKER_LIMIT", "MAX_VECTORS_PER_USER",
		"MEMORY_SAVE_DEBOUNCE_MS", "PARTICIPATION_MAX_AGE_MS",
		"INTENT_CONFIDENCE_THRESHOLD", "TRANSCRIPT_DSN",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
	for i := 1; i <= maxBotSlots; i++ {
		for _, suffix := range []string{"NAME", "ROLE", "TOKEN", "CHANNELS"} {
			os.Unsetenv(envSlotKey(i, suffix))
		}
	}
}

func envSlotKey(i int, suffix string) string {
	return fmt.Sprintf("BOT%d_%s", i, suffix)
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, int64(10*1024*1024), p.MaxRequestBodySize)
	assert.Equal(t, 100, p.MaxConcurrentRequests)
	assert.Equal(t, 30000, p.RequestTimeoutMS)
	assert.Equal(t, 300000, p.ChatTimeoutMS)
	assert.Equal(t, "openai", p.LLMProvider)
	assert.Equal(t, 20, p.LLMTimeout)
	assert.Equal(t, 2, p.LLMMaxAttempts)
	assert.Equal(t, "fallback", p.EmbeddingProvider)
	assert.Equal(t, 256, p.EmbeddingDimensions)
	assert.Equal(t, 100, p.QueueSize)
	assert.Equal(t, 5, p.WorkerLimit)
	assert.Equal(t, 10000, p.MaxVectorsPerUser)
	assert.Equal(t, 10000, p.SaveDebounceMS)
	assert.Equal(t, 3600000, p.ParticipationMaxAgeMS)
	assert.InDelta(t, 0.72, p.IntentThreshold, 1e-9)
	assert.Equal(t, []string{"*"}, p.CORSOrigins)
	assert.False(t, p.IsAIEnabled())
	assert.Empty(t, p.Bots)
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("MAX_REQUEST_BODY_SIZE", "1048576")
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "secret", p.AdminToken)
	assert.Equal(t, int64(1048576), p.MaxRequestBodySize)
	assert.Equal(t, "anthropic", p.LLMProvider)
	assert.True(t, p.IsAIEnabled())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, p.CORSOrigins)
}

func TestBotSlotScan(t *testing.T) {
	clearEnv(t)
	t.Setenv("BOT1_NAME", "expert")
	t.Setenv("BOT1_ROLE", "expert")
	t.Setenv("BOT1_CHANNELS", "general,random")
	t.Setenv("BOT2_NAME", "critic")
	t.Setenv("BOT2_ROLE", "critic")
	t.Setenv("BOT2_CHANNELS", "general")
	// Slot 3 absent; slot 4 must be ignored even if set.
	t.Setenv("BOT4_NAME", "ghost")

	slots := loadBotSlots()
	require.Len(t, slots, 2)
	assert.Equal(t, "expert", slots[0].Name)
	assert.Equal(t, []string{"general", "random"}, slots[0].Channels)
	assert.Equal(t, "critic", slots[1].Name)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Profile {
		clearEnv(t)
		p := &Profile{}
		p.FromEnv()
		p.Mode = "dev"
		p.Port = 8080
		p.Data = t.TempDir()
		p.AdminToken = "tok"
		return p
	}

	t.Run("valid profile passes and fills directories", func(t *testing.T) {
		p := base(t)
		require.NoError(t, p.Validate())
		assert.NotEmpty(t, p.SessionsDir)
		assert.NotEmpty(t, p.MemoryDir)
		assert.NotEmpty(t, p.DSN)
		assert.DirExists(t, p.MemoryDir)
	})

	t.Run("missing admin token blocks boot", func(t *testing.T) {
		p := base(t)
		p.AdminToken = ""
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ADMIN_TOKEN")
	})

	t.Run("disable admin lifts token requirement", func(t *testing.T) {
		p := base(t)
		p.AdminToken = ""
		p.DisableAdmin = true
		require.NoError(t, p.Validate())
	})

	t.Run("invalid port rejected", func(t *testing.T) {
		p := base(t)
		p.Port = 70000
		require.Error(t, p.Validate())
	})

	t.Run("non-positive body size rejected", func(t *testing.T) {
		p := base(t)
		p.MaxRequestBodySize = 0
		require.Error(t, p.Validate())
	})

	t.Run("threshold out of range rejected", func(t *testing.T) {
		p := base(t)
		p.IntentThreshold = 1.5
		require.Error(t, p.Validate())
	})

	t.Run("prod requires llm key", func(t *testing.T) {
		p := base(t)
		p.Mode = "prod"
		p.LLMAPIKey = ""
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LLM_API_KEY")
	})
}
