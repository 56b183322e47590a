// Package profile holds the runtime configuration assembled from environment
// variables and flags, and the startup validation that gates boot.
package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// BotSlot is one numbered bot definition (BOT1_*, BOT2_*, ...).
type BotSlot struct {
	Name     string
	Role     string   // role slot name resolved against the roles file
	Token    string   // channel credential (telegram bot token); empty for http-only bots
	Channels []string // channel ids the bot observes
}

// Profile is configuration to start the main server.
type Profile struct {
	Mode string // dev | prod
	Addr string
	Port int

	Data        string // base data directory
	SessionsDir string // defaults to <Data>/sessions
	MemoryDir   string // defaults to <SessionsDir>/memory

	AdminToken   string
	DisableAdmin bool

	MaxRequestBodySize    int64 // bytes, default 10 MiB
	MaxConcurrentRequests int   // default 100
	RequestTimeoutMS      int   // non-chat endpoints, default 30000
	ChatTimeoutMS         int   // /chat endpoint, default 300000

	CORSOrigins []string

	// Completion LLM (OpenAI-compatible providers share one config; anthropic
	// uses its own SDK).
	LLMProvider    string // openai | anthropic | <openai-compatible id>
	LLMAPIKey      string
	LLMBaseURL     string
	LLMModel       string
	LLMTimeout     int // per-attempt timeout in seconds, default 20
	LLMMaxAttempts int // retry budget, default 2

	// Embedding service. Provider "fallback" selects the deterministic local
	// embedder (offline mode and tests).
	EmbeddingProvider   string
	EmbeddingAPIKey     string
	EmbeddingBaseURL    string
	EmbeddingModel      string
	EmbeddingDimensions int

	RolesFile string // YAML role definitions
	Bots      []BotSlot

	// Gateway rate limiting. Overrides use longest-prefix path matching,
	// format "path=rps:burst", comma separated.
	RateLimitRPS       float64
	RateLimitBurst     int
	RateLimitOverrides string

	QueueSize             int // per (bot, channel) pending queue, default 100
	WorkerLimit           int // per-bot provider parallelism, default 5
	MaxVectorsPerUser     int
	SaveDebounceMS        int // memory snapshot debounce, default 10000
	ParticipationMaxAgeMS int // default 3600000 (one hour)
	IntentThreshold       float64

	DSN     string // transcript/stats sqlite path, defaults under Data
	Version string
}

// maxBotSlots bounds the numbered-slot scan.
const maxBotSlots = 16

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if a completion LLM API key is configured.
func (p *Profile) IsAIEnabled() bool {
	return p.LLMAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.AdminToken = getEnvOrDefault("ADMIN_TOKEN", "")
	p.DisableAdmin = getEnvOrDefault("DISABLE_ADMIN", "false") == "true"

	p.MaxRequestBodySize = int64(getEnvOrDefaultInt("MAX_REQUEST_BODY_SIZE", 10*1024*1024))
	p.MaxConcurrentRequests = getEnvOrDefaultInt("MAX_CONCURRENT_REQUESTS", 100)
	p.RequestTimeoutMS = getEnvOrDefaultInt("REQUEST_TIMEOUT_MS", 30000)
	p.ChatTimeoutMS = getEnvOrDefaultInt("CHAT_REQUEST_TIMEOUT_MS", 300000)

	p.SessionsDir = getEnvOrDefault("SESSIONS_DIR", "")
	p.MemoryDir = getEnvOrDefault("MEMORY_DIR", "")

	p.CORSOrigins = splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"))

	p.LLMProvider = getEnvOrDefault("LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("LLM_TIMEOUT_SECONDS", 20)
	p.LLMMaxAttempts = getEnvOrDefaultInt("LLM_MAX_ATTEMPTS", 2)

	p.EmbeddingProvider = getEnvOrDefault("EMBEDDING_PROVIDER", "fallback")
	p.EmbeddingAPIKey = getEnvOrDefault("EMBEDDING_API_KEY", "")
	p.EmbeddingBaseURL = getEnvOrDefault("EMBEDDING_BASE_URL", "")
	p.EmbeddingModel = getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small")
	p.EmbeddingDimensions = getEnvOrDefaultInt("EMBEDDING_DIMENSIONS", 256)

	p.RolesFile = getEnvOrDefault("ROLES_FILE", "")

	p.RateLimitRPS = getEnvOrDefaultFloat("RATE_LIMIT_RPS", 10)
	p.RateLimitBurst = getEnvOrDefaultInt("RATE_LIMIT_BURST", 20)
	p.RateLimitOverrides = getEnvOrDefault("RATE_LIMIT_OVERRIDES", "")

	p.QueueSize = getEnvOrDefaultInt("CHANNEL_QUEUE_SIZE", 100)
	p.WorkerLimit = getEnvOrDefaultInt("BOT_WORKER_LIMIT", 5)
	p.MaxVectorsPerUser = getEnvOrDefaultInt("MAX_VECTORS_PER_USER", 10000)
	p.SaveDebounceMS = getEnvOrDefaultInt("MEMORY_SAVE_DEBOUNCE_MS", 10000)
	p.ParticipationMaxAgeMS = getEnvOrDefaultInt("PARTICIPATION_MAX_AGE_MS", 3600000)
	p.IntentThreshold = getEnvOrDefaultFloat("INTENT_CONFIDENCE_THRESHOLD", 0.72)

	p.DSN = getEnvOrDefault("TRANSCRIPT_DSN", "")

	p.Bots = loadBotSlots()
}

// loadBotSlots scans BOT1_* .. BOT16_* environment variables. A slot is
// present when its NAME is set; the scan stops at the first absent slot so
// numbering stays contiguous.
func loadBotSlots() []BotSlot {
	var slots []BotSlot
	for i := 1; i <= maxBotSlots; i++ {
		prefix := fmt.Sprintf("BOT%d_", i)
		name := os.Getenv(prefix + "NAME")
		if name == "" {
			break
		}
		slots = append(slots, BotSlot{
			Name:     name,
			Role:     getEnvOrDefault(prefix+"ROLE", "expert"),
			Token:    os.Getenv(prefix + "TOKEN"),
			Channels: splitList(os.Getenv(prefix + "CHANNELS")),
		})
	}
	return slots
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// checkWritable proves a directory is writable by creating and removing a
// probe file. Stat alone misses read-only mounts.
func checkWritable(dir string) error {
	probe := filepath.Join(dir, ".write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return errors.Wrapf(err, "directory %s is not writable", dir)
	}
	_ = f.Close()
	return os.Remove(probe)
}

// Validate applies defaults and rejects configurations that must block boot:
// bad port, unwritable directories, missing admin token, out-of-range
// numerics.
func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	if p.Port < 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}

	if p.Data == "" {
		p.Data = "."
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("data directory check failed", "data", p.Data, "error", err)
		return err
	}
	p.Data = dataDir

	if p.SessionsDir == "" {
		p.SessionsDir = filepath.Join(p.Data, "sessions")
	}
	if p.MemoryDir == "" {
		p.MemoryDir = filepath.Join(p.SessionsDir, "memory")
	}
	for _, dir := range []string{p.SessionsDir, p.MemoryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "unable to create directory %s", dir)
		}
		if err := checkWritable(dir); err != nil {
			return err
		}
	}

	if p.AdminToken == "" && !p.DisableAdmin {
		return errors.New("ADMIN_TOKEN is required unless DISABLE_ADMIN=true")
	}

	if p.MaxRequestBodySize <= 0 {
		return errors.Errorf("MAX_REQUEST_BODY_SIZE must be positive, got %d", p.MaxRequestBodySize)
	}
	if p.MaxConcurrentRequests <= 0 {
		return errors.Errorf("MAX_CONCURRENT_REQUESTS must be positive, got %d", p.MaxConcurrentRequests)
	}
	if p.RequestTimeoutMS <= 0 || p.ChatTimeoutMS <= 0 {
		return errors.Errorf("request timeouts must be positive, got %d/%d", p.RequestTimeoutMS, p.ChatTimeoutMS)
	}
	if p.QueueSize <= 0 {
		return errors.Errorf("CHANNEL_QUEUE_SIZE must be positive, got %d", p.QueueSize)
	}
	if p.WorkerLimit <= 0 {
		return errors.Errorf("BOT_WORKER_LIMIT must be positive, got %d", p.WorkerLimit)
	}
	if p.MaxVectorsPerUser <= 0 {
		return errors.Errorf("MAX_VECTORS_PER_USER must be positive, got %d", p.MaxVectorsPerUser)
	}
	if p.SaveDebounceMS < 0 {
		return errors.Errorf("MEMORY_SAVE_DEBOUNCE_MS must be non-negative, got %d", p.SaveDebounceMS)
	}
	if p.ParticipationMaxAgeMS <= 0 {
		return errors.Errorf("PARTICIPATION_MAX_AGE_MS must be positive, got %d", p.ParticipationMaxAgeMS)
	}
	if p.IntentThreshold < 0 || p.IntentThreshold > 1 {
		return errors.Errorf("INTENT_CONFIDENCE_THRESHOLD must be in [0,1], got %f", p.IntentThreshold)
	}
	if p.RateLimitRPS <= 0 || p.RateLimitBurst <= 0 {
		return errors.Errorf("rate limit settings must be positive, got rps=%f burst=%d", p.RateLimitRPS, p.RateLimitBurst)
	}
	if p.EmbeddingDimensions <= 0 {
		return errors.Errorf("EMBEDDING_DIMENSIONS must be positive, got %d", p.EmbeddingDimensions)
	}

	if p.Mode == "prod" && !p.IsAIEnabled() {
		return errors.New("LLM_API_KEY is required in prod mode")
	}

	if p.DSN == "" {
		p.DSN = filepath.Join(p.Data, fmt.Sprintf("aviary_%s.db", p.Mode))
	}

	return nil
}
