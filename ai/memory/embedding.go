package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/aviary-ai/aviary/ai/cache"
	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/metrics"
)

// Embedding is the result of embedding one text.
type Embedding struct {
	Vector []float32
	Model  string
	Cached bool
}

// Embedder turns text into an L2-normalized vector of fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string // "openai" (any OpenAI-compatible BaseURL) or "hash"
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int           // default 256
	CacheSize  int           // default 2048 entries
	CacheTTL   time.Duration // default 1h
}

func (c *EmbeddingConfig) applyDefaults() {
	if c.Dimensions <= 0 {
		c.Dimensions = 256
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 2048
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.Provider == "" {
		c.Provider = "hash"
	}
}

// EmbeddingService caches embeddings per content string. Switching the
// underlying provider flushes the cache, since vectors from different models
// are not comparable.
type EmbeddingService struct {
	mu       sync.RWMutex
	embedder Embedder
	cache    *cache.LRUCache[string, []float32]
	exporter *metrics.Exporter
}

// NewEmbeddingService builds the service for the configured provider. The
// metrics exporter may be nil.
func NewEmbeddingService(cfg EmbeddingConfig, exporter *metrics.Exporter) (*EmbeddingService, error) {
	cfg.applyDefaults()

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	return &EmbeddingService{
		embedder: embedder,
		cache:    cache.NewLRUCache[string, []float32](cfg.CacheSize, cfg.CacheTTL),
		exporter: exporter,
	}, nil
}

func newEmbedder(cfg EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "hash", "fallback":
		return newHashEmbedder(cfg.Dimensions), nil
	default:
		if cfg.APIKey == "" {
			return nil, aierrors.New(aierrors.ConfigInvalid, "embedding provider requires an API key")
		}
		if cfg.Model == "" {
			return nil, aierrors.New(aierrors.ConfigInvalid, "embedding provider requires a model")
		}
		clientConfig := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
		return &openaiEmbedder{
			client:     openai.NewClientWithConfig(clientConfig),
			model:      cfg.Model,
			dimensions: cfg.Dimensions,
		}, nil
	}
}

// Embed returns the vector for text, from cache when possible.
func (s *EmbeddingService) Embed(ctx context.Context, text string) (*Embedding, error) {
	s.mu.RLock()
	embedder := s.embedder
	s.mu.RUnlock()

	if vec, ok := s.cache.Get(text); ok {
		if s.exporter != nil {
			s.exporter.RecordCacheHit("embedding")
		}
		return &Embedding{Vector: vec, Model: embedder.Model(), Cached: true}, nil
	}
	if s.exporter != nil {
		s.exporter.RecordCacheMiss("embedding")
	}

	vec, err := embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	normalize(vec)
	s.cache.SetWithDefaultTTL(text, vec)
	return &Embedding{Vector: vec, Model: embedder.Model(), Cached: false}, nil
}

// Dimensions returns the fixed vector dimension.
func (s *EmbeddingService) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embedder.Dimensions()
}

// Model returns the active embedding model name.
func (s *EmbeddingService) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embedder.Model()
}

// SetProvider swaps the embedder and flushes the cache.
func (s *EmbeddingService) SetProvider(cfg EmbeddingConfig) error {
	cfg.applyDefaults()
	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.embedder = embedder
	s.mu.Unlock()
	s.cache.Clear()
	return nil
}

// normalize scales v to unit length in place. Zero vectors stay zero.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// openaiEmbedder calls any OpenAI-compatible embeddings endpoint.
type openaiEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

func (e *openaiEmbedder) Model() string   { return e.model }
func (e *openaiEmbedder) Dimensions() int { return e.dimensions }

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, aierrors.Wrap(err, aierrors.ProviderUnavailable, "create embedding failed")
	}
	if len(resp.Data) == 0 {
		return nil, aierrors.New(aierrors.ProviderInvalidResponse, "empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// hashEmbedder is the deterministic offline fallback: each token hashes into
// a dimension bucket, so texts sharing vocabulary land close in cosine space.
type hashEmbedder struct {
	dimensions int
}

func newHashEmbedder(dimensions int) *hashEmbedder {
	return &hashEmbedder{dimensions: dimensions}
}

func (e *hashEmbedder) Model() string   { return "token-hash" }
func (e *hashEmbedder) Dimensions() int { return e.dimensions }

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimensions)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum32()
		bucket := int(sum % uint32(e.dimensions))
		// Sign split keeps unrelated vocabularies from accumulating in the
		// same direction.
		if sum&0x80000000 != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}
	return vec, nil
}

// tokenize lower-cases the text, splits ASCII words on non-alphanumeric
// runes, and emits every rune past ASCII as its own token. CJK text has no
// word boundaries, so per-rune tokens are what let near-identical phrasings
// share vocabulary.
func tokenize(text string) []string {
	var tokens []string
	var word []rune
	flush := func() {
		if len(word) > 0 {
			tokens = append(tokens, string(word))
			word = word[:0]
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			word = append(word, r)
		case r >= 0x80:
			flush()
			tokens = append(tokens, string(r))
		default:
			flush()
		}
	}
	flush()
	return tokens
}
