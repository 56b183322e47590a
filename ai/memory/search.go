package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/cel-go/cel"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
)

// SearchWeights are the composite score coefficients. They need not sum
// to one; the defaults favor semantic similarity.
type SearchWeights struct {
	Semantic   float64 // cosine with the query embedding
	Lexical    float64 // BM25 over the user's memories
	TypeWeight float64 // lifecycle class weight
	Recency    float64 // exponential decay, ~30-day half-life
	Importance float64
	Access     float64 // log(1 + accessCount)
}

var defaultWeights = SearchWeights{
	Semantic:   0.45,
	Lexical:    0.15,
	TypeWeight: 0.15,
	Recency:    0.10,
	Importance: 0.10,
	Access:     0.05,
}

// SearchQuery selects and ranks a user's memories.
type SearchQuery struct {
	UserID            string
	Query             string
	Types             []Type    // empty means all
	MinTimestamp      time.Time // zero means no floor
	Filter            string    // optional CEL expression over the vector fields
	Threshold         float64   // semantic floor, default 0.3
	Limit             int       // default 10
	Weights           *SearchWeights
	IncludeDeprecated bool
}

func (q *SearchQuery) applyDefaults() {
	if q.Threshold <= 0 {
		q.Threshold = 0.3
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Weights == nil {
		q.Weights = &defaultWeights
	}
}

// ScoredMemory is one ranked search hit.
type ScoredMemory struct {
	Vector   *MemoryVector `json:"vector"`
	Score    float64       `json:"score"`
	Rank     int           `json:"rank"`
	Semantic float64       `json:"semantic"`
	Lexical  float64       `json:"lexical"`
}

// typeWeights order the lifecycle classes: durable knowledge outranks
// ephemera at equal similarity.
var typeWeights = map[Type]float64{
	TypePinned:    1.0,
	TypeProfile:   0.9,
	TypeLongTerm:  0.8,
	TypeMidTerm:   0.6,
	TypeShortTerm: 0.4,
}

const recencyHalfLife = 30 * 24 * time.Hour

// SearchMemories runs hybrid retrieval in a single pass: filter, semantic
// floor, composite score, one sort. Returned vectors get their access stats
// bumped, which does not affect this call's ordering.
func (s *Store) SearchMemories(ctx context.Context, q SearchQuery) ([]ScoredMemory, error) {
	if q.UserID == "" {
		return nil, aierrors.New(aierrors.InputValidationFailed, "search userId is required")
	}
	if q.Query == "" {
		return nil, aierrors.New(aierrors.InputValidationFailed, "search query is empty")
	}
	q.applyDefaults()

	var filter celFilter
	if q.Filter != "" {
		var err error
		filter, err = compileFilter(q.Filter)
		if err != nil {
			return nil, err
		}
	}

	emb, err := s.embed.Embed(ctx, q.Query)
	if err != nil {
		return nil, err
	}
	queryTerms := tokenize(q.Query)

	s.mu.RLock()
	ids := s.byUser[q.UserID]
	pool := make([]*MemoryVector, 0, len(ids))
	for id := range ids {
		pool = append(pool, s.vectors[id])
	}
	bm25 := newBM25(pool)

	now := time.Now()
	hits := make([]ScoredMemory, 0, len(pool))
	for _, vec := range pool {
		if !q.IncludeDeprecated && vec.Deprecated {
			continue
		}
		if !matchesType(vec.Type, q.Types) {
			continue
		}
		if !q.MinTimestamp.IsZero() && vec.Timestamp.Before(q.MinTimestamp) {
			continue
		}
		if filter != nil {
			keep, ferr := filter(vec)
			if ferr != nil {
				s.mu.RUnlock()
				return nil, ferr
			}
			if !keep {
				continue
			}
		}

		semantic := cosineSimilarity(emb.Vector, vec.Embedding)
		if semantic < q.Threshold {
			continue
		}

		lexical := bm25.score(queryTerms, vec)
		age := now.Sub(vec.Timestamp)
		composite := q.Weights.Semantic*semantic +
			q.Weights.Lexical*lexical +
			q.Weights.TypeWeight*typeWeights[vec.Type] +
			q.Weights.Recency*recencyDecay(age) +
			q.Weights.Importance*vec.Importance +
			q.Weights.Access*math.Log1p(float64(vec.AccessCount))

		hits = append(hits, ScoredMemory{
			Vector:   vec.Clone(),
			Score:    composite,
			Semantic: semantic,
			Lexical:  lexical,
		})
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}

	s.mu.Lock()
	for i := range hits {
		hits[i].Rank = i
		if vec, ok := s.vectors[hits[i].Vector.ID]; ok {
			vec.AccessCount++
			vec.LastAccessed = now
			s.dirty[vec.UserID] = struct{}{}
		}
	}
	s.mu.Unlock()
	if len(hits) > 0 {
		s.scheduleSave()
	}
	return hits, nil
}

func matchesType(t Type, wanted []Type) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		if t == w {
			return true
		}
	}
	return false
}

// recencyDecay maps age to (0,1] with a ~30-day half-life.
func recencyDecay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * age.Hours() / recencyHalfLife.Hours())
}

// cosineSimilarity over possibly non-normalized vectors. Mismatched
// dimensions and zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// celFilter evaluates a compiled CEL expression against one vector.
type celFilter func(*MemoryVector) (bool, error)

// compileFilter builds the CEL program once per search. The expression sees
// the vector's scalar fields by name.
func compileFilter(expr string) (celFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("content", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("importance", cel.DoubleType),
		cel.Variable("accessCount", cel.IntType),
		cel.Variable("timestamp", cel.IntType),
		cel.Variable("deprecated", cel.BoolType),
	)
	if err != nil {
		return nil, aierrors.Wrap(err, aierrors.SystemInternal, "build filter environment")
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, aierrors.Wrap(issues.Err(), aierrors.InputValidationFailed, "invalid filter expression")
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, aierrors.Wrap(err, aierrors.InputValidationFailed, "invalid filter expression")
	}

	return func(vec *MemoryVector) (bool, error) {
		out, _, err := prg.Eval(map[string]any{
			"content":     vec.Content,
			"type":        string(vec.Type),
			"source":      string(vec.Source),
			"importance":  vec.Importance,
			"accessCount": vec.AccessCount,
			"timestamp":   vec.Timestamp.Unix(),
			"deprecated":  vec.Deprecated,
		})
		if err != nil {
			return false, aierrors.Wrap(err, aierrors.InputValidationFailed, "filter evaluation failed")
		}
		keep, ok := out.Value().(bool)
		if !ok {
			return false, aierrors.New(aierrors.InputValidationFailed, "filter expression must yield a boolean")
		}
		return keep, nil
	}, nil
}

// bm25 is a small Okapi BM25 scorer over one user's memories.
type bm25 struct {
	docTerms []map[string]int
	byID     map[string]int
	df       map[string]int
	avgLen   float64
	n        int
}

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

func newBM25(pool []*MemoryVector) *bm25 {
	b := &bm25{
		docTerms: make([]map[string]int, len(pool)),
		byID:     make(map[string]int, len(pool)),
		df:       make(map[string]int),
		n:        len(pool),
	}
	var totalLen int
	for i, vec := range pool {
		terms := tokenize(vec.Content)
		counts := make(map[string]int, len(terms))
		for _, t := range terms {
			counts[t]++
		}
		b.docTerms[i] = counts
		b.byID[vec.ID] = i
		for t := range counts {
			b.df[t]++
		}
		totalLen += len(terms)
	}
	if b.n > 0 {
		b.avgLen = float64(totalLen) / float64(b.n)
	}
	return b
}

// score returns a normalized BM25 score in roughly [0,1].
func (b *bm25) score(queryTerms []string, vec *MemoryVector) float64 {
	idx, ok := b.byID[vec.ID]
	if !ok || b.n == 0 || b.avgLen == 0 {
		return 0
	}
	counts := b.docTerms[idx]
	docLen := 0
	for _, c := range counts {
		docLen += c
	}

	var score float64
	for _, term := range queryTerms {
		tf := float64(counts[term])
		if tf == 0 {
			continue
		}
		df := float64(b.df[term])
		idf := math.Log(1 + (float64(b.n)-df+0.5)/(df+0.5))
		score += idf * (tf * (bm25K1 + 1)) /
			(tf + bm25K1*(1-bm25B+bm25B*float64(docLen)/b.avgLen))
	}
	if len(queryTerms) == 0 {
		return 0
	}
	// Squash into [0,1) so the composite weights stay meaningful.
	return score / (score + 1)
}
