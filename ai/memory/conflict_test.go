package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviary-ai/aviary/ai/core/llm"
	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/result"
)

// scriptedProvider answers each Generate call with the next scripted text.
type scriptedProvider struct {
	answers []string
	fail    *aierrors.AIError
	calls   int
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted" }

func (p *scriptedProvider) Generate(_ context.Context, _ []llm.Message) result.Result[*llm.Response] {
	if p.fail != nil {
		return result.Fail[*llm.Response](p.fail)
	}
	idx := p.calls
	p.calls++
	if idx >= len(p.answers) {
		idx = len(p.answers) - 1
	}
	return result.Ok(&llm.Response{Text: p.answers[idx]})
}

func newConflictStore(t *testing.T, provider llm.Provider) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{}, newHashService(t),
		NewConflictResolver(provider, nil), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Shutdown() })
	return store
}

// seedVector inserts a vector with a hand-built embedding, bypassing the
// embedder so similarity bands are exact.
func seedVector(store *Store, id, userID string, embedding []float32, source Source) *MemoryVector {
	vec := &MemoryVector{
		ID:           id,
		UserID:       userID,
		Content:      "seed " + id,
		Embedding:    embedding,
		Timestamp:    time.Now().Add(-time.Hour),
		Importance:   0.8,
		Type:         TypeLongTerm,
		Source:       source,
		LastAccessed: time.Now().Add(-time.Hour),
	}
	store.mu.Lock()
	store.insertLocked(vec)
	store.mu.Unlock()
	return vec
}

func TestPlanCoexistsBelowThreshold(t *testing.T) {
	provider := &scriptedProvider{answers: []string{"NO"}}
	store := newConflictStore(t, provider)
	seedVector(store, "mem_a", "alice", []float32{1, 0, 0, 0}, SourceImplicit)

	incoming := &MemoryVector{ID: "mem_b", UserID: "alice", Content: "new",
		Embedding: []float32{0.5, 0.866, 0, 0}, Source: SourceImplicit}
	plan, err := store.resolver.Plan(context.Background(), store, incoming)
	require.NoError(t, err)
	assert.Empty(t, plan.actions, "similarity 0.5 coexists without a provider call")
	assert.Equal(t, 0, provider.calls)
}

func TestPlanCompatibleKeepsBoth(t *testing.T) {
	provider := &scriptedProvider{answers: []string{"YES"}}
	store := newConflictStore(t, provider)
	seedVector(store, "mem_a", "alice", []float32{1, 0, 0, 0}, SourceImplicit)

	incoming := &MemoryVector{ID: "mem_b", UserID: "alice", Content: "new",
		Embedding: []float32{0.8, 0.6, 0, 0}, Source: SourceImplicit}
	plan, err := store.resolver.Plan(context.Background(), store, incoming)
	require.NoError(t, err)
	assert.Empty(t, plan.actions)
	assert.Equal(t, 1, provider.calls)
}

func TestPlanContradictionMidBandDeprecates(t *testing.T) {
	provider := &scriptedProvider{answers: []string{"NO"}}
	store := newConflictStore(t, provider)
	seedVector(store, "mem_a", "alice", []float32{1, 0, 0, 0}, SourceImplicit)

	incoming := &MemoryVector{ID: "mem_b", UserID: "alice", Content: "new",
		Embedding: []float32{0.8, 0.6, 0, 0}, Source: SourceImplicit}
	plan, err := store.resolver.Plan(context.Background(), store, incoming)
	require.NoError(t, err)
	require.Len(t, plan.actions, 1)
	assert.Equal(t, actionDeprecateOlder, plan.actions[0].kind)
	assert.Equal(t, "mem_a", plan.actions[0].targetID)
}

func TestPlanContradictionHighBandReplaces(t *testing.T) {
	provider := &scriptedProvider{answers: []string{"NO"}}
	store := newConflictStore(t, provider)
	seedVector(store, "mem_a", "alice", []float32{1, 0, 0, 0}, SourceImplicit)

	incoming := &MemoryVector{ID: "mem_b", UserID: "alice", Content: "new",
		Embedding: []float32{1, 0, 0, 0}, Source: SourceImplicit}
	plan, err := store.resolver.Plan(context.Background(), store, incoming)
	require.NoError(t, err)
	require.Len(t, plan.actions, 1)
	assert.Equal(t, actionReplaceOlder, plan.actions[0].kind)
}

func TestPlanExplicitWinsOverImplicit(t *testing.T) {
	provider := &scriptedProvider{answers: []string{"NO"}}
	store := newConflictStore(t, provider)
	seedVector(store, "mem_a", "alice", []float32{1, 0, 0, 0}, SourceExplicit)

	incoming := &MemoryVector{ID: "mem_b", UserID: "alice", Content: "new",
		Embedding: []float32{1, 0, 0, 0}, Source: SourceImplicit}
	plan, err := store.resolver.Plan(context.Background(), store, incoming)
	require.NoError(t, err)
	require.Len(t, plan.actions, 1)
	assert.Equal(t, actionDeprecateIncoming, plan.actions[0].kind)
	assert.Equal(t, "mem_a", plan.actions[0].targetID)
}

func TestPlanUnclearVerdictIsConservative(t *testing.T) {
	provider := &scriptedProvider{answers: []string{"well, it depends on the season"}}
	store := newConflictStore(t, provider)
	seedVector(store, "mem_a", "alice", []float32{1, 0, 0, 0}, SourceImplicit)

	incoming := &MemoryVector{ID: "mem_b", UserID: "alice", Content: "new",
		Embedding: []float32{1, 0, 0, 0}, Source: SourceImplicit}
	plan, err := store.resolver.Plan(context.Background(), store, incoming)
	require.NoError(t, err)
	assert.Empty(t, plan.actions, "unclear verdict never destroys data")
}

func TestPlanProviderFailureAborts(t *testing.T) {
	provider := &scriptedProvider{fail: aierrors.New(aierrors.ProviderUnavailable, "down")}
	store := newConflictStore(t, provider)
	seedVector(store, "mem_a", "alice", []float32{1, 0, 0, 0}, SourceImplicit)

	incoming := &MemoryVector{ID: "mem_b", UserID: "alice", Content: "new",
		Embedding: []float32{1, 0, 0, 0}, Source: SourceImplicit}
	_, err := store.resolver.Plan(context.Background(), store, incoming)
	require.Error(t, err)
	assert.Equal(t, aierrors.ProviderUnavailable, aierrors.From(err).Code)
}

func TestAddMemoryReplacesContradictedDuplicate(t *testing.T) {
	provider := &scriptedProvider{answers: []string{"NO"}}
	store := newConflictStore(t, provider)
	ctx := context.Background()

	older, err := store.AddMemory(ctx, "I live in Berlin", Metadata{UserID: "alice", Source: SourceImplicit}, 0.7)
	require.NoError(t, err)

	// Identical text embeds identically, landing in the replace band.
	newer, err := store.AddMemory(ctx, "I live in Berlin", Metadata{UserID: "alice", Source: SourceImplicit}, 0.7)
	require.NoError(t, err)

	_, ok := store.GetMemoryByID(older.ID)
	assert.False(t, ok, "contradicted near-duplicate is replaced")
	_, ok = store.GetMemoryByID(newer.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, store.Count())
}

func TestAddMemoryDeprecationHalvesImportance(t *testing.T) {
	provider := &scriptedProvider{answers: []string{"NO"}}
	store := newConflictStore(t, provider)
	seeded := seedVector(store, "mem_a", "alice", nil, SourceImplicit)

	// Give the seeded vector an embedding in the mid band relative to the
	// incoming content's hash embedding.
	emb, err := store.embed.Embed(context.Background(), "the user prefers tea over coffee most mornings")
	require.NoError(t, err)
	mid := midBandVector(emb.Vector)
	store.mu.Lock()
	store.vectors[seeded.ID].Embedding = mid
	store.mu.Unlock()

	_, err = store.AddMemory(context.Background(), "the user prefers tea over coffee most mornings",
		Metadata{UserID: "alice", Source: SourceImplicit}, 0.6)
	require.NoError(t, err)

	got, ok := store.GetMemoryByID(seeded.ID)
	require.True(t, ok)
	assert.True(t, got.Deprecated)
	assert.InDelta(t, 0.4, got.Importance, 1e-9, "importance halved on deprecation")
	assert.NotEmpty(t, got.SupersededBy)
}

// midBandVector builds a unit vector with cosine 0.8 against the unit
// vector q: 0.8·q plus 0.6 of an orthonormal direction.
func midBandVector(q []float32) []float32 {
	orth := make([]float32, len(q))
	orth[0] = 1
	proj := q[0]
	for i := range orth {
		orth[i] -= proj * q[i]
	}
	normalize(orth)

	mid := make([]float32, len(q))
	for i := range q {
		mid[i] = 0.8*q[i] + 0.6*orth[i]
	}
	return mid
}

func TestParseYesNo(t *testing.T) {
	testCases := []struct {
		input   string
		verdict bool
		ok      bool
	}{
		{"YES", true, true},
		{"yes", true, true},
		{"Yes, they are compatible.", true, true},
		{"NO", false, true},
		{"No. They contradict.", false, true},
		{"maybe", false, false},
		{"", false, false},
		{"It is unclear whether these hold.", false, false},
	}
	for _, tc := range testCases {
		verdict, ok := parseYesNo(tc.input)
		assert.Equal(t, tc.ok, ok, tc.input)
		if tc.ok {
			assert.Equal(t, tc.verdict, verdict, tc.input)
		}
	}
}
