package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aviary-ai/aviary/ai/core/llm"
	"github.com/aviary-ai/aviary/ai/metrics"
	"github.com/aviary-ai/aviary/ai/observability/logging"
)

const (
	defaultConflictTopK = 10
	// Below coexistThreshold memories coexist without any provider call.
	coexistThreshold = 0.7
	// At or above replaceThreshold a contradictory older memory is replaced
	// outright instead of deprecated.
	replaceThreshold = 0.9
)

// ConflictResolver classifies an incoming memory against the user's most
// similar existing memories: an embedding pre-filter picks candidates, the
// provider answers a compatibility question only for the ambiguous band.
type ConflictResolver struct {
	provider llm.Provider
	exporter *metrics.Exporter
	topK     int
}

// NewConflictResolver builds a resolver. exporter may be nil.
func NewConflictResolver(provider llm.Provider, exporter *metrics.Exporter) *ConflictResolver {
	return &ConflictResolver{
		provider: provider,
		exporter: exporter,
		topK:     defaultConflictTopK,
	}
}

type planActionKind string

const (
	actionDeprecateOlder    planActionKind = "deprecate"
	actionReplaceOlder      planActionKind = "replace"
	actionDeprecateIncoming planActionKind = "explicit_wins"
)

type planAction struct {
	kind     planActionKind
	targetID string
}

// resolutionPlan is computed outside the store lock and applied inside it.
type resolutionPlan struct {
	incoming *MemoryVector
	actions  []planAction
}

// Plan inspects the top-K similar same-user memories and decides what the
// incoming vector displaces. Provider failures surface as errors; the caller
// aborts the add rather than storing an unresolved conflict.
func (r *ConflictResolver) Plan(ctx context.Context, store *Store, incoming *MemoryVector) (*resolutionPlan, error) {
	candidates := store.topSimilar(incoming.UserID, incoming.Embedding, r.topK)
	plan := &resolutionPlan{incoming: incoming}
	logger := logging.FromContext(ctx)

	for _, cand := range candidates {
		if cand.similarity < coexistThreshold {
			// Candidates are sorted by similarity, nothing below the floor
			// can conflict.
			break
		}
		if cand.vector.Deprecated {
			continue
		}

		compatible, err := r.askCompatible(ctx, cand.vector.Content, incoming.Content)
		if err != nil {
			return nil, err
		}
		if compatible {
			r.count("coexist")
			continue
		}

		// Contradiction. An implicit newcomer never displaces an explicit
		// statement; everything else displaces the older memory, harder the
		// closer the texts are.
		switch {
		case incoming.Source == SourceImplicit && cand.vector.Source == SourceExplicit:
			r.count("explicit_wins")
			plan.actions = append(plan.actions, planAction{kind: actionDeprecateIncoming, targetID: cand.vector.ID})
		case cand.similarity >= replaceThreshold:
			r.count("replace")
			logger.Info("replacing contradicted memory",
				"old_id", cand.vector.ID,
				"new_id", incoming.ID,
				"similarity", cand.similarity,
			)
			plan.actions = append(plan.actions, planAction{kind: actionReplaceOlder, targetID: cand.vector.ID})
		default:
			r.count("deprecate")
			plan.actions = append(plan.actions, planAction{kind: actionDeprecateOlder, targetID: cand.vector.ID})
		}
	}
	return plan, nil
}

func (r *ConflictResolver) count(resolution string) {
	if r.exporter != nil {
		r.exporter.RecordMemoryConflict(resolution)
	}
}

// askCompatible asks the provider whether two statements can both hold.
// Anything but an unambiguous NO counts as compatible, so a confused model
// never destroys data.
func (r *ConflictResolver) askCompatible(ctx context.Context, existing, incoming string) (bool, error) {
	messages := []llm.Message{
		llm.SystemPrompt("You judge whether two statements about the same person can both be true at the same time. Answer with exactly one word: YES if they are compatible, NO if they contradict each other."),
		llm.UserMessage(fmt.Sprintf("Statement A: %s\nStatement B: %s\nCompatible?", existing, incoming)),
	}
	res := r.provider.Generate(ctx, messages)
	if !res.IsOk() {
		return false, res.Failure()
	}
	verdict, ok := parseYesNo(res.Value().Text)
	if !ok {
		return true, nil
	}
	return verdict, nil
}

// parseYesNo extracts a leading YES/NO verdict. Returns ok=false when the
// answer is anything else.
func parseYesNo(text string) (verdict, ok bool) {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(text)))
	if len(fields) == 0 {
		return false, false
	}
	switch strings.Trim(fields[0], ".,!:") {
	case "YES":
		return true, true
	case "NO":
		return false, true
	default:
		return false, false
	}
}

// applyPlanLocked replays the plan's actions against current state under the
// write lock, recording each mutation in the transaction. Targets deleted
// since planning are skipped.
func (s *Store) applyPlanLocked(tx *Transaction, plan *resolutionPlan) error {
	for _, action := range plan.actions {
		target, ok := s.vectors[action.targetID]
		switch action.kind {
		case actionDeprecateOlder:
			if !ok {
				continue
			}
			prior := target.Clone()
			target.Deprecated = true
			target.Importance = ClampImportance(target.Importance / 2)
			target.SupersededBy = plan.incoming.ID
			tx.record(OpResolveConflict, target.ID, prior, target)
			s.dirty[target.UserID] = struct{}{}
		case actionReplaceOlder:
			if !ok {
				continue
			}
			tx.record(OpResolveConflict, target.ID, target, nil)
			s.deleteLocked(target.ID)
			s.dirty[target.UserID] = struct{}{}
		case actionDeprecateIncoming:
			plan.incoming.Deprecated = true
			plan.incoming.Importance = ClampImportance(plan.incoming.Importance / 2)
			plan.incoming.SupersededBy = action.targetID
		}
	}
	return nil
}

// scoredCandidate pairs a vector with its cosine similarity to a probe.
type scoredCandidate struct {
	vector     *MemoryVector
	similarity float64
}

// topSimilar returns clones of the k most similar vectors of one user,
// sorted by descending similarity.
func (s *Store) topSimilar(userID string, embedding []float32, k int) []scoredCandidate {
	s.mu.RLock()
	ids := s.byUser[userID]
	candidates := make([]scoredCandidate, 0, len(ids))
	for id := range ids {
		vec := s.vectors[id]
		candidates = append(candidates, scoredCandidate{
			vector:     vec.Clone(),
			similarity: cosineSimilarity(embedding, vec.Embedding),
		})
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].similarity > candidates[j].similarity
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}
