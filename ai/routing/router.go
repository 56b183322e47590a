package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/aviary-ai/aviary/ai/core/llm"
	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/observability/logging"
	"github.com/aviary-ai/aviary/ai/result"
)

// Action is the router's verdict on a user message.
type Action string

const (
	ActionRunSkill   Action = "run_skill"
	ActionModelReply Action = "model_reply"
	ActionClarify    Action = "clarify"
)

// DefaultThreshold is the confidence gate for run_skill decisions.
const DefaultThreshold = 0.72

// maxCandidates caps the stage-A shortlist.
const maxCandidates = 3

// Decision is the outcome of routing one message.
type Decision struct {
	Action            Action   `json:"action"`
	SkillName         string   `json:"skillName,omitempty"`
	SkillInput        string   `json:"skillInput,omitempty"`
	ClarificationText string   `json:"clarificationText,omitempty"`
	Confidence        float64  `json:"confidence"`
	Candidates        []string `json:"candidates"`
	Reasoning         string   `json:"reasoning,omitempty"`
}

// Router decides what to do with a user message in two provider calls:
// stage A shortlists candidate skills by name, stage B picks the action and
// extracts the skill input. The confidence threshold is fixed per router,
// never per input.
type Router struct {
	provider  llm.Provider
	registry  *Registry
	threshold float64
}

// NewRouter builds a router. threshold <= 0 takes the default.
func NewRouter(provider llm.Provider, registry *Registry, threshold float64) *Router {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Router{provider: provider, registry: registry, threshold: threshold}
}

// Threshold returns the active confidence gate.
func (r *Router) Threshold() float64 { return r.threshold }

// Route classifies input. convContext carries recent conversation lines and
// may be empty. A provider failure surfaces as-is; an unusable decision
// payload becomes INTENT_NO_DECISION so the caller can fall back to a plain
// model reply.
func (r *Router) Route(ctx context.Context, input, convContext string) result.Result[*Decision] {
	if strings.TrimSpace(input) == "" {
		return result.Fail[*Decision](aierrors.New(aierrors.InputValidationFailed, "route input is empty"))
	}
	logger := logging.FromContext(ctx)

	if r.registry.Len() == 0 {
		return result.Ok(&Decision{
			Action:     ActionModelReply,
			Candidates: []string{},
			Reasoning:  "no skills registered",
		})
	}

	candidates, res := r.stageA(ctx, input)
	if res != nil {
		return *res
	}
	if len(candidates) == 0 {
		logger.Debug("no skill candidates, replying conversationally")
		return result.Ok(&Decision{
			Action:     ActionModelReply,
			Candidates: []string{},
			Reasoning:  "no candidate skill matched",
		})
	}

	decision, res := r.stageB(ctx, input, convContext, candidates)
	if res != nil {
		return *res
	}
	return result.Ok(r.gate(ctx, decision, candidates))
}

type stageAPayload struct {
	Candidates []string `json:"candidates"`
}

// stageA shortlists up to three registered skills by name only.
func (r *Router) stageA(ctx context.Context, input string) ([]string, *result.Result[*Decision]) {
	messages := []llm.Message{
		llm.SystemPrompt("You shortlist skills that might handle a user message. " +
			"Available skills:\n" + r.registry.Catalog() +
			"Respond with JSON only: {\"candidates\": [\"skill-name\", ...]} " +
			"with zero to three names from the list. Small talk and questions a " +
			"conversational assistant can answer directly get an empty list."),
		llm.UserMessage(input),
	}
	res := r.provider.Generate(ctx, messages)
	if !res.IsOk() {
		fail := result.Fail[*Decision](res.Failure())
		return nil, &fail
	}

	var payload stageAPayload
	if !llm.DecodeJSON(res.Value().Text, &payload) {
		// A garbled shortlist is not fatal: treat it as no candidates.
		logging.FromContext(ctx).Warn("unparseable candidate shortlist", "text", res.Value().Text)
		return nil, nil
	}

	seen := make(map[string]struct{}, len(payload.Candidates))
	candidates := make([]string, 0, maxCandidates)
	for _, name := range payload.Candidates {
		name = strings.TrimSpace(name)
		if _, ok := r.registry.Get(name); !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		candidates = append(candidates, name)
		if len(candidates) == maxCandidates {
			break
		}
	}
	return candidates, nil
}

type stageBPayload struct {
	Action       string   `json:"action"`
	Name         string   `json:"name"`
	Input        string   `json:"input"`
	Confidence   float64  `json:"confidence"`
	MissingSlots []string `json:"missingSlots"`
	Reason       string   `json:"reason"`
}

// stageB picks the action among the shortlisted candidates.
func (r *Router) stageB(ctx context.Context, input, convContext string, candidates []string) (*stageBPayload, *result.Result[*Decision]) {
	var catalog strings.Builder
	for _, name := range candidates {
		skill, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		fmt.Fprintf(&catalog, "- %s: %s\n", name, skill.Description())
	}

	system := "You decide how an assistant should handle a user message. " +
		"Candidate skills:\n" + catalog.String() +
		"Respond with JSON only: {\"action\": \"run_skill\"|\"model_reply\"|\"clarify\", " +
		"\"name\": \"<skill>\", \"input\": \"<extracted skill input>\", " +
		"\"confidence\": 0.0-1.0, \"missingSlots\": [\"<slot>\"], \"reason\": \"...\"}. " +
		"Use clarify with missingSlots when a required detail (location, keyword, " +
		"date, url, email, ...) is absent."
	if convContext != "" {
		system += "\nRecent conversation:\n" + convContext
	}

	res := r.provider.Generate(ctx, []llm.Message{
		llm.SystemPrompt(system),
		llm.UserMessage(input),
	})
	if !res.IsOk() {
		fail := result.Fail[*Decision](res.Failure())
		return nil, &fail
	}

	var payload stageBPayload
	if !llm.DecodeJSON(res.Value().Text, &payload) {
		fail := result.Fail[*Decision](
			aierrors.New(aierrors.IntentNoDecision, "decision payload is not valid JSON"))
		return nil, &fail
	}
	switch Action(payload.Action) {
	case ActionRunSkill, ActionModelReply, ActionClarify:
	default:
		fail := result.Fail[*Decision](
			aierrors.Newf(aierrors.IntentNoDecision, "unknown action %q", payload.Action))
		return nil, &fail
	}
	return &payload, nil
}

// gate applies the confidence threshold and slot-based clarification rules
// to the raw stage-B payload.
func (r *Router) gate(ctx context.Context, payload *stageBPayload, candidates []string) *Decision {
	decision := &Decision{
		Action:     Action(payload.Action),
		Confidence: clampConfidence(payload.Confidence),
		Candidates: candidates,
		Reasoning:  payload.Reason,
	}

	switch decision.Action {
	case ActionRunSkill:
		if _, ok := r.registry.Get(payload.Name); !ok {
			logging.FromContext(ctx).Warn("decision named an unregistered skill",
				"skill", payload.Name)
			decision.Action = ActionModelReply
			return decision
		}
		if decision.Confidence < r.threshold {
			if len(payload.MissingSlots) > 0 {
				decision.Action = ActionClarify
				decision.ClarificationText = ClarificationFor(payload.MissingSlots)
			} else {
				decision.Action = ActionModelReply
			}
			return decision
		}
		decision.SkillName = payload.Name
		decision.SkillInput = payload.Input
	case ActionClarify:
		decision.ClarificationText = ClarificationFor(payload.MissingSlots)
	}
	return decision
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
