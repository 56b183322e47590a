// Package orchestrator coordinates multiple bot personas over shared chat
// channels: a lead bot answers every user question, secondary bots observe
// the conversation and decide via the provider whether to join in.
package orchestrator

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/aviary-ai/aviary/ai/core/llm"
	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/observability/logging"
)

// Strategy selects how a bot participates.
type Strategy string

const (
	// StrategyAlwaysOnUserQuestion replies to every new user question.
	StrategyAlwaysOnUserQuestion Strategy = "alwaysOnUserQuestion"
	// StrategyAIDecide observes after a delay and asks the provider
	// whether to participate.
	StrategyAIDecide Strategy = "aiDecide"
)

// RoleConfig describes one bot persona.
type RoleConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Strategy    Strategy `yaml:"strategy"`
	// ObservationDelayMS delays aiDecide observation. 0 means the delay is
	// resolved once at startup by asking the provider.
	ObservationDelayMS int `yaml:"observationDelayMs"`
	// DecisionPrompt overrides the default participation question.
	DecisionPrompt string `yaml:"decisionPrompt"`
	// MaxObservationMessages bounds the history window. Default 20.
	MaxObservationMessages int `yaml:"maxObservationMessages"`
}

func (r *RoleConfig) applyDefaults() {
	if r.Strategy == "" {
		r.Strategy = StrategyAIDecide
	}
	if r.MaxObservationMessages <= 0 {
		r.MaxObservationMessages = 20
	}
}

func (r *RoleConfig) validate() error {
	if r.Name == "" {
		return aierrors.New(aierrors.ConfigInvalid, "role requires a name")
	}
	if r.Description == "" {
		return aierrors.Newf(aierrors.ConfigInvalid, "role %q requires a description", r.Name)
	}
	switch r.Strategy {
	case StrategyAlwaysOnUserQuestion, StrategyAIDecide:
		return nil
	default:
		return aierrors.Newf(aierrors.ConfigInvalid, "role %q has unknown strategy %q", r.Name, r.Strategy)
	}
}

type rolesFile struct {
	Roles []RoleConfig `yaml:"roles"`
}

// LoadRoles reads role definitions from a YAML file.
func LoadRoles(path string) ([]RoleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, aierrors.Wrap(err, aierrors.ConfigInvalid, "read roles file")
	}
	var file rolesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, aierrors.Wrap(err, aierrors.ConfigInvalid, "parse roles file")
	}
	if len(file.Roles) == 0 {
		return nil, aierrors.New(aierrors.ConfigInvalid, "roles file defines no roles")
	}
	for i := range file.Roles {
		file.Roles[i].applyDefaults()
		if err := file.Roles[i].validate(); err != nil {
			return nil, err
		}
	}
	return file.Roles, nil
}

// Observation delay bounds. A provider answer outside [minDelay, maxDelay]
// falls back to defaultDelay; the resolved value is fixed for the process
// lifetime.
const (
	minDelay     = 2 * time.Second
	maxDelay     = 15 * time.Second
	defaultDelay = 5 * time.Second
)

// resolveDelay determines a bot's observation delay. Configured delays are
// clamped; a zero delay asks the provider once.
func resolveDelay(ctx context.Context, provider llm.Provider, role RoleConfig) time.Duration {
	if role.ObservationDelayMS > 0 {
		return clampDelay(time.Duration(role.ObservationDelayMS) * time.Millisecond)
	}

	res := provider.Generate(ctx, []llm.Message{
		llm.SystemPrompt("Given a chat bot's role, pick how many seconds it should observe a " +
			"group conversation before deciding to join. Answer with a single integer between 2 and 15."),
		llm.UserMessage(role.Description),
	})
	if !res.IsOk() {
		logging.FromContext(ctx).Warn("delay resolution failed, using default",
			"bot", role.Name, "error", res.Failure())
		return defaultDelay
	}

	seconds, err := strconv.Atoi(strings.TrimSpace(res.Value().Text))
	if err != nil {
		return defaultDelay
	}
	d := time.Duration(seconds) * time.Second
	if d < minDelay || d > maxDelay {
		return defaultDelay
	}
	return d
}

func clampDelay(d time.Duration) time.Duration {
	if d < minDelay || d > maxDelay {
		return defaultDelay
	}
	return d
}
