// Package routing implements the two-stage intent router: a skill registry
// with a cached catalog, an LLM candidate pre-selection stage, and an LLM
// decision stage gated by a confidence threshold.
package routing

import (
	"context"
	"sort"
	"strings"
	"sync"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
)

// Skill is an executable capability the router can dispatch to.
type Skill interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input string) (string, error)
}

// FuncSkill adapts a plain function into a Skill.
type FuncSkill struct {
	SkillName        string
	SkillDescription string
	Fn               func(ctx context.Context, input string) (string, error)
}

func (s *FuncSkill) Name() string        { return s.SkillName }
func (s *FuncSkill) Description() string { return s.SkillDescription }

func (s *FuncSkill) Execute(ctx context.Context, input string) (string, error) {
	return s.Fn(ctx, input)
}

// Registry holds the registered skills. The rendered catalog used in router
// prompts is cached and invalidated on every registration change.
type Registry struct {
	mu      sync.RWMutex
	skills  map[string]Skill
	catalog string // cached prompt rendering, "" when stale
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill)}
}

// Register adds or replaces a skill by name.
func (r *Registry) Register(skill Skill) error {
	if skill == nil || skill.Name() == "" {
		return aierrors.New(aierrors.InputValidationFailed, "skill requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[skill.Name()] = skill
	r.catalog = ""
	return nil
}

// Unregister removes a skill. Returns false when absent.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.skills[name]; !ok {
		return false
	}
	delete(r.skills, name)
	r.catalog = ""
	return true
}

// Get returns a skill by name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.skills[name]
	return skill, ok
}

// Names returns the registered skill names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered skills.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skills)
}

// Catalog renders the name+description list used in router prompts. The
// rendering is cached until the registry changes.
func (r *Registry) Catalog() string {
	r.mu.RLock()
	if r.catalog != "" {
		defer r.mu.RUnlock()
		return r.catalog
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.catalog != "" {
		return r.catalog
	}
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(r.skills[name].Description())
		b.WriteString("\n")
	}
	r.catalog = b.String()
	return r.catalog
}

// Execute dispatches input to a named skill.
func (r *Registry) Execute(ctx context.Context, name, input string) (string, error) {
	skill, ok := r.Get(name)
	if !ok {
		return "", aierrors.Newf(aierrors.SkillNotFound, "skill %q is not registered", name)
	}
	output, err := skill.Execute(ctx, input)
	if err != nil {
		return "", aierrors.Wrapf(err, aierrors.SkillExecutionFailed, "skill %q failed", name)
	}
	return output, nil
}
