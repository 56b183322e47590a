package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/pkg/errors"
)

func TestRegistryRegisterAndCatalog(t *testing.T) {
	registry := newTestRegistry(t)

	catalog := registry.Catalog()
	assert.Contains(t, catalog, "weather: look up the current weather")
	assert.Contains(t, catalog, "web-search: search the web")
	assert.Equal(t, []string{"weather", "web-search"}, registry.Names())

	// Cached until the registry changes.
	assert.Equal(t, catalog, registry.Catalog())

	require.NoError(t, registry.Register(&FuncSkill{
		SkillName:        "reminder",
		SkillDescription: "set a reminder",
		Fn:               func(context.Context, string) (string, error) { return "", nil },
	}))
	assert.Contains(t, registry.Catalog(), "reminder: set a reminder")
}

func TestRegistryUnregisterInvalidatesCatalog(t *testing.T) {
	registry := newTestRegistry(t)
	require.Contains(t, registry.Catalog(), "weather")

	assert.True(t, registry.Unregister("weather"))
	assert.NotContains(t, registry.Catalog(), "weather")
	assert.False(t, registry.Unregister("weather"))
}

func TestRegistryRejectsNamelessSkill(t *testing.T) {
	registry := NewRegistry()
	err := registry.Register(&FuncSkill{})
	assert.Error(t, err)
}

func TestRegistryExecute(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	output, err := registry.Execute(ctx, "weather", "Berlin")
	require.NoError(t, err)
	assert.Equal(t, "sunny in Berlin", output)

	_, err = registry.Execute(ctx, "nope", "x")
	assert.Equal(t, aierrors.SkillNotFound, aierrors.From(err).Code)
}

func TestRegistryExecuteFailure(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&FuncSkill{
		SkillName:        "broken",
		SkillDescription: "always fails",
		Fn: func(context.Context, string) (string, error) {
			return "", errors.New("boom")
		},
	}))

	_, err := registry.Execute(context.Background(), "broken", "x")
	assert.Equal(t, aierrors.SkillExecutionFailed, aierrors.From(err).Code)
}

func TestClarificationPhrasing(t *testing.T) {
	assert.Equal(t, "Which location do you mean?", ClarificationFor([]string{"location"}))
	assert.Equal(t, "What should I search for?", ClarificationFor([]string{"unknown-slot", "keyword"}))
	assert.Equal(t, "Could you tell me the deadline?", ClarificationFor([]string{"Deadline"}))
	assert.Equal(t, "Could you give me a bit more detail?", ClarificationFor(nil))
}
