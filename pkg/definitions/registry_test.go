package definitions

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valueflows/conductor/pkg/models"
)

func testRegistry() *Registry {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return NewRegistry(logger)
}

func testDefinition(id string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:   id,
		Name: "Test Pipeline",
		Stages: []models.StageSpec{
			{Name: "opportunity", Agent: "opportunity", Compensation: "integrity", AttemptTimeoutMs: 1000},
			{Name: "target", Agent: "target", AttemptTimeoutMs: 1000},
		},
		Retry: models.RetryConfig{MaxAttempts: 3, BaseDelayMs: 10, MaxDelayMs: 100},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := testRegistry()

	require.NoError(t, registry.Register(testDefinition("pipeline")))

	definition, err := registry.Get("pipeline")
	require.NoError(t, err)
	assert.Equal(t, "pipeline", definition.ID)
	assert.Len(t, definition.Stages, 2)
}

func TestRegistry_GetUnknown(t *testing.T) {
	registry := testRegistry()

	_, err := registry.Get("ghost")
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestRegistry_RegisterRejectsMissingFields(t *testing.T) {
	registry := testRegistry()

	definition := testDefinition("pipeline")
	definition.Stages[0].Agent = ""

	assert.Error(t, registry.Register(definition))
}

func TestRegistry_RegisterRejectsDuplicateStageNames(t *testing.T) {
	registry := testRegistry()

	definition := testDefinition("pipeline")
	definition.Stages[1].Name = "opportunity"

	err := registry.Register(definition)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate stage name")
}

func TestRegistry_RegisterRejectsZeroRetryBudget(t *testing.T) {
	registry := testRegistry()

	definition := testDefinition("pipeline")
	definition.Retry = models.RetryConfig{}
	definition.Retry.MaxAttempts = 1
	definition.Stages[0].Retry = &models.RetryConfig{MaxAttempts: 0}

	// The dive validation catches the explicit zero before stage checks do.
	assert.Error(t, registry.Register(definition))
}

func TestRegistry_All_SortedByID(t *testing.T) {
	registry := testRegistry()

	require.NoError(t, registry.Register(testDefinition("zeta")))
	require.NoError(t, registry.Register(testDefinition("alpha")))

	all := registry.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].ID)
	assert.Equal(t, "zeta", all[1].ID)
}

func TestRegistry_ValidateContext(t *testing.T) {
	registry := testRegistry()

	definition := testDefinition("pipeline")
	definition.ContextSchema = json.RawMessage(`{
		"type": "object",
		"required": ["account_id"],
		"properties": {"account_id": {"type": "string", "minLength": 1}}
	}`)
	require.NoError(t, registry.Register(definition))

	assert.NoError(t, registry.ValidateContext("pipeline", map[string]any{"account_id": "acct-1"}))

	err := registry.ValidateContext("pipeline", map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidContext)

	err = registry.ValidateContext("pipeline", map[string]any{"account_id": 42})
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestRegistry_ValidateContext_NoSchemaAcceptsAnything(t *testing.T) {
	registry := testRegistry()

	require.NoError(t, registry.Register(testDefinition("pipeline")))

	assert.NoError(t, registry.ValidateContext("pipeline", nil))
	assert.NoError(t, registry.ValidateContext("pipeline", map[string]any{"whatever": true}))
}

func TestRegistry_RegisterRejectsMalformedSchema(t *testing.T) {
	registry := testRegistry()

	definition := testDefinition("pipeline")
	definition.ContextSchema = json.RawMessage(`{"type": 42}`)

	assert.Error(t, registry.Register(definition))
}

func TestRegistry_LoadDir(t *testing.T) {
	dir := t.TempDir()

	definition := testDefinition("from-disk")
	raw, err := json.Marshal(definition)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "from-disk.json"), raw, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o600))

	registry := testRegistry()
	require.NoError(t, registry.LoadDir(dir))

	loaded, err := registry.Get("from-disk")
	require.NoError(t, err)
	assert.Equal(t, "Test Pipeline", loaded.Name)
}

func TestRegistry_LoadDir_InvalidDefinitionFails(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"id": "bad"}`), 0o600))

	registry := testRegistry()
	assert.Error(t, registry.LoadDir(dir))
}
