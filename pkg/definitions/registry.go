// Package definitions loads and validates workflow definitions. Definitions
// are config-time artifacts: JSON files loaded at startup, immutable while
// executions run against them.
package definitions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/valueflows/conductor/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrDefinitionNotFound indicates no definition exists for the given ID.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrInvalidContext indicates the initial context failed the
	// definition's context schema.
	ErrInvalidContext = errors.New("initial context rejected by definition schema")
)

// Registry holds validated definitions keyed by ID, with their compiled
// context schemas.
type Registry struct {
	validate *validator.Validate
	logger   *slog.Logger

	mu      sync.RWMutex
	defs    map[string]*models.WorkflowDefinition
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("module", "definitions"),
		defs:     make(map[string]*models.WorkflowDefinition),
		schemas:  make(map[string]*gojsonschema.Schema),
	}
}

// LoadDir registers every *.json definition in a directory.
func (r *Registry) LoadDir(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("failed to read definitions directory: %w", err)
	}

	loaded := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read definition %s: %w", entry.Name(), err)
		}

		var definition models.WorkflowDefinition

		err = json.Unmarshal(raw, &definition)
		if err != nil {
			return fmt.Errorf("failed to parse definition %s: %w", entry.Name(), err)
		}

		err = r.Register(&definition)
		if err != nil {
			return fmt.Errorf("invalid definition %s: %w", entry.Name(), err)
		}

		loaded++
	}

	r.logger.Info("Loaded workflow definitions", "path", path, "count", loaded)

	return nil
}

// Register validates and stores one definition.
func (r *Registry) Register(definition *models.WorkflowDefinition) error {
	err := r.validate.Struct(definition)
	if err != nil {
		return fmt.Errorf("definition validation failed: %w", err)
	}

	err = validateStages(definition)
	if err != nil {
		return err
	}

	var schema *gojsonschema.Schema

	if len(definition.ContextSchema) > 0 {
		schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(definition.ContextSchema))
		if err != nil {
			return fmt.Errorf("invalid context schema for %s: %w", definition.ID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.defs[definition.ID] = definition
	if schema != nil {
		r.schemas[definition.ID] = schema
	}

	return nil
}

// Get returns the definition with the given ID.
func (r *Registry) Get(definitionID string) (*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definition, exists := r.defs[definitionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, definitionID)
	}

	return definition, nil
}

// All returns every registered definition sorted by ID.
func (r *Registry) All() []*models.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*models.WorkflowDefinition, 0, len(r.defs))
	for _, definition := range r.defs {
		all = append(all, definition)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	return all
}

// ValidateContext checks an initial context against the definition's schema,
// when one is declared.
func (r *Registry) ValidateContext(definitionID string, initialContext map[string]any) error {
	r.mu.RLock()
	schema, exists := r.schemas[definitionID]
	r.mu.RUnlock()

	if !exists {
		return nil
	}

	if initialContext == nil {
		initialContext = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(initialContext))
	if err != nil {
		return fmt.Errorf("context schema validation failed: %w", err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidContext, strings.Join(details, "; "))
	}

	return nil
}

// validateStages enforces the structural rules validator tags cannot
// express: unique stage names and known compensation wiring.
func validateStages(definition *models.WorkflowDefinition) error {
	seen := make(map[string]bool, len(definition.Stages))

	for _, stage := range definition.Stages {
		if seen[stage.Name] {
			return fmt.Errorf("duplicate stage name %q in definition %s", stage.Name, definition.ID)
		}

		seen[stage.Name] = true

		retryCfg := definition.StageRetry(stage)
		if retryCfg.MaxAttempts < 1 {
			return fmt.Errorf("stage %q in definition %s has no retry budget", stage.Name, definition.ID)
		}
	}

	return nil
}
