// Package web provides HTTP request and response types for the execution API.
package web

import (
	"time"

	"github.com/valueflows/conductor/pkg/models"
)

// StartExecutionRequest is the request body for starting a workflow
// execution. When Async is set the execution is created and handed to a
// worker over the event bus instead of running inline.
type StartExecutionRequest struct {
	DefinitionID string         `json:"definition_id" validate:"required"`
	Context      map[string]any `json:"context"`
	Async        bool           `json:"async"`
}

// ExecutionResponse is the API view of a workflow execution.
type ExecutionResponse struct {
	ID                string                 `json:"id"`
	DefinitionID      string                 `json:"definition_id"`
	Status            models.ExecutionStatus `json:"status"`
	CurrentStageIndex int                    `json:"current_stage_index"`
	CompletedStages   []models.StageResult   `json:"completed_stages,omitempty"`
	Context           map[string]any         `json:"context"`
	StageAttempts     map[string]int         `json:"stage_attempts,omitempty"`
	CancelRequested   bool                   `json:"cancel_requested"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	Deadline          *time.Time             `json:"deadline,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
}

// NewExecutionResponse maps the persisted execution onto the API view.
func NewExecutionResponse(execution *models.WorkflowExecution) *ExecutionResponse {
	return &ExecutionResponse{
		ID:                execution.ID,
		DefinitionID:      execution.DefinitionID,
		Status:            execution.Status,
		CurrentStageIndex: execution.CurrentStageIndex,
		CompletedStages:   execution.CompletedStages,
		Context:           execution.Context,
		StageAttempts:     execution.StageAttempts,
		CancelRequested:   execution.CancelRequested,
		ErrorMessage:      execution.ErrorMessage,
		Deadline:          execution.Deadline,
		CreatedAt:         execution.CreatedAt,
		UpdatedAt:         execution.UpdatedAt,
		CompletedAt:       execution.CompletedAt,
	}
}

// DefinitionResponse is the API view of a registered workflow definition.
// Stage internals such as retry budgets stay server-side.
type DefinitionResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Stages      []string `json:"stages"`
}

func NewDefinitionResponse(definition *models.WorkflowDefinition) *DefinitionResponse {
	stages := make([]string, 0, len(definition.Stages))
	for _, stage := range definition.Stages {
		stages = append(stages, stage.Name)
	}

	return &DefinitionResponse{
		ID:          definition.ID,
		Name:        definition.Name,
		Description: definition.Description,
		Stages:      stages,
	}
}
