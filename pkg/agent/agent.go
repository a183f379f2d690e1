// Package agent defines the boundary to remote stage executors. The
// orchestrator treats every agent as an opaque request/response service; it
// only depends on this contract and a timeout.
package agent

import (
	"context"

	"github.com/valueflows/conductor/pkg/models"
)

// StageRequest is the structured payload sent to an agent for one attempt.
type StageRequest struct {
	StageName   string         `json:"stage_name"`
	ExecutionID string         `json:"execution_id"`
	Context     map[string]any `json:"context,omitempty"`
}

// StageResponse is the structured agent reply. Output is merged into the
// execution context on success.
type StageResponse struct {
	Success bool               `json:"success"`
	Output  map[string]any     `json:"output,omitempty"`
	Error   *models.StageError `json:"error,omitempty"`
}

// Invoker issues one attempt against a target agent. Transport-level
// failures are returned as errors; an agent that answered but reported
// failure comes back as a response with Success=false.
type Invoker interface {
	Invoke(ctx context.Context, target string, req StageRequest) (*StageResponse, error)
}
