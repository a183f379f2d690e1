package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/valueflows/conductor/pkg/models"
)

var (
	// ErrUnknownTarget is returned when no endpoint is configured for a target.
	ErrUnknownTarget = errors.New("unknown agent target")
	// ErrAgentServerError is returned for 5xx agent responses.
	ErrAgentServerError = errors.New("agent server error")
)

// HTTPInvoker calls agents over HTTP/JSON. Each target maps to a base URL;
// the invocation endpoint is POST <base>/api/<target>/process, matching the
// agent services' contract.
type HTTPInvoker struct {
	endpoints map[string]string
	client    *http.Client
	logger    *slog.Logger
}

// NewHTTPInvoker creates an invoker from a target -> base URL map. The
// client carries no timeout of its own: each attempt arrives with a
// deadline-bearing context, and a client-level timeout would silently cap
// stages configured with a longer attempt budget.
func NewHTTPInvoker(endpoints map[string]string, logger *slog.Logger) *HTTPInvoker {
	normalized := make(map[string]string, len(endpoints))
	for target, base := range endpoints {
		normalized[target] = strings.TrimRight(base, "/")
	}

	return &HTTPInvoker{
		endpoints: normalized,
		client:    &http.Client{},
		logger:    logger.With("module", "http_invoker"),
	}
}

// Invoke performs one attempt against the target agent.
func (i *HTTPInvoker) Invoke(ctx context.Context, target string, req StageRequest) (*StageResponse, error) {
	base, ok := i.endpoints[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stage request: %w", err)
	}

	url := base + "/api/" + target + "/process"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	i.logger.DebugContext(ctx, "Invoking agent",
		"target", target,
		"stage", req.StageName,
		"execution_id", req.ExecutionID,
	)

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			i.logger.ErrorContext(ctx, "failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrAgentServerError, target, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return &StageResponse{
			Success: false,
			Error: &models.StageError{
				Kind:    models.ErrorKindRemote,
				Message: fmt.Sprintf("%s rejected request with status %d: %s", target, resp.StatusCode, truncate(payload)),
			},
		}, nil
	}

	var stageResp StageResponse

	err = json.Unmarshal(payload, &stageResp)
	if err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}

	return &stageResp, nil
}

const maxErrorBody = 256

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}

	return string(body)
}
