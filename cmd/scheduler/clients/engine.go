package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

// EngineClient calls the engine's execution API
type EngineClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewEngineClient creates a new engine client
func NewEngineClient(baseURL string) *EngineClient {
	return &EngineClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 45 * time.Second,
		},
	}
}

// ExecuteRequest is the engine's execute payload
type ExecuteRequest struct {
	TriggerInfo *models.TriggerInfo    `json:"trigger_info"`
	InputData   map[string]interface{} `json:"input_data,omitempty"`
	// Wait asks the engine to hold the response until the execution
	// finishes, capped at the engine's sync window.
	Wait bool `json:"wait,omitempty"`
}

// ExecuteResponse is the engine's execute reply
type ExecuteResponse struct {
	ExecutionID string                 `json:"execution_id"`
	Status      models.ExecutionStatus `json:"status"`
	FinalOutput map[string]interface{} `json:"final_output,omitempty"`
}

// Execute submits an execution request for a workflow
func (c *EngineClient) Execute(ctx context.Context, workflowID, actor string, req *ExecuteRequest) (*ExecuteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execute request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/workflows/%s/execute", c.baseURL, workflowID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if actor != "" {
		httpReq.Header.Set("X-User-ID", actor)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "engine unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "failed to read engine response", err)
	}

	if resp.StatusCode >= 400 {
		var errBody struct {
			ErrorCode errs.Kind `json:"error_code"`
			Message   string    `json:"message"`
		}
		if json.Unmarshal(respBody, &errBody) == nil && errBody.Message != "" {
			return nil, errs.Newf(errBody.ErrorCode, "engine rejected execution: %s", errBody.Message)
		}
		return nil, errs.Newf(errs.KindInternal, "engine returned status %d", resp.StatusCode)
	}

	var out ExecuteResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode engine response: %w", err)
	}

	return &out, nil
}
