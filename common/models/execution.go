package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the execution lifecycle state
type ExecutionStatus string

const (
	ExecutionNew      ExecutionStatus = "NEW"
	ExecutionRunning  ExecutionStatus = "RUNNING"
	ExecutionPaused   ExecutionStatus = "PAUSED"
	ExecutionSuccess  ExecutionStatus = "SUCCESS"
	ExecutionError    ExecutionStatus = "ERROR"
	ExecutionCanceled ExecutionStatus = "CANCELED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionError, ExecutionCanceled:
		return true
	}
	return false
}

// NodeStatus is the per-node result state
type NodeStatus string

const (
	NodeSuccess NodeStatus = "SUCCESS"
	NodeError   NodeStatus = "ERROR"
	NodeSkipped NodeStatus = "SKIPPED"
	NodePaused  NodeStatus = "PAUSED"
)

// TriggerInfo captures how an execution was started
type TriggerInfo struct {
	Type      NodeType               `json:"type"`
	Subtype   string                 `json:"subtype"`
	NodeID    string                 `json:"node_id"`
	RawEvent  map[string]interface{} `json:"raw_event,omitempty"`
	InputData map[string]interface{} `json:"input_data,omitempty"`
}

// NodeExecutionResult is the outcome of one node dispatch
type NodeExecutionResult struct {
	Status       NodeStatus             `json:"status"`
	OutputData   map[string]interface{} `json:"output_data,omitempty"`
	OutputPort   string                 `json:"output_port,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ErrorDetails map[string]interface{} `json:"error_details,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at"`
	Attempts     int                    `json:"attempts,omitempty"`
	Logs         []string               `json:"logs,omitempty"`
	// Pause is set on PAUSED results and carries what the engine needs to
	// suspend and later resume the execution.
	Pause *PendingPause `json:"pause,omitempty"`
}

// PortOutput returns the value emitted on a port. For single-port results the
// whole OutputData map is the value on OutputPort.
func (r *NodeExecutionResult) PortOutput(port string) (interface{}, bool) {
	if r.OutputPort != "" {
		if r.OutputPort != port {
			return nil, false
		}
		return r.OutputData, true
	}
	if v, ok := r.OutputData[port]; ok {
		return v, true
	}
	return nil, false
}

// PendingPause is the persisted resume state of a PAUSED execution
type PendingPause struct {
	NodeID        string                 `json:"node_id"`
	InteractionID string                 `json:"interaction_id"`
	ResumeToken   string                 `json:"resume_token"`
	Channel       string                 `json:"channel"`
	ChannelConfig map[string]interface{} `json:"channel_config,omitempty"`
	Question      string                 `json:"question,omitempty"`
	// Frontier holds node ids whose inputs were satisfied when the pause hit.
	Frontier []string `json:"frontier,omitempty"`
	// LoopCounters preserves LOOP iteration state across the pause.
	LoopCounters map[string]int `json:"loop_counters,omitempty"`
	Timeout      time.Duration  `json:"timeout_ns"`
	PausedAt     time.Time      `json:"paused_at"`

	ApprovedMessage string `json:"approved_message,omitempty"`
	RejectedMessage string `json:"rejected_message,omitempty"`
	TimeoutMessage  string `json:"timeout_message,omitempty"`
	// TimeoutPort, when set, routes a timed-out pause to a branch instead of
	// failing the execution.
	TimeoutPort string `json:"timeout_port,omitempty"`
}

// Execution represents a stored execution row.
// Maps to: execution table
type Execution struct {
	ExecutionID       string          `db:"execution_id" json:"execution_id"`
	WorkflowID        string          `db:"workflow_id" json:"workflow_id"`
	WorkflowVersion   int             `db:"workflow_version" json:"workflow_version"`
	DeploymentVersion int             `db:"deployment_version" json:"deployment_version"`
	OwnerUserID       string          `db:"owner_user_id" json:"owner_user_id"`
	TriggerInfo       json.RawMessage `db:"trigger_info" json:"trigger_info"`
	Status            ExecutionStatus `db:"status" json:"status"`
	StartTime         *time.Time      `db:"start_time" json:"start_time,omitempty"`
	EndTime           *time.Time      `db:"end_time" json:"end_time,omitempty"`
	ExecutionSequence []string        `db:"execution_sequence" json:"execution_sequence"`
	NodeResults       json.RawMessage `db:"node_results" json:"node_results"`
	FinalOutput       json.RawMessage `db:"final_output" json:"final_output,omitempty"`
	ErrorMessage      string          `db:"error_message" json:"error_message,omitempty"`
	PendingPause      json.RawMessage `db:"pending_pause" json:"pending_pause,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// DecodeTriggerInfo unmarshals the trigger info blob.
func (e *Execution) DecodeTriggerInfo() (*TriggerInfo, error) {
	var ti TriggerInfo
	if err := json.Unmarshal(e.TriggerInfo, &ti); err != nil {
		return nil, err
	}
	return &ti, nil
}

// DecodeNodeResults unmarshals the node results map.
func (e *Execution) DecodeNodeResults() (map[string]*NodeExecutionResult, error) {
	results := map[string]*NodeExecutionResult{}
	if len(e.NodeResults) == 0 {
		return results, nil
	}
	if err := json.Unmarshal(e.NodeResults, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// DecodePendingPause unmarshals the pause state. Returns nil when the
// execution is not paused.
func (e *Execution) DecodePendingPause() (*PendingPause, error) {
	if len(e.PendingPause) == 0 || string(e.PendingPause) == "null" {
		return nil, nil
	}
	var pp PendingPause
	if err := json.Unmarshal(e.PendingPause, &pp); err != nil {
		return nil, err
	}
	return &pp, nil
}
