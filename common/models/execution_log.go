package models

import (
	"encoding/json"
	"time"
)

// LogEventType is the structured event enum for execution log entries
type LogEventType string

const (
	EventExecutionStarted  LogEventType = "execution_started"
	EventExecutionFinished LogEventType = "execution_finished"
	EventExecutionPaused   LogEventType = "execution_paused"
	EventExecutionResumed  LogEventType = "execution_resumed"
	EventExecutionCanceled LogEventType = "execution_canceled"
	EventNodeStarted       LogEventType = "node_started"
	EventNodeFinished      LogEventType = "node_finished"
	EventNodeSkipped       LogEventType = "node_skipped"
	EventNodeRetried       LogEventType = "node_retried"
	EventTemplateWarning   LogEventType = "template_warning"
	EventProviderCall      LogEventType = "provider_call"
	EventAIDirectedRound   LogEventType = "ai_directed_round"
	EventApprovalRequired  LogEventType = "approval_required"
)

// Log priorities. Milestones are written at PriorityMilestone or above.
const (
	PriorityDebug     = 1
	PriorityDefault   = 5
	PriorityMilestone = 8
	PriorityCritical  = 10
)

// ExecutionLogEntry is one append-only log row.
// Maps to: execution_log table
type ExecutionLogEntry struct {
	ID          string          `db:"id" json:"id"`
	ExecutionID string          `db:"execution_id" json:"execution_id"`
	NodeID      string          `db:"node_id" json:"node_id,omitempty"`
	Level       string          `db:"level" json:"level"`
	EventType   LogEventType    `db:"event_type" json:"event_type"`
	Message     string          `db:"message" json:"message"`
	Data        json.RawMessage `db:"data" json:"data,omitempty"`
	Timestamp   time.Time       `db:"timestamp" json:"timestamp"`
	IsMilestone bool            `db:"is_milestone" json:"is_milestone"`
	Priority    int             `db:"priority" json:"priority"`
}
