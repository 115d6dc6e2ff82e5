package models

import (
	"encoding/json"
	"time"
)

// NodeType classifies a workflow node
type NodeType string

const (
	NodeTypeTrigger        NodeType = "TRIGGER"
	NodeTypeAction         NodeType = "ACTION"
	NodeTypeExternalAction NodeType = "EXTERNAL_ACTION"
	NodeTypeAIAgent        NodeType = "AI_AGENT"
	NodeTypeFlow           NodeType = "FLOW"
	NodeTypeHumanLoop      NodeType = "HUMAN_LOOP"
	NodeTypeTool           NodeType = "TOOL"
	NodeTypeMemory         NodeType = "MEMORY"
)

// Trigger subtypes
const (
	TriggerWebhook = "WEBHOOK"
	TriggerCron    = "CRON"
	TriggerManual  = "MANUAL"
	TriggerGithub  = "GITHUB"
	TriggerSlack   = "SLACK"
	TriggerEmail   = "EMAIL"
)

// Action subtypes
const (
	ActionHTTPRequest        = "HTTP_REQUEST"
	ActionDataTransformation = "DATA_TRANSFORMATION"
	ActionSleep              = "SLEEP"
)

// External action subtypes (provider integrations)
const (
	ExternalSlack          = "SLACK"
	ExternalGithub         = "GITHUB"
	ExternalNotion         = "NOTION"
	ExternalGoogleCalendar = "GOOGLE_CALENDAR"
	ExternalDiscord        = "DISCORD"
	ExternalEmail          = "EMAIL"
)

// AI agent subtypes (LLM providers)
const (
	AIOpenAI     = "OPENAI_CHATGPT"
	AIAnthropic  = "ANTHROPIC_CLAUDE"
	AIGemini     = "GOOGLE_GEMINI"
	AIOpenRouter = "OPENROUTER"
)

// Flow subtypes
const (
	FlowIf     = "IF"
	FlowSwitch = "SWITCH"
	FlowMerge  = "MERGE"
	FlowLoop   = "LOOP"
)

// Human loop subtypes (channels)
const (
	HumanLoopSlack = "SLACK"
	HumanLoopEmail = "EMAIL"
	HumanLoopApp   = "APP"
)

// SubtypeKeyValue is the shared TOOL/MEMORY key-value store subtype
const SubtypeKeyValue = "KEY_VALUE"

// DeploymentStatus is the workflow deployment lifecycle state
type DeploymentStatus string

const (
	DeploymentDraft      DeploymentStatus = "DRAFT"
	DeploymentDeployed   DeploymentStatus = "DEPLOYED"
	DeploymentPaused     DeploymentStatus = "PAUSED"
	DeploymentUndeployed DeploymentStatus = "UNDEPLOYED"
)

// DefaultPort is the port nodes emit on unless configured otherwise
const DefaultPort = "main"

// ErrorPort receives failures on nodes configured with a dual-port policy
const ErrorPort = "error"

// Node is one vertex of the workflow graph. The (Type, Subtype) pair selects
// exactly one runner.
type Node struct {
	ID             string                 `json:"id"`
	Type           NodeType               `json:"type"`
	Subtype        string                 `json:"subtype"`
	Configurations map[string]interface{} `json:"configurations"`
	InputParams    map[string]interface{} `json:"input_params,omitempty"`
	OutputParams   map[string]interface{} `json:"output_params,omitempty"`
}

// Connection is one directed edge. ConversionFunction, when set, is a CEL
// expression over `input` applied at edge activation.
type Connection struct {
	ID                 string `json:"id"`
	FromNode           string `json:"from_node"`
	ToNode             string `json:"to_node"`
	FromPort           string `json:"from_port"`
	ToPort             string `json:"to_port"`
	ConversionFunction string `json:"conversion_function,omitempty"`
}

// WorkflowSpec is the wire-format workflow definition produced by the design
// agent and consumed at deploy time.
type WorkflowSpec struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name" validate:"required"`
	Version     int                    `json:"version"`
	Nodes       []Node                 `json:"nodes" validate:"required,min=1"`
	Connections []Connection           `json:"connections"`
	Triggers    []string               `json:"triggers" validate:"required,min=1"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	StaticData  map[string]interface{} `json:"static_data,omitempty"`
}

// NodeByID finds a node in the spec. Returns nil when absent.
func (s *WorkflowSpec) NodeByID(id string) *Node {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i]
		}
	}
	return nil
}

// Workflow represents a stored workflow row.
// Maps to: workflow table
type Workflow struct {
	ID                string           `db:"id" json:"id"`
	OwnerUserID       string           `db:"owner_user_id" json:"owner_user_id"`
	Name              string           `db:"name" json:"name"`
	Version           int              `db:"version" json:"version"`
	Spec              json.RawMessage  `db:"spec" json:"spec"`
	DeploymentStatus  DeploymentStatus `db:"deployment_status" json:"deployment_status"`
	DeploymentVersion int              `db:"deployment_version" json:"deployment_version"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

// DecodeSpec unmarshals the stored spec blob.
func (w *Workflow) DecodeSpec() (*WorkflowSpec, error) {
	var spec WorkflowSpec
	if err := json.Unmarshal(w.Spec, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// DeploymentRecord is one row of workflow_deployment_history: an immutable
// snapshot of the spec at the moment of a deploy. Executions pin
// (workflow_id, deployment_version) and always load this snapshot, never the
// live workflow row.
// Maps to: workflow_deployment_history table
type DeploymentRecord struct {
	ID                string          `db:"id" json:"id"`
	WorkflowID        string          `db:"workflow_id" json:"workflow_id"`
	DeploymentVersion int             `db:"deployment_version" json:"deployment_version"`
	Spec              json.RawMessage `db:"spec" json:"spec"`
	DeployedBy        string          `db:"deployed_by" json:"deployed_by"`
	DeployedAt        time.Time       `db:"deployed_at" json:"deployed_at"`
}

// DecodeSpec unmarshals the snapshotted spec.
func (d *DeploymentRecord) DecodeSpec() (*WorkflowSpec, error) {
	var spec WorkflowSpec
	if err := json.Unmarshal(d.Spec, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
