package models

import (
	"encoding/json"
	"time"
)

// TriggerStatus is the activation state of a trigger index row
type TriggerStatus string

const (
	TriggerActive      TriggerStatus = "active"
	TriggerIndexPaused TriggerStatus = "paused"
)

// TriggerIndexEntry maps an event key to a deployed workflow's trigger node.
// Event routing looks rows up by IndexKey; (WorkflowID, IndexKey) is unique.
// Maps to: trigger_index table
type TriggerIndexEntry struct {
	ID             string          `db:"id" json:"id"`
	WorkflowID     string          `db:"workflow_id" json:"workflow_id"`
	NodeID         string          `db:"node_id" json:"node_id"`
	TriggerType    NodeType        `db:"trigger_type" json:"trigger_type"`
	TriggerSubtype string          `db:"trigger_subtype" json:"trigger_subtype"`
	IndexKey       string          `db:"index_key" json:"index_key"`
	Config         json.RawMessage `db:"config" json:"config"`
	Status         TriggerStatus   `db:"status" json:"status"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// DecodeConfig unmarshals the trigger's parameter blob.
func (e *TriggerIndexEntry) DecodeConfig() (map[string]interface{}, error) {
	if len(e.Config) == 0 {
		return map[string]interface{}{}, nil
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(e.Config, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
