package runner

import (
	"context"

	"github.com/lyzr/conductor/common/models"
)

// TriggerRunner emits the normalized trigger payload on main. It performs no
// I/O; the index-key side of a trigger lives in the scheduler.
type TriggerRunner struct{}

// NewTriggerRunner creates the trigger runner shared by all subtypes
func NewTriggerRunner() *TriggerRunner {
	return &TriggerRunner{}
}

// Validate accepts any config; subtype-specific key fields are checked at
// deploy time by the scheduler.
func (r *TriggerRunner) Validate(config map[string]interface{}) error {
	return nil
}

// Execute emits the trigger's normalized input data
func (r *TriggerRunner) Execute(ctx context.Context, rc *Context) *models.NodeExecutionResult {
	output := map[string]interface{}{}
	if rc.Trigger != nil && rc.Trigger.InputData != nil {
		output = rc.Trigger.InputData
	}
	return Success(models.DefaultPort, output)
}

// Register registers the trigger runner for every trigger subtype
func (r *TriggerRunner) Register(reg *Registry) {
	for _, subtype := range []string{
		models.TriggerWebhook, models.TriggerCron, models.TriggerManual,
		models.TriggerGithub, models.TriggerSlack, models.TriggerEmail,
	} {
		reg.Register(models.NodeTypeTrigger, subtype, r)
	}
}
