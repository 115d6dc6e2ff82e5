package runner

import (
	"context"
	"time"

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/models"
)

// CredentialFetcher returns a valid access token for a provider on behalf of
// the executing user.
type CredentialFetcher func(ctx context.Context, provider string) (string, error)

// LogSink appends a structured entry to the execution log.
type LogSink func(level, message string, data map[string]interface{})

// Context is what a runner receives for one node dispatch. Config holds the
// node's configurations after template resolution; Input is the merged
// upstream output keyed by to_port.
type Context struct {
	ExecutionID string
	WorkflowID  string
	Actor       string

	Node   *models.Node
	Config map[string]interface{}
	Input  map[string]interface{}

	Trigger    *models.TriggerInfo
	StaticData map[string]interface{}

	// Iteration is this node's LOOP counter, 0 outside loops.
	Iteration int

	Credentials CredentialFetcher
	Logger      *logger.Logger
	Log         LogSink
}

// Runner executes one node kind. Validate runs at deploy time against raw
// config; Execute runs per dispatch with templates already resolved.
type Runner interface {
	Validate(config map[string]interface{}) error
	Execute(ctx context.Context, rc *Context) *models.NodeExecutionResult
}

type registryKey struct {
	Type    models.NodeType
	Subtype string
}

// Registry maps (type, subtype) to a runner
type Registry struct {
	runners map[registryKey]Runner
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{runners: make(map[registryKey]Runner)}
}

// Register adds a runner for a pair. Later registrations win, which tests
// use to substitute fakes.
func (r *Registry) Register(t models.NodeType, subtype string, runner Runner) {
	r.runners[registryKey{t, subtype}] = runner
}

// Lookup finds the runner for a pair
func (r *Registry) Lookup(t models.NodeType, subtype string) (Runner, error) {
	runner, ok := r.runners[registryKey{t, subtype}]
	if !ok {
		return nil, errs.Newf(errs.KindNotImplemented, "no runner for (%s, %s)", t, subtype)
	}
	return runner, nil
}

// Success builds a SUCCESS result emitting output on one port
func Success(port string, output map[string]interface{}) *models.NodeExecutionResult {
	if port == "" {
		port = models.DefaultPort
	}
	return &models.NodeExecutionResult{
		Status:     models.NodeSuccess,
		OutputPort: port,
		OutputData: output,
	}
}

// Failure builds an ERROR result from a structured error
func Failure(err error) *models.NodeExecutionResult {
	kind := errs.KindOf(err)
	details := errs.DetailsOf(err)
	if details == nil {
		details = map[string]interface{}{}
	}
	details["error_kind"] = string(kind)

	return &models.NodeExecutionResult{
		Status:       models.NodeError,
		ErrorMessage: err.Error(),
		ErrorDetails: details,
	}
}

// Config accessors. Node configurations arrive as JSON-shaped maps; these
// keep the runners free of type-assertion noise.

// ConfigString reads a string config value
func ConfigString(cfg map[string]interface{}, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// ConfigInt reads an integer config value (JSON numbers arrive as float64)
func ConfigInt(cfg map[string]interface{}, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

// ConfigFloat reads a float config value
func ConfigFloat(cfg map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := cfg[key].(float64); ok {
		return v
	}
	return fallback
}

// ConfigBool reads a boolean config value
func ConfigBool(cfg map[string]interface{}, key string, fallback bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return fallback
}

// ConfigMap reads a nested object config value
func ConfigMap(cfg map[string]interface{}, key string) map[string]interface{} {
	if v, ok := cfg[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// ConfigDuration reads a duration given either as seconds (number) or a
// Go duration string
func ConfigDuration(cfg map[string]interface{}, key string, fallback time.Duration) time.Duration {
	switch v := cfg[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
