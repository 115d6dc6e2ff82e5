package runner

import (
	"context"
	"fmt"

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/expr"
	"github.com/lyzr/conductor/common/models"
)

// Flow ports beyond main/error.
const (
	TruePort  = "true"
	FalsePort = "false"
	LoopPort  = "loop"
	DonePort  = "done"
)

// IfRunner evaluates a boolean condition and emits the input on the true or
// false port. Successors behind the unselected port are skipped by the engine
// because their inbound edge never activates.
type IfRunner struct {
	evaluator *expr.Evaluator
}

// NewIfRunner creates the IF flow runner
func NewIfRunner(evaluator *expr.Evaluator) *IfRunner {
	return &IfRunner{evaluator: evaluator}
}

// Validate compiles the condition
func (r *IfRunner) Validate(config map[string]interface{}) error {
	condition := flowCondition(config)
	if condition == "" {
		return errs.New(errs.KindValidation, "if requires a condition")
	}
	return r.evaluator.Compile(condition)
}

// Execute evaluates the condition against the main input
func (r *IfRunner) Execute(ctx context.Context, rc *Context) *models.NodeExecutionResult {
	input := asObject(flowInput(rc))

	matched, err := r.evaluator.EvalBool(flowCondition(rc.Config), input, flowCtx(rc))
	if err != nil {
		return Failure(err)
	}

	port := FalsePort
	if matched {
		port = TruePort
	}
	return Success(port, input)
}

// SwitchRunner routes the input to one of several ports keyed by an
// expression value
type SwitchRunner struct {
	evaluator *expr.Evaluator
}

// NewSwitchRunner creates the SWITCH flow runner
func NewSwitchRunner(evaluator *expr.Evaluator) *SwitchRunner {
	return &SwitchRunner{evaluator: evaluator}
}

// Validate compiles the selector expression
func (r *SwitchRunner) Validate(config map[string]interface{}) error {
	selector := ConfigString(config, "expression", "")
	if selector == "" {
		return errs.New(errs.KindValidation, "switch requires an expression")
	}
	return r.evaluator.Compile(selector)
}

// Execute evaluates the selector and emits on the matching case port. An
// optional cases map translates values to port names; unmatched values fall
// through to the default port.
func (r *SwitchRunner) Execute(ctx context.Context, rc *Context) *models.NodeExecutionResult {
	input := asObject(flowInput(rc))

	value, err := r.evaluator.Eval(ConfigString(rc.Config, "expression", ""), input, flowCtx(rc))
	if err != nil {
		return Failure(err)
	}

	key := switchKey(value)
	if cases := ConfigMap(rc.Config, "cases"); cases != nil {
		if port, ok := cases[key].(string); ok {
			return Success(port, input)
		}
		return Success(ConfigString(rc.Config, "default_port", "default"), input)
	}

	if key == "" {
		return Success(ConfigString(rc.Config, "default_port", "default"), input)
	}
	return Success(key, input)
}

func switchKey(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return TruePort
		}
		return FalsePort
	case float64:
		return fmt.Sprintf("%v", val)
	case int64:
		return fmt.Sprintf("%d", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// MergeRunner joins converging branches. The engine holds the dispatch until
// every activated inbound edge has delivered, so by the time this runs the
// input map is complete.
type MergeRunner struct{}

// NewMergeRunner creates the MERGE flow runner
func NewMergeRunner() *MergeRunner {
	return &MergeRunner{}
}

// Validate accepts any config
func (r *MergeRunner) Validate(config map[string]interface{}) error {
	return nil
}

// Execute flattens the port-keyed inputs into one object. Object inputs merge
// key-by-key; scalar inputs keep their port name as the key.
func (r *MergeRunner) Execute(ctx context.Context, rc *Context) *models.NodeExecutionResult {
	merged := map[string]interface{}{}
	for port, value := range rc.Input {
		if obj, ok := value.(map[string]interface{}); ok {
			for k, v := range obj {
				merged[k] = v
			}
			continue
		}
		merged[port] = value
	}
	return Success(models.DefaultPort, merged)
}

// LoopRunner decides whether its body subgraph runs another round. It emits
// on the loop port to continue and on the done port to exit; the engine owns
// the iteration counter and re-queues the body.
type LoopRunner struct {
	evaluator *expr.Evaluator
}

// defaultMaxIterations caps loops whose config omits max_iterations.
const defaultMaxIterations = 100

// NewLoopRunner creates the LOOP flow runner
func NewLoopRunner(evaluator *expr.Evaluator) *LoopRunner {
	return &LoopRunner{evaluator: evaluator}
}

// Validate compiles the termination predicate when present
func (r *LoopRunner) Validate(config map[string]interface{}) error {
	if until := ConfigString(config, "until", ""); until != "" {
		return r.evaluator.Compile(until)
	}
	if ConfigInt(config, "max_iterations", 0) <= 0 {
		return errs.New(errs.KindValidation, "loop requires until or a positive max_iterations")
	}
	return nil
}

// Execute checks the termination predicate and the iteration cap
func (r *LoopRunner) Execute(ctx context.Context, rc *Context) *models.NodeExecutionResult {
	input := flowInput(rc)
	maxIterations := ConfigInt(rc.Config, "max_iterations", defaultMaxIterations)

	output := map[string]interface{}{
		"iteration": rc.Iteration,
	}
	if obj, ok := input.(map[string]interface{}); ok {
		for k, v := range obj {
			output[k] = v
		}
	} else if input != nil {
		output["value"] = input
	}

	if rc.Iteration >= maxIterations {
		rc.Log("info", fmt.Sprintf("loop reached max_iterations=%d", maxIterations), nil)
		return Success(DonePort, output)
	}

	if until := ConfigString(rc.Config, "until", ""); until != "" {
		done, err := r.evaluator.EvalBool(until, asObject(input), flowCtx(rc))
		if err != nil {
			return Failure(err)
		}
		if done {
			return Success(DonePort, output)
		}
	}

	return Success(LoopPort, output)
}

// flowInput unwraps the main-port input for condition evaluation
func flowInput(rc *Context) interface{} {
	return sourceValue(rc.Input)
}

// flowCtx builds the ctx variable exposed to flow expressions
func flowCtx(rc *Context) map[string]interface{} {
	return map[string]interface{}{
		"execution_id": rc.ExecutionID,
		"workflow_id":  rc.WorkflowID,
		"iteration":    rc.Iteration,
	}
}

func flowCondition(config map[string]interface{}) string {
	if c := ConfigString(config, "condition", ""); c != "" {
		return c
	}
	return ConfigString(config, "expression", "")
}
