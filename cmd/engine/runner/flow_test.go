package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/expr"
	"github.com/lyzr/conductor/common/models"
)

func newTestEvaluator(t *testing.T) *expr.Evaluator {
	t.Helper()
	e, err := expr.NewEvaluator()
	require.NoError(t, err)
	return e
}

func flowTestCtx(node *models.Node, cfg, input map[string]interface{}) *Context {
	return &Context{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Node:        node,
		Config:      cfg,
		Input:       input,
		Log:         func(level, message string, data map[string]interface{}) {},
	}
}

func TestIfRunnerRoutesByCondition(t *testing.T) {
	r := NewIfRunner(newTestEvaluator(t))
	node := &models.Node{ID: "if1", Type: models.NodeTypeFlow, Subtype: models.FlowIf}
	cfg := map[string]interface{}{"condition": "input.amount > 100"}

	result := r.Execute(context.Background(), flowTestCtx(node, cfg,
		map[string]interface{}{models.DefaultPort: map[string]interface{}{"amount": 250}}))
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, TruePort, result.OutputPort)
	assert.Equal(t, 250, result.OutputData["amount"])

	result = r.Execute(context.Background(), flowTestCtx(node, cfg,
		map[string]interface{}{models.DefaultPort: map[string]interface{}{"amount": 10}}))
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, FalsePort, result.OutputPort)
}

func TestIfRunnerValidate(t *testing.T) {
	r := NewIfRunner(newTestEvaluator(t))

	require.NoError(t, r.Validate(map[string]interface{}{"condition": "input.x == 1"}))

	err := r.Validate(map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	err = r.Validate(map[string]interface{}{"condition": "input.x =="})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestSwitchRunnerCasesMap(t *testing.T) {
	r := NewSwitchRunner(newTestEvaluator(t))
	node := &models.Node{ID: "sw1", Type: models.NodeTypeFlow, Subtype: models.FlowSwitch}
	cfg := map[string]interface{}{
		"expression": "input.kind",
		"cases": map[string]interface{}{
			"bug":     "bugs",
			"feature": "features",
		},
		"default_port": "other",
	}

	result := r.Execute(context.Background(), flowTestCtx(node, cfg,
		map[string]interface{}{models.DefaultPort: map[string]interface{}{"kind": "bug"}}))
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, "bugs", result.OutputPort)

	result = r.Execute(context.Background(), flowTestCtx(node, cfg,
		map[string]interface{}{models.DefaultPort: map[string]interface{}{"kind": "question"}}))
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, "other", result.OutputPort)
}

func TestSwitchRunnerValueAsPort(t *testing.T) {
	r := NewSwitchRunner(newTestEvaluator(t))
	node := &models.Node{ID: "sw1", Type: models.NodeTypeFlow, Subtype: models.FlowSwitch}
	cfg := map[string]interface{}{"expression": "input.team"}

	result := r.Execute(context.Background(), flowTestCtx(node, cfg,
		map[string]interface{}{models.DefaultPort: map[string]interface{}{"team": "platform"}}))
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, "platform", result.OutputPort)
}

func TestMergeRunnerFlattensPorts(t *testing.T) {
	r := NewMergeRunner()
	node := &models.Node{ID: "m1", Type: models.NodeTypeFlow, Subtype: models.FlowMerge}

	result := r.Execute(context.Background(), flowTestCtx(node, map[string]interface{}{},
		map[string]interface{}{
			"left":  map[string]interface{}{"a": 1},
			"right": map[string]interface{}{"b": 2},
			"count": 7,
		}))
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, models.DefaultPort, result.OutputPort)
	assert.Equal(t, 1, result.OutputData["a"])
	assert.Equal(t, 2, result.OutputData["b"])
	assert.Equal(t, 7, result.OutputData["count"])
}

func TestLoopRunnerContinuesUntilPredicate(t *testing.T) {
	r := NewLoopRunner(newTestEvaluator(t))
	node := &models.Node{ID: "loop1", Type: models.NodeTypeFlow, Subtype: models.FlowLoop}
	cfg := map[string]interface{}{"until": "input.done == true", "max_iterations": float64(10)}

	rc := flowTestCtx(node, cfg,
		map[string]interface{}{models.DefaultPort: map[string]interface{}{"done": false}})
	rc.Iteration = 2

	result := r.Execute(context.Background(), rc)
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, LoopPort, result.OutputPort)
	assert.Equal(t, 2, result.OutputData["iteration"])

	rc = flowTestCtx(node, cfg,
		map[string]interface{}{models.DefaultPort: map[string]interface{}{"done": true}})
	result = r.Execute(context.Background(), rc)
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, DonePort, result.OutputPort)
}

func TestLoopRunnerHonorsMaxIterations(t *testing.T) {
	r := NewLoopRunner(newTestEvaluator(t))
	node := &models.Node{ID: "loop1", Type: models.NodeTypeFlow, Subtype: models.FlowLoop}
	cfg := map[string]interface{}{"max_iterations": float64(3)}

	rc := flowTestCtx(node, cfg, map[string]interface{}{})
	rc.Iteration = 3

	result := r.Execute(context.Background(), rc)
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, DonePort, result.OutputPort)
}

func TestLoopRunnerValidate(t *testing.T) {
	r := NewLoopRunner(newTestEvaluator(t))

	require.NoError(t, r.Validate(map[string]interface{}{"until": "input.done"}))
	require.NoError(t, r.Validate(map[string]interface{}{"max_iterations": float64(5)}))

	err := r.Validate(map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
