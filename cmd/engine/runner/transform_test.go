package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

func transformCtx(cfg map[string]interface{}, input interface{}) *Context {
	return &Context{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Node:        &models.Node{ID: "tx1", Type: models.NodeTypeAction, Subtype: models.ActionDataTransformation},
		Config:      cfg,
		Input:       map[string]interface{}{models.DefaultPort: input},
		Log:         func(level, message string, data map[string]interface{}) {},
	}
}

func TestTransformFieldMapping(t *testing.T) {
	r := NewTransformRunner()
	cfg := map[string]interface{}{
		"transformation_type": "field_mapping",
		"mapping": map[string]interface{}{
			"name":  "user.name",
			"first": "items.0",
			"gone":  "user.missing",
		},
	}

	result := r.Execute(context.Background(), transformCtx(cfg, map[string]interface{}{
		"user":  map[string]interface{}{"name": "ada"},
		"items": []interface{}{"a", "b"},
	}))

	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, "ada", result.OutputData["name"])
	assert.Equal(t, "a", result.OutputData["first"])
	// Missing paths become explicit nulls rather than failing the node.
	v, ok := result.OutputData["gone"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestTransformJQ(t *testing.T) {
	r := NewTransformRunner()

	result := r.Execute(context.Background(), transformCtx(map[string]interface{}{
		"transformation_type": "jq",
		"expression":          "{total: (.items | length)}",
	}, map[string]interface{}{
		"items": []interface{}{1, 2, 3},
	}))
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.EqualValues(t, 3, result.OutputData["total"])

	// Multiple results collect under "result".
	result = r.Execute(context.Background(), transformCtx(map[string]interface{}{
		"transformation_type": "jq",
		"expression":          ".items[]",
	}, map[string]interface{}{
		"items": []interface{}{"a", "b"},
	}))
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, []interface{}{"a", "b"}, result.OutputData["result"])
}

func TestTransformJSONPatch(t *testing.T) {
	r := NewTransformRunner()

	result := r.Execute(context.Background(), transformCtx(map[string]interface{}{
		"transformation_type": "json_patch",
		"patch": []interface{}{
			map[string]interface{}{"op": "replace", "path": "/status", "value": "done"},
			map[string]interface{}{"op": "remove", "path": "/internal"},
		},
	}, map[string]interface{}{
		"status":   "pending",
		"internal": true,
		"keep":     "yes",
	}))

	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, "done", result.OutputData["status"])
	assert.Equal(t, "yes", result.OutputData["keep"])
	_, ok := result.OutputData["internal"]
	assert.False(t, ok)
}

func TestTransformTemplateEmitsResolvedValue(t *testing.T) {
	r := NewTransformRunner()

	// Template resolution happens before dispatch; the runner emits what is
	// left in config.
	result := r.Execute(context.Background(), transformCtx(map[string]interface{}{
		"transformation_type": "template",
		"template":            map[string]interface{}{"greeting": "hello ada"},
	}, nil))

	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, "hello ada", result.OutputData["greeting"])
}

func TestTransformValidate(t *testing.T) {
	r := NewTransformRunner()

	cases := map[string]map[string]interface{}{
		"missing type":   {},
		"unknown type":   {"transformation_type": "xslt"},
		"mapping absent": {"transformation_type": "field_mapping"},
		"bad jq":         {"transformation_type": "jq", "expression": ".items["},
		"empty jq":       {"transformation_type": "jq"},
		"patch absent":   {"transformation_type": "json_patch"},
	}
	for name, cfg := range cases {
		err := r.Validate(cfg)
		require.Error(t, err, name)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err), name)
	}

	require.NoError(t, r.Validate(map[string]interface{}{
		"transformation_type": "jq",
		"expression":          ".a",
	}))
}
