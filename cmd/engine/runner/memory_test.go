package runner

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/models"
	"github.com/lyzr/conductor/common/redis"
)

func memoryTestRunner(t *testing.T) (*KeyValueRunner, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(
		goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		logger.New("error", "simple"),
	)
	return NewKeyValueRunner(client), mr
}

func memoryCtx(cfg map[string]interface{}) *Context {
	return &Context{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Node:        &models.Node{ID: "mem1", Type: models.NodeTypeMemory, Subtype: models.SubtypeKeyValue},
		Config:      cfg,
		Input:       map[string]interface{}{},
		Log:         func(level, message string, data map[string]interface{}) {},
	}
}

func TestKeyValueSetGetRoundTrip(t *testing.T) {
	r, _ := memoryTestRunner(t)
	ctx := context.Background()

	result := r.Execute(ctx, memoryCtx(map[string]interface{}{
		"operation":  "set",
		"collection": "prefs",
		"key":        "theme",
		"value":      map[string]interface{}{"mode": "dark"},
	}))
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, true, result.OutputData["stored"])

	result = r.Execute(ctx, memoryCtx(map[string]interface{}{
		"operation":  "get",
		"collection": "prefs",
		"key":        "theme",
	}))
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, true, result.OutputData["found"])
	assert.Equal(t, map[string]interface{}{"mode": "dark"}, result.OutputData["value"])
}

func TestKeyValueGetMissing(t *testing.T) {
	r, _ := memoryTestRunner(t)

	result := r.Execute(context.Background(), memoryCtx(map[string]interface{}{
		"operation": "get",
		"key":       "absent",
	}))
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, false, result.OutputData["found"])
	assert.Nil(t, result.OutputData["value"])
}

func TestKeyValueAppendGrowsList(t *testing.T) {
	r, _ := memoryTestRunner(t)
	ctx := context.Background()

	for i, want := range []int{1, 2} {
		result := r.Execute(ctx, memoryCtx(map[string]interface{}{
			"operation": "append",
			"key":       "log",
			"value":     map[string]interface{}{"entry": i},
		}))
		require.Equal(t, models.NodeSuccess, result.Status)
		assert.Equal(t, want, result.OutputData["length"])
	}

	result := r.Execute(ctx, memoryCtx(map[string]interface{}{
		"operation": "get",
		"key":       "log",
	}))
	require.Equal(t, models.NodeSuccess, result.Status)
	list, ok := result.OutputData["value"].([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 2)
}

func TestKeyValueQueryWithPrefix(t *testing.T) {
	r, _ := memoryTestRunner(t)
	ctx := context.Background()

	for _, key := range []string{"user:1", "user:2", "order:1"} {
		result := r.Execute(ctx, memoryCtx(map[string]interface{}{
			"operation": "set",
			"key":       key,
			"value":     key,
		}))
		require.Equal(t, models.NodeSuccess, result.Status)
	}

	result := r.Execute(ctx, memoryCtx(map[string]interface{}{
		"operation": "query",
		"prefix":    "user:",
	}))
	require.Equal(t, models.NodeSuccess, result.Status)
	assert.Equal(t, 2, result.OutputData["count"])
	entries := result.OutputData["entries"].(map[string]interface{})
	assert.Contains(t, entries, "user:1")
	assert.NotContains(t, entries, "order:1")
}

func TestKeyValueDelete(t *testing.T) {
	r, _ := memoryTestRunner(t)
	ctx := context.Background()

	r.Execute(ctx, memoryCtx(map[string]interface{}{
		"operation": "set", "key": "tmp", "value": "x",
	}))
	result := r.Execute(ctx, memoryCtx(map[string]interface{}{
		"operation": "delete", "key": "tmp",
	}))
	require.Equal(t, models.NodeSuccess, result.Status)

	result = r.Execute(ctx, memoryCtx(map[string]interface{}{
		"operation": "get", "key": "tmp",
	}))
	assert.Equal(t, false, result.OutputData["found"])
}

func TestKeyValueCollectionsAreIsolatedPerWorkflow(t *testing.T) {
	r, mr := memoryTestRunner(t)
	ctx := context.Background()

	result := r.Execute(ctx, memoryCtx(map[string]interface{}{
		"operation": "set", "collection": "prefs", "key": "k", "value": "v",
	}))
	require.Equal(t, models.NodeSuccess, result.Status)

	assert.True(t, mr.Exists("memory:wf-1:prefs"))
	assert.False(t, mr.Exists("memory:other:prefs"))
}

func TestKeyValueValidate(t *testing.T) {
	r, _ := memoryTestRunner(t)

	require.NoError(t, r.Validate(map[string]interface{}{"operation": "query"}))
	require.NoError(t, r.Validate(map[string]interface{}{"operation": "get", "key": "k"}))

	for name, cfg := range map[string]map[string]interface{}{
		"no operation": {},
		"unknown op":   {"operation": "merge"},
		"get no key":   {"operation": "get"},
	} {
		err := r.Validate(cfg)
		require.Error(t, err, name)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err), name)
	}
}
