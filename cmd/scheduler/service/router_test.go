package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/cmd/scheduler/clients"
	"github.com/lyzr/conductor/cmd/scheduler/triggerkey"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/models"
)

type fakeTriggerIndex struct {
	byKey      map[string][]*models.TriggerIndexEntry
	byWorkflow map[string][]*models.TriggerIndexEntry
}

func (f *fakeTriggerIndex) ListActiveByIndexKey(ctx context.Context, indexKey string) ([]*models.TriggerIndexEntry, error) {
	return f.byKey[indexKey], nil
}

func (f *fakeTriggerIndex) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.TriggerIndexEntry, error) {
	return f.byWorkflow[workflowID], nil
}

type fakeEngine struct {
	calls []struct {
		WorkflowID string
		Req        *clients.ExecuteRequest
	}
}

func (f *fakeEngine) Execute(ctx context.Context, workflowID, actor string, req *clients.ExecuteRequest) (*clients.ExecuteResponse, error) {
	f.calls = append(f.calls, struct {
		WorkflowID string
		Req        *clients.ExecuteRequest
	}{workflowID, req})
	return &clients.ExecuteResponse{ExecutionID: uuid.NewString(), Status: "NEW"}, nil
}

func newRouterHarness(index *fakeTriggerIndex) (*RouterService, *fakeEngine) {
	engine := &fakeEngine{}
	svc := NewRouterService(&RouterServiceOpts{
		TriggerRepo: index,
		Engine:      engine,
		Logger:      logger.New("error", "simple"),
	})
	return svc, engine
}

func indexEntry(workflowID, nodeID, subtype, key string, cfg map[string]interface{}) *models.TriggerIndexEntry {
	encoded, _ := json.Marshal(cfg)
	return &models.TriggerIndexEntry{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		NodeID:         nodeID,
		TriggerType:    models.NodeTypeTrigger,
		TriggerSubtype: subtype,
		IndexKey:       key,
		Config:         encoded,
		Status:         models.TriggerActive,
	}
}

func TestTriggerExecutionUsesExplicitNodeID(t *testing.T) {
	svc, engine := newRouterHarness(&fakeTriggerIndex{})

	resp, err := svc.TriggerExecution(context.Background(), "wf-1", "user-1",
		map[string]interface{}{"node_id": "my-trigger"},
		map[string]interface{}{"value": 1},
	)
	require.NoError(t, err)
	require.NotNil(t, resp)

	require.Len(t, engine.calls, 1)
	assert.Equal(t, "wf-1", engine.calls[0].WorkflowID)
	assert.Equal(t, "my-trigger", engine.calls[0].Req.TriggerInfo.NodeID)
	assert.Equal(t, models.TriggerManual, engine.calls[0].Req.TriggerInfo.Subtype)
}

func TestTriggerExecutionDefaultsToManualTriggerNode(t *testing.T) {
	index := &fakeTriggerIndex{
		byWorkflow: map[string][]*models.TriggerIndexEntry{
			"wf-1": {
				indexEntry("wf-1", "hook-node", models.TriggerWebhook, triggerkey.Webhook("/hooks/x", "POST"), nil),
				indexEntry("wf-1", "manual-node", models.TriggerManual, "manual:wf-1", nil),
			},
		},
	}
	svc, engine := newRouterHarness(index)

	_, err := svc.TriggerExecution(context.Background(), "wf-1", "user-1", map[string]interface{}{}, nil)
	require.NoError(t, err)

	require.Len(t, engine.calls, 1)
	assert.Equal(t, "manual-node", engine.calls[0].Req.TriggerInfo.NodeID)
}

func TestTriggerExecutionFallsBackToOnlyTrigger(t *testing.T) {
	index := &fakeTriggerIndex{
		byWorkflow: map[string][]*models.TriggerIndexEntry{
			"wf-1": {
				indexEntry("wf-1", "hook-node", models.TriggerWebhook, triggerkey.Webhook("/hooks/x", "POST"), nil),
			},
		},
	}
	svc, engine := newRouterHarness(index)

	_, err := svc.TriggerExecution(context.Background(), "wf-1", "user-1", nil, nil)
	require.NoError(t, err)

	require.Len(t, engine.calls, 1)
	assert.Equal(t, "hook-node", engine.calls[0].Req.TriggerInfo.NodeID)
}

func TestTriggerExecutionRejectsWorkflowWithoutTriggers(t *testing.T) {
	svc, engine := newRouterHarness(&fakeTriggerIndex{})

	_, err := svc.TriggerExecution(context.Background(), "wf-none", "user-1", nil, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Empty(t, engine.calls)
}

func TestRouteWebhookFiltersOnMethod(t *testing.T) {
	key := triggerkey.Webhook("/hooks/orders", "POST")
	index := &fakeTriggerIndex{
		byKey: map[string][]*models.TriggerIndexEntry{
			key: {
				indexEntry("wf-post", "t1", models.TriggerWebhook, key, map[string]interface{}{
					"allowed_methods": []interface{}{"POST"},
				}),
				indexEntry("wf-get-only", "t2", models.TriggerWebhook, key, map[string]interface{}{
					"allowed_methods": []interface{}{"GET"},
				}),
			},
		},
	}
	svc, engine := newRouterHarness(index)

	result, err := svc.RouteWebhook(context.Background(), &WebhookEvent{
		Path:   "/hooks/orders",
		Method: "POST",
		Body:   []byte(`{"order": 7}`),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 1, result.Started)
	require.Len(t, engine.calls, 1)
	assert.Equal(t, "wf-post", engine.calls[0].WorkflowID)
	assert.Equal(t, "t1", engine.calls[0].Req.TriggerInfo.NodeID)

	body, ok := engine.calls[0].Req.InputData["body"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 7, body["order"])
}
