package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

func testSpec() *models.WorkflowSpec {
	return &models.WorkflowSpec{
		ID:   "wf-1",
		Name: "fan out",
		Nodes: []models.Node{
			{ID: "trigger", Type: models.NodeTypeTrigger, Subtype: models.TriggerWebhook},
			{ID: "left", Type: models.NodeTypeAction, Subtype: models.ActionHTTPRequest},
			{ID: "right", Type: models.NodeTypeAction, Subtype: models.ActionHTTPRequest},
			{ID: "join", Type: models.NodeTypeFlow, Subtype: models.FlowMerge},
		},
		Connections: []models.Connection{
			{ID: "c1", FromNode: "trigger", ToNode: "left"},
			{ID: "c2", FromNode: "trigger", ToNode: "right"},
			{ID: "c3", FromNode: "left", ToNode: "join", ToPort: "left"},
			{ID: "c4", FromNode: "right", ToNode: "join", ToPort: "right"},
		},
		Triggers: []string{"trigger"},
	}
}

func TestCompileDefaultsPorts(t *testing.T) {
	g, err := Compile(testSpec())
	require.NoError(t, err)

	out := g.Outbound("trigger")
	require.Len(t, out, 2)
	assert.Equal(t, models.DefaultPort, out[0].FromPort)
	assert.Equal(t, models.DefaultPort, out[0].ToPort)

	in := g.Inbound("join")
	require.Len(t, in, 2)
	assert.Equal(t, "left", in[0].ToPort)
	assert.Equal(t, models.DefaultPort, in[0].FromPort)
}

func TestCompileRejectsUnknownEndpoints(t *testing.T) {
	spec := testSpec()
	spec.Connections = append(spec.Connections, models.Connection{
		ID: "c5", FromNode: "join", ToNode: "ghost",
	})

	_, err := Compile(spec)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestGraphNodeLookup(t *testing.T) {
	g, err := Compile(testSpec())
	require.NoError(t, err)

	require.NotNil(t, g.Node("left"))
	assert.Equal(t, models.ActionHTTPRequest, g.Node("left").Subtype)
	assert.Nil(t, g.Node("ghost"))
}

func TestSortByOrderFollowsSpecSequence(t *testing.T) {
	g, err := Compile(testSpec())
	require.NoError(t, err)

	ids := []string{"join", "right", "trigger", "left"}
	g.SortByOrder(ids)
	assert.Equal(t, []string{"trigger", "left", "right", "join"}, ids)
}

func TestTerminal(t *testing.T) {
	g, err := Compile(testSpec())
	require.NoError(t, err)

	assert.True(t, g.Terminal("join"))
	assert.False(t, g.Terminal("trigger"))
}

func TestSuccessorsDeduplicates(t *testing.T) {
	spec := testSpec()
	spec.Connections = append(spec.Connections, models.Connection{
		ID: "c5", FromNode: "trigger", ToNode: "left", FromPort: "error",
	})

	g, err := Compile(spec)
	require.NoError(t, err)

	assert.Equal(t, []string{"left", "right"}, g.Successors("trigger"))
}
