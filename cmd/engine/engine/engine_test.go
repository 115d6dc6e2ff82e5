package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/cmd/engine/logstore"
	"github.com/lyzr/conductor/cmd/engine/runner"
	"github.com/lyzr/conductor/common/config"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/expr"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/models"
	"github.com/lyzr/conductor/common/queue"
	"github.com/lyzr/conductor/common/repository"
)

// In-memory stores standing in for the Postgres repositories.

type memWorkflows struct {
	rows map[string]*models.Workflow
}

func (s *memWorkflows) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	if wf, ok := s.rows[id]; ok {
		return wf, nil
	}
	return nil, errs.Newf(errs.KindNotFound, "workflow %s not found", id)
}

type memDeployments struct {
	snapshots map[string]*models.DeploymentRecord
}

func (s *memDeployments) GetSnapshot(ctx context.Context, workflowID string, deploymentVersion int) (*models.DeploymentRecord, error) {
	if rec, ok := s.snapshots[workflowID]; ok {
		return rec, nil
	}
	return nil, errs.Newf(errs.KindNotFound, "no snapshot for workflow %s", workflowID)
}

type memExecutions struct {
	mu   sync.Mutex
	rows map[string]*models.Execution
}

func newMemExecutions() *memExecutions {
	return &memExecutions{rows: map[string]*models.Execution{}}
}

func (s *memExecutions) Create(ctx context.Context, e *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := *e
	s.rows[e.ExecutionID] = &row
	return nil
}

func (s *memExecutions) GetByID(ctx context.Context, executionID string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[executionID]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "execution %s not found", executionID)
	}
	copied := *row
	return &copied, nil
}

func (s *memExecutions) SaveProgress(ctx context.Context, e *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[e.ExecutionID]
	if !ok {
		return errs.Newf(errs.KindNotFound, "execution %s not found", e.ExecutionID)
	}
	// A cancellation that landed since the last boundary wins, as in the
	// Postgres repository.
	if row.Status == models.ExecutionCanceled {
		return nil
	}
	copied := *e
	s.rows[e.ExecutionID] = &copied
	return nil
}

func (s *memExecutions) MarkCancelRequested(ctx context.Context, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[executionID]
	if !ok || row.Status.Terminal() {
		return false, nil
	}
	row.Status = models.ExecutionCanceled
	return true, nil
}

func (s *memExecutions) MarkResuming(ctx context.Context, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[executionID]
	if !ok || row.Status != models.ExecutionPaused {
		return false, nil
	}
	row.Status = models.ExecutionRunning
	return true, nil
}

func (s *memExecutions) ListByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Execution
	for _, row := range s.rows {
		if row.WorkflowID == workflowID {
			copied := *row
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memExecutions) ListPausedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Execution
	for _, row := range s.rows {
		if row.Status == models.ExecutionPaused {
			copied := *row
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memExecutions) rewritePause(t *testing.T, executionID string, mutate func(p *models.PendingPause)) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[executionID]
	require.NotNil(t, row)
	pause, err := row.DecodePendingPause()
	require.NoError(t, err)
	require.NotNil(t, pause)
	mutate(pause)
	encoded, err := json.Marshal(pause)
	require.NoError(t, err)
	row.PendingPause = encoded
}

type memLogRepo struct {
	mu      sync.Mutex
	entries []*models.ExecutionLogEntry
}

func (r *memLogRepo) Append(ctx context.Context, entry *models.ExecutionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *memLogRepo) Query(ctx context.Context, q repository.LogQuery) ([]*models.ExecutionLogEntry, error) {
	return nil, nil
}

func (r *memLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// Stub runners.

// echoRunner emits its main input merged with a fixed payload
type echoRunner struct {
	emit map[string]interface{}
}

func (r *echoRunner) Validate(config map[string]interface{}) error { return nil }

func (r *echoRunner) Execute(ctx context.Context, rc *runner.Context) *models.NodeExecutionResult {
	out := map[string]interface{}{}
	if in, ok := rc.Input[models.DefaultPort].(map[string]interface{}); ok {
		for k, v := range in {
			out[k] = v
		}
	}
	for k, v := range r.emit {
		out[k] = v
	}
	return runner.Success(models.DefaultPort, out)
}

// flakyRunner fails with a retryable kind until enough attempts landed
type flakyRunner struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyRunner) Validate(config map[string]interface{}) error { return nil }

func (r *flakyRunner) Execute(ctx context.Context, rc *runner.Context) *models.NodeExecutionResult {
	r.mu.Lock()
	r.calls++
	calls := r.calls
	r.mu.Unlock()
	if calls <= r.failures {
		return runner.Failure(errs.New(errs.KindNetwork, "connection reset"))
	}
	return runner.Success(models.DefaultPort, map[string]interface{}{"recovered": true})
}

// approvalRunner pauses on execute and resolves on resume or timeout
type approvalRunner struct {
	resumes int32
}

func (r *approvalRunner) Validate(config map[string]interface{}) error { return nil }

func (r *approvalRunner) Execute(ctx context.Context, rc *runner.Context) *models.NodeExecutionResult {
	return &models.NodeExecutionResult{
		Status: models.NodePaused,
		Pause: &models.PendingPause{
			NodeID:        rc.Node.ID,
			InteractionID: "int-1",
			ResumeToken:   uuid.NewString(),
			Channel:       models.HumanLoopApp,
			Question:      "Proceed?",
			Timeout:       time.Hour,
			PausedAt:      time.Now().UTC(),
			TimeoutPort:   runner.ConfigString(rc.Config, "timeout_port", ""),
		},
	}
}

func (r *approvalRunner) Resume(ctx context.Context, rc *runner.Context, pause *models.PendingPause, approved bool, response map[string]interface{}) *models.NodeExecutionResult {
	atomic.AddInt32(&r.resumes, 1)
	out := map[string]interface{}{"approved": approved}
	for k, v := range response {
		out[k] = v
	}
	return runner.Success(models.DefaultPort, out)
}

func (r *approvalRunner) Timeout(ctx context.Context, rc *runner.Context, pause *models.PendingPause) *models.NodeExecutionResult {
	if pause.TimeoutPort != "" {
		return runner.Success(pause.TimeoutPort, map[string]interface{}{"timed_out": true})
	}
	return runner.Failure(errs.New(errs.KindTimeout, "no response"))
}

// cancelingRunner requests cancellation of its own execution, then succeeds
type cancelingRunner struct {
	store *memExecutions
}

func (r *cancelingRunner) Validate(config map[string]interface{}) error { return nil }

func (r *cancelingRunner) Execute(ctx context.Context, rc *runner.Context) *models.NodeExecutionResult {
	_, _ = r.store.MarkCancelRequested(ctx, rc.ExecutionID)
	return runner.Success(models.DefaultPort, map[string]interface{}{"done": true})
}

// Harness.

type testHarness struct {
	engine    *Engine
	workflows *memWorkflows
	store     *memExecutions
	logs      *memLogRepo
	evaluator *expr.Evaluator

	mu    sync.Mutex
	waits []time.Duration
}

func newTestHarness(t *testing.T, spec *models.WorkflowSpec, reg *runner.Registry) *testHarness {
	t.Helper()

	specJSON, err := json.Marshal(spec)
	require.NoError(t, err)

	log := logger.New("error", "simple")
	evaluator, err := expr.NewEvaluator()
	require.NoError(t, err)

	h := &testHarness{
		workflows: &memWorkflows{rows: map[string]*models.Workflow{
			spec.ID: {
				ID:                spec.ID,
				OwnerUserID:       "user-1",
				Name:              spec.Name,
				Version:           1,
				Spec:              specJSON,
				DeploymentStatus:  models.DeploymentDeployed,
				DeploymentVersion: 1,
			},
		}},
		store:     newMemExecutions(),
		logs:      &memLogRepo{},
		evaluator: evaluator,
	}

	h.engine = New(&Opts{
		Workflows: h.workflows,
		Deployments: &memDeployments{snapshots: map[string]*models.DeploymentRecord{
			spec.ID: {
				ID:                uuid.NewString(),
				WorkflowID:        spec.ID,
				DeploymentVersion: 1,
				Spec:              specJSON,
			},
		}},
		Executions: h.store,
		Logs:       logstore.New(h.logs, log),
		Registry:   reg,
		Evaluator:  evaluator,
		Queue:      queue.NewMemoryQueue(log),
		Config: &config.Config{
			Engine: config.EngineConfig{
				NodeConcurrency:   4,
				ExecutionWorkers:  1,
				ExecutionDeadline: time.Minute,
			},
		},
		Logger: log,
	})
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.waits = append(h.waits, d)
		h.mu.Unlock()
		return nil
	}
	return h
}

func manualTrigger(input map[string]interface{}) *models.TriggerInfo {
	return &models.TriggerInfo{
		Type:      models.NodeTypeTrigger,
		Subtype:   models.TriggerManual,
		NodeID:    "start",
		InputData: input,
	}
}

// run creates the execution row and walks it to its next stable state
func (h *testHarness) run(t *testing.T, workflowID string, input map[string]interface{}) (*models.Execution, error) {
	t.Helper()
	ctx := context.Background()

	exec, err := h.engine.Execute(ctx, workflowID, manualTrigger(input), input, "user-1", false)
	require.NoError(t, err)

	walkErr := h.engine.Run(ctx, exec.ExecutionID)

	row, err := h.store.GetByID(ctx, exec.ExecutionID)
	require.NoError(t, err)
	return row, walkErr
}

func (h *testHarness) start(t *testing.T, workflowID string, input map[string]interface{}) *models.Execution {
	t.Helper()
	row, err := h.run(t, workflowID, input)
	require.NoError(t, err)
	return row
}

func (h *testHarness) waitTerminal(t *testing.T, executionID string) *models.Execution {
	t.Helper()
	require.Eventually(t, func() bool {
		row, err := h.store.GetByID(context.Background(), executionID)
		return err == nil && row.Status.Terminal()
	}, 3*time.Second, 10*time.Millisecond)

	row, err := h.store.GetByID(context.Background(), executionID)
	require.NoError(t, err)
	return row
}

func baseRegistry() *runner.Registry {
	reg := runner.NewRegistry()
	reg.Register(models.NodeTypeTrigger, models.TriggerManual, &echoRunner{})
	return reg
}

func TestRunLinearWorkflow(t *testing.T) {
	spec := &models.WorkflowSpec{
		ID:   "wf-linear",
		Name: "linear",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeTrigger, Subtype: models.TriggerManual},
			{ID: "a", Type: models.NodeTypeAction, Subtype: "ECHO"},
			{ID: "b", Type: models.NodeTypeAction, Subtype: "ECHO"},
		},
		Connections: []models.Connection{
			{ID: "c1", FromNode: "start", ToNode: "a"},
			{ID: "c2", FromNode: "a", ToNode: "b"},
		},
		Triggers: []string{"start"},
	}
	reg := baseRegistry()
	reg.Register(models.NodeTypeAction, "ECHO", &echoRunner{emit: map[string]interface{}{"touched": true}})

	h := newTestHarness(t, spec, reg)
	row := h.start(t, "wf-linear", map[string]interface{}{"value": float64(1)})

	require.Equal(t, models.ExecutionSuccess, row.Status)
	assert.Equal(t, []string{"start", "a", "b"}, row.ExecutionSequence)

	results, err := row.DecodeNodeResults()
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, models.NodeSuccess, results["b"].Status)

	var final map[string]interface{}
	require.NoError(t, json.Unmarshal(row.FinalOutput, &final))
	assert.Equal(t, true, final["touched"])
	assert.EqualValues(t, 1, final["value"])
}

func TestWalkSkipsUnactivatedBranch(t *testing.T) {
	spec := &models.WorkflowSpec{
		ID:   "wf-branch",
		Name: "branch",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeTrigger, Subtype: models.TriggerManual},
			{ID: "gate", Type: models.NodeTypeFlow, Subtype: models.FlowIf, Configurations: map[string]interface{}{
				"condition": "input.value > 10",
			}},
			{ID: "a", Type: models.NodeTypeAction, Subtype: "ECHO"},
			{ID: "b", Type: models.NodeTypeAction, Subtype: "ECHO"},
			{ID: "join", Type: models.NodeTypeFlow, Subtype: models.FlowMerge},
		},
		Connections: []models.Connection{
			{ID: "c1", FromNode: "start", ToNode: "gate"},
			{ID: "c2", FromNode: "gate", FromPort: runner.TruePort, ToNode: "a"},
			{ID: "c3", FromNode: "gate", FromPort: runner.FalsePort, ToNode: "b"},
			{ID: "c4", FromNode: "a", ToNode: "join", ToPort: "left"},
			{ID: "c5", FromNode: "b", ToNode: "join", ToPort: "right"},
		},
		Triggers: []string{"start"},
	}

	reg := baseRegistry()
	reg.Register(models.NodeTypeAction, "ECHO", &echoRunner{emit: map[string]interface{}{"ran": true}})

	h := newTestHarness(t, spec, reg)
	reg.Register(models.NodeTypeFlow, models.FlowIf, runner.NewIfRunner(h.evaluator))
	reg.Register(models.NodeTypeFlow, models.FlowMerge, runner.NewMergeRunner())

	row := h.start(t, "wf-branch", map[string]interface{}{"value": float64(5)})

	require.Equal(t, models.ExecutionSuccess, row.Status)

	results, err := row.DecodeNodeResults()
	require.NoError(t, err)
	assert.Equal(t, models.NodeSkipped, results["a"].Status)
	assert.Equal(t, models.NodeSuccess, results["b"].Status)
	assert.Equal(t, models.NodeSuccess, results["join"].Status)

	assert.Contains(t, row.ExecutionSequence, "b")
	assert.Contains(t, row.ExecutionSequence, "join")
	assert.NotContains(t, row.ExecutionSequence, "a")
}

func TestWalkRetriesWithConfiguredBackoff(t *testing.T) {
	spec := &models.WorkflowSpec{
		ID:   "wf-retry",
		Name: "retry",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeTrigger, Subtype: models.TriggerManual},
			{ID: "shaky", Type: models.NodeTypeAction, Subtype: "FLAKY", Configurations: map[string]interface{}{
				"retry": map[string]interface{}{
					"max_tries": float64(3),
					"base_ms":   float64(10),
				},
			}},
		},
		Connections: []models.Connection{
			{ID: "c1", FromNode: "start", ToNode: "shaky"},
		},
		Triggers: []string{"start"},
	}
	flaky := &flakyRunner{failures: 2}
	reg := baseRegistry()
	reg.Register(models.NodeTypeAction, "FLAKY", flaky)

	h := newTestHarness(t, spec, reg)
	row := h.start(t, "wf-retry", nil)

	require.Equal(t, models.ExecutionSuccess, row.Status)
	assert.Equal(t, 3, flaky.calls)

	results, err := row.DecodeNodeResults()
	require.NoError(t, err)
	assert.Equal(t, 3, results["shaky"].Attempts)

	// Exponential backoff from the configured base, jitter within 20%.
	require.Len(t, h.waits, 2)
	assert.InDelta(t, float64(10*time.Millisecond), float64(h.waits[0]), float64(2*time.Millisecond))
	assert.InDelta(t, float64(20*time.Millisecond), float64(h.waits[1]), float64(4*time.Millisecond))
}

func TestWalkStopsOnExhaustedRetries(t *testing.T) {
	spec := &models.WorkflowSpec{
		ID:   "wf-retry-fail",
		Name: "retry fail",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeTrigger, Subtype: models.TriggerManual},
			{ID: "shaky", Type: models.NodeTypeAction, Subtype: "FLAKY", Configurations: map[string]interface{}{
				"retry": map[string]interface{}{"max_tries": float64(2), "base_ms": float64(5)},
			}},
		},
		Connections: []models.Connection{
			{ID: "c1", FromNode: "start", ToNode: "shaky"},
		},
		Triggers: []string{"start"},
	}
	flaky := &flakyRunner{failures: 5}
	reg := baseRegistry()
	reg.Register(models.NodeTypeAction, "FLAKY", flaky)

	h := newTestHarness(t, spec, reg)
	row, err := h.run(t, "wf-retry-fail", nil)

	require.Error(t, err)
	assert.Equal(t, errs.KindNetwork, errs.KindOf(err))
	require.Equal(t, models.ExecutionError, row.Status)
	assert.Equal(t, 2, flaky.calls)
	assert.Contains(t, row.ErrorMessage, "shaky")
}

func pausingSpec(id string) *models.WorkflowSpec {
	return &models.WorkflowSpec{
		ID:   id,
		Name: "approval fan-in",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeTrigger, Subtype: models.TriggerManual},
			{ID: "approval", Type: models.NodeTypeHumanLoop, Subtype: models.HumanLoopApp},
			{ID: "side", Type: models.NodeTypeAction, Subtype: "ECHO"},
			{ID: "join", Type: models.NodeTypeFlow, Subtype: models.FlowMerge},
		},
		Connections: []models.Connection{
			{ID: "c1", FromNode: "start", ToNode: "approval"},
			{ID: "c2", FromNode: "start", ToNode: "side"},
			{ID: "c3", FromNode: "approval", ToNode: "join", ToPort: "approval"},
			{ID: "c4", FromNode: "side", ToNode: "join", ToPort: "side"},
		},
		Triggers: []string{"start"},
	}
}

func TestPauseKeepsConcurrentSiblingResults(t *testing.T) {
	approval := &approvalRunner{}
	reg := baseRegistry()
	reg.Register(models.NodeTypeHumanLoop, models.HumanLoopApp, approval)
	reg.Register(models.NodeTypeAction, "ECHO", &echoRunner{emit: map[string]interface{}{"side_done": true}})
	reg.Register(models.NodeTypeFlow, models.FlowMerge, runner.NewMergeRunner())

	h := newTestHarness(t, pausingSpec("wf-pause"), reg)
	row := h.start(t, "wf-pause", map[string]interface{}{})

	require.Equal(t, models.ExecutionPaused, row.Status)

	// The sibling dispatched in the same batch as the pausing node keeps its
	// result and its place in the sequence.
	results, err := row.DecodeNodeResults()
	require.NoError(t, err)
	require.Contains(t, results, "side")
	assert.Equal(t, models.NodeSuccess, results["side"].Status)
	assert.Contains(t, row.ExecutionSequence, "side")

	pause, err := row.DecodePendingPause()
	require.NoError(t, err)
	require.NotNil(t, pause)
	assert.Equal(t, "approval", pause.NodeID)
	assert.Contains(t, pause.Frontier, "join")

	exec, err := h.engine.ResumeExecution(context.Background(), row.ExecutionID, &ResumeRequest{
		InteractionID: "int-1",
		Approved:      true,
	})
	require.NoError(t, err)

	final := h.waitTerminal(t, exec.ExecutionID)
	require.Equal(t, models.ExecutionSuccess, final.Status)

	// The join saw both branches: the resumed approval and the sibling that
	// completed before the pause.
	finalResults, err := final.DecodeNodeResults()
	require.NoError(t, err)
	join := finalResults["join"]
	require.NotNil(t, join)
	require.Equal(t, models.NodeSuccess, join.Status)
	assert.Equal(t, true, join.OutputData["approved"])
	assert.Equal(t, true, join.OutputData["side_done"])

	assert.EqualValues(t, 1, atomic.LoadInt32(&approval.resumes))
}

func TestResumeClaimIsExclusive(t *testing.T) {
	approval := &approvalRunner{}
	reg := baseRegistry()
	reg.Register(models.NodeTypeHumanLoop, models.HumanLoopApp, approval)
	reg.Register(models.NodeTypeAction, "ECHO", &echoRunner{})
	reg.Register(models.NodeTypeFlow, models.FlowMerge, runner.NewMergeRunner())

	h := newTestHarness(t, pausingSpec("wf-race"), reg)
	row := h.start(t, "wf-race", map[string]interface{}{})
	require.Equal(t, models.ExecutionPaused, row.Status)

	req := &ResumeRequest{InteractionID: "int-1", Approved: true}
	errc := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.engine.ResumeExecution(context.Background(), row.ExecutionID, req)
			errc <- err
		}()
	}

	var failures int
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			failures++
			assert.Equal(t, errs.KindState, errs.KindOf(err))
		}
	}
	assert.Equal(t, 1, failures)
	assert.EqualValues(t, 1, atomic.LoadInt32(&approval.resumes))

	h.waitTerminal(t, row.ExecutionID)
}

func TestPauseSweepExpiresThroughTimeoutPort(t *testing.T) {
	spec := &models.WorkflowSpec{
		ID:   "wf-sweep",
		Name: "sweep",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeTrigger, Subtype: models.TriggerManual},
			{ID: "approval", Type: models.NodeTypeHumanLoop, Subtype: models.HumanLoopApp, Configurations: map[string]interface{}{
				"timeout_port": "escalate",
			}},
			{ID: "fallback", Type: models.NodeTypeAction, Subtype: "ECHO"},
		},
		Connections: []models.Connection{
			{ID: "c1", FromNode: "start", ToNode: "approval"},
			{ID: "c2", FromNode: "approval", FromPort: "escalate", ToNode: "fallback"},
		},
		Triggers: []string{"start"},
	}
	reg := baseRegistry()
	reg.Register(models.NodeTypeHumanLoop, models.HumanLoopApp, &approvalRunner{})
	reg.Register(models.NodeTypeAction, "ECHO", &echoRunner{emit: map[string]interface{}{"escalated": true}})

	h := newTestHarness(t, spec, reg)
	row := h.start(t, "wf-sweep", nil)
	require.Equal(t, models.ExecutionPaused, row.Status)

	h.store.rewritePause(t, row.ExecutionID, func(p *models.PendingPause) {
		p.PausedAt = time.Now().UTC().Add(-2 * time.Hour)
	})

	require.NoError(t, h.engine.RunPauseSweep(context.Background()))

	final := h.waitTerminal(t, row.ExecutionID)
	require.Equal(t, models.ExecutionSuccess, final.Status)

	results, err := final.DecodeNodeResults()
	require.NoError(t, err)
	assert.Equal(t, true, results["fallback"].OutputData["escalated"])
	assert.Equal(t, true, results["approval"].OutputData["timed_out"])
}

func TestCancellationObservedAtNodeBoundary(t *testing.T) {
	spec := &models.WorkflowSpec{
		ID:   "wf-cancel",
		Name: "cancel",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeTrigger, Subtype: models.TriggerManual},
			{ID: "first", Type: models.NodeTypeAction, Subtype: "CANCELER"},
			{ID: "second", Type: models.NodeTypeAction, Subtype: "ECHO"},
		},
		Connections: []models.Connection{
			{ID: "c1", FromNode: "start", ToNode: "first"},
			{ID: "c2", FromNode: "first", ToNode: "second"},
		},
		Triggers: []string{"start"},
	}
	reg := baseRegistry()
	reg.Register(models.NodeTypeAction, "ECHO", &echoRunner{})

	h := newTestHarness(t, spec, reg)
	reg.Register(models.NodeTypeAction, "CANCELER", &cancelingRunner{store: h.store})

	row := h.start(t, "wf-cancel", nil)

	require.Equal(t, models.ExecutionCanceled, row.Status)
	results, err := row.DecodeNodeResults()
	require.NoError(t, err)
	assert.NotContains(t, results, "second")
}

func TestExecuteRejectsUndeployedWorkflow(t *testing.T) {
	spec := &models.WorkflowSpec{
		ID:   "wf-undeployed",
		Name: "undeployed",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeTrigger, Subtype: models.TriggerManual},
		},
		Triggers: []string{"start"},
	}
	h := newTestHarness(t, spec, baseRegistry())
	h.workflows.rows["wf-undeployed"].DeploymentStatus = models.DeploymentUndeployed

	_, err := h.engine.Execute(context.Background(), "wf-undeployed", manualTrigger(nil), nil, "user-1", false)
	require.Error(t, err)
	assert.Equal(t, errs.KindState, errs.KindOf(err))
}
