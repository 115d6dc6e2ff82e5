// Package engine executes deployed workflow graphs: the frontier walk, node
// dispatch with retry policies, pause/resume, and execution lifecycle state.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/conductor/cmd/engine/credential"
	"github.com/lyzr/conductor/cmd/engine/logstore"
	"github.com/lyzr/conductor/cmd/engine/runner"
	"github.com/lyzr/conductor/cmd/engine/template"
	"github.com/lyzr/conductor/common/config"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/expr"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/models"
	"github.com/lyzr/conductor/common/queue"
	"github.com/lyzr/conductor/common/redis"
)

const (
	// executionTopic is the queue topic the HTTP layer publishes accepted
	// executions on.
	executionTopic = "executions"

	// syncWaitCap bounds how long a wait=true caller blocks before falling
	// back to the async acknowledgement.
	syncWaitCap = 30 * time.Second

	retryBase       = time.Second
	retryFactor     = 2
	retryJitter     = 0.2
	defaultMaxTries = 3
)

// Engine owns execution state. Each running execution is driven by exactly
// one engine task; everything else reads through the store.
type Engine struct {
	workflows   WorkflowStore
	deployments DeploymentStore
	executions  ExecutionStore
	logs        *logstore.Store
	registry    *runner.Registry
	evaluator   *expr.Evaluator
	broker      *credential.Broker
	redis       *redis.Client
	queue       queue.Queue
	cfg         *config.Config
	log         *logger.Logger

	// sleep is swapped by tests so retry backoff does not wall-block.
	sleep func(ctx context.Context, d time.Duration) error
}

// Opts contains options for creating an Engine
type Opts struct {
	Workflows   WorkflowStore
	Deployments DeploymentStore
	Executions  ExecutionStore
	Logs        *logstore.Store
	Registry    *runner.Registry
	Evaluator   *expr.Evaluator
	Broker      *credential.Broker
	Redis       *redis.Client
	Queue       queue.Queue
	Config      *config.Config
	Logger      *logger.Logger
}

// New creates a new engine
func New(opts *Opts) *Engine {
	return &Engine{
		workflows:   opts.Workflows,
		deployments: opts.Deployments,
		executions:  opts.Executions,
		logs:        opts.Logs,
		registry:    opts.Registry,
		evaluator:   opts.Evaluator,
		broker:      opts.Broker,
		redis:       opts.Redis,
		queue:       opts.Queue,
		cfg:         opts.Config,
		log:         opts.Logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// StartWorkers subscribes the execution worker pool to the intake queue
func (e *Engine) StartWorkers(ctx context.Context) error {
	return e.queue.Subscribe(ctx, executionTopic, e.cfg.Engine.ExecutionWorkers, func(ctx context.Context, key string, value []byte) error {
		return e.Run(ctx, string(value))
	})
}

// Execute accepts an execution request: it pins the current deployment
// version, creates the NEW row, and enqueues the run. With wait set the call
// blocks for completion up to a cap, then falls back to the async ack.
func (e *Engine) Execute(ctx context.Context, workflowID string, trigger *models.TriggerInfo, input map[string]interface{}, actor string, wait bool) (*models.Execution, error) {
	if trigger == nil {
		return nil, errs.New(errs.KindValidation, "trigger info is required")
	}

	wf, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.DeploymentStatus != models.DeploymentDeployed {
		return nil, errs.Newf(errs.KindState, "workflow %s is not deployed", workflowID)
	}

	if input != nil {
		trigger.InputData = input
	}
	triggerJSON, err := json.Marshal(trigger)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "unencodable trigger info", err)
	}

	owner := actor
	if owner == "" {
		owner = wf.OwnerUserID
	}

	exec := &models.Execution{
		ExecutionID:       uuid.NewString(),
		WorkflowID:        workflowID,
		WorkflowVersion:   wf.Version,
		DeploymentVersion: wf.DeploymentVersion,
		OwnerUserID:       owner,
		TriggerInfo:       triggerJSON,
		Status:            models.ExecutionNew,
		ExecutionSequence: []string{},
		NodeResults:       json.RawMessage("{}"),
	}
	if err := e.executions.Create(ctx, exec); err != nil {
		return nil, err
	}

	if wait {
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := e.Run(context.WithoutCancel(ctx), exec.ExecutionID); err != nil {
				e.log.Error("synchronous execution failed", "execution_id", exec.ExecutionID, "error", err)
			}
		}()
		select {
		case <-done:
		case <-time.After(syncWaitCap):
		case <-ctx.Done():
		}
		return e.executions.GetByID(context.WithoutCancel(ctx), exec.ExecutionID)
	}

	if err := e.queue.Publish(ctx, executionTopic, exec.ExecutionID, []byte(exec.ExecutionID)); err != nil {
		return nil, fmt.Errorf("failed to enqueue execution: %w", err)
	}
	return exec, nil
}

// GetExecution returns the stored execution snapshot
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	return e.executions.GetByID(ctx, executionID)
}

// ListExecutions returns a workflow's executions, newest first
func (e *Engine) ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]*models.Execution, error) {
	return e.executions.ListByWorkflow(ctx, workflowID, limit, offset)
}

// CancelExecution requests cancellation. The owning walk observes it at the
// next node boundary; terminal states are a no-op.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) (bool, error) {
	canceled, err := e.executions.MarkCancelRequested(ctx, executionID)
	if err != nil {
		return false, err
	}
	if canceled {
		e.logs.Milestone(ctx, executionID, "", models.EventExecutionCanceled, "cancellation requested", nil)
	}
	return canceled, nil
}

// Run drives one execution to its next stable state (terminal or paused).
// It is the queue worker entrypoint and the synchronous path.
func (e *Engine) Run(ctx context.Context, executionID string) error {
	exec, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() || exec.Status == models.ExecutionPaused {
		return nil
	}

	st, graph, trigger, err := e.loadWalk(ctx, exec)
	if err != nil {
		return e.finishError(ctx, exec, st, err)
	}

	if graph.Node(trigger.NodeID) == nil {
		return e.finishError(ctx, exec, st, errs.Newf(errs.KindValidation, "trigger node %s not in workflow", trigger.NodeID))
	}

	if exec.Status == models.ExecutionNew {
		now := time.Now().UTC()
		exec.Status = models.ExecutionRunning
		exec.StartTime = &now
		e.logs.Milestone(ctx, exec.ExecutionID, "", models.EventExecutionStarted, "execution started", map[string]interface{}{
			"workflow_id":        exec.WorkflowID,
			"deployment_version": exec.DeploymentVersion,
			"trigger_subtype":    trigger.Subtype,
		})
		e.publishEvent(ctx, exec, "execution_started", nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Engine.ExecutionDeadline)
	defer cancel()

	return e.walk(runCtx, exec, graph, trigger, st, []string{trigger.NodeID})
}

// loadWalk reconstructs the walk state from the stored execution row and the
// pinned deployment snapshot
func (e *Engine) loadWalk(ctx context.Context, exec *models.Execution) (*walkState, *Graph, *models.TriggerInfo, error) {
	st := newWalkState()

	snapshot, err := e.deployments.GetSnapshot(ctx, exec.WorkflowID, exec.DeploymentVersion)
	if err != nil {
		return st, nil, nil, err
	}
	spec, err := snapshot.DecodeSpec()
	if err != nil {
		return st, nil, nil, errs.Wrap(errs.KindInternal, "corrupt deployment snapshot", err)
	}
	graph, err := Compile(spec)
	if err != nil {
		return st, nil, nil, err
	}

	trigger, err := exec.DecodeTriggerInfo()
	if err != nil {
		return st, nil, nil, errs.Wrap(errs.KindInternal, "corrupt trigger info", err)
	}

	results, err := exec.DecodeNodeResults()
	if err != nil {
		return st, nil, nil, errs.Wrap(errs.KindInternal, "corrupt node results", err)
	}
	st.results = results
	st.sequence = append(st.sequence, exec.ExecutionSequence...)

	return st, graph, trigger, nil
}

// walkState is the in-memory view of one running execution, owned by a
// single engine task.
type walkState struct {
	results      map[string]*models.NodeExecutionResult
	sequence     []string
	loopCounters map[string]int
}

func newWalkState() *walkState {
	return &walkState{
		results:      map[string]*models.NodeExecutionResult{},
		loopCounters: map[string]int{},
	}
}

// outputs returns node outputs for template resolution
func (st *walkState) outputs() map[string]interface{} {
	out := make(map[string]interface{}, len(st.results))
	for id, r := range st.results {
		if r.OutputData != nil {
			out[id] = r.OutputData
		}
	}
	return out
}

type dispatchOutcome struct {
	nodeID string
	result *models.NodeExecutionResult
}

// walk runs the frontier until it empties, pauses, errors, or is canceled
func (e *Engine) walk(ctx context.Context, exec *models.Execution, g *Graph, trigger *models.TriggerInfo, st *walkState, frontier []string) error {
	inFrontier := map[string]bool{}
	deduped := frontier[:0]
	for _, id := range frontier {
		if inFrontier[id] {
			continue
		}
		inFrontier[id] = true
		deduped = append(deduped, id)
	}
	frontier = deduped

	enqueue := func(id string) {
		if inFrontier[id] {
			return
		}
		// Re-entry (loop bodies) re-runs the node; stale results go.
		delete(st.results, id)
		frontier = append(frontier, id)
		inFrontier[id] = true
	}

	for len(frontier) > 0 {
		// Node boundary: observe external cancellation.
		row, err := e.executions.GetByID(ctx, exec.ExecutionID)
		if err == nil && row.Status == models.ExecutionCanceled {
			e.publishEvent(ctx, exec, "execution_canceled", nil)
			return nil
		}
		if ctx.Err() != nil {
			return e.finishError(ctx, exec, st, errs.New(errs.KindTimeout, "execution deadline exceeded"))
		}

		ready, rest := e.partitionReady(g, st, frontier)
		if len(ready) == 0 {
			return e.finishError(ctx, exec, st, errs.New(errs.KindState, "no runnable node in frontier"))
		}
		frontier = rest

		// Skip-propagation: all inbound resolved, none activated.
		var runnable []string
		for _, id := range ready {
			if len(g.Inbound(id)) > 0 && len(e.activatedInbound(g, st, id)) == 0 {
				st.results[id] = &models.NodeExecutionResult{Status: models.NodeSkipped}
				delete(inFrontier, id)
				e.logs.Append(ctx, logstore.Entry{
					ExecutionID: exec.ExecutionID,
					NodeID:      id,
					EventType:   models.EventNodeSkipped,
					Message:     "no inbound edge activated",
				})
				for _, succ := range g.Successors(id) {
					enqueue(succ)
				}
				continue
			}
			runnable = append(runnable, id)
		}
		if len(runnable) == 0 {
			continue
		}

		batch := runnable
		if limit := e.cfg.Engine.NodeConcurrency; len(batch) > limit {
			// Overflow returns to the frontier for the next round.
			frontier = append(frontier, batch[limit:]...)
			batch = batch[:limit]
		}

		outcomes := e.dispatchBatch(ctx, exec, g, trigger, st, batch)

		// Every outcome in the batch ran; record them all before deciding how
		// the walk proceeds, so a pause or failure never drops a concurrent
		// sibling's result.
		var pausedResult *models.NodeExecutionResult
		var nodeFailure error

		for _, out := range outcomes {
			node := g.Node(out.nodeID)
			result := out.result
			delete(inFrontier, out.nodeID)

			if result.Status == models.NodePaused && pausedResult != nil {
				// One pending pause per execution; a second pause in the same
				// batch re-runs after the first resolves.
				enqueue(out.nodeID)
				continue
			}

			st.sequence = append(st.sequence, out.nodeID)
			st.results[out.nodeID] = result
			if node.Type == models.NodeTypeFlow && node.Subtype == models.FlowLoop {
				st.loopCounters[out.nodeID]++
			}

			e.logs.Milestone(ctx, exec.ExecutionID, out.nodeID, models.EventNodeFinished, fmt.Sprintf("node %s finished %s", out.nodeID, result.Status), map[string]interface{}{
				"status":      string(result.Status),
				"output_port": result.OutputPort,
				"attempts":    result.Attempts,
			})

			switch result.Status {
			case models.NodePaused:
				pausedResult = result

			case models.NodeError:
				policy := onErrorPolicy(node)
				if policy == "continue" {
					// The node failed but the walk goes on with an empty
					// emission on main.
					result.OutputPort = models.DefaultPort
					result.OutputData = map[string]interface{}{}
					for _, succ := range g.Successors(out.nodeID) {
						enqueue(succ)
					}
					continue
				}
				if nodeFailure == nil {
					kind := errs.KindInternal
					if k, ok := result.ErrorDetails["error_kind"].(string); ok && k != "" {
						kind = errs.Kind(k)
					}
					nodeFailure = errs.Newf(kind, "node %s failed: %s", out.nodeID, result.ErrorMessage)
				}

			default:
				for _, succ := range g.Successors(out.nodeID) {
					enqueue(succ)
				}
			}
		}

		if nodeFailure != nil {
			return e.finishError(ctx, exec, st, nodeFailure)
		}
		if pausedResult != nil {
			return e.pause(ctx, exec, st, pausedResult, frontier)
		}

		if err := e.persist(ctx, exec, st); err != nil {
			e.log.Error("failed to persist execution progress", "execution_id", exec.ExecutionID, "error", err)
		}
	}

	return e.finishSuccess(ctx, exec, g, st)
}

// partitionReady splits the frontier into dispatchable nodes and the rest,
// preserving the spec's nodes-order tie-break
func (e *Engine) partitionReady(g *Graph, st *walkState, frontier []string) (ready, rest []string) {
	for _, id := range frontier {
		if e.inboundResolved(g, st, id) {
			ready = append(ready, id)
		} else {
			rest = append(rest, id)
		}
	}
	g.SortByOrder(ready)
	return ready, rest
}

// inboundResolved reports whether a node can be dispatched. LOOP nodes run as
// soon as one inbound edge activates, since their back edge resolves only
// after the body ran.
func (e *Engine) inboundResolved(g *Graph, st *walkState, nodeID string) bool {
	node := g.Node(nodeID)
	if node != nil && node.Type == models.NodeTypeFlow && node.Subtype == models.FlowLoop {
		return len(e.activatedInbound(g, st, nodeID)) > 0 || len(g.Inbound(nodeID)) == 0
	}

	for _, conn := range g.Inbound(nodeID) {
		if _, ok := st.results[conn.FromNode]; !ok {
			return false
		}
	}
	return true
}

// activatedInbound returns the inbound edges whose upstream emitted on the
// port the edge consumes
func (e *Engine) activatedInbound(g *Graph, st *walkState, nodeID string) []models.Connection {
	var active []models.Connection
	for _, conn := range g.Inbound(nodeID) {
		up, ok := st.results[conn.FromNode]
		if !ok || up.Status == models.NodeSkipped {
			continue
		}
		if _, ok := up.PortOutput(conn.FromPort); ok {
			active = append(active, conn)
		}
	}
	return active
}

// dispatchBatch runs a set of ready nodes concurrently and collects outcomes
// in batch order
func (e *Engine) dispatchBatch(ctx context.Context, exec *models.Execution, g *Graph, trigger *models.TriggerInfo, st *walkState, batch []string) []dispatchOutcome {
	outcomes := make([]dispatchOutcome, len(batch))
	done := make(chan int, len(batch))

	for i, nodeID := range batch {
		go func(i int, nodeID string) {
			outcomes[i] = dispatchOutcome{
				nodeID: nodeID,
				result: e.dispatchNode(ctx, exec, g, trigger, st, nodeID),
			}
			done <- i
		}(i, nodeID)
	}
	for range batch {
		<-done
	}
	return outcomes
}

// dispatchNode gathers inputs, resolves templates, runs the node, and applies
// its retry policy
func (e *Engine) dispatchNode(ctx context.Context, exec *models.Execution, g *Graph, trigger *models.TriggerInfo, st *walkState, nodeID string) *models.NodeExecutionResult {
	node := g.Node(nodeID)

	run, err := e.registry.Lookup(node.Type, node.Subtype)
	if err != nil {
		return runner.Failure(err)
	}

	input, err := e.gatherInputs(g, st, trigger, nodeID)
	if err != nil {
		return runner.Failure(err)
	}

	rc := e.nodeContext(exec, g, trigger, st, node, input)

	e.logs.Append(ctx, logstore.Entry{
		ExecutionID: exec.ExecutionID,
		NodeID:      nodeID,
		EventType:   models.EventNodeStarted,
		Message:     fmt.Sprintf("node %s started (%s/%s)", nodeID, node.Type, node.Subtype),
	})

	maxTries, base := retryPolicy(node)

	var result *models.NodeExecutionResult
	for attempt := 1; attempt <= maxTries; attempt++ {
		started := time.Now().UTC()
		result = run.Execute(ctx, rc)
		result.StartedAt = started
		result.FinishedAt = time.Now().UTC()
		result.Attempts = attempt

		if result.Status != models.NodeError || attempt == maxTries {
			break
		}
		kind, _ := result.ErrorDetails["error_kind"].(string)
		if !errs.Retryable(errs.Kind(kind)) {
			break
		}

		wait := retryDelay(attempt, base)
		e.logs.Append(ctx, logstore.Entry{
			ExecutionID: exec.ExecutionID,
			NodeID:      nodeID,
			Level:       "warn",
			EventType:   models.EventNodeRetried,
			Message:     fmt.Sprintf("attempt %d failed, retrying in %s", attempt, wait.Round(time.Millisecond)),
			Data:        map[string]interface{}{"attempt": attempt, "error_kind": kind},
		})
		if err := e.sleep(ctx, wait); err != nil {
			break
		}
	}

	return result
}

// nodeContext builds the runner context with resolved templates
func (e *Engine) nodeContext(exec *models.Execution, g *Graph, trigger *models.TriggerInfo, st *walkState, node *models.Node, input map[string]interface{}) *runner.Context {
	tctx := &template.Context{
		Payload:     trigger.InputData,
		Trigger:     triggerAsMap(trigger),
		StaticData:  g.Spec.StaticData,
		NodeOutputs: st.outputs(),
		EnvPrefix:   e.cfg.Security.TemplateEnvPrefix,
	}

	resolvedCfg, warnings := template.ResolveValue(node.Configurations, tctx)
	cfg, _ := resolvedCfg.(map[string]interface{})
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	if node.InputParams != nil {
		resolvedParams, w := template.ResolveValue(node.InputParams, tctx)
		warnings = append(warnings, w...)
		if params, ok := resolvedParams.(map[string]interface{}); ok {
			for k, v := range params {
				if _, exists := cfg[k]; !exists {
					cfg[k] = v
				}
			}
		}
	}

	for _, path := range warnings {
		e.logs.Append(context.Background(), logstore.Entry{
			ExecutionID: exec.ExecutionID,
			NodeID:      node.ID,
			Level:       "warn",
			EventType:   models.EventTemplateWarning,
			Message:     fmt.Sprintf("unresolved template path %q", path),
			Priority:    models.PriorityDebug,
		})
	}

	executionID := exec.ExecutionID
	nodeID := node.ID
	return &runner.Context{
		ExecutionID: executionID,
		WorkflowID:  exec.WorkflowID,
		Actor:       exec.OwnerUserID,
		Node:        node,
		Config:      cfg,
		Input:       input,
		Trigger:     trigger,
		StaticData:  g.Spec.StaticData,
		Iteration:   st.loopCounters[node.ID],
		Credentials: func(ctx context.Context, provider string) (string, error) {
			if e.broker == nil {
				return "", errs.New(errs.KindAuth, "credential broker unavailable")
			}
			return e.broker.AccessToken(ctx, exec.OwnerUserID, provider)
		},
		Logger: e.log,
		Log: func(level, message string, data map[string]interface{}) {
			e.logs.Append(context.Background(), logstore.Entry{
				ExecutionID: executionID,
				NodeID:      nodeID,
				Level:       level,
				EventType:   models.EventProviderCall,
				Message:     message,
				Data:        data,
			})
		},
	}
}

// gatherInputs merges the activated inbound edges' upstream outputs into a
// port-keyed input map, applying edge conversion functions. A trigger node
// has no inbound edges and receives the normalized trigger payload.
func (e *Engine) gatherInputs(g *Graph, st *walkState, trigger *models.TriggerInfo, nodeID string) (map[string]interface{}, error) {
	inbound := g.Inbound(nodeID)
	if len(inbound) == 0 {
		if trigger.InputData != nil {
			return map[string]interface{}{models.DefaultPort: trigger.InputData}, nil
		}
		return map[string]interface{}{}, nil
	}

	input := map[string]interface{}{}
	for _, conn := range e.activatedInbound(g, st, nodeID) {
		value, _ := st.results[conn.FromNode].PortOutput(conn.FromPort)

		if conn.ConversionFunction != "" {
			converted, err := e.evaluator.Eval(conn.ConversionFunction, asInputMap(value), nil)
			if err != nil {
				return nil, errs.Wrap(errs.KindValidation, fmt.Sprintf("conversion on edge %s failed", conn.ID), err)
			}
			value = converted
		}

		if existing, ok := input[conn.ToPort]; ok {
			input[conn.ToPort] = mergeValues(existing, value)
		} else {
			input[conn.ToPort] = value
		}
	}
	return input, nil
}

// pause persists the suspended state and stops scheduling
func (e *Engine) pause(ctx context.Context, exec *models.Execution, st *walkState, result *models.NodeExecutionResult, remaining []string) error {
	pause := result.Pause
	if pause == nil {
		return e.finishError(ctx, exec, st, errs.New(errs.KindInternal, "paused result without pause payload"))
	}
	pause.Frontier = append([]string{}, remaining...)
	pause.LoopCounters = st.loopCounters

	pauseJSON, err := json.Marshal(pause)
	if err != nil {
		return e.finishError(ctx, exec, st, errs.Wrap(errs.KindInternal, "unencodable pause state", err))
	}

	exec.Status = models.ExecutionPaused
	exec.PendingPause = pauseJSON
	if err := e.persist(ctx, exec, st); err != nil {
		return err
	}

	e.logs.Milestone(ctx, exec.ExecutionID, pause.NodeID, models.EventExecutionPaused, "awaiting human response", map[string]interface{}{
		"interaction_id": pause.InteractionID,
		"channel":        pause.Channel,
	})
	e.logs.Milestone(ctx, exec.ExecutionID, pause.NodeID, models.EventApprovalRequired, pause.Question, map[string]interface{}{
		"interaction_id": pause.InteractionID,
	})
	e.publishEvent(ctx, exec, "approval_required", map[string]interface{}{
		"interaction_id": pause.InteractionID,
		"node_id":        pause.NodeID,
		"question":       pause.Question,
	})
	return nil
}

// finishSuccess merges terminal node outputs and closes the execution
func (e *Engine) finishSuccess(ctx context.Context, exec *models.Execution, g *Graph, st *walkState) error {
	final := map[string]interface{}{}
	for id, result := range st.results {
		if result.Status != models.NodeSuccess || !g.Terminal(id) {
			continue
		}
		for k, v := range result.OutputData {
			final[k] = v
		}
	}

	finalJSON, err := json.Marshal(final)
	if err != nil {
		finalJSON = json.RawMessage("{}")
	}

	now := time.Now().UTC()
	exec.Status = models.ExecutionSuccess
	exec.EndTime = &now
	exec.FinalOutput = finalJSON
	exec.PendingPause = nil
	if err := e.persist(ctx, exec, st); err != nil {
		return err
	}

	e.logs.Milestone(ctx, exec.ExecutionID, "", models.EventExecutionFinished, "execution succeeded", map[string]interface{}{
		"status": string(models.ExecutionSuccess),
	})
	e.publishEvent(ctx, exec, "execution_finished", map[string]interface{}{"status": "SUCCESS"})
	return nil
}

// finishError closes the execution as ERROR
func (e *Engine) finishError(ctx context.Context, exec *models.Execution, st *walkState, cause error) error {
	now := time.Now().UTC()
	exec.Status = models.ExecutionError
	exec.EndTime = &now
	exec.ErrorMessage = cause.Error()
	exec.PendingPause = nil
	if err := e.persist(ctx, exec, st); err != nil {
		return err
	}

	e.logs.Milestone(ctx, exec.ExecutionID, "", models.EventExecutionFinished, "execution failed: "+cause.Error(), map[string]interface{}{
		"status":     string(models.ExecutionError),
		"error_kind": string(errs.KindOf(cause)),
	})
	e.publishEvent(ctx, exec, "execution_finished", map[string]interface{}{"status": "ERROR"})
	return cause
}

// persist writes the walk state into the execution row
func (e *Engine) persist(ctx context.Context, exec *models.Execution, st *walkState) error {
	resultsJSON, err := json.Marshal(st.results)
	if err != nil {
		return fmt.Errorf("failed to encode node results: %w", err)
	}
	exec.ExecutionSequence = append([]string{}, st.sequence...)
	exec.NodeResults = resultsJSON

	return e.executions.SaveProgress(context.WithoutCancel(ctx), exec)
}

// publishEvent emits a lifecycle event for external subscribers. Best-effort:
// a fanout failure never affects the execution.
func (e *Engine) publishEvent(ctx context.Context, exec *models.Execution, event string, extra map[string]interface{}) {
	if e.redis == nil {
		return
	}

	payload := map[string]interface{}{
		"event":        event,
		"execution_id": exec.ExecutionID,
		"workflow_id":  exec.WorkflowID,
		"status":       string(exec.Status),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	channel := "workflow:events:" + exec.OwnerUserID
	if err := e.redis.Publish(context.WithoutCancel(ctx), channel, string(encoded)); err != nil {
		e.log.Warn("lifecycle event publish failed", "channel", channel, "error", err)
	}
}

// ExecuteSingleNode runs one node in isolation against caller-supplied input,
// bypassing the graph walk. Debug surface.
func (e *Engine) ExecuteSingleNode(ctx context.Context, workflowID, nodeID string, input map[string]interface{}, actor string) (*models.NodeExecutionResult, error) {
	wf, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	spec, err := wf.DecodeSpec()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "corrupt workflow spec", err)
	}

	node := spec.NodeByID(nodeID)
	if node == nil {
		return nil, errs.Newf(errs.KindNotFound, "node %s not found in workflow %s", nodeID, workflowID)
	}

	run, err := e.registry.Lookup(node.Type, node.Subtype)
	if err != nil {
		return nil, err
	}

	tctx := &template.Context{
		Payload:    input,
		StaticData: spec.StaticData,
		EnvPrefix:  e.cfg.Security.TemplateEnvPrefix,
	}
	resolvedCfg, _ := template.ResolveValue(node.Configurations, tctx)
	cfg, _ := resolvedCfg.(map[string]interface{})
	if cfg == nil {
		cfg = map[string]interface{}{}
	}

	rc := &runner.Context{
		ExecutionID: "debug-" + uuid.NewString(),
		WorkflowID:  workflowID,
		Actor:       actor,
		Node:        node,
		Config:      cfg,
		Input:       map[string]interface{}{models.DefaultPort: input},
		StaticData:  spec.StaticData,
		Credentials: func(ctx context.Context, provider string) (string, error) {
			if e.broker == nil {
				return "", errs.New(errs.KindAuth, "credential broker unavailable")
			}
			return e.broker.AccessToken(ctx, actor, provider)
		},
		Logger: e.log,
		Log:    func(level, message string, data map[string]interface{}) {},
	}

	started := time.Now().UTC()
	result := run.Execute(ctx, rc)
	result.StartedAt = started
	result.FinishedAt = time.Now().UTC()
	result.Attempts = 1
	return result, nil
}

// onErrorPolicy reads the node's error policy, default stop
func onErrorPolicy(node *models.Node) string {
	switch policy, _ := node.Configurations["on_error"].(string); policy {
	case "continue", "retry":
		return policy
	default:
		return "stop"
	}
}

// retryPolicy reads a node's retry settings. A `retry` object enables retry
// on its own; `on_error: retry` with flat keys is the older shape.
func retryPolicy(node *models.Node) (maxTries int, base time.Duration) {
	maxTries = 1
	base = retryBase

	if cfg := runner.ConfigMap(node.Configurations, "retry"); cfg != nil {
		maxTries = runner.ConfigInt(cfg, "max_tries", defaultMaxTries)
		if ms := runner.ConfigInt(cfg, "base_ms", 0); ms > 0 {
			base = time.Duration(ms) * time.Millisecond
		}
	} else if onErrorPolicy(node) == "retry" {
		maxTries = runner.ConfigInt(node.Configurations, "max_tries", defaultMaxTries)
	}

	if maxTries < 1 {
		maxTries = 1
	}
	return maxTries, base
}

// retryDelay is exponential backoff with jitter
func retryDelay(attempt int, base time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= retryFactor
	}
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// triggerAsMap exposes the trigger info to templates
func triggerAsMap(trigger *models.TriggerInfo) map[string]interface{} {
	return map[string]interface{}{
		"type":       string(trigger.Type),
		"subtype":    trigger.Subtype,
		"node_id":    trigger.NodeID,
		"raw_event":  trigger.RawEvent,
		"input_data": trigger.InputData,
	}
}

// asInputMap shapes an edge value for CEL's input variable
func asInputMap(value interface{}) map[string]interface{} {
	if m, ok := value.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"value": value}
}

// mergeValues merges two values delivered on the same port
func mergeValues(a, b interface{}) interface{} {
	am, aok := a.(map[string]interface{})
	bm, bok := b.(map[string]interface{})
	if !aok || !bok {
		return b
	}
	merged := make(map[string]interface{}, len(am)+len(bm))
	for k, v := range am {
		merged[k] = v
	}
	for k, v := range bm {
		merged[k] = v
	}
	return merged
}
