package engine

import (
	"context"
	"time"

	"github.com/lyzr/conductor/cmd/engine/logstore"
	"github.com/lyzr/conductor/cmd/engine/runner"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

// pauseSweepBatch caps how many expired pauses one sweep round handles.
const pauseSweepBatch = 100

// ResumeRequest is a human response delivered to a paused execution
type ResumeRequest struct {
	InteractionID string                 `json:"interaction_id"`
	Approved      bool                   `json:"approved"`
	OutputPort    string                 `json:"output_port,omitempty"`
	ResumeData    map[string]interface{} `json:"resume_data,omitempty"`
}

// ResumeExecution delivers a human response to a paused execution. The
// resumed node's output is recorded and the walk continues from the persisted
// frontier in the background; the returned row reflects the RUNNING state.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string, req *ResumeRequest) (*models.Execution, error) {
	exec, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != models.ExecutionPaused {
		return nil, errs.Newf(errs.KindState, "execution %s is %s, not PAUSED", executionID, exec.Status)
	}

	pause, err := exec.DecodePendingPause()
	if err != nil || pause == nil {
		return nil, errs.New(errs.KindState, "paused execution has no pause state")
	}
	if req.InteractionID != "" && req.InteractionID != pause.InteractionID {
		return nil, errs.Newf(errs.KindState, "unknown interaction %s", req.InteractionID)
	}

	// Claim the pause before touching the resumer so racing resumes (or the
	// timeout sweep) cannot both deliver a response.
	claimed, err := e.executions.MarkResuming(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, errs.Newf(errs.KindState, "execution %s is no longer paused", executionID)
	}

	st, graph, trigger, err := e.loadWalk(ctx, exec)
	if err != nil {
		return nil, err
	}
	if pause.LoopCounters != nil {
		st.loopCounters = pause.LoopCounters
	}

	node := graph.Node(pause.NodeID)
	if node == nil {
		return nil, errs.Newf(errs.KindState, "paused node %s no longer in workflow", pause.NodeID)
	}
	run, err := e.registry.Lookup(node.Type, node.Subtype)
	if err != nil {
		return nil, err
	}
	resumer, ok := run.(runner.Resumer)
	if !ok {
		return nil, errs.Newf(errs.KindState, "node %s cannot be resumed", pause.NodeID)
	}

	rc := e.nodeContext(exec, graph, trigger, st, node, map[string]interface{}{})

	started := time.Now().UTC()
	result := resumer.Resume(ctx, rc, pause, req.Approved, req.ResumeData)
	result.StartedAt = started
	result.FinishedAt = time.Now().UTC()
	result.Attempts = 1
	if req.OutputPort != "" && result.Status == models.NodeSuccess {
		result.OutputPort = req.OutputPort
	}
	st.results[pause.NodeID] = result

	e.logs.Milestone(ctx, exec.ExecutionID, pause.NodeID, models.EventExecutionResumed, "human response received", map[string]interface{}{
		"interaction_id": pause.InteractionID,
		"approved":       req.Approved,
	})
	e.publishEvent(ctx, exec, "execution_resumed", map[string]interface{}{
		"interaction_id": pause.InteractionID,
		"approved":       req.Approved,
	})

	if result.Status == models.NodeError {
		kind := errs.KindInternal
		if k, ok := result.ErrorDetails["error_kind"].(string); ok && k != "" {
			kind = errs.Kind(k)
		}
		return exec, e.finishError(ctx, exec, st, errs.Newf(kind, "resume of node %s failed: %s", pause.NodeID, result.ErrorMessage))
	}

	exec.Status = models.ExecutionRunning
	exec.PendingPause = nil
	if err := e.persist(ctx, exec, st); err != nil {
		return nil, err
	}

	e.continueWalk(exec, graph, trigger, st, pause)
	return exec, nil
}

// continueWalk resumes the frontier walk after a pause resolved, off the
// caller's request path
func (e *Engine) continueWalk(exec *models.Execution, g *Graph, trigger *models.TriggerInfo, st *walkState, pause *models.PendingPause) {
	frontier := append([]string{}, pause.Frontier...)
	frontier = append(frontier, g.Successors(pause.NodeID)...)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Engine.ExecutionDeadline)
		defer cancel()
		if err := e.walk(ctx, exec, g, trigger, st, frontier); err != nil {
			e.log.Error("resumed execution failed", "execution_id", exec.ExecutionID, "error", err)
		}
	}()
}

// RunPauseSweep expires pauses whose timeout elapsed without a response.
// Called periodically by the engine process.
func (e *Engine) RunPauseSweep(ctx context.Context) error {
	rows, err := e.executions.ListPausedBefore(ctx, time.Now().UTC(), pauseSweepBatch)
	if err != nil {
		return err
	}

	for _, exec := range rows {
		pause, err := exec.DecodePendingPause()
		if err != nil || pause == nil {
			continue
		}
		if time.Since(pause.PausedAt) < pause.Timeout {
			continue
		}
		if err := e.expirePause(ctx, exec, pause); err != nil {
			e.log.Error("pause expiry failed", "execution_id", exec.ExecutionID, "error", err)
		}
	}
	return nil
}

// expirePause runs the node's timeout path and either continues the walk on
// the timeout port or fails the execution
func (e *Engine) expirePause(ctx context.Context, exec *models.Execution, pause *models.PendingPause) error {
	claimed, err := e.executions.MarkResuming(ctx, exec.ExecutionID)
	if err != nil {
		return err
	}
	if !claimed {
		// A resume beat the sweep to it.
		return nil
	}

	st, graph, trigger, err := e.loadWalk(ctx, exec)
	if err != nil {
		return e.finishError(ctx, exec, st, err)
	}
	if pause.LoopCounters != nil {
		st.loopCounters = pause.LoopCounters
	}

	node := graph.Node(pause.NodeID)
	if node == nil {
		return e.finishError(ctx, exec, st, errs.Newf(errs.KindState, "paused node %s no longer in workflow", pause.NodeID))
	}
	run, err := e.registry.Lookup(node.Type, node.Subtype)
	if err != nil {
		return e.finishError(ctx, exec, st, err)
	}
	resumer, ok := run.(runner.Resumer)
	if !ok {
		return e.finishError(ctx, exec, st, errs.Newf(errs.KindState, "node %s cannot expire", pause.NodeID))
	}

	rc := e.nodeContext(exec, graph, trigger, st, node, map[string]interface{}{})

	started := time.Now().UTC()
	result := resumer.Timeout(ctx, rc, pause)
	result.StartedAt = started
	result.FinishedAt = time.Now().UTC()
	result.Attempts = 1
	st.results[pause.NodeID] = result

	e.logs.Append(ctx, logstore.Entry{
		ExecutionID: exec.ExecutionID,
		NodeID:      pause.NodeID,
		Level:       "warn",
		EventType:   models.EventExecutionResumed,
		Message:     "approval timed out",
		Data:        map[string]interface{}{"interaction_id": pause.InteractionID},
		IsMilestone: true,
		Priority:    models.PriorityMilestone,
	})

	if result.Status == models.NodeError {
		return e.finishError(ctx, exec, st, errs.Newf(errs.KindTimeout, "node %s: %s", pause.NodeID, result.ErrorMessage))
	}

	exec.Status = models.ExecutionRunning
	exec.PendingPause = nil
	if err := e.persist(ctx, exec, st); err != nil {
		return err
	}
	e.publishEvent(ctx, exec, "execution_resumed", map[string]interface{}{
		"interaction_id": pause.InteractionID,
		"timed_out":      true,
	})

	e.continueWalk(exec, graph, trigger, st, pause)
	return nil
}
