package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/conductor/common/db"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

// ExecutionRepository handles database operations for execution rows.
// The engine task owning an execution is its single writer.
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

const executionColumns = `execution_id, workflow_id, workflow_version, deployment_version, owner_user_id, trigger_info,
	status, start_time, end_time, execution_sequence, node_results, final_output, error_message, pending_pause,
	created_at, updated_at`

func scanExecution(row interface{ Scan(...any) error }) (*models.Execution, error) {
	e := &models.Execution{}
	err := row.Scan(
		&e.ExecutionID,
		&e.WorkflowID,
		&e.WorkflowVersion,
		&e.DeploymentVersion,
		&e.OwnerUserID,
		&e.TriggerInfo,
		&e.Status,
		&e.StartTime,
		&e.EndTime,
		&e.ExecutionSequence,
		&e.NodeResults,
		&e.FinalOutput,
		&e.ErrorMessage,
		&e.PendingPause,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Create inserts a new execution in status NEW
func (r *ExecutionRepository) Create(ctx context.Context, e *models.Execution) error {
	query := `
		INSERT INTO execution (execution_id, workflow_id, workflow_version, deployment_version, owner_user_id,
			trigger_info, status, execution_sequence, node_results, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
	`

	_, err := r.db.Exec(
		ctx,
		query,
		e.ExecutionID,
		e.WorkflowID,
		e.WorkflowVersion,
		e.DeploymentVersion,
		e.OwnerUserID,
		e.TriggerInfo,
		e.Status,
		e.ExecutionSequence,
		e.NodeResults,
	)

	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// GetByID retrieves an execution by its ID
func (r *ExecutionRepository) GetByID(ctx context.Context, executionID string) (*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM execution
		WHERE execution_id = $1
	`

	e, err := scanExecution(r.db.QueryRow(ctx, query, executionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "execution %s not found", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return e, nil
}

// SaveProgress persists the walk state: status, sequence, results, pause and
// final output. Times are updated when set. A cancellation that landed since
// the last node boundary wins over the progress write.
func (r *ExecutionRepository) SaveProgress(ctx context.Context, e *models.Execution) error {
	query := `
		UPDATE execution
		SET status = $2, start_time = $3, end_time = $4, execution_sequence = $5,
			node_results = $6, final_output = $7, error_message = $8, pending_pause = $9,
			updated_at = now()
		WHERE execution_id = $1 AND status <> 'CANCELED'
	`

	_, err := r.db.Exec(
		ctx,
		query,
		e.ExecutionID,
		e.Status,
		e.StartTime,
		e.EndTime,
		e.ExecutionSequence,
		e.NodeResults,
		e.FinalOutput,
		e.ErrorMessage,
		e.PendingPause,
	)

	if err != nil {
		return fmt.Errorf("failed to save execution progress: %w", err)
	}

	return nil
}

// MarkCancelRequested flags a running execution for cancellation. The engine
// checks the flag at node boundaries.
func (r *ExecutionRepository) MarkCancelRequested(ctx context.Context, executionID string) (bool, error) {
	query := `
		UPDATE execution
		SET status = $2, end_time = now(), updated_at = now()
		WHERE execution_id = $1 AND status IN ('NEW', 'RUNNING', 'PAUSED')
	`

	tag, err := r.db.Exec(ctx, query, executionID, models.ExecutionCanceled)
	if err != nil {
		return false, fmt.Errorf("failed to cancel execution: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkResuming claims a paused execution for resumption. The compare-and-swap
// on status guarantees exactly one caller delivers the response when resumes
// race each other or the timeout sweep.
func (r *ExecutionRepository) MarkResuming(ctx context.Context, executionID string) (bool, error) {
	query := `
		UPDATE execution
		SET status = $2, updated_at = now()
		WHERE execution_id = $1 AND status = 'PAUSED'
	`

	tag, err := r.db.Exec(ctx, query, executionID, models.ExecutionRunning)
	if err != nil {
		return false, fmt.Errorf("failed to claim paused execution: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListByWorkflow returns executions for a workflow, newest first
func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*models.Execution, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT ` + executionColumns + `
		FROM execution
		WHERE workflow_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, workflowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}

	return executions, rows.Err()
}

// ListPausedBefore returns paused executions whose pause started before the
// cutoff. The resume-timeout sweep inspects each pause's own deadline.
func (r *ExecutionRepository) ListPausedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + executionColumns + `
		FROM execution
		WHERE status = 'PAUSED' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list paused executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}

	return executions, rows.Err()
}
