package repository

import (
	"context"
	"fmt"

	"github.com/lyzr/conductor/common/db"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

// DeploymentRepository owns the transactional writes of deploy/undeploy:
// trigger index rows, the workflow status flip, and the deployment history
// snapshot move together or not at all.
type DeploymentRepository struct {
	db *db.DB
}

// NewDeploymentRepository creates a new deployment repository
func NewDeploymentRepository(database *db.DB) *DeploymentRepository {
	return &DeploymentRepository{db: database}
}

// Deploy replaces the workflow's trigger index rows, marks it DEPLOYED with a
// bumped deployment version, and snapshots the spec into history, all in one
// transaction.
func (r *DeploymentRepository) Deploy(ctx context.Context, record *models.DeploymentRecord, entries []*models.TriggerIndexEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin deploy transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM trigger_index WHERE workflow_id = $1`, record.WorkflowID); err != nil {
		return fmt.Errorf("failed to clear old trigger entries: %w", err)
	}

	insertEntry := `
		INSERT INTO trigger_index (id, workflow_id, node_id, trigger_type, trigger_subtype, index_key, config, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`
	for _, e := range entries {
		_, err := tx.Exec(ctx, insertEntry,
			e.ID, e.WorkflowID, e.NodeID, e.TriggerType, e.TriggerSubtype, e.IndexKey, e.Config, e.Status)
		if err != nil {
			return fmt.Errorf("failed to insert trigger entry %s: %w", e.IndexKey, err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE workflow
		SET deployment_status = $2, deployment_version = $3, updated_at = now()
		WHERE id = $1
	`, record.WorkflowID, models.DeploymentDeployed, record.DeploymentVersion)
	if err != nil {
		return fmt.Errorf("failed to mark workflow deployed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindNotFound, "workflow %s not found", record.WorkflowID)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_deployment_history (id, workflow_id, deployment_version, spec, deployed_by, deployed_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, record.ID, record.WorkflowID, record.DeploymentVersion, record.Spec, record.DeployedBy)
	if err != nil {
		return fmt.Errorf("failed to record deployment history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit deploy: %w", err)
	}

	return nil
}

// Undeploy removes the workflow's trigger entries and marks it UNDEPLOYED.
// Idempotent: undeploying an undeployed workflow is a no-op success.
func (r *DeploymentRepository) Undeploy(ctx context.Context, workflowID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin undeploy transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM trigger_index WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("failed to remove trigger entries: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE workflow
		SET deployment_status = $2, updated_at = now()
		WHERE id = $1
	`, workflowID, models.DeploymentUndeployed)
	if err != nil {
		return fmt.Errorf("failed to mark workflow undeployed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit undeploy: %w", err)
	}

	return nil
}

// SetTriggerStatus flips index rows between active and paused without
// removing them, and mirrors the state onto the workflow row.
func (r *DeploymentRepository) SetTriggerStatus(ctx context.Context, workflowID string, status models.TriggerStatus) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin pause transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE trigger_index SET status = $2, updated_at = now() WHERE workflow_id = $1
	`, workflowID, status); err != nil {
		return fmt.Errorf("failed to update trigger status: %w", err)
	}

	wfStatus := models.DeploymentDeployed
	if status == models.TriggerIndexPaused {
		wfStatus = models.DeploymentPaused
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workflow SET deployment_status = $2, updated_at = now() WHERE id = $1
	`, workflowID, wfStatus); err != nil {
		return fmt.Errorf("failed to update workflow status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit trigger status change: %w", err)
	}

	return nil
}

// GetSnapshot loads the pinned spec snapshot for one deployment version
func (r *DeploymentRepository) GetSnapshot(ctx context.Context, workflowID string, deploymentVersion int) (*models.DeploymentRecord, error) {
	query := `
		SELECT id, workflow_id, deployment_version, spec, deployed_by, deployed_at
		FROM workflow_deployment_history
		WHERE workflow_id = $1 AND deployment_version = $2
	`

	rec := &models.DeploymentRecord{}
	err := r.db.QueryRow(ctx, query, workflowID, deploymentVersion).Scan(
		&rec.ID,
		&rec.WorkflowID,
		&rec.DeploymentVersion,
		&rec.Spec,
		&rec.DeployedBy,
		&rec.DeployedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment snapshot: %w", err)
	}

	return rec, nil
}

// ListHistory returns deployment snapshots newest-first
func (r *DeploymentRepository) ListHistory(ctx context.Context, workflowID string, limit int) ([]*models.DeploymentRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, workflow_id, deployment_version, spec, deployed_by, deployed_at
		FROM workflow_deployment_history
		WHERE workflow_id = $1
		ORDER BY deployment_version DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment history: %w", err)
	}
	defer rows.Close()

	var records []*models.DeploymentRecord
	for rows.Next() {
		rec := &models.DeploymentRecord{}
		err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.DeploymentVersion, &rec.Spec, &rec.DeployedBy, &rec.DeployedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
