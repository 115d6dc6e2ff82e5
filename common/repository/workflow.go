package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/conductor/common/db"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

// WorkflowRepository handles database operations for workflow rows
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// Create inserts a new workflow
func (r *WorkflowRepository) Create(ctx context.Context, wf *models.Workflow) error {
	query := `
		INSERT INTO workflow (id, owner_user_id, name, version, spec, deployment_status, deployment_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
	`

	_, err := r.db.Exec(
		ctx,
		query,
		wf.ID,
		wf.OwnerUserID,
		wf.Name,
		wf.Version,
		wf.Spec,
		wf.DeploymentStatus,
		wf.DeploymentVersion,
	)

	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	return nil
}

// GetByID retrieves a workflow by its ID
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `
		SELECT id, owner_user_id, name, version, spec, deployment_status, deployment_version, created_at, updated_at
		FROM workflow
		WHERE id = $1
	`

	wf := &models.Workflow{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&wf.ID,
		&wf.OwnerUserID,
		&wf.Name,
		&wf.Version,
		&wf.Spec,
		&wf.DeploymentStatus,
		&wf.DeploymentVersion,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return wf, nil
}

// UpdateSpec stores a new spec revision and bumps version
func (r *WorkflowRepository) UpdateSpec(ctx context.Context, id string, spec []byte) error {
	query := `
		UPDATE workflow
		SET spec = $2, version = version + 1, updated_at = now()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, spec)
	if err != nil {
		return fmt.Errorf("failed to update workflow spec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.KindNotFound, "workflow %s not found", id)
	}

	return nil
}
