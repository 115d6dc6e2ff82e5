package engine

import (
	"context"
	"time"

	"github.com/lyzr/conductor/common/models"
)

// The engine reads and writes execution state through these narrow store
// surfaces. The repository types in common/repository implement them against
// Postgres; tests substitute in-memory fakes.

// WorkflowStore reads live workflow rows
type WorkflowStore interface {
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
}

// DeploymentStore reads pinned deployment snapshots
type DeploymentStore interface {
	GetSnapshot(ctx context.Context, workflowID string, deploymentVersion int) (*models.DeploymentRecord, error)
}

// ExecutionStore owns execution rows
type ExecutionStore interface {
	Create(ctx context.Context, e *models.Execution) error
	GetByID(ctx context.Context, executionID string) (*models.Execution, error)
	SaveProgress(ctx context.Context, e *models.Execution) error
	MarkCancelRequested(ctx context.Context, executionID string) (bool, error)
	MarkResuming(ctx context.Context, executionID string) (bool, error)
	ListByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*models.Execution, error)
	ListPausedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error)
}
