package repository

import (
	"context"
	"fmt"

	"github.com/lyzr/conductor/common/db"
	"github.com/lyzr/conductor/common/models"
)

// TriggerIndexRepository handles read-side queries against the trigger index.
// Writes go through DeploymentRepository so they stay transactional with the
// workflow status flip.
type TriggerIndexRepository struct {
	db *db.DB
}

// NewTriggerIndexRepository creates a new trigger index repository
func NewTriggerIndexRepository(database *db.DB) *TriggerIndexRepository {
	return &TriggerIndexRepository{db: database}
}

const triggerIndexColumns = `id, workflow_id, node_id, trigger_type, trigger_subtype, index_key, config, status, created_at, updated_at`

func scanTriggerEntry(row interface{ Scan(...any) error }) (*models.TriggerIndexEntry, error) {
	e := &models.TriggerIndexEntry{}
	err := row.Scan(
		&e.ID,
		&e.WorkflowID,
		&e.NodeID,
		&e.TriggerType,
		&e.TriggerSubtype,
		&e.IndexKey,
		&e.Config,
		&e.Status,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListActiveByIndexKey returns active entries matching an event key
func (r *TriggerIndexRepository) ListActiveByIndexKey(ctx context.Context, indexKey string) ([]*models.TriggerIndexEntry, error) {
	query := `
		SELECT ` + triggerIndexColumns + `
		FROM trigger_index
		WHERE index_key = $1 AND status = 'active'
		ORDER BY created_at
	`

	rows, err := r.db.Query(ctx, query, indexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query trigger index: %w", err)
	}
	defer rows.Close()

	var entries []*models.TriggerIndexEntry
	for rows.Next() {
		e, err := scanTriggerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// ListByWorkflow returns all entries for a workflow regardless of status
func (r *TriggerIndexRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.TriggerIndexEntry, error) {
	query := `
		SELECT ` + triggerIndexColumns + `
		FROM trigger_index
		WHERE workflow_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trigger entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.TriggerIndexEntry
	for rows.Next() {
		e, err := scanTriggerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// ListActiveBySubtype returns active entries of one trigger subtype.
// The cron driver uses this to load the schedule set.
func (r *TriggerIndexRepository) ListActiveBySubtype(ctx context.Context, subtype string) ([]*models.TriggerIndexEntry, error) {
	query := `
		SELECT ` + triggerIndexColumns + `
		FROM trigger_index
		WHERE trigger_subtype = $1 AND status = 'active'
		ORDER BY created_at
	`

	rows, err := r.db.Query(ctx, query, subtype)
	if err != nil {
		return nil, fmt.Errorf("failed to list trigger entries by subtype: %w", err)
	}
	defer rows.Close()

	var entries []*models.TriggerIndexEntry
	for rows.Next() {
		e, err := scanTriggerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// HasActiveWebhookCollision reports whether another workflow already holds an
// active webhook entry with this index key
func (r *TriggerIndexRepository) HasActiveWebhookCollision(ctx context.Context, indexKey, excludeWorkflowID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM trigger_index
			WHERE index_key = $1 AND status = 'active' AND workflow_id != $2
		)
	`

	var exists bool
	if err := r.db.QueryRow(ctx, query, indexKey, excludeWorkflowID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check webhook collision: %w", err)
	}

	return exists, nil
}
