package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/conductor/common/db"
	"github.com/lyzr/conductor/common/models"
)

// LogQuery filters an execution log page. After* fields come from the decoded
// cursor; zero values mean "from the beginning".
type LogQuery struct {
	ExecutionID    string
	MinPriority    int
	MilestonesOnly bool
	Level          string
	PageSize       int
	AfterTimestamp time.Time
	AfterID        string
}

// ExecutionLogRepository handles the append-only execution log
type ExecutionLogRepository struct {
	db *db.DB
}

// NewExecutionLogRepository creates a new execution log repository
func NewExecutionLogRepository(database *db.DB) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: database}
}

// Append inserts one log entry
func (r *ExecutionLogRepository) Append(ctx context.Context, entry *models.ExecutionLogEntry) error {
	query := `
		INSERT INTO execution_log (id, execution_id, node_id, level, event_type, message, data, timestamp, is_milestone, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		entry.ID,
		entry.ExecutionID,
		entry.NodeID,
		entry.Level,
		entry.EventType,
		entry.Message,
		entry.Data,
		entry.Timestamp,
		entry.IsMilestone,
		entry.Priority,
	)

	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}

	return nil
}

// Query returns one page ordered by (timestamp, id). Keyset pagination on
// that pair keeps iteration stable under concurrent appends.
func (r *ExecutionLogRepository) Query(ctx context.Context, q LogQuery) ([]*models.ExecutionLogEntry, error) {
	query := `
		SELECT id, execution_id, node_id, level, event_type, message, data, timestamp, is_milestone, priority
		FROM execution_log
		WHERE execution_id = $1
		  AND priority >= $2
		  AND ($3 = false OR is_milestone)
		  AND ($4 = '' OR level = $4)
		  AND (timestamp, id) > ($5, $6)
		ORDER BY timestamp, id
		LIMIT $7
	`

	rows, err := r.db.Query(ctx, query,
		q.ExecutionID, q.MinPriority, q.MilestonesOnly, q.Level,
		q.AfterTimestamp, q.AfterID, q.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution log: %w", err)
	}
	defer rows.Close()

	var entries []*models.ExecutionLogEntry
	for rows.Next() {
		e := &models.ExecutionLogEntry{}
		err := rows.Scan(
			&e.ID,
			&e.ExecutionID,
			&e.NodeID,
			&e.Level,
			&e.EventType,
			&e.Message,
			&e.Data,
			&e.Timestamp,
			&e.IsMilestone,
			&e.Priority,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// DeleteOlderThan removes entries outside the retention window.
// Returns the number of rows deleted.
func (r *ExecutionLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM execution_log WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep execution log: %w", err)
	}

	return tag.RowsAffected(), nil
}
