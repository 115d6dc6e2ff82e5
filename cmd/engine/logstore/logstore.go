package logstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/models"
	"github.com/lyzr/conductor/common/repository"
)

// maxPageSize caps log pages.
const maxPageSize = 100

// Repository is the persistence surface the store writes through. Implemented
// by repository.ExecutionLogRepository against Postgres.
type Repository interface {
	Append(ctx context.Context, entry *models.ExecutionLogEntry) error
	Query(ctx context.Context, q repository.LogQuery) ([]*models.ExecutionLogEntry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the execution log surface: append-only writes from the engine and
// runners, cursor-paged reads, and a retention sweep.
type Store struct {
	repo Repository
	log  *logger.Logger
}

// New creates a new log store
func New(repo Repository, log *logger.Logger) *Store {
	return &Store{repo: repo, log: log}
}

// Entry is the append-side input
type Entry struct {
	ExecutionID string
	NodeID      string
	Level       string
	EventType   models.LogEventType
	Message     string
	Data        map[string]interface{}
	IsMilestone bool
	Priority    int
}

// Append writes one entry. Append failures are logged, not propagated: an
// execution never fails because its log write did.
func (s *Store) Append(ctx context.Context, e Entry) {
	if e.Level == "" {
		e.Level = "info"
	}
	if e.Priority == 0 {
		e.Priority = models.PriorityDefault
	}

	var data json.RawMessage
	if e.Data != nil {
		data, _ = json.Marshal(e.Data)
	}

	entry := &models.ExecutionLogEntry{
		ID:          uuid.NewString(),
		ExecutionID: e.ExecutionID,
		NodeID:      e.NodeID,
		Level:       e.Level,
		EventType:   e.EventType,
		Message:     e.Message,
		Data:        data,
		Timestamp:   time.Now().UTC(),
		IsMilestone: e.IsMilestone,
		Priority:    e.Priority,
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		s.log.Error("failed to append execution log", "execution_id", e.ExecutionID, "error", err)
	}
}

// Milestone appends a milestone-priority entry
func (s *Store) Milestone(ctx context.Context, executionID, nodeID string, event models.LogEventType, message string, data map[string]interface{}) {
	s.Append(ctx, Entry{
		ExecutionID: executionID,
		NodeID:      nodeID,
		EventType:   event,
		Message:     message,
		Data:        data,
		IsMilestone: true,
		Priority:    models.PriorityMilestone,
	})
}

// Page is one query result
type Page struct {
	Entries    []*models.ExecutionLogEntry `json:"entries"`
	NextCursor string                      `json:"next_cursor,omitempty"`
	HasNext    bool                        `json:"has_next"`
}

// Query returns one page of an execution's log
func (s *Store) Query(ctx context.Context, executionID string, minPriority int, milestonesOnly bool, level string, pageSize int, cursor string) (*Page, error) {
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	q := repository.LogQuery{
		ExecutionID:    executionID,
		MinPriority:    minPriority,
		MilestonesOnly: milestonesOnly,
		Level:          level,
		// One extra row tells us whether a next page exists.
		PageSize: pageSize + 1,
	}

	if cursor != "" {
		ts, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		q.AfterTimestamp = ts
		q.AfterID = id
	}

	entries, err := s.repo.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	page := &Page{}
	if len(entries) > pageSize {
		page.HasNext = true
		entries = entries[:pageSize]
	}
	page.Entries = entries

	if page.HasNext && len(entries) > 0 {
		last := entries[len(entries)-1]
		page.NextCursor = encodeCursor(last.Timestamp, last.ID)
	}

	return page, nil
}

// RunRetentionSweep deletes entries older than the retention window on the
// given interval, until the context ends
func (s *Store) RunRetentionSweep(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			deleted, err := s.repo.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				s.log.Error("log retention sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				s.log.Info("log retention sweep", "deleted", deleted)
			}
		}
	}
}

// cursor is the opaque pagination token payload
type cursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
}

func encodeCursor(ts time.Time, id string) string {
	raw, _ := json.Marshal(cursor{Timestamp: ts, ID: id})
	return base64.URLEncoding.EncodeToString(raw)
}

func decodeCursor(encoded string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return time.Time{}, "", errs.Wrap(errs.KindValidation, "malformed cursor", err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return time.Time{}, "", errs.Wrap(errs.KindValidation, "malformed cursor", err)
	}
	return c.Timestamp, c.ID, nil
}
