package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Queue item statuses.
const (
	QueueStatusPending    = "pending"
	QueueStatusInProgress = "in_progress"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
)

// QueueItem is one iteration of one experiment item. Delivery is
// at-least-once: a crashed lease is recovered by ResetStale and the item
// runs again, so queued payloads must tolerate duplicate execution.
type QueueItem struct {
	ID           int64      `json:"id"`
	ExperimentID string     `json:"experiment_id"`
	ItemIndex    int        `json:"item_index"`
	Iteration    int        `json:"iteration"`
	Status       string     `json:"status"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
	PayloadJSON  string     `json:"payload_json"`
	ResultJSON   string     `json:"result_json,omitempty"`
}

// QueueItemInput is one row to enqueue.
type QueueItemInput struct {
	ItemIndex   int
	Iteration   int
	PayloadJSON string
}

// EnqueueItems writes all rows for an experiment in one transaction,
// ordered by (item_index, iteration).
func (s *Store) EnqueueItems(ctx context.Context, experimentID string, items []QueueItemInput) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.rebind(`
INSERT INTO experiment_queue (experiment_id, item_index, iteration, status, enqueued_at, payload_json)
VALUES (?, ?, ?, ?, ?, ?)`)
	now := time.Now().UTC()
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, query,
			experimentID, item.ItemIndex, item.Iteration, QueueStatusPending, now, item.PayloadJSON); err != nil {
			return fmt.Errorf("failed to enqueue item %d/%d: %w", item.ItemIndex, item.Iteration, err)
		}
	}
	return tx.Commit()
}

// LeaseNext atomically claims the oldest pending row: flips it to
// in_progress with started_at = now. Returns found=false when the queue
// is drained.
func (s *Store) LeaseNext(ctx context.Context) (*QueueItem, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
SELECT id, experiment_id, item_index, iteration, payload_json, enqueued_at
FROM experiment_queue WHERE status = ? ORDER BY enqueued_at, id LIMIT 1`
	if s.dialect == "postgres" {
		selectQuery += " FOR UPDATE SKIP LOCKED"
	}

	var item QueueItem
	err = tx.QueryRowContext(ctx, s.rebind(selectQuery), QueueStatusPending).Scan(
		&item.ID, &item.ExperimentID, &item.ItemIndex, &item.Iteration, &item.PayloadJSON, &item.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to select pending item: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.rebind(`
UPDATE experiment_queue SET status = ?, started_at = ? WHERE id = ? AND status = ?`),
		QueueStatusInProgress, now, item.ID, QueueStatusPending)
	if err != nil {
		return nil, false, fmt.Errorf("failed to lease item %d: %w", item.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// Raced with another leaser; the caller loops and tries again.
		return nil, false, tx.Commit()
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	item.Status = QueueStatusInProgress
	item.StartedAt = &now
	return &item, true, nil
}

// MarkCompleted records the terminal status of a leased item.
func (s *Store) MarkCompleted(ctx context.Context, id int64, succeeded bool, errMsg, resultJSON string) error {
	status := QueueStatusCompleted
	if !succeeded {
		status = QueueStatusFailed
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE experiment_queue SET status = ?, completed_at = ?, error = ?, result_json = ? WHERE id = ?`),
		status, time.Now().UTC(), nullString(errMsg), nullString(resultJSON), id)
	if err != nil {
		return fmt.Errorf("failed to complete item %d: %w", id, err)
	}
	return nil
}

// ResetStale returns in_progress rows older than the cutoff to pending,
// clearing their lease fields. Returns the number of recovered rows.
func (s *Store) ResetStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE experiment_queue
SET status = ?, started_at = NULL, error = NULL, result_json = NULL
WHERE status = ? AND started_at < ?`),
		QueueStatusPending, QueueStatusInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale leases: %w", err)
	}
	return res.RowsAffected()
}

// PendingCount reports how many rows are waiting.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT COUNT(*) FROM experiment_queue WHERE status = ?`), QueueStatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return count, nil
}

// ExperimentItems lists one experiment's queue rows ordered by
// (item_index, iteration), for the experiment detail endpoint.
func (s *Store) ExperimentItems(ctx context.Context, experimentID string) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, experiment_id, item_index, iteration, status, enqueued_at, started_at, completed_at, error, result_json
FROM experiment_queue WHERE experiment_id = ? ORDER BY item_index, iteration`), experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiment items: %w", err)
	}
	defer rows.Close()

	items := []QueueItem{}
	for rows.Next() {
		var item QueueItem
		var startedAt, completedAt sql.NullTime
		var errMsg, resultJSON sql.NullString
		if err := rows.Scan(&item.ID, &item.ExperimentID, &item.ItemIndex, &item.Iteration,
			&item.Status, &item.EnqueuedAt, &startedAt, &completedAt, &errMsg, &resultJSON); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		if startedAt.Valid {
			item.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			item.CompletedAt = &completedAt.Time
		}
		item.Error = errMsg.String
		item.ResultJSON = resultJSON.String
		items = append(items, item)
	}
	return items, rows.Err()
}
