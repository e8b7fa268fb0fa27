package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ExperimentRecord is one registered batch of queued runs.
type ExperimentRecord struct {
	ExperimentID string    `json:"experiment_id"`
	Description  string    `json:"description,omitempty"`
	TotalRuns    int       `json:"total_runs"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// QueueStats aggregates queue item statuses for one experiment.
type QueueStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// ExperimentSummary pairs an experiment with its queue statistics.
type ExperimentSummary struct {
	ExperimentRecord
	Queue QueueStats `json:"queue"`
}

// UpsertExperiment registers an experiment or bumps its run total.
func (s *Store) UpsertExperiment(ctx context.Context, experimentID, description string, totalRuns int) error {
	now := time.Now().UTC()

	query := s.rebind(`
INSERT INTO experiment_history (experiment_id, description, total_runs, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(experiment_id) DO UPDATE SET
    description = excluded.description,
    total_runs = experiment_history.total_runs + excluded.total_runs,
    updated_at = excluded.updated_at`)
	if s.dialect == "mysql" {
		query = `
INSERT INTO experiment_history (experiment_id, description, total_runs, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    description = VALUES(description),
    total_runs = total_runs + VALUES(total_runs),
    updated_at = VALUES(updated_at)`
	}

	if _, err := s.db.ExecContext(ctx, query, experimentID, nullString(description), totalRuns, now, now); err != nil {
		return fmt.Errorf("failed to upsert experiment %s: %w", experimentID, err)
	}
	return nil
}

// ListExperiments returns all experiments newest-first, each with its
// aggregate queue stats.
func (s *Store) ListExperiments(ctx context.Context) ([]ExperimentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT experiment_id, description, total_runs, created_at, updated_at
FROM experiment_history ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	summaries := []ExperimentSummary{}
	for rows.Next() {
		var sum ExperimentSummary
		var description sql.NullString
		if err := rows.Scan(&sum.ExperimentID, &description, &sum.TotalRuns, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan experiment row: %w", err)
		}
		sum.Description = description.String
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range summaries {
		stats, err := s.ExperimentQueueStats(ctx, summaries[i].ExperimentID)
		if err != nil {
			return nil, err
		}
		summaries[i].Queue = stats
	}
	return summaries, nil
}

// GetExperiment fetches one experiment record.
func (s *Store) GetExperiment(ctx context.Context, experimentID string) (*ExperimentRecord, bool, error) {
	var rec ExperimentRecord
	var description sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT experiment_id, description, total_runs, created_at, updated_at
FROM experiment_history WHERE experiment_id = ?`), experimentID).Scan(
		&rec.ExperimentID, &description, &rec.TotalRuns, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch experiment %s: %w", experimentID, err)
	}
	rec.Description = description.String
	return &rec, true, nil
}

// ExperimentQueueStats counts this experiment's queue items by status.
func (s *Store) ExperimentQueueStats(ctx context.Context, experimentID string) (QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT status, COUNT(*) FROM experiment_queue WHERE experiment_id = ? GROUP BY status`), experimentID)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	var stats QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}, err
		}
		switch status {
		case QueueStatusPending:
			stats.Pending = count
		case QueueStatusInProgress:
			stats.InProgress = count
		case QueueStatusCompleted:
			stats.Completed = count
		case QueueStatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}
