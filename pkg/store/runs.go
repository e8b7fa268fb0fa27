package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunRecord is one persisted run: the original request, the full response
// artifact (including step events and logs), and optional experiment
// linkage.
type RunRecord struct {
	RunID               string    `json:"run_id"`
	NetworkID           string    `json:"network_id,omitempty"`
	NetworkVersionID    string    `json:"network_version_id,omitempty"`
	GraphVersionKey     string    `json:"graph_version_key"`
	UserMessage         string    `json:"user_message"`
	Status              string    `json:"status"`
	RequestJSON         string    `json:"request_json"`
	ResponseJSON        string    `json:"response_json"`
	ExperimentID        string    `json:"experiment_id,omitempty"`
	ExperimentItemIndex *int      `json:"experiment_item_index,omitempty"`
	ExperimentIteration *int      `json:"experiment_iteration,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// RunSummary is the listing projection of a run.
type RunSummary struct {
	RunID        string    `json:"run_id"`
	NetworkID    string    `json:"network_id,omitempty"`
	UserMessage  string    `json:"user_message"`
	Status       string    `json:"status"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SaveRun writes one run record. Called after the run completes; the
// caller tolerates failure (the HTTP response is already assembled).
func (s *Store) SaveRun(ctx context.Context, rec *RunRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`
INSERT INTO run_history (run_id, network_id, network_version_id, graph_version_key, user_message,
    status, request_json, response_json, experiment_id, experiment_item_index, experiment_iteration, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, nullString(rec.NetworkID), nullString(rec.NetworkVersionID),
		rec.GraphVersionKey, rec.UserMessage, rec.Status,
		rec.RequestJSON, rec.ResponseJSON,
		nullString(rec.ExperimentID), nullInt(rec.ExperimentItemIndex), nullInt(rec.ExperimentIteration),
		rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", rec.RunID, err)
	}
	return nil
}

// GetRun fetches one run by id; found is false when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, bool, error) {
	query := s.rebind(`
SELECT run_id, network_id, network_version_id, graph_version_key, user_message,
    status, request_json, response_json, experiment_id, experiment_item_index, experiment_iteration, created_at
FROM run_history WHERE run_id = ?`)

	var rec RunRecord
	var networkID, versionID, experimentID sql.NullString
	var itemIndex, iteration sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&rec.RunID, &networkID, &versionID, &rec.GraphVersionKey, &rec.UserMessage,
		&rec.Status, &rec.RequestJSON, &rec.ResponseJSON,
		&experimentID, &itemIndex, &iteration, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch run %s: %w", runID, err)
	}
	rec.NetworkID = networkID.String
	rec.NetworkVersionID = versionID.String
	rec.ExperimentID = experimentID.String
	rec.ExperimentItemIndex = intPtr(itemIndex)
	rec.ExperimentIteration = intPtr(iteration)
	return &rec, true, nil
}

// ListRuns returns newest-first run summaries, optionally filtered by
// experiment.
func (s *Store) ListRuns(ctx context.Context, limit, offset int, experimentID string) ([]RunSummary, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
SELECT run_id, network_id, user_message, status, experiment_id, created_at
FROM run_history`
	args := []interface{}{}
	if experimentID != "" {
		query += " WHERE experiment_id = ?"
		args = append(args, experimentID)
	}
	query += " ORDER BY created_at DESC, run_id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	summaries := []RunSummary{}
	for rows.Next() {
		var sum RunSummary
		var networkID, expID sql.NullString
		if err := rows.Scan(&sum.RunID, &networkID, &sum.UserMessage, &sum.Status, &expID, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		sum.NetworkID = networkID.String
		sum.ExperimentID = expID.String
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
