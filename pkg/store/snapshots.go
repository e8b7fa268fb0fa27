package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qcenturion/arion-agents/pkg/utils"
)

// SnapshotRecord is one published graph version.
type SnapshotRecord struct {
	SnapshotID  string    `json:"snapshot_id"`
	NetworkName string    `json:"network_name"`
	Version     int       `json:"version"`
	GraphJSON   string    `json:"graph_json"`
	CreatedAt   time.Time `json:"created_at"`
}

// ErrSnapshotNotFound reports a missing network or version.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SaveSnapshot publishes a validated graph under a network name. When
// version is nil the next version (max+1) is assigned. Network names are
// stored lowercased so resolution is case-insensitive.
func (s *Store) SaveSnapshot(ctx context.Context, networkName string, version *int, graphJSON string) (*SnapshotRecord, error) {
	name := strings.ToLower(strings.TrimSpace(networkName))
	if name == "" {
		return nil, fmt.Errorf("network_name is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	v := 0
	if version != nil {
		v = *version
	} else {
		var max sql.NullInt64
		if err := tx.QueryRowContext(ctx, s.rebind(`
SELECT MAX(version) FROM graph_snapshots WHERE network_name = ?`), name).Scan(&max); err != nil {
			return nil, fmt.Errorf("failed to resolve next version: %w", err)
		}
		v = int(max.Int64) + 1
	}

	rec := &SnapshotRecord{
		SnapshotID:  utils.NewID(),
		NetworkName: name,
		Version:     v,
		GraphJSON:   graphJSON,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO graph_snapshots (snapshot_id, network_name, version, graph_json, created_at)
VALUES (?, ?, ?, ?, ?)`),
		rec.SnapshotID, rec.NetworkName, rec.Version, rec.GraphJSON, rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to save snapshot %s v%d: %w", name, v, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetSnapshot fetches one snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, snapshotID string) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT snapshot_id, network_name, version, graph_json, created_at
FROM graph_snapshots WHERE snapshot_id = ?`), snapshotID).Scan(
		&rec.SnapshotID, &rec.NetworkName, &rec.Version, &rec.GraphJSON, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot %s: %w", snapshotID, err)
	}
	return &rec, nil
}

// ListSnapshots lists a network's published versions, newest first.
func (s *Store) ListSnapshots(ctx context.Context, networkName string) ([]SnapshotRecord, error) {
	name := strings.ToLower(strings.TrimSpace(networkName))
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT snapshot_id, network_name, version, created_at
FROM graph_snapshots WHERE network_name = ? ORDER BY version DESC`), name)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	records := []SnapshotRecord{}
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(&rec.SnapshotID, &rec.NetworkName, &rec.Version, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ResolveNetwork returns the snapshot for a network at a version, or the
// newest version when version is nil.
func (s *Store) ResolveNetwork(ctx context.Context, networkName string, version *int) (*SnapshotRecord, error) {
	name := strings.ToLower(strings.TrimSpace(networkName))

	query := `
SELECT snapshot_id, network_name, version, graph_json, created_at
FROM graph_snapshots WHERE network_name = ?`
	args := []interface{}{name}
	if version != nil {
		query += " AND version = ?"
		args = append(args, *version)
	}
	query += " ORDER BY version DESC LIMIT 1"

	var rec SnapshotRecord
	err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(
		&rec.SnapshotID, &rec.NetworkName, &rec.Version, &rec.GraphJSON, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: network %q", ErrSnapshotNotFound, networkName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve network %q: %w", networkName, err)
	}
	return &rec, nil
}
