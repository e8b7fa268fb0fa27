// Package store persists run history, experiments, the experiment queue,
// and published graph snapshots through database/sql. Postgres, MySQL,
// and SQLite are supported; queries are written with ? placeholders and
// rebound for postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the persistence facade shared by the HTTP layer and the queue
// worker. Safe for concurrent use; all mutation goes through the db.
type Store struct {
	db      *sql.DB
	dialect string
}

// New wraps an open connection and creates the schema if needed. The
// dialect must be postgres, mysql, or sqlite (sqlite3 is normalized).
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	queueID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch s.dialect {
	case "postgres":
		queueID = "BIGSERIAL PRIMARY KEY"
	case "mysql":
		queueID = "BIGINT PRIMARY KEY AUTO_INCREMENT"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS run_history (
    run_id VARCHAR(64) PRIMARY KEY,
    network_id VARCHAR(255),
    network_version_id VARCHAR(64),
    graph_version_key VARCHAR(255) NOT NULL,
    user_message TEXT,
    status VARCHAR(32) NOT NULL,
    request_json TEXT NOT NULL,
    response_json TEXT NOT NULL,
    experiment_id VARCHAR(64),
    experiment_item_index INTEGER,
    experiment_iteration INTEGER,
    created_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_created_at ON run_history(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_experiment ON run_history(experiment_id)`,

		`CREATE TABLE IF NOT EXISTS experiment_history (
    experiment_id VARCHAR(64) PRIMARY KEY,
    description TEXT,
    total_runs INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS experiment_queue (
    id %s,
    experiment_id VARCHAR(64) NOT NULL,
    item_index INTEGER NOT NULL,
    iteration INTEGER NOT NULL,
    status VARCHAR(16) NOT NULL,
    enqueued_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    error TEXT,
    payload_json TEXT NOT NULL,
    result_json TEXT
)`, queueID),
		`CREATE INDEX IF NOT EXISTS idx_experiment_queue_status ON experiment_queue(status, enqueued_at)`,
		`CREATE INDEX IF NOT EXISTS idx_experiment_queue_experiment ON experiment_queue(experiment_id)`,

		`CREATE TABLE IF NOT EXISTS graph_snapshots (
    snapshot_id VARCHAR(64) PRIMARY KEY,
    network_name VARCHAR(255) NOT NULL,
    version INTEGER NOT NULL,
    graph_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_graph_snapshots_network_version ON graph_snapshots(network_name, version)`,
	}

	for _, stmt := range statements {
		if s.dialect == "mysql" && strings.HasPrefix(stmt, "CREATE INDEX IF NOT EXISTS") {
			// MySQL (before 8.0.29) rejects IF NOT EXISTS on indexes;
			// duplicate-index errors are ignored below instead.
			stmt = strings.Replace(stmt, "CREATE INDEX IF NOT EXISTS", "CREATE INDEX", 1)
			if _, err := s.db.ExecContext(ctx, stmt); err != nil && !strings.Contains(err.Error(), "Duplicate") {
				return fmt.Errorf("failed to create index: %w", err)
			}
			continue
		}
		if s.dialect == "mysql" && strings.HasPrefix(stmt, "CREATE UNIQUE INDEX IF NOT EXISTS") {
			stmt = strings.Replace(stmt, "CREATE UNIQUE INDEX IF NOT EXISTS", "CREATE UNIQUE INDEX", 1)
			if _, err := s.db.ExecContext(ctx, stmt); err != nil && !strings.Contains(err.Error(), "Duplicate") {
				return fmt.Errorf("failed to create index: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $1..$n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
