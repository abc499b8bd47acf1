// Package usage keeps a persistent log of capability calls. Records
// are append-only and indexed by timestamp, server and tenant for
// aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Record is one finished capability call.
type Record struct {
	ID         string
	Timestamp  time.Time
	Key        string // capability@server as requested
	Server     string // empty when the key never resolved
	Capability string
	TenantID   string
	Outcome    string // "ok", "tool_error", "timeout", "not_found", ...
	Duration   time.Duration
}

// Summary holds aggregated call totals.
type Summary struct {
	Calls         int
	Failures      int // every outcome other than "ok"
	TotalDuration time.Duration
}

// AvgDuration is the mean call duration, or zero with no calls.
func (s Summary) AvgDuration() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Calls)
}

// Store is an append-only SQLite store for call records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the call log at dbPath, creating the schema on first
// use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS call_records (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		call_key    TEXT NOT NULL,
		server      TEXT NOT NULL,
		capability  TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		duration_us INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON call_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_calls_server ON call_records(server);
	CREATE INDEX IF NOT EXISTS idx_calls_tenant ON call_records(tenant_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a call record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate call record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records
			(id, timestamp, call_key, server, capability, tenant_id, outcome, duration_us)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.Key,
		rec.Server,
		rec.Capability,
		rec.TenantID,
		rec.Outcome,
		rec.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(duration_us), 0)
		 FROM call_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)

	var (
		sum Summary
		us  int64
	)
	if err := row.Scan(&sum.Calls, &sum.Failures, &us); err != nil {
		return Summary{}, fmt.Errorf("query call summary: %w", err)
	}
	sum.TotalDuration = time.Duration(us) * time.Microsecond
	return sum, nil
}

// SummaryByServer returns per-server totals for records within [start, end).
func (s *Store) SummaryByServer(ctx context.Context, start, end time.Time) (map[string]Summary, error) {
	return s.summaryGroupedBy(ctx, "server", start, end)
}

// SummaryByOutcome returns per-outcome totals for records within [start, end).
func (s *Store) SummaryByOutcome(ctx context.Context, start, end time.Time) (map[string]Summary, error) {
	return s.summaryGroupedBy(ctx, "outcome", start, end)
}

// SummaryByTenant returns per-tenant totals for records within [start, end).
// Calls on shared sessions are grouped under the key "".
func (s *Store) SummaryByTenant(ctx context.Context, start, end time.Time) (map[string]Summary, error) {
	return s.summaryGroupedBy(ctx, "tenant_id", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]Summary, error) {
	// column always comes from the methods above, never from input.
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(duration_us), 0)
		 FROM call_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query calls by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]Summary)
	for rows.Next() {
		var (
			key string
			sum Summary
			us  int64
		)
		if err := rows.Scan(&key, &sum.Calls, &sum.Failures, &us); err != nil {
			return nil, fmt.Errorf("scan calls by %s: %w", column, err)
		}
		sum.TotalDuration = time.Duration(us) * time.Microsecond
		result[key] = sum
	}
	return result, rows.Err()
}
