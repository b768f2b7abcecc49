package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Storage is the server-side SQLite database. Each collection keeps the
// submitted entity payload verbatim, keyed by the submitting client's
// local_id so redelivered batches upsert instead of duplicating.
type Storage struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// storedRow is one server-side entity as returned by change queries.
type storedRow struct {
	ID        int64
	PatientID sql.NullInt64
	Data      []byte
	Deleted   bool
	UpdatedAt time.Time
}

var serverSchema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		local_id INTEGER NOT NULL UNIQUE,
		data TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		local_id INTEGER NOT NULL UNIQUE,
		patient_id INTEGER,
		data TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reminders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		local_id INTEGER NOT NULL UNIQUE,
		patient_id INTEGER,
		data TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patients_updated ON patients(updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_updated ON reminders(updated_at)`,
}

// OpenStorage opens (creating if needed) the server database.
func OpenStorage(path string, logger *log.Logger) (*Storage, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open server database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to server database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	for _, stmt := range serverSchema {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create server schema: %w", err)
		}
	}

	return &Storage{conn: conn, path: path, logger: logger}, nil
}

// Close checkpoints and closes the database.
func (s *Storage) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: WAL checkpoint failed: %v", err)
	}
	return s.conn.Close()
}

// Begin starts a batch transaction. A push batch commits or rolls back as
// a whole, which is what makes the protocol all-or-nothing.
func (s *Storage) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.conn.BeginTx(ctx, nil)
}

// upsert writes one entity into a collection, keyed by the client's
// local_id, and returns the server id. Redelivery of the same local_id
// overwrites in place and keeps the original id.
func upsert(ctx context.Context, tx *sql.Tx, table string, localID int64, patientID sql.NullInt64, data []byte, deleted bool, now time.Time) (int64, error) {
	var query string
	var args []any
	ts := now.UTC().Format(time.RFC3339Nano)

	if table == "patients" {
		query = `
			INSERT INTO patients (local_id, data, deleted, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(local_id) DO UPDATE SET
				data = excluded.data, deleted = excluded.deleted, updated_at = excluded.updated_at
			RETURNING id`
		args = []any{localID, string(data), boolToInt(deleted), ts}
	} else {
		query = fmt.Sprintf(`
			INSERT INTO %s (local_id, patient_id, data, deleted, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(local_id) DO UPDATE SET
				patient_id = excluded.patient_id, data = excluded.data,
				deleted = excluded.deleted, updated_at = excluded.updated_at
			RETURNING id`, table)
		args = []any{localID, patientID, string(data), boolToInt(deleted), ts}
	}

	var id int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to upsert into %s: %w", table, err)
	}
	return id, nil
}

// patientIDByLocalID resolves a client local_id to the server patient id
// within the batch transaction, so records can reference a patient created
// earlier in the same push.
func patientIDByLocalID(ctx context.Context, tx *sql.Tx, localID int64) (int64, bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM patients WHERE local_id = ? AND deleted = 0`, localID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve patient local_id %d: %w", localID, err)
	}
	return id, true, nil
}

// changedSince returns every row in a collection updated after the
// watermark, deleted rows included so clients can mirror removals.
func (s *Storage) changedSince(ctx context.Context, table string, since *time.Time) ([]storedRow, error) {
	query := fmt.Sprintf(`SELECT id, %s, data, deleted, updated_at FROM %s`, patientIDColumn(table), table)
	var args []any
	if since != nil {
		query += ` WHERE updated_at > ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY id ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s changes: %w", table, err)
	}
	defer rows.Close()

	var out []storedRow
	for rows.Next() {
		var r storedRow
		var data, updatedAt string
		var deleted int
		if err := rows.Scan(&r.ID, &r.PatientID, &data, &deleted, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		r.Data = []byte(data)
		r.Deleted = deleted != 0
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			r.UpdatedAt = t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s changes: %w", table, err)
	}
	return out, nil
}

// patientIDColumn works around patients not having a patient_id column.
func patientIDColumn(table string) string {
	if table == "patients" {
		return "NULL"
	}
	return "patient_id"
}

// counts returns live (non-deleted) row counts per collection.
func (s *Storage) counts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, 3)
	for _, table := range []string{"patients", "records", "reminders"} {
		var n int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE deleted = 0`, table)
		if err := s.conn.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
