// Package store provides the embedded SQLite persistence layer for the
// offline-first data core.
//
// The database holds four collections (patients, records, reminders, and
// the sync queue) plus sync metadata. It is opened in WAL mode so status
// reads stay cheap while a sync attempt is writing.
//
// Each operation touches a single collection and is atomically consistent
// on its own; a create-patient followed by a create-record is two separate
// transactions. A crash between the two can leave a record whose owner is
// still in flight, which the next sync attempt resolves.
package store

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

// SchemaVersion is the current local schema version. Open applies any
// missing migrations up to this version without discarding existing data.
const SchemaVersion = 2

var (
	// ErrStorageUnavailable means persistent storage could not be opened
	// or created. Fatal to the whole core, surfaced once at startup.
	ErrStorageUnavailable = errors.New("persistent storage unavailable")

	// ErrNotFound means an operation referenced an absent localId.
	ErrNotFound = errors.New("not found")
)

// Collection names a local collection for status-marking operations.
type Collection string

const (
	CollectionPatients  Collection = "patients"
	CollectionRecords   Collection = "records"
	CollectionReminders Collection = "reminders"
)

// CollectionForType maps a queue item entity type to its collection.
func CollectionForType(typ string) (Collection, error) {
	switch typ {
	case "patient":
		return CollectionPatients, nil
	case "record":
		return CollectionRecords, nil
	case "reminder":
		return CollectionReminders, nil
	default:
		return "", fmt.Errorf("unknown entity type: %q", typ)
	}
}

// Store wraps the embedded SQLite database holding all local collections.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// migrations holds one additive statement batch per schema version.
// Statements must be idempotent (IF NOT EXISTS) so that opening an old
// database with a newer version only adds what is missing.
var migrations = []string{
	// v1: core collections and the mutation queue.
	`
	CREATE TABLE IF NOT EXISTS patients (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id INTEGER,
		patient_uid TEXT NOT NULL,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		age INTEGER NOT NULL,
		gender TEXT NOT NULL,
		contact TEXT,
		address TEXT,
		height REAL,
		weight REAL,
		blood_group TEXT,
		pregnancy_status INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id INTEGER,
		patient_local_id INTEGER NOT NULL,
		record_date TEXT NOT NULL,
		bp_systolic INTEGER,
		bp_diastolic INTEGER,
		heart_rate INTEGER,
		temperature REAL,
		blood_sugar INTEGER,
		hemoglobin REAL,
		fever INTEGER NOT NULL DEFAULT 0,
		cough INTEGER NOT NULL DEFAULT 0,
		cough_duration INTEGER,
		diagnosis TEXT,
		notes TEXT,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reminders (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id INTEGER,
		patient_local_id INTEGER NOT NULL,
		reminder_type TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		due_date TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		completed INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		action TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_patients_server ON patients(server_id);
	CREATE INDEX IF NOT EXISTS idx_records_patient ON records(patient_local_id);
	CREATE INDEX IF NOT EXISTS idx_records_date ON records(record_date);
	CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(due_date);
	`,

	// v2: sync metadata (pull watermark) and server-id lookup indexes for
	// pull reconciliation.
	`
	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_server ON records(server_id);
	CREATE INDEX IF NOT EXISTS idx_reminders_server ON reminders(server_id);
	`,
}

// Open opens (or creates) the local database at path and migrates it to
// schemaVersion. Returns ErrStorageUnavailable if the host denies the
// storage location.
//
// The caller MUST call Close() when done.
func Open(path string, schemaVersion int) (*Store, error) {
	return OpenWithLogger(path, schemaVersion, nil)
}

// OpenWithLogger opens the store with an injected logger.
// If logger is nil, a default logger writing to stderr is used.
func OpenWithLogger(path string, schemaVersion int, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	if schemaVersion < 1 || schemaVersion > len(migrations) {
		return nil, fmt.Errorf("unsupported schema version %d (supported: 1..%d)", schemaVersion, len(migrations))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create directory %s: %v", ErrStorageUnavailable, dir, err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, logger: logger}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%w: %s failed: %v", ErrStorageUnavailable, pragma, err)
		}
	}

	if err := s.migrate(schemaVersion); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// migrate applies any missing migration steps up to target. Existing data
// is never dropped; each step only adds tables and indexes.
func (s *Store) migrate(target int) error {
	var current int
	if err := s.conn.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if current >= target {
		return nil
	}

	for v := current + 1; v <= target; v++ {
		if _, err := s.conn.Exec(migrations[v-1]); err != nil {
			return fmt.Errorf("failed to apply schema version %d: %w", v, err)
		}
		if _, err := s.conn.Exec(fmt.Sprintf("PRAGMA user_version=%d", v)); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", v, err)
		}
		s.logger.Printf("Applied schema version %d", v)
	}

	return nil
}

// Close closes the database after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Path returns the location of the database file.
func (s *Store) Path() string {
	return s.path
}

// MarkSynced records remote acknowledgement of a created entity: assigns
// the server identifier and flips the entity to synced. A server id is set
// at most once; subsequent calls keep the original (COALESCE guard).
func (s *Store) MarkSynced(ctx context.Context, c Collection, localID, serverID int64) error {
	query := fmt.Sprintf(
		`UPDATE %s SET server_id = COALESCE(server_id, ?), sync_status = 'synced' WHERE local_id = ?`, c)
	res, err := s.conn.ExecContext(ctx, query, serverID, localID)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%d synced: %w", c, localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s local_id %d: %w", c, localID, ErrNotFound)
	}
	return nil
}

// MarkAcked flips an already-pushed entity to synced without touching its
// server identifier (update and complete acknowledgements).
func (s *Store) MarkAcked(ctx context.Context, c Collection, localID int64) error {
	query := fmt.Sprintf(`UPDATE %s SET sync_status = 'synced' WHERE local_id = ?`, c)
	if _, err := s.conn.ExecContext(ctx, query, localID); err != nil {
		return fmt.Errorf("failed to mark %s/%d acked: %w", c, localID, err)
	}
	return nil
}

// DeleteByServerID removes the local row mirroring a remotely deleted
// entity. Idempotent: an unknown server id is a no-op.
func (s *Store) DeleteByServerID(ctx context.Context, c Collection, serverID int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE server_id = ?`, c)
	if _, err := s.conn.ExecContext(ctx, query, serverID); err != nil {
		return fmt.Errorf("failed to delete %s by server_id %d: %w", c, serverID, err)
	}
	return nil
}

// timeToNullString converts an optional time to a nullable RFC3339 string.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable RFC3339 string to an optional time.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// int64ToNull converts an optional server id to a nullable SQL integer.
func int64ToNull(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// nullToInt64 converts a nullable SQL integer to an optional server id.
func nullToInt64(ns sql.NullInt64) *int64 {
	if !ns.Valid {
		return nil
	}
	v := ns.Int64
	return &v
}

// formatTime renders a required timestamp column value.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reads a required timestamp column value.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
