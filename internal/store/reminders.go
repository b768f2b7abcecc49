package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fieldcare/internal/schema"
)

const reminderColumns = `local_id, server_id, patient_local_id, reminder_type, title, description,
	due_date, priority, completed, completed_at,
	sync_status, created_at, updated_at`

// CreateReminder inserts a new reminder and returns its local identifier.
func (s *Store) CreateReminder(ctx context.Context, r *schema.Reminder) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, fmt.Errorf("invalid reminder: %w", err)
	}

	if r.Priority == "" {
		r.Priority = "normal"
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.SyncStatus = schema.StatusPending

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO reminders (
			patient_local_id, reminder_type, title, description,
			due_date, priority, completed, completed_at,
			sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PatientLocalID, r.ReminderType, r.Title, r.Description,
		formatTime(r.DueDate), r.Priority, boolToInt(r.Completed), timeToNullString(r.CompletedAt),
		string(r.SyncStatus), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create reminder: %w", err)
	}

	localID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new reminder id: %w", err)
	}
	r.LocalID = localID
	return localID, nil
}

// UpdateReminder replaces the mutable fields of an existing reminder and
// returns the updated row.
func (s *Store) UpdateReminder(ctx context.Context, localID int64, r *schema.Reminder) (*schema.Reminder, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reminder: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE reminders SET
			reminder_type = ?, title = ?, description = ?,
			due_date = ?, priority = ?, completed = ?, completed_at = ?,
			sync_status = 'pending', updated_at = ?
		WHERE local_id = ?`,
		r.ReminderType, r.Title, r.Description,
		formatTime(r.DueDate), r.Priority, boolToInt(r.Completed), timeToNullString(r.CompletedAt),
		formatTime(time.Now().UTC()), localID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update reminder %d: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("reminder local_id %d: %w", localID, ErrNotFound)
	}

	return s.GetReminder(ctx, localID)
}

// CompleteReminder flags a reminder as done, stamping CompletedAt.
// Returns the updated row.
func (s *Store) CompleteReminder(ctx context.Context, localID int64) (*schema.Reminder, error) {
	now := time.Now().UTC()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE reminders SET
			completed = 1, completed_at = ?, sync_status = 'pending', updated_at = ?
		WHERE local_id = ?`,
		formatTime(now), formatTime(now), localID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to complete reminder %d: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("reminder local_id %d: %w", localID, ErrNotFound)
	}

	return s.GetReminder(ctx, localID)
}

// GetReminder retrieves a single reminder by local identifier.
func (s *Store) GetReminder(ctx context.Context, localID int64) (*schema.Reminder, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE local_id = ?`, localID)

	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reminder local_id %d: %w", localID, ErrNotFound)
	}
	return r, err
}

// ListReminders returns all reminders in natural order: due date
// ascending, soonest first.
func (s *Store) ListReminders(ctx context.Context) ([]*schema.Reminder, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders ORDER BY due_date ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	defer rows.Close()

	return scanReminders(rows)
}

// DeleteReminder removes a reminder row. Idempotent.
func (s *Store) DeleteReminder(ctx context.Context, localID int64) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM reminders WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete reminder %d: %w", localID, err)
	}
	return nil
}

// ApplyRemoteReminder merges a pulled reminder with server-wins semantics.
func (s *Store) ApplyRemoteReminder(ctx context.Context, r *schema.Reminder) error {
	if r.ServerID == nil {
		return fmt.Errorf("remote reminder has no server id")
	}

	patientLocalID := r.PatientLocalID
	if r.PatientID != nil {
		if localID, err := s.PatientLocalIDByServerID(ctx, *r.PatientID); err == nil {
			patientLocalID = localID
		}
	}

	now := formatTime(time.Now().UTC())
	res, err := s.conn.ExecContext(ctx, `
		UPDATE reminders SET
			patient_local_id = ?, reminder_type = ?, title = ?, description = ?,
			due_date = ?, priority = ?, completed = ?, completed_at = ?,
			sync_status = 'synced', updated_at = ?
		WHERE server_id = ?`,
		patientLocalID, r.ReminderType, r.Title, r.Description,
		formatTime(r.DueDate), r.Priority, boolToInt(r.Completed), timeToNullString(r.CompletedAt),
		now, *r.ServerID,
	)
	if err != nil {
		return fmt.Errorf("failed to apply remote reminder %d: %w", *r.ServerID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO reminders (
			server_id, patient_local_id, reminder_type, title, description,
			due_date, priority, completed, completed_at,
			sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'synced', ?, ?)`,
		*r.ServerID, patientLocalID, r.ReminderType, r.Title, r.Description,
		formatTime(r.DueDate), r.Priority, boolToInt(r.Completed), timeToNullString(r.CompletedAt),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert remote reminder %d: %w", *r.ServerID, err)
	}
	return nil
}

func scanReminder(row rowScanner) (*schema.Reminder, error) {
	var r schema.Reminder
	var serverID sql.NullInt64
	var description sql.NullString
	var dueDate string
	var completed int
	var completedAt sql.NullString
	var status, createdAt, updatedAt string

	err := row.Scan(
		&r.LocalID, &serverID, &r.PatientLocalID, &r.ReminderType, &r.Title, &description,
		&dueDate, &r.Priority, &completed, &completedAt,
		&status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ServerID = nullToInt64(serverID)
	r.Description = description.String
	r.DueDate = parseTime(dueDate)
	r.Completed = completed != 0
	r.CompletedAt = nullStringToTime(completedAt)
	r.SyncStatus = schema.SyncStatus(status)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func scanReminders(rows *sql.Rows) ([]*schema.Reminder, error) {
	var reminders []*schema.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		reminders = append(reminders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reminders: %w", err)
	}
	return reminders, nil
}
