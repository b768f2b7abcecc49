package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fieldcare/internal/schema"
)

const patientColumns = `local_id, server_id, patient_uid, first_name, last_name, age, gender,
	contact, address, height, weight, blood_group, pregnancy_status,
	sync_status, created_at, updated_at`

// CreatePatient inserts a new patient and returns its local identifier.
// The store assigns PatientUID when absent, stamps both timestamps, and
// sets sync status to pending.
func (s *Store) CreatePatient(ctx context.Context, p *schema.Patient) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("invalid patient: %w", err)
	}

	if p.PatientUID == "" {
		p.PatientUID = schema.NewPatientUID()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.SyncStatus = schema.StatusPending

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO patients (
			patient_uid, first_name, last_name, age, gender, contact, address,
			height, weight, blood_group, pregnancy_status,
			sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PatientUID, p.FirstName, p.LastName, p.Age, p.Gender, p.Contact, p.Address,
		p.Height, p.Weight, p.BloodGroup, boolToInt(p.PregnancyStatus),
		string(p.SyncStatus), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create patient: %w", err)
	}

	localID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new patient id: %w", err)
	}
	p.LocalID = localID
	return localID, nil
}

// UpdatePatient replaces the mutable fields of an existing patient.
// PatientUID, ServerID, and CreatedAt are preserved; UpdatedAt is stamped
// and the entity drops back to pending. Returns the updated record.
func (s *Store) UpdatePatient(ctx context.Context, localID int64, p *schema.Patient) (*schema.Patient, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid patient: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE patients SET
			first_name = ?, last_name = ?, age = ?, gender = ?, contact = ?, address = ?,
			height = ?, weight = ?, blood_group = ?, pregnancy_status = ?,
			sync_status = 'pending', updated_at = ?
		WHERE local_id = ?`,
		p.FirstName, p.LastName, p.Age, p.Gender, p.Contact, p.Address,
		p.Height, p.Weight, p.BloodGroup, boolToInt(p.PregnancyStatus),
		formatTime(time.Now().UTC()), localID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update patient %d: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("patient local_id %d: %w", localID, ErrNotFound)
	}

	return s.GetPatient(ctx, localID)
}

// GetPatient retrieves a single patient by local identifier.
func (s *Store) GetPatient(ctx context.Context, localID int64) (*schema.Patient, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE local_id = ?`, localID)

	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient local_id %d: %w", localID, ErrNotFound)
	}
	return p, err
}

// ListPatients returns all patients, most recently updated first.
func (s *Store) ListPatients(ctx context.Context) ([]*schema.Patient, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+patientColumns+` FROM patients ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	return scanPatients(rows)
}

// SearchPatients returns patients whose name or UID contains the query,
// case-insensitively. A pure read with no side effects.
func (s *Store) SearchPatients(ctx context.Context, query string) ([]*schema.Patient, error) {
	like := "%" + query + "%"
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+patientColumns+` FROM patients
		WHERE first_name LIKE ? OR last_name LIKE ? OR patient_uid LIKE ?
		ORDER BY updated_at DESC`,
		like, like, like)
	if err != nil {
		return nil, fmt.Errorf("failed to search patients: %w", err)
	}
	defer rows.Close()

	return scanPatients(rows)
}

// DeletePatient removes a patient row. Records and reminders referencing
// the patient are left in place: the reference is weak and the source
// behavior never cascaded. Idempotent.
func (s *Store) DeletePatient(ctx context.Context, localID int64) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM patients WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete patient %d: %w", localID, err)
	}
	return nil
}

// ApplyRemotePatient merges a pulled patient into the local store with
// server-wins semantics: if a local row carries the same server id, every
// server field overwrites the local one; otherwise a new local row is
// created. Either way the result is synced.
func (s *Store) ApplyRemotePatient(ctx context.Context, p *schema.Patient) error {
	if p.ServerID == nil {
		return fmt.Errorf("remote patient has no server id")
	}
	now := formatTime(time.Now().UTC())

	res, err := s.conn.ExecContext(ctx, `
		UPDATE patients SET
			patient_uid = ?, first_name = ?, last_name = ?, age = ?, gender = ?,
			contact = ?, address = ?, height = ?, weight = ?, blood_group = ?,
			pregnancy_status = ?, sync_status = 'synced', updated_at = ?
		WHERE server_id = ?`,
		p.PatientUID, p.FirstName, p.LastName, p.Age, p.Gender,
		p.Contact, p.Address, p.Height, p.Weight, p.BloodGroup,
		boolToInt(p.PregnancyStatus), now, *p.ServerID,
	)
	if err != nil {
		return fmt.Errorf("failed to apply remote patient %d: %w", *p.ServerID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO patients (
			server_id, patient_uid, first_name, last_name, age, gender, contact, address,
			height, weight, blood_group, pregnancy_status,
			sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'synced', ?, ?)`,
		*p.ServerID, p.PatientUID, p.FirstName, p.LastName, p.Age, p.Gender, p.Contact, p.Address,
		p.Height, p.Weight, p.BloodGroup, boolToInt(p.PregnancyStatus), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert remote patient %d: %w", *p.ServerID, err)
	}
	return nil
}

// PatientLocalIDByServerID resolves a server identifier to the local row,
// used when pulled records reference their owner by server id.
func (s *Store) PatientLocalIDByServerID(ctx context.Context, serverID int64) (int64, error) {
	var localID int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT local_id FROM patients WHERE server_id = ?`, serverID).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("patient server_id %d: %w", serverID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve patient server_id %d: %w", serverID, err)
	}
	return localID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatient(row rowScanner) (*schema.Patient, error) {
	var p schema.Patient
	var serverID sql.NullInt64
	var contact, address, bloodGroup sql.NullString
	var height, weight sql.NullFloat64
	var pregnancy int
	var status, createdAt, updatedAt string

	err := row.Scan(
		&p.LocalID, &serverID, &p.PatientUID, &p.FirstName, &p.LastName, &p.Age, &p.Gender,
		&contact, &address, &height, &weight, &bloodGroup, &pregnancy,
		&status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.ServerID = nullToInt64(serverID)
	p.Contact = contact.String
	p.Address = address.String
	p.Height = height.Float64
	p.Weight = weight.Float64
	p.BloodGroup = bloodGroup.String
	p.PregnancyStatus = pregnancy != 0
	p.SyncStatus = schema.SyncStatus(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func scanPatients(rows *sql.Rows) ([]*schema.Patient, error) {
	var patients []*schema.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patients: %w", err)
	}
	return patients, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
