package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fieldcare/internal/schema"
)

const recordColumns = `local_id, server_id, patient_local_id, record_date,
	bp_systolic, bp_diastolic, heart_rate, temperature, blood_sugar, hemoglobin,
	fever, cough, cough_duration, diagnosis, notes,
	sync_status, created_at, updated_at`

// CreateRecord inserts a new medical record and returns its local
// identifier. The owning patient is referenced weakly: the insert does not
// verify the patient row exists.
func (s *Store) CreateRecord(ctx context.Context, r *schema.MedicalRecord) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, fmt.Errorf("invalid record: %w", err)
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.SyncStatus = schema.StatusPending

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO records (
			patient_local_id, record_date,
			bp_systolic, bp_diastolic, heart_rate, temperature, blood_sugar, hemoglobin,
			fever, cough, cough_duration, diagnosis, notes,
			sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PatientLocalID, formatTime(r.RecordDate),
		r.BPSystolic, r.BPDiastolic, r.HeartRate, r.Temperature, r.BloodSugar, r.Hemoglobin,
		boolToInt(r.Fever), boolToInt(r.Cough), r.CoughDuration, r.Diagnosis, r.Notes,
		string(r.SyncStatus), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create record: %w", err)
	}

	localID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new record id: %w", err)
	}
	r.LocalID = localID
	return localID, nil
}

// UpdateRecord replaces the mutable fields of an existing record and
// returns the updated row. ServerID and CreatedAt are preserved.
func (s *Store) UpdateRecord(ctx context.Context, localID int64, r *schema.MedicalRecord) (*schema.MedicalRecord, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE records SET
			record_date = ?, bp_systolic = ?, bp_diastolic = ?, heart_rate = ?,
			temperature = ?, blood_sugar = ?, hemoglobin = ?,
			fever = ?, cough = ?, cough_duration = ?, diagnosis = ?, notes = ?,
			sync_status = 'pending', updated_at = ?
		WHERE local_id = ?`,
		formatTime(r.RecordDate), r.BPSystolic, r.BPDiastolic, r.HeartRate,
		r.Temperature, r.BloodSugar, r.Hemoglobin,
		boolToInt(r.Fever), boolToInt(r.Cough), r.CoughDuration, r.Diagnosis, r.Notes,
		formatTime(time.Now().UTC()), localID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update record %d: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("record local_id %d: %w", localID, ErrNotFound)
	}

	return s.GetRecord(ctx, localID)
}

// GetRecord retrieves a single record by local identifier.
func (s *Store) GetRecord(ctx context.Context, localID int64) (*schema.MedicalRecord, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE local_id = ?`, localID)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record local_id %d: %w", localID, ErrNotFound)
	}
	return r, err
}

// ListRecords returns all records, newest visit first.
func (s *Store) ListRecords(ctx context.Context) ([]*schema.MedicalRecord, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records ORDER BY record_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListRecordsForPatient returns a patient's records, newest visit first.
func (s *Store) ListRecordsForPatient(ctx context.Context, patientLocalID int64) ([]*schema.MedicalRecord, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE patient_local_id = ? ORDER BY record_date DESC`,
		patientLocalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records for patient %d: %w", patientLocalID, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// DeleteRecord removes a record row. Idempotent.
func (s *Store) DeleteRecord(ctx context.Context, localID int64) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM records WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete record %d: %w", localID, err)
	}
	return nil
}

// ApplyRemoteRecord merges a pulled record with server-wins semantics.
// The owner reference arrives as a server patient id and is resolved to
// the local patient row when one is known; otherwise the record is kept
// with no owner, matching the weak-reference model.
func (s *Store) ApplyRemoteRecord(ctx context.Context, r *schema.MedicalRecord) error {
	if r.ServerID == nil {
		return fmt.Errorf("remote record has no server id")
	}

	patientLocalID := r.PatientLocalID
	if r.PatientID != nil {
		if localID, err := s.PatientLocalIDByServerID(ctx, *r.PatientID); err == nil {
			patientLocalID = localID
		}
	}

	now := formatTime(time.Now().UTC())
	res, err := s.conn.ExecContext(ctx, `
		UPDATE records SET
			patient_local_id = ?, record_date = ?,
			bp_systolic = ?, bp_diastolic = ?, heart_rate = ?, temperature = ?,
			blood_sugar = ?, hemoglobin = ?, fever = ?, cough = ?, cough_duration = ?,
			diagnosis = ?, notes = ?, sync_status = 'synced', updated_at = ?
		WHERE server_id = ?`,
		patientLocalID, formatTime(r.RecordDate),
		r.BPSystolic, r.BPDiastolic, r.HeartRate, r.Temperature,
		r.BloodSugar, r.Hemoglobin, boolToInt(r.Fever), boolToInt(r.Cough), r.CoughDuration,
		r.Diagnosis, r.Notes, now, *r.ServerID,
	)
	if err != nil {
		return fmt.Errorf("failed to apply remote record %d: %w", *r.ServerID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO records (
			server_id, patient_local_id, record_date,
			bp_systolic, bp_diastolic, heart_rate, temperature, blood_sugar, hemoglobin,
			fever, cough, cough_duration, diagnosis, notes,
			sync_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'synced', ?, ?)`,
		*r.ServerID, patientLocalID, formatTime(r.RecordDate),
		r.BPSystolic, r.BPDiastolic, r.HeartRate, r.Temperature, r.BloodSugar, r.Hemoglobin,
		boolToInt(r.Fever), boolToInt(r.Cough), r.CoughDuration, r.Diagnosis, r.Notes,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert remote record %d: %w", *r.ServerID, err)
	}
	return nil
}

func scanRecord(row rowScanner) (*schema.MedicalRecord, error) {
	var r schema.MedicalRecord
	var serverID sql.NullInt64
	var recordDate string
	var bpSys, bpDia, heartRate, bloodSugar, coughDuration sql.NullInt64
	var temperature, hemoglobin sql.NullFloat64
	var fever, cough int
	var diagnosis, notes sql.NullString
	var status, createdAt, updatedAt string

	err := row.Scan(
		&r.LocalID, &serverID, &r.PatientLocalID, &recordDate,
		&bpSys, &bpDia, &heartRate, &temperature, &bloodSugar, &hemoglobin,
		&fever, &cough, &coughDuration, &diagnosis, &notes,
		&status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ServerID = nullToInt64(serverID)
	r.RecordDate = parseTime(recordDate)
	r.BPSystolic = int(bpSys.Int64)
	r.BPDiastolic = int(bpDia.Int64)
	r.HeartRate = int(heartRate.Int64)
	r.Temperature = temperature.Float64
	r.BloodSugar = int(bloodSugar.Int64)
	r.Hemoglobin = hemoglobin.Float64
	r.Fever = fever != 0
	r.Cough = cough != 0
	r.CoughDuration = int(coughDuration.Int64)
	r.Diagnosis = diagnosis.String
	r.Notes = notes.String
	r.SyncStatus = schema.SyncStatus(status)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*schema.MedicalRecord, error) {
	var records []*schema.MedicalRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}
