package schema

import (
	"fmt"
	"time"
)

// MedicalRecord is a vitals/observation snapshot taken during a visit.
//
// The record references its owning patient weakly through PatientLocalID:
// deleting a patient does not cascade to records. PatientID carries the
// owner's server identifier on the wire once it is known; the engine fills
// it in during identifier translation.
type MedicalRecord struct {
	LocalID  int64  `json:"local_id,string"`
	ServerID *int64 `json:"id,omitempty"`

	PatientLocalID int64  `json:"patient_local_id,string"`
	PatientID      *int64 `json:"patient_id,omitempty"`

	RecordDate time.Time `json:"record_date"`

	// Vital signs
	BPSystolic  int     `json:"bp_systolic,omitempty"`  // mmHg
	BPDiastolic int     `json:"bp_diastolic,omitempty"` // mmHg
	HeartRate   int     `json:"heart_rate,omitempty"`   // bpm
	Temperature float64 `json:"temperature,omitempty"`  // Celsius

	// Blood work
	BloodSugar int     `json:"blood_sugar,omitempty"` // mg/dL
	Hemoglobin float64 `json:"hemoglobin,omitempty"`  // g/dL

	// Symptoms
	Fever         bool `json:"fever,omitempty"`
	Cough         bool `json:"cough,omitempty"`
	CoughDuration int  `json:"cough_duration,omitempty"` // days

	Diagnosis string `json:"diagnosis,omitempty"`
	Notes     string `json:"notes,omitempty"`

	SyncStatus SyncStatus `json:"sync_status,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at,omitempty"`

	Deleted bool `json:"deleted,omitempty"`
}

// Validate checks required record fields.
func (r *MedicalRecord) Validate() error {
	if r.PatientLocalID <= 0 {
		return fmt.Errorf("patient_local_id is required")
	}
	if r.RecordDate.IsZero() {
		return fmt.Errorf("record_date is required")
	}
	if r.BPSystolic < 0 || r.BPDiastolic < 0 {
		return fmt.Errorf("blood pressure cannot be negative")
	}
	if r.CoughDuration < 0 {
		return fmt.Errorf("cough_duration cannot be negative")
	}
	return nil
}
