package schema

import (
	"fmt"
	"time"
)

// Reminder types used by the field workflow.
const (
	ReminderVaccination = "vaccination"
	ReminderANCVisit    = "anc_visit"
	ReminderMedicine    = "medicine"
	ReminderFollowUp    = "follow_up"
)

// Reminder is a scheduled follow-up task for a patient.
// Like MedicalRecord, it holds a weak reference to its owning patient.
type Reminder struct {
	LocalID  int64  `json:"local_id,string"`
	ServerID *int64 `json:"id,omitempty"`

	PatientLocalID int64  `json:"patient_local_id,string"`
	PatientID      *int64 `json:"patient_id,omitempty"`

	ReminderType string `json:"reminder_type"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`

	DueDate  time.Time `json:"due_date"`
	Priority string    `json:"priority,omitempty"` // low, normal, high, urgent

	Completed   bool       `json:"completed,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	SyncStatus SyncStatus `json:"sync_status,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at,omitempty"`

	Deleted bool `json:"deleted,omitempty"`
}

// Validate checks required reminder fields.
func (r *Reminder) Validate() error {
	if r.PatientLocalID <= 0 {
		return fmt.Errorf("patient_local_id is required")
	}
	if r.ReminderType == "" {
		return fmt.Errorf("reminder_type is required")
	}
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	if r.DueDate.IsZero() {
		return fmt.Errorf("due_date is required")
	}
	return nil
}

// IsOverdue reports whether the reminder's due date has passed without
// completion.
func (r *Reminder) IsOverdue(now time.Time) bool {
	if r.Completed {
		return false
	}
	return r.DueDate.Before(now.Truncate(24 * time.Hour))
}

// IsDueToday reports whether the reminder falls due on the given day.
func (r *Reminder) IsDueToday(now time.Time) bool {
	if r.Completed {
		return false
	}
	y1, m1, d1 := r.DueDate.Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
