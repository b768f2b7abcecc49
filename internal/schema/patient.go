package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncStatus marks whether an entity's latest local state has been
// acknowledged by the remote store.
type SyncStatus string

const (
	// StatusPending means the entity has local changes awaiting push.
	StatusPending SyncStatus = "pending"
	// StatusSynced means the remote store has acknowledged the entity.
	StatusSynced SyncStatus = "synced"
)

// Patient is a person under care, owned exclusively by the local store.
// Optional numeric fields use the zero value for "not recorded".
type Patient struct {
	LocalID  int64  `json:"local_id,string"`
	ServerID *int64 `json:"id,omitempty"`

	PatientUID string `json:"patient_uid"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Age       int    `json:"age"`
	Gender    string `json:"gender"`
	Contact   string `json:"contact,omitempty"`
	Address   string `json:"address,omitempty"`

	Height          float64 `json:"height,omitempty"` // cm
	Weight          float64 `json:"weight,omitempty"` // kg
	BloodGroup      string  `json:"blood_group,omitempty"`
	PregnancyStatus bool    `json:"pregnancy_status,omitempty"`

	SyncStatus SyncStatus `json:"sync_status,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at,omitempty"`

	// Deleted flags a queued delete on the wire; the remote store removes
	// the matching row instead of upserting it.
	Deleted bool `json:"deleted,omitempty"`
}

// Validate checks required patient fields.
func (p *Patient) Validate() error {
	if p.FirstName == "" {
		return fmt.Errorf("first_name is required")
	}
	if p.LastName == "" {
		return fmt.Errorf("last_name is required")
	}
	if p.Age < 0 {
		return fmt.Errorf("age cannot be negative (got %d)", p.Age)
	}
	if p.Gender == "" {
		return fmt.Errorf("gender is required")
	}
	return nil
}

// FullName returns the display name used by search and status output.
func (p *Patient) FullName() string {
	return p.FirstName + " " + p.LastName
}

// BMI computes body mass index when both height and weight are recorded.
// Returns 0 when either is missing.
func (p *Patient) BMI() float64 {
	if p.Height <= 0 || p.Weight <= 0 {
		return 0
	}
	m := p.Height / 100
	return p.Weight / (m * m)
}

// NewPatientUID generates a field-unit patient identifier of the form
// ASHA-XXXXXXXX. Uniqueness per device is sufficient; the remote store
// keys on its own identifiers.
func NewPatientUID() string {
	return "ASHA-" + strings.ToUpper(uuid.NewString()[:8])
}
