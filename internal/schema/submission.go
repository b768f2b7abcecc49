package schema

import (
	"encoding/json"
	"fmt"
	"os"
)

// Submission is the envelope the form layer writes into the intake
// directory, one JSON file per user action. Data holds the entity payload
// for the given Type.
//
// For update, complete, and delete actions the payload must carry the
// target's local_id.
type Submission struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Validate checks the submission envelope.
func (s *Submission) Validate() error {
	switch s.Type {
	case TypePatient, TypeRecord, TypeReminder:
	default:
		return fmt.Errorf("invalid submission type: %q", s.Type)
	}
	switch s.Action {
	case ActionCreate, ActionUpdate, ActionComplete, ActionDelete:
	default:
		return fmt.Errorf("invalid submission action: %q", s.Action)
	}
	if s.Action == ActionComplete && s.Type != TypeReminder {
		return fmt.Errorf("complete applies only to reminders (got %s)", s.Type)
	}
	if len(s.Data) == 0 {
		return fmt.Errorf("data is required")
	}
	return nil
}

// ReadSubmissionFile reads and validates a form submission file.
func ReadSubmissionFile(path string) (*Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read submission file %s: %w", path, err)
	}

	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to parse submission file %s: %w", path, err)
	}

	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("invalid submission file %s: %w", path, err)
	}

	return &sub, nil
}
