package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity type names used in queue items and push batches.
const (
	TypePatient  = "patient"
	TypeRecord   = "record"
	TypeReminder = "reminder"
)

// Mutation actions recorded in the queue.
const (
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionComplete = "complete"
	ActionDelete   = "delete"
)

// QueueItem is one entry of the durable mutation log. Items are appended
// by the mutation recorder and removed only after the remote store
// acknowledges the whole push they were part of.
//
// Data holds the full post-write entity snapshot, never a field diff:
// the remote side always applies whole-record replacement.
type QueueItem struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks queue item fields.
func (q *QueueItem) Validate() error {
	switch q.Type {
	case TypePatient, TypeRecord, TypeReminder:
	default:
		return fmt.Errorf("invalid queue item type: %q", q.Type)
	}
	switch q.Action {
	case ActionCreate, ActionUpdate, ActionComplete, ActionDelete:
	default:
		return fmt.Errorf("invalid queue item action: %q", q.Action)
	}
	if len(q.Data) == 0 {
		return fmt.Errorf("data is required")
	}
	return nil
}
