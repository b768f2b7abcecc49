package store

import (
	"context"
	"log"
	"os"

	"fieldcare/internal/schema"
)

// Recorder wraps every local write that should eventually reach the
// remote store, pairing it with a durable queue entry in the same logical
// step.
//
// The pairing is deliberately one-way: if the queue append fails, the
// local write stands and the failure is only logged. Write availability
// wins over durability of the sync intent.
type Recorder struct {
	store  *Store
	logger *log.Logger
}

// NewRecorder creates a mutation recorder over the given store.
// If logger is nil, a default logger writing to stderr is used.
func NewRecorder(store *Store, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(os.Stderr, "[recorder] ", log.LstdFlags)
	}
	return &Recorder{store: store, logger: logger}
}

// Store exposes the wrapped store for read paths.
func (r *Recorder) Store() *Store {
	return r.store
}

// record appends the queue entry for a completed write. Never propagates
// the failure to the caller.
func (r *Recorder) record(ctx context.Context, entityType, action string, snapshot any) {
	if _, err := r.store.AppendQueueItem(ctx, entityType, action, snapshot); err != nil {
		r.logger.Printf("WARNING: local write kept but sync intent lost (%s %s): %v",
			action, entityType, err)
	}
}

// CreatePatient writes a new patient and queues the create mutation.
func (r *Recorder) CreatePatient(ctx context.Context, p *schema.Patient) (int64, error) {
	localID, err := r.store.CreatePatient(ctx, p)
	if err != nil {
		return 0, err
	}
	r.record(ctx, schema.TypePatient, schema.ActionCreate, p)
	return localID, nil
}

// UpdatePatient writes a patient edit and queues the update mutation with
// the full post-write snapshot.
func (r *Recorder) UpdatePatient(ctx context.Context, localID int64, p *schema.Patient) (*schema.Patient, error) {
	updated, err := r.store.UpdatePatient(ctx, localID, p)
	if err != nil {
		return nil, err
	}
	r.record(ctx, schema.TypePatient, schema.ActionUpdate, updated)
	return updated, nil
}

// DeletePatient removes a patient and queues the delete mutation carrying
// the last known snapshot. Records and reminders are not cascaded.
func (r *Recorder) DeletePatient(ctx context.Context, localID int64) error {
	snapshot, err := r.store.GetPatient(ctx, localID)
	if err != nil {
		return err
	}
	if err := r.store.DeletePatient(ctx, localID); err != nil {
		return err
	}
	snapshot.Deleted = true
	r.record(ctx, schema.TypePatient, schema.ActionDelete, snapshot)
	return nil
}

// CreateRecord writes a new medical record and queues the create mutation.
func (r *Recorder) CreateRecord(ctx context.Context, rec *schema.MedicalRecord) (int64, error) {
	localID, err := r.store.CreateRecord(ctx, rec)
	if err != nil {
		return 0, err
	}
	r.record(ctx, schema.TypeRecord, schema.ActionCreate, rec)
	return localID, nil
}

// UpdateRecord writes a record edit and queues the update mutation.
func (r *Recorder) UpdateRecord(ctx context.Context, localID int64, rec *schema.MedicalRecord) (*schema.MedicalRecord, error) {
	updated, err := r.store.UpdateRecord(ctx, localID, rec)
	if err != nil {
		return nil, err
	}
	r.record(ctx, schema.TypeRecord, schema.ActionUpdate, updated)
	return updated, nil
}

// DeleteRecord removes a record and queues the delete mutation.
func (r *Recorder) DeleteRecord(ctx context.Context, localID int64) error {
	snapshot, err := r.store.GetRecord(ctx, localID)
	if err != nil {
		return err
	}
	if err := r.store.DeleteRecord(ctx, localID); err != nil {
		return err
	}
	snapshot.Deleted = true
	r.record(ctx, schema.TypeRecord, schema.ActionDelete, snapshot)
	return nil
}

// CreateReminder writes a new reminder and queues the create mutation.
func (r *Recorder) CreateReminder(ctx context.Context, rem *schema.Reminder) (int64, error) {
	localID, err := r.store.CreateReminder(ctx, rem)
	if err != nil {
		return 0, err
	}
	r.record(ctx, schema.TypeReminder, schema.ActionCreate, rem)
	return localID, nil
}

// UpdateReminder writes a reminder edit and queues the update mutation.
func (r *Recorder) UpdateReminder(ctx context.Context, localID int64, rem *schema.Reminder) (*schema.Reminder, error) {
	updated, err := r.store.UpdateReminder(ctx, localID, rem)
	if err != nil {
		return nil, err
	}
	r.record(ctx, schema.TypeReminder, schema.ActionUpdate, updated)
	return updated, nil
}

// CompleteReminder marks a reminder done and queues a complete mutation
// carrying the whole updated snapshot, not a diff; the remote side
// applies whole-record replacement.
func (r *Recorder) CompleteReminder(ctx context.Context, localID int64) (*schema.Reminder, error) {
	updated, err := r.store.CompleteReminder(ctx, localID)
	if err != nil {
		return nil, err
	}
	r.record(ctx, schema.TypeReminder, schema.ActionComplete, updated)
	return updated, nil
}

// DeleteReminder removes a reminder and queues the delete mutation.
func (r *Recorder) DeleteReminder(ctx context.Context, localID int64) error {
	snapshot, err := r.store.GetReminder(ctx, localID)
	if err != nil {
		return err
	}
	if err := r.store.DeleteReminder(ctx, localID); err != nil {
		return err
	}
	snapshot.Deleted = true
	r.record(ctx, schema.TypeReminder, schema.ActionDelete, snapshot)
	return nil
}
