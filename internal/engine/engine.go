// Package engine orchestrates connectivity-triggered synchronization
// between the local store and the remote authoritative store.
//
// A sync attempt is a single pass of the protocol:
//
//  1. Snapshot the mutation queue.
//  2. Non-empty queue: group items by entity type into three batches
//     (FIFO within each), translate owner references to server ids where
//     known, and submit everything in one push. The push is all-or-nothing:
//     a transport failure clears no queue items, so every mutation is
//     redelivered on the next attempt (the server deduplicates by
//     local_id).
//  3. Empty queue: pull remote changes since the last-sync watermark and
//     merge them server-wins by server id.
//  4. On success, record the watermark, for either branch.
//
// Attempts are suppressed while another attempt is in flight or while the
// connectivity check reports offline. Transport failures never propagate
// into application flow; they only show up in Status.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"fieldcare/internal/remote"
	"fieldcare/internal/schema"
	"fieldcare/internal/store"
)

// State describes the engine's position in its lifecycle.
type State int32

const (
	// StateIdle means no attempt is in flight.
	StateIdle State = iota
	// StateSyncing means an attempt is in flight; new triggers are dropped.
	StateSyncing
	// StateFailed means the last attempt failed; the next trigger retries.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is the remote endpoint surface the engine drives. Satisfied
// by *remote.Client; tests substitute a scripted fake.
type Transport interface {
	Push(ctx context.Context, req *remote.PushRequest) (*remote.PushResponse, error)
	PullLatest(ctx context.Context, since *time.Time) (*remote.PullResponse, error)
}

// Event is a sync lifecycle notification for status surfaces.
type Event struct {
	Kind   string    `json:"kind"` // sync_started, sync_complete, sync_failed
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// Status is a point-in-time snapshot of the engine for display.
type Status struct {
	State     State
	LastError string
	LastSync  time.Time
}

// Config holds engine construction parameters.
type Config struct {
	// Online reports current connectivity; nil means always online.
	Online func() bool

	// Listener receives lifecycle events; nil means no notifications.
	Listener func(Event)

	// Logger for engine activity. Nil gets a stderr default.
	Logger *log.Logger
}

// Engine is the sync protocol state machine.
type Engine struct {
	store     *store.Store
	transport Transport
	online    func() bool
	listener  func(Event)
	logger    *log.Logger

	syncing atomic.Bool

	mu       sync.Mutex
	state    State
	lastErr  string
	lastSync time.Time
}

// New creates a sync engine over the given store and transport.
func New(st *store.Store, transport Transport, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:     st,
		transport: transport,
		online:    cfg.Online,
		listener:  cfg.Listener,
		logger:    logger,
		state:     StateIdle,
	}
}

// Status returns the current engine state for the UI. Safe to call at any
// time, including mid-sync.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{State: e.state, LastError: e.lastErr, LastSync: e.lastSync}
}

// Sync runs one sync attempt.
//
// The attempt is skipped silently while offline or while another attempt
// is in flight. Transient network failures are swallowed and reflected
// only in Status; storage errors and ErrUnauthorized are returned to the
// caller (the latter must terminate the session).
func (e *Engine) Sync(ctx context.Context) error {
	if e.online != nil && !e.online() {
		e.logger.Printf("Sync skipped: offline")
		return nil
	}

	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Printf("Sync skipped: attempt already in flight")
		return nil
	}
	defer e.syncing.Store(false)

	e.setState(StateSyncing, "")
	e.emit("sync_started", "")

	err := e.attempt(ctx)
	if err == nil {
		e.setState(StateIdle, "")
		e.emit("sync_complete", "")
		return nil
	}

	e.setState(StateFailed, err.Error())
	e.emit("sync_failed", err.Error())

	if errors.Is(err, remote.ErrTransient) {
		// Recovered by the next trigger; queue contents are untouched.
		e.logger.Printf("Sync failed (transient): %v", err)
		return nil
	}
	return err
}

// attempt runs the push-or-pull branch against a queue snapshot.
func (e *Engine) attempt(ctx context.Context) error {
	items, err := e.store.EnumerateQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot queue: %w", err)
	}

	if len(items) > 0 {
		return e.push(ctx, items)
	}
	return e.pull(ctx)
}

// push submits the snapshotted queue in one request and, on success,
// clears every pushed item and merges returned server ids.
func (e *Engine) push(ctx context.Context, items []*schema.QueueItem) error {
	req := &remote.PushRequest{
		Patients:  []json.RawMessage{},
		Records:   []json.RawMessage{},
		Reminders: []json.RawMessage{},
	}

	for _, item := range items {
		payload := e.payloadFor(ctx, item)
		switch item.Type {
		case schema.TypePatient:
			req.Patients = append(req.Patients, payload)
		case schema.TypeRecord:
			req.Records = append(req.Records, payload)
		case schema.TypeReminder:
			req.Reminders = append(req.Reminders, payload)
		}
	}

	e.logger.Printf("Pushing %d queued mutations (%d patients, %d records, %d reminders)",
		len(items), len(req.Patients), len(req.Records), len(req.Reminders))

	resp, err := e.transport.Push(ctx, req)
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	for _, item := range items {
		if err := e.acknowledge(ctx, item, resp); err != nil {
			e.logger.Printf("WARNING: failed to acknowledge queue item %d: %v", item.ID, err)
		}
	}

	return e.recordWatermark(ctx, resp.Timestamp)
}

// acknowledge clears one pushed item and updates the owning entity's sync
// state: creates merge the returned server id, updates and completes flip
// to synced, deletes have no surviving row.
func (e *Engine) acknowledge(ctx context.Context, item *schema.QueueItem, resp *remote.PushResponse) error {
	if err := e.store.ClearQueueItem(ctx, item.ID); err != nil {
		return err
	}

	if item.Action == schema.ActionDelete {
		return nil
	}

	coll, err := store.CollectionForType(item.Type)
	if err != nil {
		return err
	}
	localID, err := localIDFromSnapshot(item.Data)
	if err != nil {
		return err
	}

	if item.Action == schema.ActionCreate {
		if serverID, ok := serverIDFor(resp, item.Type, localID); ok {
			return e.store.MarkSynced(ctx, coll, localID, serverID)
		}
		// Server assigned no id (e.g. deduplicated create); still acked.
	}
	return e.store.MarkAcked(ctx, coll, localID)
}

// pull fetches remote changes since the watermark and merges them
// server-wins. Patients merge first so owner references resolve.
func (e *Engine) pull(ctx context.Context) error {
	var since *time.Time
	if t, ok, err := e.store.LastSyncTime(ctx); err != nil {
		return fmt.Errorf("failed to read watermark: %w", err)
	} else if ok {
		since = &t
	}

	resp, err := e.transport.PullLatest(ctx, since)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	e.logger.Printf("Pulled %d patients, %d records, %d reminders",
		len(resp.Patients), len(resp.Records), len(resp.Reminders))

	for _, p := range resp.Patients {
		if p.Deleted {
			e.removeRemote(ctx, store.CollectionPatients, p.ServerID)
			continue
		}
		if err := e.store.ApplyRemotePatient(ctx, p); err != nil {
			e.logger.Printf("WARNING: failed to merge remote patient: %v", err)
		}
	}
	for _, r := range resp.Records {
		if r.Deleted {
			e.removeRemote(ctx, store.CollectionRecords, r.ServerID)
			continue
		}
		if err := e.store.ApplyRemoteRecord(ctx, r); err != nil {
			e.logger.Printf("WARNING: failed to merge remote record: %v", err)
		}
	}
	for _, r := range resp.Reminders {
		if r.Deleted {
			e.removeRemote(ctx, store.CollectionReminders, r.ServerID)
			continue
		}
		if err := e.store.ApplyRemoteReminder(ctx, r); err != nil {
			e.logger.Printf("WARNING: failed to merge remote reminder: %v", err)
		}
	}

	return e.recordWatermark(ctx, resp.Timestamp)
}

// removeRemote mirrors a remotely deleted entity locally.
func (e *Engine) removeRemote(ctx context.Context, c store.Collection, serverID *int64) {
	if serverID == nil {
		return
	}
	if err := e.store.DeleteByServerID(ctx, c, *serverID); err != nil {
		e.logger.Printf("WARNING: failed to remove remotely deleted %s: %v", c, err)
	}
}

// payloadFor renders one queue item for the wire, translating the owner
// reference to a server id when the owner has already been pushed. The
// stored snapshot is never mutated; translation happens on a copy.
func (e *Engine) payloadFor(ctx context.Context, item *schema.QueueItem) json.RawMessage {
	switch item.Type {
	case schema.TypeRecord:
		var rec schema.MedicalRecord
		if err := json.Unmarshal(item.Data, &rec); err != nil {
			break
		}
		e.translateOwner(ctx, rec.PatientLocalID, &rec.PatientID)
		if data, err := json.Marshal(&rec); err == nil {
			return data
		}
	case schema.TypeReminder:
		var rem schema.Reminder
		if err := json.Unmarshal(item.Data, &rem); err != nil {
			break
		}
		e.translateOwner(ctx, rem.PatientLocalID, &rem.PatientID)
		if data, err := json.Marshal(&rem); err == nil {
			return data
		}
	}
	return item.Data
}

// translateOwner fills in the owner's server id when the owning patient
// has one. Unknown owners stay referenced by patient_local_id alone and
// the server resolves them within the same batch.
func (e *Engine) translateOwner(ctx context.Context, patientLocalID int64, dst **int64) {
	if *dst != nil || patientLocalID == 0 {
		return
	}
	owner, err := e.store.GetPatient(ctx, patientLocalID)
	if err != nil || owner.ServerID == nil {
		return
	}
	*dst = owner.ServerID
}

// recordWatermark stores the last-sync time: the server's clock when it
// reported one, ours otherwise.
func (e *Engine) recordWatermark(ctx context.Context, serverTime time.Time) error {
	t := serverTime
	if t.IsZero() {
		t = time.Now().UTC()
	}
	if err := e.store.SetLastSyncTime(ctx, t); err != nil {
		return fmt.Errorf("failed to record watermark: %w", err)
	}
	e.mu.Lock()
	e.lastSync = t
	e.mu.Unlock()
	return nil
}

func (e *Engine) setState(s State, errMsg string) {
	e.mu.Lock()
	e.state = s
	e.lastErr = errMsg
	e.mu.Unlock()
}

func (e *Engine) emit(kind, detail string) {
	if e.listener == nil {
		return
	}
	e.listener(Event{Kind: kind, Detail: detail, Time: time.Now().UTC()})
}

// localIDFromSnapshot extracts the local identifier from a stored entity
// snapshot.
func localIDFromSnapshot(data json.RawMessage) (int64, error) {
	var probe struct {
		LocalID int64 `json:"local_id,string"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, fmt.Errorf("failed to read local_id from snapshot: %w", err)
	}
	if probe.LocalID == 0 {
		return 0, fmt.Errorf("snapshot has no local_id")
	}
	return probe.LocalID, nil
}

// serverIDFor looks up the assigned server id for a pushed create.
func serverIDFor(resp *remote.PushResponse, entityType string, localID int64) (int64, bool) {
	var m map[string]int64
	switch entityType {
	case schema.TypePatient:
		m = resp.Patients
	case schema.TypeRecord:
		m = resp.Records
	case schema.TypeReminder:
		m = resp.Reminders
	}
	id, ok := m[strconv.FormatInt(localID, 10)]
	return id, ok
}
