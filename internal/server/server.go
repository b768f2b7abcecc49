// Package server implements the reference sync endpoint the data layer
// talks to.
//
// It exists so a deployment can run end to end without the production
// backend: one process, one SQLite file, the same wire contract. Pushes
// are idempotent upserts keyed by the submitting client's local_id, so a
// batch redelivered after a lost response changes nothing.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fieldcare/internal/remote"
	"fieldcare/internal/schema"
)

// Config holds sync server settings.
type Config struct {
	// JWTSecret signs and validates bearer tokens. Required.
	JWTSecret []byte

	// Logger for request handling. Nil gets log.Default().
	Logger *log.Logger
}

// Server handles the sync wire protocol over a server-side store.
type Server struct {
	storage *Storage
	logger  *log.Logger
	router  chi.Router
}

// NewServer creates a sync server over the given storage.
func NewServer(storage *Storage, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{storage: storage, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(cfg.JWTSecret))
		r.Post("/sync", s.handlePush)
		r.Get("/sync/latest", s.handlePull)
		r.Get("/sync/status", s.handleStatus)
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler for mounting or serving.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePush applies one mutation batch atomically and returns the
// local_id to server id assignments.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req remote.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid push body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := s.storage.Begin(ctx)
	if err != nil {
		s.logger.Printf("Failed to begin push transaction: %v", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	defer tx.Rollback()

	resp := remote.PushResponse{
		Patients:  make(map[string]int64),
		Records:   make(map[string]int64),
		Reminders: make(map[string]int64),
		Timestamp: time.Now().UTC(),
	}

	// Patients first so records and reminders in the same batch can
	// resolve their owner.
	for _, raw := range req.Patients {
		var p schema.Patient
		if err := json.Unmarshal(raw, &p); err != nil || p.LocalID == 0 {
			http.Error(w, "invalid patient payload", http.StatusBadRequest)
			return
		}
		id, err := upsert(ctx, tx, "patients", p.LocalID, sql.NullInt64{}, raw, p.Deleted, resp.Timestamp)
		if err != nil {
			s.logger.Printf("Push failed: %v", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		resp.Patients[strconv.FormatInt(p.LocalID, 10)] = id
	}

	for _, raw := range req.Records {
		var rec schema.MedicalRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.LocalID == 0 {
			http.Error(w, "invalid record payload", http.StatusBadRequest)
			return
		}
		owner, err := s.resolveOwner(ctx, tx, rec.PatientID, rec.PatientLocalID)
		if err != nil {
			s.logger.Printf("Push failed: %v", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		id, err := upsert(ctx, tx, "records", rec.LocalID, owner, raw, rec.Deleted, resp.Timestamp)
		if err != nil {
			s.logger.Printf("Push failed: %v", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		resp.Records[strconv.FormatInt(rec.LocalID, 10)] = id
	}

	for _, raw := range req.Reminders {
		var rem schema.Reminder
		if err := json.Unmarshal(raw, &rem); err != nil || rem.LocalID == 0 {
			http.Error(w, "invalid reminder payload", http.StatusBadRequest)
			return
		}
		owner, err := s.resolveOwner(ctx, tx, rem.PatientID, rem.PatientLocalID)
		if err != nil {
			s.logger.Printf("Push failed: %v", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		id, err := upsert(ctx, tx, "reminders", rem.LocalID, owner, raw, rem.Deleted, resp.Timestamp)
		if err != nil {
			s.logger.Printf("Push failed: %v", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		resp.Reminders[strconv.FormatInt(rem.LocalID, 10)] = id
	}

	if err := tx.Commit(); err != nil {
		s.logger.Printf("Failed to commit push: %v", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}

	s.logger.Printf("Accepted push: %d patients, %d records, %d reminders",
		len(req.Patients), len(req.Records), len(req.Reminders))
	writeJSON(w, http.StatusOK, &resp)
}

// resolveOwner picks the server patient id for a dependent entity: the
// translated patient_id when the client knew it, otherwise a lookup by the
// owner's local_id within the same transaction.
func (s *Server) resolveOwner(ctx context.Context, tx *sql.Tx, patientID *int64, patientLocalID int64) (sql.NullInt64, error) {
	if patientID != nil {
		return sql.NullInt64{Int64: *patientID, Valid: true}, nil
	}
	if patientLocalID == 0 {
		return sql.NullInt64{}, nil
	}
	id, ok, err := patientIDByLocalID(ctx, tx, patientLocalID)
	if err != nil {
		return sql.NullInt64{}, err
	}
	if !ok {
		// Owner not pushed yet; keep the weak reference unresolved.
		return sql.NullInt64{}, nil
	}
	return sql.NullInt64{Int64: id, Valid: true}, nil
}

// handlePull returns entities changed since the watermark, deleted ones
// included.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			t, err = time.Parse(time.RFC3339, raw)
		}
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = &t
	}

	ctx := r.Context()
	resp := remote.PullResponse{
		Patients:  []*schema.Patient{},
		Records:   []*schema.MedicalRecord{},
		Reminders: []*schema.Reminder{},
		Timestamp: time.Now().UTC(),
	}

	patientRows, err := s.storage.changedSince(ctx, "patients", since)
	if err != nil {
		s.logger.Printf("Pull failed: %v", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	for _, row := range patientRows {
		var p schema.Patient
		if err := json.Unmarshal(row.Data, &p); err != nil {
			continue
		}
		id := row.ID
		p.LocalID = 0
		p.ServerID = &id
		p.SyncStatus = schema.StatusSynced
		p.Deleted = row.Deleted
		resp.Patients = append(resp.Patients, &p)
	}

	recordRows, err := s.storage.changedSince(ctx, "records", since)
	if err != nil {
		s.logger.Printf("Pull failed: %v", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	for _, row := range recordRows {
		var rec schema.MedicalRecord
		if err := json.Unmarshal(row.Data, &rec); err != nil {
			continue
		}
		id := row.ID
		rec.LocalID = 0
		rec.PatientLocalID = 0
		rec.ServerID = &id
		if row.PatientID.Valid {
			owner := row.PatientID.Int64
			rec.PatientID = &owner
		}
		rec.SyncStatus = schema.StatusSynced
		rec.Deleted = row.Deleted
		resp.Records = append(resp.Records, &rec)
	}

	reminderRows, err := s.storage.changedSince(ctx, "reminders", since)
	if err != nil {
		s.logger.Printf("Pull failed: %v", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	for _, row := range reminderRows {
		var rem schema.Reminder
		if err := json.Unmarshal(row.Data, &rem); err != nil {
			continue
		}
		id := row.ID
		rem.LocalID = 0
		rem.PatientLocalID = 0
		rem.ServerID = &id
		if row.PatientID.Valid {
			owner := row.PatientID.Int64
			rem.PatientID = &owner
		}
		rem.SyncStatus = schema.StatusSynced
		rem.Deleted = row.Deleted
		resp.Reminders = append(resp.Reminders, &rem)
	}

	writeJSON(w, http.StatusOK, &resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.storage.counts(r.Context())
	if err != nil {
		s.logger.Printf("Status failed: %v", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"counts":    counts,
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
