// Package intake watches the form drop directory and applies submissions
// to the local store.
//
// The form layer writes one JSON file per user action into the intake
// directory. The watcher debounces filesystem events (editors and form
// writers produce bursts), applies each submission through the mutation
// recorder, and removes the file once applied. Files that fail to parse
// or apply are renamed with a .rejected suffix so nothing is silently
// dropped and nothing is retried forever.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"fieldcare/internal/alerts"
	"fieldcare/internal/schema"
	"fieldcare/internal/store"
)

// debounceWindow is how long a file must stay quiet before it is read.
// Form writers create-then-write, so acting on the first event would race
// a partial file.
const debounceWindow = 500 * time.Millisecond

// Config holds watcher settings.
type Config struct {
	// Dir is the intake directory. Created if missing.
	Dir string

	// OnApplied fires after a submission has been applied, with the
	// submission that was processed. Optional.
	OnApplied func(*schema.Submission)

	// Logger for watcher activity. Nil gets a stderr default.
	Logger *log.Logger
}

// Watcher tails the intake directory.
type Watcher struct {
	cfg      Config
	recorder *store.Recorder
	logger   *log.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates an intake watcher applying submissions through the given
// recorder.
func New(recorder *store.Recorder, cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("intake directory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[intake] ", log.LstdFlags)
	}
	return &Watcher{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		pending:  make(map[string]time.Time),
	}, nil
}

// Start begins watching the intake directory. Submissions already sitting
// in the directory are processed first.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create intake directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := fsw.Add(w.cfg.Dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch intake directory: %w", err)
	}

	w.fsw = fsw
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.running = true

	w.wg.Add(1)
	go w.loop()

	// Catch up on anything dropped while we were not watching.
	w.enqueueExisting()

	w.logger.Printf("Intake watcher started on %s", w.cfg.Dir)
	return nil
}

// Stop halts the watcher and waits for in-flight processing. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.fsw.Close()
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Printf("Intake watcher stopped")
}

// enqueueExisting schedules files already present in the intake directory.
func (w *Watcher) enqueueExisting() {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.logger.Printf("WARNING: failed to scan intake directory: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.schedule(filepath.Join(w.cfg.Dir, entry.Name()))
	}
}

// schedule marks a path for processing once it has been quiet for the
// debounce window.
func (w *Watcher) schedule(path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(debounceWindow / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule(event.Name)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("WARNING: watcher error: %v", err)

		case <-ticker.C:
			w.processQuiet()
		}
	}
}

// processQuiet applies every scheduled file whose last event is older than
// the debounce window.
func (w *Watcher) processQuiet() {
	now := time.Now()

	w.mu.Lock()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= debounceWindow {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.processFile(path)
	}
}

// processFile reads one submission, applies it, and disposes of the file.
func (w *Watcher) processFile(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}

	sub, err := schema.ReadSubmissionFile(path)
	if err != nil {
		w.logger.Printf("WARNING: rejecting %s: %v", filepath.Base(path), err)
		w.reject(path)
		return
	}

	if err := w.apply(w.ctx, sub); err != nil {
		w.logger.Printf("WARNING: failed to apply %s: %v", filepath.Base(path), err)
		w.reject(path)
		return
	}

	if err := os.Remove(path); err != nil {
		w.logger.Printf("WARNING: failed to remove processed file %s: %v", path, err)
	}
	w.logger.Printf("Applied %s %s from %s", sub.Action, sub.Type, filepath.Base(path))

	if w.cfg.OnApplied != nil {
		w.cfg.OnApplied(sub)
	}
}

// reject renames a bad file out of the processing set.
func (w *Watcher) reject(path string) {
	if err := os.Rename(path, path+".rejected"); err != nil {
		w.logger.Printf("WARNING: failed to quarantine %s: %v", path, err)
	}
}

// apply dispatches one submission to the mutation recorder.
func (w *Watcher) apply(ctx context.Context, sub *schema.Submission) error {
	switch sub.Type {
	case schema.TypePatient:
		return w.applyPatient(ctx, sub)
	case schema.TypeRecord:
		return w.applyRecord(ctx, sub)
	case schema.TypeReminder:
		return w.applyReminder(ctx, sub)
	default:
		return fmt.Errorf("unknown submission type %q", sub.Type)
	}
}

func (w *Watcher) applyPatient(ctx context.Context, sub *schema.Submission) error {
	var p schema.Patient
	if err := json.Unmarshal(sub.Data, &p); err != nil {
		return fmt.Errorf("failed to parse patient payload: %w", err)
	}
	switch sub.Action {
	case schema.ActionCreate:
		_, err := w.recorder.CreatePatient(ctx, &p)
		return err
	case schema.ActionUpdate:
		_, err := w.recorder.UpdatePatient(ctx, p.LocalID, &p)
		return err
	case schema.ActionDelete:
		return w.recorder.DeletePatient(ctx, p.LocalID)
	default:
		return fmt.Errorf("action %q not valid for patients", sub.Action)
	}
}

func (w *Watcher) applyRecord(ctx context.Context, sub *schema.Submission) error {
	var rec schema.MedicalRecord
	if err := json.Unmarshal(sub.Data, &rec); err != nil {
		return fmt.Errorf("failed to parse record payload: %w", err)
	}
	switch sub.Action {
	case schema.ActionCreate:
		_, err := w.recorder.CreateRecord(ctx, &rec)
		if err == nil {
			w.logAlerts(&rec)
		}
		return err
	case schema.ActionUpdate:
		_, err := w.recorder.UpdateRecord(ctx, rec.LocalID, &rec)
		if err == nil {
			w.logAlerts(&rec)
		}
		return err
	case schema.ActionDelete:
		return w.recorder.DeleteRecord(ctx, rec.LocalID)
	default:
		return fmt.Errorf("action %q not valid for records", sub.Action)
	}
}

// logAlerts surfaces triggered health rules at capture time, before any
// sync, so referrals are visible with zero connectivity.
func (w *Watcher) logAlerts(rec *schema.MedicalRecord) {
	for _, a := range alerts.Evaluate(rec) {
		w.logger.Printf("ALERT [%s] patient %d: %s (%s)", a.Severity, rec.PatientLocalID, a.Message, a.Recommendation)
	}
}

func (w *Watcher) applyReminder(ctx context.Context, sub *schema.Submission) error {
	var rem schema.Reminder
	if err := json.Unmarshal(sub.Data, &rem); err != nil {
		return fmt.Errorf("failed to parse reminder payload: %w", err)
	}
	switch sub.Action {
	case schema.ActionCreate:
		_, err := w.recorder.CreateReminder(ctx, &rem)
		return err
	case schema.ActionUpdate:
		_, err := w.recorder.UpdateReminder(ctx, rem.LocalID, &rem)
		return err
	case schema.ActionComplete:
		_, err := w.recorder.CompleteReminder(ctx, rem.LocalID)
		return err
	case schema.ActionDelete:
		return w.recorder.DeleteReminder(ctx, rem.LocalID)
	default:
		return fmt.Errorf("action %q not valid for reminders", sub.Action)
	}
}
