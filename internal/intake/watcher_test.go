package intake

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fieldcare/internal/schema"
	"fieldcare/internal/store"
)

func testRecorder(t *testing.T) *store.Recorder {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "intake.db"), store.SchemaVersion)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return store.NewRecorder(s, nil)
}

func submissionJSON(t *testing.T, typ, action string, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	env, err := json.Marshal(&schema.Submission{Type: typ, Action: action, Data: data})
	if err != nil {
		t.Fatalf("failed to marshal submission: %v", err)
	}
	return env
}

func TestApplyDispatch(t *testing.T) {
	ctx := context.Background()
	rec := testRecorder(t)
	w, err := New(rec, Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	create := &schema.Submission{
		Type:   schema.TypePatient,
		Action: schema.ActionCreate,
	}
	create.Data, _ = json.Marshal(&schema.Patient{
		FirstName: "Asha", LastName: "Devi", Age: 28, Gender: "female",
	})
	if err := w.apply(ctx, create); err != nil {
		t.Fatalf("create dispatch failed: %v", err)
	}

	patients, err := rec.Store().ListPatients(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(patients) != 1 {
		t.Fatalf("got %d patients, want 1", len(patients))
	}
	localID := patients[0].LocalID

	// Reminder complete needs only the local id.
	remID, err := rec.CreateReminder(ctx, &schema.Reminder{
		PatientLocalID: localID, ReminderType: schema.ReminderFollowUp,
		Title: "Follow-up", DueDate: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create reminder failed: %v", err)
	}
	complete := &schema.Submission{Type: schema.TypeReminder, Action: schema.ActionComplete}
	complete.Data, _ = json.Marshal(&schema.Reminder{LocalID: remID})
	if err := w.apply(ctx, complete); err != nil {
		t.Fatalf("complete dispatch failed: %v", err)
	}
	rem, err := rec.Store().GetReminder(ctx, remID)
	if err != nil {
		t.Fatalf("get reminder failed: %v", err)
	}
	if !rem.Completed {
		t.Error("reminder not completed")
	}

	// Complete on a patient is invalid and must not touch the store.
	bad := &schema.Submission{Type: schema.TypePatient, Action: schema.ActionComplete, Data: complete.Data}
	if err := w.apply(ctx, bad); err == nil {
		t.Error("expected error for complete on patient")
	}
}

func TestWatcherProcessesDroppedFiles(t *testing.T) {
	rec := testRecorder(t)
	dir := t.TempDir()

	applied := make(chan *schema.Submission, 4)
	w, err := New(rec, Config{
		Dir:       dir,
		OnApplied: func(sub *schema.Submission) { applied <- sub },
	})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	// One file already waiting before the watcher starts.
	pre := submissionJSON(t, schema.TypePatient, schema.ActionCreate, &schema.Patient{
		FirstName: "Pre", LastName: "Existing", Age: 30, Gender: "female",
	})
	if err := os.WriteFile(filepath.Join(dir, "pre.json"), pre, 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	select {
	case sub := <-applied:
		if sub.Type != schema.TypePatient {
			t.Errorf("applied type = %s", sub.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pre-existing file never processed")
	}

	// A file dropped while watching.
	post := submissionJSON(t, schema.TypePatient, schema.ActionCreate, &schema.Patient{
		FirstName: "Post", LastName: "Drop", Age: 25, Gender: "male",
	})
	if err := os.WriteFile(filepath.Join(dir, "post.json"), post, 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("dropped file never processed")
	}

	patients, err := rec.Store().ListPatients(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(patients) != 2 {
		t.Errorf("got %d patients, want 2", len(patients))
	}

	// Processed files are removed.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		t.Errorf("leftover file: %s", e.Name())
	}
}

func TestWatcherQuarantinesBadFiles(t *testing.T) {
	rec := testRecorder(t)
	dir := t.TempDir()

	w, err := New(rec, Config{Dir: dir})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	deadline := time.After(5 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, "broken.json.rejected")); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("bad file never quarantined")
		default:
			time.Sleep(50 * time.Millisecond)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "broken.json")); !os.IsNotExist(err) {
		t.Error("original bad file still present")
	}
}
