package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fieldcare/internal/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), SchemaVersion)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPatient() *schema.Patient {
	return &schema.Patient{
		FirstName: "Asha",
		LastName:  "Devi",
		Age:       28,
		Gender:    "female",
		Contact:   "9876543210",
	}
}

func TestOpenMigratesWithoutDataLoss(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := Open(path, SchemaVersion)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	localID, err := s.CreatePatient(ctx, testPatient())
	if err != nil {
		t.Fatalf("failed to create patient: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	// Reopening at the same version must keep every row.
	s2, err := Open(path, SchemaVersion)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()

	p, err := s2.GetPatient(ctx, localID)
	if err != nil {
		t.Fatalf("patient lost across reopen: %v", err)
	}
	if p.FirstName != "Asha" {
		t.Errorf("got first name %q, want Asha", p.FirstName)
	}
}

func TestOpenUpgradesOlderDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "upgrade.db")

	// A database created at version 1 has no sync_meta table yet.
	s, err := Open(path, 1)
	if err != nil {
		t.Fatalf("failed to open v1 store: %v", err)
	}
	localID, err := s.CreatePatient(ctx, testPatient())
	if err != nil {
		t.Fatalf("failed to create patient: %v", err)
	}
	if _, _, err := s.LastSyncTime(ctx); err == nil {
		t.Fatal("v1 database should not have sync metadata yet")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	// Opening at the current version applies the missing steps in place.
	s2, err := Open(path, SchemaVersion)
	if err != nil {
		t.Fatalf("failed to upgrade store: %v", err)
	}
	defer s2.Close()

	p, err := s2.GetPatient(ctx, localID)
	if err != nil {
		t.Fatalf("patient lost across upgrade: %v", err)
	}
	if p.FirstName != "Asha" {
		t.Errorf("got first name %q, want Asha", p.FirstName)
	}

	if _, ok, err := s2.LastSyncTime(ctx); err != nil {
		t.Fatalf("sync metadata unavailable after upgrade: %v", err)
	} else if ok {
		t.Error("fresh sync metadata should report no watermark")
	}
	mark := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s2.SetLastSyncTime(ctx, mark); err != nil {
		t.Fatalf("failed to set watermark: %v", err)
	}
	if got, ok, err := s2.LastSyncTime(ctx); err != nil || !ok || !got.Equal(mark) {
		t.Errorf("watermark = %v/%v/%v, want %v", got, ok, err, mark)
	}
}

func TestOpenRejectsUnknownVersion(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "bad.db"), SchemaVersion+10)
	if err == nil {
		t.Fatal("expected error for unsupported schema version")
	}
}

func TestPatientCRUD(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p := testPatient()
	localID, err := s.CreatePatient(ctx, p)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if localID == 0 || p.LocalID != localID {
		t.Errorf("local id not assigned: %d / %d", localID, p.LocalID)
	}
	if p.PatientUID == "" {
		t.Error("patient UID not assigned")
	}
	if p.SyncStatus != schema.StatusPending {
		t.Errorf("new patient status = %s, want pending", p.SyncStatus)
	}

	got, err := s.GetPatient(ctx, localID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.FullName() != "Asha Devi" {
		t.Errorf("got %q, want Asha Devi", got.FullName())
	}

	got.Contact = "1112223334"
	updated, err := s.UpdatePatient(ctx, localID, got)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Contact != "1112223334" {
		t.Errorf("contact not updated: %q", updated.Contact)
	}
	if updated.PatientUID != p.PatientUID {
		t.Error("update must preserve patient UID")
	}
	if updated.SyncStatus != schema.StatusPending {
		t.Error("update must drop entity back to pending")
	}

	if err := s.DeletePatient(ctx, localID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.GetPatient(ctx, localID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is a no-op.
	if err := s.DeletePatient(ctx, localID); err != nil {
		t.Errorf("repeat delete must be idempotent: %v", err)
	}
}

func TestUpdateMissingPatient(t *testing.T) {
	s := openTestStore(t)
	_, err := s.UpdatePatient(context.Background(), 999, testPatient())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSearchPatients(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, p := range []*schema.Patient{
		{FirstName: "Asha", LastName: "Devi", Age: 28, Gender: "female"},
		{FirstName: "Ram", LastName: "Kumar", Age: 45, Gender: "male"},
		{FirstName: "Sita", LastName: "Kumari", Age: 32, Gender: "female"},
	} {
		if _, err := s.CreatePatient(ctx, p); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	hits, err := s.SearchPatients(ctx, "kumar")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("search for kumar returned %d patients, want 2", len(hits))
	}
}

func TestRecordsForPatientOrdering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	patientID, err := s.CreatePatient(ctx, testPatient())
	if err != nil {
		t.Fatalf("create patient failed: %v", err)
	}

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for _, offset := range []int{2, 0, 1} {
		rec := &schema.MedicalRecord{
			PatientLocalID: patientID,
			RecordDate:     base.AddDate(0, 0, offset),
			BPSystolic:     120 + offset,
		}
		if _, err := s.CreateRecord(ctx, rec); err != nil {
			t.Fatalf("create record failed: %v", err)
		}
	}

	records, err := s.ListRecordsForPatient(ctx, patientID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].RecordDate.After(records[i-1].RecordDate) {
			t.Errorf("records not in newest-first order at %d", i)
		}
	}
}

func TestReminderOrderingAndComplete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	patientID, err := s.CreatePatient(ctx, testPatient())
	if err != nil {
		t.Fatalf("create patient failed: %v", err)
	}

	today := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	tomorrow := today.AddDate(0, 0, 1)

	// Created tomorrow-first; the list must still come back soonest-first.
	if _, err := s.CreateReminder(ctx, &schema.Reminder{
		PatientLocalID: patientID, ReminderType: schema.ReminderFollowUp,
		Title: "Follow-up visit", DueDate: tomorrow,
	}); err != nil {
		t.Fatalf("create reminder failed: %v", err)
	}
	vaccID, err := s.CreateReminder(ctx, &schema.Reminder{
		PatientLocalID: patientID, ReminderType: schema.ReminderVaccination,
		Title: "BCG dose", DueDate: today,
	})
	if err != nil {
		t.Fatalf("create reminder failed: %v", err)
	}

	list, err := s.ListReminders(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d reminders, want 2", len(list))
	}
	if list[0].Title != "BCG dose" || list[1].Title != "Follow-up visit" {
		t.Errorf("reminders out of order: %q before %q", list[0].Title, list[1].Title)
	}
	if list[0].Priority != "normal" {
		t.Errorf("default priority = %q, want normal", list[0].Priority)
	}

	done, err := s.CompleteReminder(ctx, vaccID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if !done.Completed || done.CompletedAt == nil {
		t.Error("complete must set the flag and timestamp")
	}
	if done.SyncStatus != schema.StatusPending {
		t.Error("complete must drop the reminder back to pending")
	}
}

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ids := make([]int64, 0, 3)
	for _, name := range []string{"A", "B", "C"} {
		id, err := s.AppendQueueItem(ctx, schema.TypePatient, schema.ActionCreate,
			&schema.Patient{LocalID: int64(len(ids) + 1), FirstName: name, LastName: "X", Gender: "female"})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		ids = append(ids, id)
	}

	items, err := s.EnumerateQueue(ctx)
	if err != nil {
		t.Fatalf("enumerate failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i, item := range items {
		if item.ID != ids[i] {
			t.Errorf("queue order broken at %d: got id %d, want %d", i, item.ID, ids[i])
		}
		var p schema.Patient
		if err := json.Unmarshal(item.Data, &p); err != nil {
			t.Fatalf("snapshot not valid JSON: %v", err)
		}
	}

	n, err := s.PendingCount(ctx)
	if err != nil || n != 3 {
		t.Fatalf("pending count = %d (%v), want 3", n, err)
	}

	if err := s.ClearQueueItem(ctx, ids[1]); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	// Clearing an already-cleared id is a no-op.
	if err := s.ClearQueueItem(ctx, ids[1]); err != nil {
		t.Errorf("repeat clear must be idempotent: %v", err)
	}

	items, err = s.EnumerateQueue(ctx)
	if err != nil {
		t.Fatalf("enumerate failed: %v", err)
	}
	if len(items) != 2 || items[0].ID != ids[0] || items[1].ID != ids[2] {
		t.Errorf("unexpected queue after clear: %+v", items)
	}
}

func TestMarkSyncedWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	localID, err := s.CreatePatient(ctx, testPatient())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := s.MarkSynced(ctx, CollectionPatients, localID, 500); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}
	p, err := s.GetPatient(ctx, localID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if p.ServerID == nil || *p.ServerID != 500 {
		t.Fatalf("server id = %v, want 500", p.ServerID)
	}
	if p.SyncStatus != schema.StatusSynced {
		t.Errorf("status = %s, want synced", p.SyncStatus)
	}

	// A second acknowledgement must not overwrite the identifier.
	if err := s.MarkSynced(ctx, CollectionPatients, localID, 999); err != nil {
		t.Fatalf("second mark synced failed: %v", err)
	}
	p, _ = s.GetPatient(ctx, localID)
	if *p.ServerID != 500 {
		t.Errorf("server id changed to %d; it is write-once", *p.ServerID)
	}

	if err := s.MarkSynced(ctx, CollectionPatients, 999, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown row, got %v", err)
	}
}

func TestApplyRemotePatientServerWins(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	localID, err := s.CreatePatient(ctx, testPatient())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.MarkSynced(ctx, CollectionPatients, localID, 42); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}

	// Local edit, then a remote copy arrives for the same server id: every
	// server field overwrites the local one.
	p, _ := s.GetPatient(ctx, localID)
	p.Contact = "local-edit"
	if _, err := s.UpdatePatient(ctx, localID, p); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	serverID := int64(42)
	remote := &schema.Patient{
		ServerID: &serverID, PatientUID: p.PatientUID,
		FirstName: "Asha", LastName: "Devi", Age: 29, Gender: "female",
		Contact: "server-truth",
	}
	if err := s.ApplyRemotePatient(ctx, remote); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	got, _ := s.GetPatient(ctx, localID)
	if got.Contact != "server-truth" || got.Age != 29 {
		t.Errorf("server copy did not win: %+v", got)
	}
	if got.SyncStatus != schema.StatusSynced {
		t.Errorf("merged row status = %s, want synced", got.SyncStatus)
	}

	// An unknown server id becomes a new local row.
	newServerID := int64(77)
	if err := s.ApplyRemotePatient(ctx, &schema.Patient{
		ServerID: &newServerID, PatientUID: "ASHA-REMOTE01",
		FirstName: "Meena", LastName: "Bai", Age: 40, Gender: "female",
	}); err != nil {
		t.Fatalf("apply of new row failed: %v", err)
	}
	all, _ := s.ListPatients(ctx)
	if len(all) != 2 {
		t.Errorf("got %d patients, want 2", len(all))
	}
}

func TestApplyRemoteRecordResolvesOwner(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	localID, err := s.CreatePatient(ctx, testPatient())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.MarkSynced(ctx, CollectionPatients, localID, 42); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}

	recServerID, ownerServerID := int64(7), int64(42)
	if err := s.ApplyRemoteRecord(ctx, &schema.MedicalRecord{
		ServerID:   &recServerID,
		PatientID:  &ownerServerID,
		RecordDate: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		BPSystolic: 150,
	}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	records, err := s.ListRecordsForPatient(ctx, localID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("pulled record not attached to local owner (got %d)", len(records))
	}
	if records[0].BPSystolic != 150 {
		t.Errorf("bp = %d, want 150", records[0].BPSystolic)
	}
}

func TestDeleteByServerID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	localID, err := s.CreatePatient(ctx, testPatient())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.MarkSynced(ctx, CollectionPatients, localID, 42); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}

	if err := s.DeleteByServerID(ctx, CollectionPatients, 42); err != nil {
		t.Fatalf("delete by server id failed: %v", err)
	}
	if _, err := s.GetPatient(ctx, localID); !errors.Is(err, ErrNotFound) {
		t.Errorf("row should be gone, got %v", err)
	}
	if err := s.DeleteByServerID(ctx, CollectionPatients, 42); err != nil {
		t.Errorf("repeat delete must be idempotent: %v", err)
	}
}

func TestLastSyncTime(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.LastSyncTime(ctx); err != nil || ok {
		t.Fatalf("fresh store should have no watermark (ok=%v err=%v)", ok, err)
	}

	want := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	if err := s.SetLastSyncTime(ctx, want); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, ok, err := s.LastSyncTime(ctx)
	if err != nil || !ok {
		t.Fatalf("read failed (ok=%v err=%v)", ok, err)
	}
	if !got.Equal(want) {
		t.Errorf("watermark = %v, want %v", got, want)
	}

	// Overwrite on the next sync.
	later := want.Add(time.Hour)
	if err := s.SetLastSyncTime(ctx, later); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _, _ = s.LastSyncTime(ctx)
	if !got.Equal(later) {
		t.Errorf("watermark = %v, want %v", got, later)
	}
}

func TestRecorderPairsWritesWithQueueEntries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := NewRecorder(s, nil)

	p := testPatient()
	localID, err := rec.CreatePatient(ctx, p)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	items, err := s.EnumerateQueue(ctx)
	if err != nil {
		t.Fatalf("enumerate failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d queue items, want 1", len(items))
	}
	if items[0].Type != schema.TypePatient || items[0].Action != schema.ActionCreate {
		t.Errorf("queue item = %s/%s, want patient/create", items[0].Type, items[0].Action)
	}
	var snapshot schema.Patient
	if err := json.Unmarshal(items[0].Data, &snapshot); err != nil {
		t.Fatalf("snapshot not valid JSON: %v", err)
	}
	if snapshot.LocalID != localID {
		t.Errorf("snapshot local id = %d, want %d", snapshot.LocalID, localID)
	}

	// Delete queues the last known snapshot flagged deleted.
	if err := rec.DeletePatient(ctx, localID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	items, _ = s.EnumerateQueue(ctx)
	if len(items) != 2 {
		t.Fatalf("got %d queue items, want 2", len(items))
	}
	var deleted schema.Patient
	if err := json.Unmarshal(items[1].Data, &deleted); err != nil {
		t.Fatalf("snapshot not valid JSON: %v", err)
	}
	if !deleted.Deleted {
		t.Error("delete snapshot must carry the deleted flag")
	}
}

func TestCollectionCounts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := NewRecorder(s, nil)

	patientID, err := rec.CreatePatient(ctx, testPatient())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := rec.CreateRecord(ctx, &schema.MedicalRecord{
		PatientLocalID: patientID, RecordDate: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create record failed: %v", err)
	}

	counts, err := s.CollectionCounts(ctx)
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts.Patients != 1 || counts.Records != 1 || counts.Reminders != 0 {
		t.Errorf("counts = %+v", counts)
	}
	if counts.Pending != 2 {
		t.Errorf("pending = %d, want 2", counts.Pending)
	}
}
