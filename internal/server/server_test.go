package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"fieldcare/internal/remote"
	"fieldcare/internal/schema"
)

var testSecret = []byte("test-secret")

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	storage, err := OpenStorage(filepath.Join(t.TempDir(), "server.db"), nil)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	srv := httptest.NewServer(NewServer(storage, Config{JWTSecret: testSecret}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func bearer(t *testing.T) string {
	t.Helper()
	token, err := IssueToken(testSecret, "test-device", time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, method, url, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func patientPayload(localID int64, first string) json.RawMessage {
	data, _ := json.Marshal(&schema.Patient{
		LocalID: localID, PatientUID: "ASHA-TEST0001",
		FirstName: first, LastName: "Devi", Age: 28, Gender: "female",
	})
	return data
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	if code := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil, nil); code != http.StatusOK {
		t.Errorf("health = %d, want 200", code)
	}
}

func TestSyncRequiresValidToken(t *testing.T) {
	srv := newTestServer(t)

	if code := doJSON(t, http.MethodPost, srv.URL+"/sync", "", &remote.PushRequest{}, nil); code != http.StatusUnauthorized {
		t.Errorf("missing token = %d, want 401", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/sync", "garbage", &remote.PushRequest{}, nil); code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", code)
	}

	wrongKey, err := IssueToken([]byte("other-secret"), "dev", time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/sync", wrongKey, &remote.PushRequest{}, nil); code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", code)
	}
}

func TestPushAssignsIDsAndDeduplicates(t *testing.T) {
	srv := newTestServer(t)
	token := bearer(t)

	req := &remote.PushRequest{Patients: []json.RawMessage{patientPayload(1, "Asha")}}
	var resp remote.PushResponse
	if code := doJSON(t, http.MethodPost, srv.URL+"/sync", token, req, &resp); code != http.StatusOK {
		t.Fatalf("push = %d, want 200", code)
	}
	first, ok := resp.Patients["1"]
	if !ok || first == 0 {
		t.Fatalf("no server id assigned: %+v", resp.Patients)
	}

	// Redelivering the same batch (lost response) keeps the same id and
	// creates no duplicate.
	var resp2 remote.PushResponse
	if code := doJSON(t, http.MethodPost, srv.URL+"/sync", token, req, &resp2); code != http.StatusOK {
		t.Fatalf("redelivery = %d, want 200", code)
	}
	if resp2.Patients["1"] != first {
		t.Errorf("redelivered id = %d, want %d", resp2.Patients["1"], first)
	}

	var status struct {
		Counts map[string]int `json:"counts"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/sync/status", token, nil, &status); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if status.Counts["patients"] != 1 {
		t.Errorf("patients = %d, want 1", status.Counts["patients"])
	}
}

func TestPushResolvesOwnerWithinBatch(t *testing.T) {
	srv := newTestServer(t)
	token := bearer(t)

	recData, _ := json.Marshal(&schema.MedicalRecord{
		LocalID: 1, PatientLocalID: 1,
		RecordDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		BPSystolic: 150,
	})
	req := &remote.PushRequest{
		Patients: []json.RawMessage{patientPayload(1, "Asha")},
		Records:  []json.RawMessage{recData},
	}
	var resp remote.PushResponse
	if code := doJSON(t, http.MethodPost, srv.URL+"/sync", token, req, &resp); code != http.StatusOK {
		t.Fatalf("push = %d, want 200", code)
	}

	var pull remote.PullResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/sync/latest", token, nil, &pull); code != http.StatusOK {
		t.Fatalf("pull = %d, want 200", code)
	}
	if len(pull.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(pull.Records))
	}
	rec := pull.Records[0]
	if rec.PatientID == nil || *rec.PatientID != resp.Patients["1"] {
		t.Errorf("record owner = %v, want %d", rec.PatientID, resp.Patients["1"])
	}
	if rec.ServerID == nil || *rec.ServerID != resp.Records["1"] {
		t.Errorf("record id = %v, want %d", rec.ServerID, resp.Records["1"])
	}
}

func TestPullSinceFiltersAndCarriesDeletes(t *testing.T) {
	srv := newTestServer(t)
	token := bearer(t)

	var resp remote.PushResponse
	req := &remote.PushRequest{Patients: []json.RawMessage{patientPayload(1, "Asha")}}
	if code := doJSON(t, http.MethodPost, srv.URL+"/sync", token, req, &resp); code != http.StatusOK {
		t.Fatalf("push = %d, want 200", code)
	}

	// Everything is older than a future watermark.
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	var pull remote.PullResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/sync/latest?since="+future, token, nil, &pull); code != http.StatusOK {
		t.Fatalf("pull = %d, want 200", code)
	}
	if len(pull.Patients) != 0 {
		t.Errorf("future since returned %d patients, want 0", len(pull.Patients))
	}

	// Push a tombstone; pulls after that must carry the deleted flag.
	gone := schema.Patient{LocalID: 1, PatientUID: "ASHA-TEST0001",
		FirstName: "Asha", LastName: "Devi", Age: 28, Gender: "female", Deleted: true}
	goneData, _ := json.Marshal(&gone)
	if code := doJSON(t, http.MethodPost, srv.URL+"/sync", token,
		&remote.PushRequest{Patients: []json.RawMessage{goneData}}, nil); code != http.StatusOK {
		t.Fatalf("delete push = %d, want 200", code)
	}

	if code := doJSON(t, http.MethodGet, srv.URL+"/sync/latest", token, nil, &pull); code != http.StatusOK {
		t.Fatalf("pull = %d, want 200", code)
	}
	if len(pull.Patients) != 1 || !pull.Patients[0].Deleted {
		t.Errorf("expected one deleted patient, got %+v", pull.Patients)
	}
}

func TestPushRejectsMalformedPayload(t *testing.T) {
	srv := newTestServer(t)
	token := bearer(t)

	req := &remote.PushRequest{Patients: []json.RawMessage{json.RawMessage(`{"local_id":"0"}`)}}
	if code := doJSON(t, http.MethodPost, srv.URL+"/sync", token, req, nil); code != http.StatusBadRequest {
		t.Errorf("payload without local_id = %d, want 400", code)
	}
}

func TestStorageUpsertKeepsIDStable(t *testing.T) {
	storage, err := OpenStorage(filepath.Join(t.TempDir(), "s.db"), nil)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	defer storage.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	tx, err := storage.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	id1, err := upsert(ctx, tx, "patients", 5, sql.NullInt64{}, []byte(`{"v":1}`), false, now)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	id2, err := upsert(ctx, tx, "patients", 5, sql.NullInt64{}, []byte(`{"v":2}`), false, now.Add(time.Second))
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("upsert changed the id: %d -> %d", id1, id2)
	}

	rows, err := storage.changedSince(ctx, "patients", nil)
	if err != nil {
		t.Fatalf("changedSince failed: %v", err)
	}
	if len(rows) != 1 || string(rows[0].Data) != `{"v":2}` {
		t.Errorf("rows = %+v", rows)
	}
}
