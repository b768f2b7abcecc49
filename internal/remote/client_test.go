package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPushSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sync" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode push body: %v", err)
		}
		if len(req.Patients) != 1 {
			t.Errorf("got %d patients, want 1", len(req.Patients))
		}

		_ = json.NewEncoder(w).Encode(PushResponse{
			Patients:  map[string]int64{"1": 500},
			Records:   map[string]int64{},
			Reminders: map[string]int64{},
			Timestamp: time.Now().UTC(),
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token", nil)
	resp, err := c.Push(context.Background(), &PushRequest{
		Patients: []json.RawMessage{json.RawMessage(`{"local_id":"1"}`)},
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("authorization header = %q", gotAuth)
	}
	if resp.Patients["1"] != 500 {
		t.Errorf("server id for local 1 = %d, want 500", resp.Patients["1"])
	}
}

func TestPushUnavailableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "t", nil)
	_, err := c.Push(context.Background(), &PushRequest{})
	if !errors.Is(err, ErrTransient) {
		t.Errorf("expected ErrTransient, got %v", err)
	}
}

func TestUnauthorizedIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "expired", nil)
	_, err := c.Push(context.Background(), &PushRequest{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if errors.Is(err, ErrTransient) {
		t.Error("401 must never read as transient")
	}
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	// A closed server is indistinguishable from being offline.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL, "t", nil)
	_, err := c.PullLatest(context.Background(), nil)
	if !errors.Is(err, ErrTransient) {
		t.Errorf("expected ErrTransient, got %v", err)
	}
}

func TestPullLatestSinceParameter(t *testing.T) {
	var gotSince string
	var sawParam bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/latest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotSince = r.URL.Query().Get("since")
		_, sawParam = r.URL.Query()["since"]
		_ = json.NewEncoder(w).Encode(PullResponse{Timestamp: time.Now().UTC()})
	}))
	defer srv.Close()

	c := New(srv.URL, "t", nil)

	// First-ever sync omits the parameter entirely.
	if _, err := c.PullLatest(context.Background(), nil); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if sawParam {
		t.Errorf("since must be omitted on first sync, got %q", gotSince)
	}

	since := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if _, err := c.PullLatest(context.Background(), &since); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, gotSince)
	if err != nil || !parsed.Equal(since) {
		t.Errorf("since = %q, want %v", gotSince, since)
	}
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))

	c := New(srv.URL, "", nil)
	if !c.Healthy(context.Background()) {
		t.Error("expected healthy")
	}

	srv.Close()
	if c.Healthy(context.Background()) {
		t.Error("closed server must read as offline")
	}
}
