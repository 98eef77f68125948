package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/infinityai/imagine/internal/archive"
	"github.com/infinityai/imagine/internal/storage"
)

func countJobs(t *testing.T, store *storage.Store, jobType string) int {
	t.Helper()
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM jobs WHERE type = ?`, jobType).Scan(&n); err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	return n
}

func TestHistory_RecordsSnapshots(t *testing.T) {
	var status atomic.Value
	status.Store("starting")
	c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
		}
		st := status.Load().(string)
		out := "null"
		if st == "succeeded" {
			out = `["https://x/a.png","https://x/b.png"]`
		}
		fmt.Fprintf(w, `{"id":"abc","version":"v1","status":%q,"output":%s,"created_at":"2026-03-01T12:00:00.123456Z"}`, st, out)
	})
	store := openTestStore(t)
	h := NewHandler(Deps{Replicate: c, Store: store, Archive: true})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predictions", strings.NewReader(`{"prompt":"a cat"}`)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rr.Code)
	}

	p, err := store.GetPrediction("abc")
	if err != nil {
		t.Fatalf("GetPrediction after create: %v", err)
	}
	if p.Status != "starting" || p.Version != "v1" {
		t.Errorf("row after create = %+v", p)
	}
	if p.CreatedAt.Year() != 2026 {
		t.Errorf("CreatedAt = %v, want upstream timestamp", p.CreatedAt)
	}

	status.Store("succeeded")
	for i := 0; i < 2; i++ {
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/predictions/abc", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("get #%d: status = %d", i, rr.Code)
		}
	}

	p, err = store.GetPrediction("abc")
	if err != nil {
		t.Fatalf("GetPrediction after poll: %v", err)
	}
	if p.Status != "succeeded" || p.OutputURL != "https://x/b.png" {
		t.Errorf("row after poll = %+v", p)
	}
	if n := countJobs(t, store, archive.JobType); n != 1 {
		t.Errorf("archive jobs = %d, want exactly 1", n)
	}

	job, err := store.ClaimNextJob([]string{archive.JobType})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob: %v, %v", job, err)
	}
	var payload archive.Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.PredictionID != "abc" || payload.OutputURL != "https://x/b.png" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestHistory_NoArchiveJobWhenDisabled(t *testing.T) {
	c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"abc","status":"succeeded","output":["https://x/a.png"]}`)
	})
	store := openTestStore(t)
	h := NewHandler(Deps{Replicate: c, Store: store})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/predictions/abc", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if n := countJobs(t, store, archive.JobType); n != 0 {
		t.Errorf("archive jobs = %d, want 0", n)
	}
}

func TestListPredictions(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := store.RecordPrediction(storage.Prediction{ID: fmt.Sprintf("p%d", i), Status: "starting"}); err != nil {
			t.Fatalf("RecordPrediction: %v", err)
		}
	}
	h := NewHandler(Deps{Replicate: mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {}), Store: store})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/predictions?limit=2", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got []storage.Prediction
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d rows, want 2", len(got))
	}
}

func TestListPredictions_Empty(t *testing.T) {
	h := NewHandler(Deps{Replicate: mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {}), Store: openTestStore(t)})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/predictions", nil))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rr.Body.String())
	}
}

func TestGetHistory(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.RecordPrediction(storage.Prediction{ID: "abc", Status: "failed", Error: "boom"}); err != nil {
		t.Fatalf("RecordPrediction: %v", err)
	}
	h := NewHandler(Deps{Replicate: mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {}), Store: store})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/history/abc", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got storage.Prediction
	json.NewDecoder(rr.Body).Decode(&got)
	if got.Error != "boom" {
		t.Errorf("Error = %q", got.Error)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/history/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rr.Code)
	}
}

func TestHistory_DisabledWithoutStore(t *testing.T) {
	h := NewHandler(Deps{Replicate: mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {})})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/predictions", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rr.Code)
	}
}
