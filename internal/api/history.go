package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/infinityai/imagine/internal/archive"
	"github.com/infinityai/imagine/internal/replicate"
	"github.com/infinityai/imagine/internal/storage"
)

// recordSnapshot stores p in the history log and, the first time a
// prediction succeeds with archiving enabled, queues its output for upload.
// Failures are logged; they never affect the proxied response.
func recordSnapshot(deps Deps, p *replicate.Prediction) {
	if deps.Store == nil || p == nil || p.ID == "" {
		return
	}

	row := storage.Prediction{
		ID:        p.ID,
		Version:   p.Version,
		Status:    p.Status,
		OutputURL: p.LastOutput(),
		Error:     p.ErrorMessage(),
	}
	if t, err := time.Parse(time.RFC3339Nano, p.CreatedAt); err == nil {
		row.CreatedAt = t
	}

	becameTerminal, err := deps.Store.RecordPrediction(row)
	if err != nil {
		slog.Warn("recording prediction history failed", "id", p.ID, "error", err)
		return
	}
	if !becameTerminal || !deps.Archive || p.Status != replicate.StatusSucceeded || row.OutputURL == "" {
		return
	}

	payload, err := json.Marshal(archive.Payload{PredictionID: p.ID, OutputURL: row.OutputURL})
	if err != nil {
		slog.Warn("marshaling archive payload failed", "id", p.ID, "error", err)
		return
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        archive.JobType,
		PayloadJSON: string(payload),
	}
	if err := deps.Store.EnqueueJob(job); err != nil {
		slog.Warn("queueing archive job failed", "id", p.ID, "error", err)
		return
	}
	slog.Debug("archive job queued", "id", p.ID, "job_id", job.ID)
}

func handleListPredictions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusNotImplemented, "history is not enabled")
			return
		}

		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		predictions, err := deps.Store.ListPredictions(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to list predictions: %v", err)
			return
		}
		if predictions == nil {
			predictions = []storage.Prediction{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(predictions)
	}
}

func handleGetHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusNotImplemented, "history is not enabled")
			return
		}

		id := chi.URLParam(r, "id")
		p, err := deps.Store.GetPrediction(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "prediction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to get prediction: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
