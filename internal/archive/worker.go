// Package archive copies succeeded prediction outputs into long-term object
// storage. Work arrives through the SQLite job queue.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/infinityai/imagine/internal/storage"
)

// JobType is the queue type handled by Worker.
const JobType = "archive_output"

// Payload is the JSON body of an archive job.
type Payload struct {
	PredictionID string `json:"prediction_id"`
	OutputURL    string `json:"output_url"`
}

// JobStore abstracts the job queue and history operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	SetArchivedURL(id, archivedURL string) error
}

// Downloader fetches an output resource.
type Downloader interface {
	Download(ctx context.Context, rawURL string) ([]byte, string, error)
}

// Uploader stores an object and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Worker processes archive_output jobs.
type Worker struct {
	store    JobStore
	source   Downloader
	uploader Uploader
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, source Downloader, uploader Uploader, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		source:   source,
		uploader: uploader,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("archive worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. It returns true if a job was
// processed, whether or not it succeeded.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("archive job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.PredictionID == "" || payload.OutputURL == "" {
		return fmt.Errorf("payload missing prediction_id or output_url")
	}

	data, contentType, err := w.source.Download(ctx, payload.OutputURL)
	if err != nil {
		return fmt.Errorf("downloading output: %w", err)
	}

	key := ObjectKey(payload.PredictionID, payload.OutputURL, contentType)
	archivedURL, err := w.uploader.Upload(ctx, key, data, contentType)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	if err := w.store.SetArchivedURL(payload.PredictionID, archivedURL); err != nil {
		return fmt.Errorf("recording archived url: %w", err)
	}

	w.logger.Info("prediction output archived", "id", payload.PredictionID, "url", archivedURL, "bytes", len(data))
	return nil
}

// ObjectKey returns "predictions/<id>/output<ext>". The extension comes from
// the output URL path, then from contentType; it is omitted if neither helps.
func ObjectKey(predictionID, outputURL, contentType string) string {
	return "predictions/" + predictionID + "/output" + extension(outputURL, contentType)
}

func extension(outputURL, contentType string) string {
	if u, err := url.Parse(outputURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" {
			return ext
		}
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case "image/png":
			return ".png"
		case "image/jpeg":
			return ".jpg"
		case "image/webp":
			return ".webp"
		}
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}
