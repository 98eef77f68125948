package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/singleflight"

	"github.com/infinityai/imagine/internal/replicate"
	"github.com/infinityai/imagine/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	lookupTimeout      = 30 * time.Second
)

// Deps holds what the proxy handlers need.
type Deps struct {
	Replicate *replicate.Client
	// Store is optional; without it no history is kept.
	Store *storage.Store
	// Archive enables enqueueing archive jobs for succeeded predictions.
	Archive bool
	// AuthToken, when non-empty, is required as a bearer token.
	AuthToken string
}

// CreateRequest is the body accepted by POST /predictions.
type CreateRequest struct {
	Prompt string `json:"prompt"`
}

// NewHandler returns the proxy's http.Handler.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.AuthToken != "" {
			r.Use(BearerAuth(deps.AuthToken))
		}

		var lookups singleflight.Group
		r.Post("/predictions", handleCreatePrediction(deps))
		r.Get("/predictions/{id}", handleGetPrediction(deps, &lookups))
		r.Get("/predictions", handleListPredictions(deps))
		r.Get("/history/{id}", handleGetHistory(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleCreatePrediction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			httpError(w, http.StatusBadRequest, "prompt is required")
			return
		}

		p, err := deps.Replicate.CreatePrediction(r.Context(), req.Prompt)
		if errors.Is(err, replicate.ErrMissingToken) {
			slog.Error("prediction rejected: configuration error", "error", err)
			httpError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		if err != nil {
			slog.Warn("creating prediction failed", "error", err)
			httpError(w, http.StatusInternalServerError, "%s", upstreamDetail(err))
			return
		}
		if msg := p.ErrorMessage(); msg != "" {
			httpError(w, http.StatusInternalServerError, "%s", msg)
			return
		}

		slog.Info("prediction created", "id", p.ID, "status", p.Status)
		recordSnapshot(deps, p)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(p.Raw)
	}
}

func handleGetPrediction(deps Deps, lookups *singleflight.Group) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		// The lookup is shared by every caller waiting on id, so one caller
		// going away must not cancel it for the others.
		v, err, _ := lookups.Do(id, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), lookupTimeout)
			defer cancel()
			p, err := deps.Replicate.GetPrediction(ctx, id)
			if err != nil {
				return nil, err
			}
			recordSnapshot(deps, p)
			return p, nil
		})
		if replicate.IsNotFound(err) {
			httpError(w, http.StatusNotFound, "%s", upstreamDetail(err))
			return
		}
		if errors.Is(err, replicate.ErrMissingToken) {
			slog.Error("status lookup rejected: configuration error", "error", err)
			httpError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		if err != nil {
			slog.Warn("reading prediction failed", "id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "%s", upstreamDetail(err))
			return
		}

		p := v.(*replicate.Prediction)
		w.Header().Set("Content-Type", "application/json")
		w.Write(p.Raw)
	}
}

// upstreamDetail returns the service-provided detail for API errors and the
// error text otherwise.
func upstreamDetail(err error) string {
	var apiErr *replicate.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return err.Error()
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"detail": fmt.Sprintf(format, args...),
	})
}
