package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/knoguchi/rerank/internal/reranker"
	"github.com/knoguchi/rerank/internal/scorer"
	"github.com/knoguchi/rerank/internal/service"
)

const maxBodyBytes = 8 << 20

type handlers struct {
	svc             Service
	logger          *slog.Logger
	evictMaxAge     time.Duration
	evictMaxEntries int
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"service":  "rerank",
		"model":    h.svc.ModelName(),
		"backends": h.svc.Backends(),
	})
}

// score implements the scoring service contract consumed by scorer.RemoteBackend.
func (h *handlers) score(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req scorer.ScoreRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeJSON(w, http.StatusBadRequest, scorer.ScoreResponse{Status: "error", Error: err.Error()})
		return
	}

	scores, backend, err := h.svc.Score(r.Context(), req.Query, req.Chunks)
	if err != nil {
		status := h.statusFor(r, err)
		writeJSON(w, status, scorer.ScoreResponse{Status: "error", Error: err.Error()})
		return
	}

	if backend != "" {
		w.Header().Set("X-Rerank-Backend", backend)
	}
	writeJSON(w, http.StatusOK, scorer.ScoreResponse{
		Scores:    scores,
		NumChunks: len(scores),
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
		Status:    "success",
	})
}

func (h *handlers) rerank(w http.ResponseWriter, r *http.Request) {
	var req reranker.Request
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Rerank(r.Context(), req)
	if err != nil {
		writeError(w, h.statusFor(r, err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) searchDocument(w http.ResponseWriter, r *http.Request) {
	var req service.SearchRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.SearchDocument(r.Context(), chi.URLParam(r, "documentID"), req)
	if err != nil {
		writeError(w, h.statusFor(r, err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) retrieverStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.RetrieverStats())
}

type evictRequest struct {
	// MaxAge is a Go duration such as "30m". A negative value disables the bound.
	MaxAge *string `json:"max_age,omitempty"`
	// MaxEntries is the number of retrievers to keep. A negative value disables the bound.
	MaxEntries *int `json:"max_entries,omitempty"`
}

func (h *handlers) evictRetrievers(w http.ResponseWriter, r *http.Request) {
	var req evictRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	maxAge, maxEntries := h.evictMaxAge, h.evictMaxEntries
	if req.MaxAge != nil {
		d, err := time.ParseDuration(*req.MaxAge)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid max_age: %v", err))
			return
		}
		maxAge = d
	}
	if req.MaxEntries != nil {
		maxEntries = *req.MaxEntries
	}

	removed := h.svc.EvictRetrievers(maxAge, maxEntries)
	writeJSON(w, http.StatusOK, map[string]any{
		"evicted":   removed,
		"remaining": len(h.svc.RetrieverStats().Entries),
	})
}

func (h *handlers) clearRetrievers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"evicted": h.svc.ClearRetrievers()})
}

func (h *handlers) modelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.svc.ModelStatus()})
}

func (h *handlers) warmModels(w http.ResponseWriter, r *http.Request) {
	results := h.svc.Warm(r.Context())

	status := http.StatusOK
	for _, res := range results {
		if res.Error != "" {
			status = http.StatusMultiStatus
			break
		}
	}
	writeJSON(w, status, map[string]any{"results": results, "models": h.svc.ModelStatus()})
}

// statusFor maps service errors to HTTP status codes.
func (h *handlers) statusFor(r *http.Request, err error) int {
	switch {
	case errors.Is(err, reranker.ErrInvalidRequest), errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrScoringUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// client went away; the status is never read
		return http.StatusServiceUnavailable
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
