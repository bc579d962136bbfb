package scorer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/rerank/internal/reranker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lengthScorer answers with len(chunk) as the score of every chunk.
func lengthScorer(t *testing.T, requests *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req ScoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test query", req.Query)

		scores := make([]float32, len(req.Chunks))
		for i, c := range req.Chunks {
			scores[i] = float32(len(c))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ScoreResponse{Scores: scores, NumChunks: len(scores), Status: "success"})
	}
}

func newTestRemote(t *testing.T, url string, cfg RemoteConfig) *RemoteBackend {
	t.Helper()
	cfg.URL = url
	cfg.Logger = quietLogger()
	b, err := NewRemoteBackend(cfg)
	require.NoError(t, err)
	return b
}

func TestRemoteBackend_ScoresInInputOrder(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(lengthScorer(t, &requests))
	defer server.Close()

	b := newTestRemote(t, server.URL+"/v1/score", RemoteConfig{Concurrency: 3})
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "g"}

	scores, err := b.Score(context.Background(), "test query", texts, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 1}, scores)
	assert.Equal(t, int32(4), requests.Load())
}

func TestRemoteBackend_EmptyInputMakesNoRequest(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(lengthScorer(t, &requests))
	defer server.Close()

	b := newTestRemote(t, server.URL, RemoteConfig{})
	scores, err := b.Score(context.Background(), "test query", nil, 8)
	require.NoError(t, err)
	assert.Empty(t, scores)
	assert.Zero(t, requests.Load())
}

func TestRemoteBackend_BatchLimitRejectedBeforeSending(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(lengthScorer(t, &requests))
	defer server.Close()

	b := newTestRemote(t, server.URL, RemoteConfig{MaxBatch: 100})
	texts := make([]string, 150)
	for i := range texts {
		texts[i] = "x"
	}

	_, err := b.Score(context.Background(), "test query", texts, 150)
	var be *reranker.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, reranker.KindBatchLimit, be.Kind)
	assert.Zero(t, requests.Load())

	// the same texts in batches within the limit go through
	scores, err := b.Score(context.Background(), "test query", texts, 100)
	require.NoError(t, err)
	assert.Len(t, scores, 150)
}

func TestRemoteBackend_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	b := newTestRemote(t, server.URL, RemoteConfig{Timeout: 50 * time.Millisecond})
	_, err := b.Score(context.Background(), "test query", []string{"a"}, 1)

	var be *reranker.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, reranker.KindTimeout, be.Kind)
}

func TestRemoteBackend_CallerCancellation(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(lengthScorer(t, &requests))
	defer server.Close()

	b := newTestRemote(t, server.URL, RemoteConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Score(ctx, "test query", []string{"a"}, 1)
	var be *reranker.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, reranker.KindCanceled, be.Kind)
}

func TestRemoteBackend_MalformedResponses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind reranker.FailureKind
	}{
		{"not json", http.StatusOK, "<html>oops</html>", reranker.KindMalformed},
		{"score count mismatch", http.StatusOK, `{"scores":[0.1],"num_chunks":1}`, reranker.KindMalformed},
		{"server error", http.StatusInternalServerError, "internal server error", reranker.KindUnavailable},
		{"error payload", http.StatusOK, `{"error":"model not loaded","status":"error"}`, reranker.KindUnavailable},
		{"too large", http.StatusRequestEntityTooLarge, "too many chunks", reranker.KindBatchLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			b := newTestRemote(t, server.URL, RemoteConfig{})
			_, err := b.Score(context.Background(), "test query", []string{"a", "b"}, 2)

			var be *reranker.BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.wantKind, be.Kind)
		})
	}
}

func TestRemoteBackend_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer server.Close()

	b := newTestRemote(t, server.URL+"/v1/score", RemoteConfig{})
	assert.NoError(t, b.Health(context.Background()))

	bad := newTestRemote(t, server.URL+"/v1/score", RemoteConfig{HealthURL: server.URL + "/nope"})
	assert.Error(t, bad.Health(context.Background()))
}

func TestNewRemoteBackend_RequiresURL(t *testing.T) {
	_, err := NewRemoteBackend(RemoteConfig{})
	assert.Error(t, err)
}
