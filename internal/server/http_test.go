package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/rerank/internal/artifact"
	"github.com/knoguchi/rerank/internal/auth"
	"github.com/knoguchi/rerank/internal/reranker"
	"github.com/knoguchi/rerank/internal/retriever"
	"github.com/knoguchi/rerank/internal/scorer"
	"github.com/knoguchi/rerank/internal/service"
)

type stubService struct {
	scoreErr   error
	rerankErr  error
	warm       []service.WarmResult
	evictArgs  []any
	lastSearch string
}

func (s *stubService) Rerank(_ context.Context, req reranker.Request) (*reranker.Result, error) {
	if s.rerankErr != nil {
		return nil, s.rerankErr
	}
	chunks := make([]reranker.ScoredChunk, len(req.Chunks))
	for i, c := range req.Chunks {
		chunks[i] = reranker.ScoredChunk{Chunk: c}
	}
	return &reranker.Result{Chunks: chunks, Outcome: reranker.OutcomeShortCircuit}, nil
}

func (s *stubService) SearchDocument(_ context.Context, documentID string, req service.SearchRequest) (*service.SearchResult, error) {
	s.lastSearch = documentID + ":" + req.Query
	return &service.SearchResult{DocumentID: documentID, Chunks: []reranker.ScoredChunk{}, Outcome: reranker.OutcomeEmpty}, nil
}

func (s *stubService) Score(_ context.Context, _ string, chunks []string) ([]float32, string, error) {
	if s.scoreErr != nil {
		return nil, "", s.scoreErr
	}
	if len(chunks) == 0 {
		return []float32{}, "", nil
	}
	scores := make([]float32, len(chunks))
	for i := range chunks {
		scores[i] = float32(i) / 10
	}
	return scores, "local", nil
}

func (s *stubService) Warm(context.Context) []service.WarmResult { return s.warm }

func (s *stubService) ModelStatus() []artifact.Status {
	return []artifact.Status{{Model: "lexical-bm25", State: "ready"}}
}

func (s *stubService) ModelName() string  { return "lexical-bm25" }
func (s *stubService) Backends() []string { return []string{"local", "accelerated"} }

func (s *stubService) RetrieverStats() retriever.Stats {
	return retriever.Stats{Entries: []retriever.EntryStats{{DocumentID: "doc-1"}}, MaxEntries: 10}
}

func (s *stubService) EvictRetrievers(maxAge time.Duration, maxEntries int) int {
	s.evictArgs = []any{maxAge, maxEntries}
	return 2
}

func (s *stubService) ClearRetrievers() int { return 3 }

func newTestServer(t *testing.T, svc Service) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := NewHTTPServer(HTTPServerConfig{
		Logger:          logger,
		Service:         svc,
		AdminMiddleware: auth.NewAdmin("secret-key", nil, logger).Middleware,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("rerank_requests_total 0\n"))
		}),
		ReadinessChecks: map[string]ReadinessCheck{
			"postgres": func(context.Context) error { return nil },
		},
		EvictMaxAge:     time.Hour,
		EvictMaxEntries: 10,
	})
	require.NoError(t, err)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_Score(t *testing.T) {
	h := newTestServer(t, &stubService{})

	rec := do(t, h, http.MethodPost, "/v1/score", `{"query":"q","chunks":["a","b","c"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "local", rec.Header().Get("X-Rerank-Backend"))

	var resp scorer.ScoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []float32{0, 0.1, 0.2}, resp.Scores)
	assert.Equal(t, 3, resp.NumChunks)
	assert.Equal(t, "success", resp.Status)
}

func TestHTTP_Score_Empty(t *testing.T) {
	h := newTestServer(t, &stubService{})

	rec := do(t, h, http.MethodPost, "/v1/score", `{"query":"q","chunks":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scores":[]`)
	assert.Contains(t, rec.Body.String(), `"num_chunks":0`)
}

func TestHTTP_Score_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		body       string
		wantStatus int
	}{
		{"bad json", nil, `{"query":`, http.StatusBadRequest},
		{"too large", fmt.Errorf("%w: batch of 200 chunks exceeds limit 100", service.ErrInvalidArgument), `{"query":"q","chunks":["a"]}`, http.StatusBadRequest},
		{"no tier", fmt.Errorf("%w: %w", service.ErrScoringUnavailable, reranker.ErrAllBackendsExhausted), `{"query":"q","chunks":["a"]}`, http.StatusServiceUnavailable},
		{"unexpected", fmt.Errorf("boom"), `{"query":"q","chunks":["a"]}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &stubService{scoreErr: tt.err})
			rec := do(t, h, http.MethodPost, "/v1/score", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp scorer.ScoreResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "error", resp.Status)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHTTP_Rerank(t *testing.T) {
	h := newTestServer(t, &stubService{})
	rec := do(t, h, http.MethodPost, "/v1/rerank", `{"query":"q","chunks":[{"id":"c1","text":"a"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res reranker.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "c1", res.Chunks[0].ID)
	assert.Nil(t, res.Chunks[0].RerankScore)

	h = newTestServer(t, &stubService{rerankErr: fmt.Errorf("%w: query is required", reranker.ErrInvalidRequest)})
	rec = do(t, h, http.MethodPost, "/v1/rerank", `{"query":"","chunks":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_SearchDocument(t *testing.T) {
	svc := &stubService{}
	h := newTestServer(t, svc)

	rec := do(t, h, http.MethodPost, "/v1/documents/doc-7/search", `{"query":"refunds","top_k":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "doc-7:refunds", svc.lastSearch)
	assert.Contains(t, rec.Body.String(), `"document_id":"doc-7"`)
}

func TestHTTP_Health(t *testing.T) {
	h := newTestServer(t, &stubService{})

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "rerank", body["service"])
	assert.Equal(t, "lexical-bm25", body["model"])

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)
	assert.Contains(t, do(t, h, http.MethodGet, "/metrics", "").Body.String(), "rerank_requests_total")
}

func TestHTTP_ReadinessFailure(t *testing.T) {
	srv, err := NewHTTPServer(HTTPServerConfig{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Service: &stubService{},
		ReadinessChecks: map[string]ReadinessCheck{
			"postgres": func(context.Context) error { return fmt.Errorf("connection refused") },
		},
	})
	require.NoError(t, err)

	rec := do(t, srv.Handler(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	// no admin middleware configured, so the admin routes are not mounted
	assert.Equal(t, http.StatusNotFound, do(t, srv.Handler(), http.MethodGet, "/admin/retrievers", "").Code)
}

func TestHTTP_Admin(t *testing.T) {
	svc := &stubService{warm: []service.WarmResult{{Backend: "local"}, {Backend: "accelerated", Error: "export failed"}}}
	h := newTestServer(t, svc)
	key := []string{auth.APIKeyHeader, "secret-key"}

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/admin/retrievers", "").Code)

	rec := do(t, h, http.MethodGet, "/admin/retrievers", "", key...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"doc-1"`)

	rec = do(t, h, http.MethodPost, "/admin/retrievers/evict", "", key...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{time.Hour, 10}, svc.evictArgs)
	assert.Contains(t, rec.Body.String(), `"evicted":2`)

	rec = do(t, h, http.MethodPost, "/admin/retrievers/evict", `{"max_age":"-1s","max_entries":0}`, key...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{-time.Second, 0}, svc.evictArgs)

	rec = do(t, h, http.MethodPost, "/admin/retrievers/evict", `{"max_age":"soon"}`, key...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/admin/retrievers", "", key...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"evicted":3}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/admin/models/warm", "", key...)
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Body.String(), "export failed")

	rec = do(t, h, http.MethodGet, "/admin/models", "", key...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"ready"`)
}
