// Package service implements the rerank use cases on top of the reranker,
// retriever and artifact packages. Transports call into RerankService.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/rerank/internal/artifact"
	"github.com/knoguchi/rerank/internal/reranker"
	"github.com/knoguchi/rerank/internal/retriever"
)

const (
	// DefaultCandidates is how many first-stage hits a document search reranks.
	DefaultCandidates = 50

	// DefaultMaxScoreBatch caps the number of chunks in one score call.
	DefaultMaxScoreBatch = 100

	// DefaultDedupThreshold is the Jaccard similarity above which two
	// candidates count as duplicates.
	DefaultDedupThreshold = 0.7
)

var (
	// ErrInvalidArgument is returned for requests the service refuses to run.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrScoringUnavailable is returned by Score when no in-process tier could
	// score the request.
	ErrScoringUnavailable = errors.New("scoring unavailable")
)

// Warmer prepares a scoring tier ahead of the first request.
type Warmer interface {
	Name() string
	Warm(ctx context.Context) error
}

// RerankService answers rerank, document search and score requests.
type RerankService struct {
	pipeline       *reranker.Pipeline
	scoring        *reranker.Chain
	retrievers     *retriever.Cache
	warmers        []Warmer
	registries     []*artifact.Registry
	candidates     int
	maxScoreBatch  int
	batchSize      int
	dedupThreshold float64
	modelName      string
	logger         *slog.Logger
}

// RerankServiceOption is a functional option for configuring RerankService.
type RerankServiceOption func(*RerankService)

// WithScoringChain sets the chain used by Score. It should hold in-process
// tiers only so a remote scoring client never calls back into itself.
func WithScoringChain(chain *reranker.Chain) RerankServiceOption {
	return func(s *RerankService) {
		s.scoring = chain
	}
}

// WithWarmers sets the tiers warmed by Warm.
func WithWarmers(warmers ...Warmer) RerankServiceOption {
	return func(s *RerankService) {
		s.warmers = append(s.warmers, warmers...)
	}
}

// WithRegistries sets the artifact registries reported by ModelStatus.
func WithRegistries(registries ...*artifact.Registry) RerankServiceOption {
	return func(s *RerankService) {
		s.registries = append(s.registries, registries...)
	}
}

// WithCandidates sets how many first-stage hits a document search fetches.
func WithCandidates(n int) RerankServiceOption {
	return func(s *RerankService) {
		if n > 0 {
			s.candidates = n
		}
	}
}

// WithMaxScoreBatch caps the number of chunks accepted by Score.
func WithMaxScoreBatch(n int) RerankServiceOption {
	return func(s *RerankService) {
		if n > 0 {
			s.maxScoreBatch = n
		}
	}
}

// WithBatchSize sets the batch size used by Score.
func WithBatchSize(n int) RerankServiceOption {
	return func(s *RerankService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithDedupThreshold sets the candidate deduplication threshold. A value of 1
// or more disables deduplication.
func WithDedupThreshold(t float64) RerankServiceOption {
	return func(s *RerankService) {
		s.dedupThreshold = t
	}
}

// WithModelName sets the model name reported by the health endpoint.
func WithModelName(name string) RerankServiceOption {
	return func(s *RerankService) {
		s.modelName = name
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) RerankServiceOption {
	return func(s *RerankService) {
		s.logger = logger
	}
}

// NewRerankService creates a new RerankService
func NewRerankService(pipeline *reranker.Pipeline, retrievers *retriever.Cache, opts ...RerankServiceOption) *RerankService {
	s := &RerankService{
		pipeline:       pipeline,
		scoring:        pipeline.Chain(),
		retrievers:     retrievers,
		candidates:     DefaultCandidates,
		maxScoreBatch:  DefaultMaxScoreBatch,
		batchSize:      reranker.DefaultBatchSize,
		dedupThreshold: DefaultDedupThreshold,
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Rerank orders caller-supplied chunks.
func (s *RerankService) Rerank(ctx context.Context, req reranker.Request) (*reranker.Result, error) {
	return s.pipeline.Rerank(ctx, req)
}

// SearchRequest is a document search.
type SearchRequest struct {
	Query      string `json:"query"`
	TopK       int    `json:"top_k,omitempty"`
	Candidates int    `json:"candidates,omitempty"`
}

// SearchResult is the reranked answer to a document search.
type SearchResult struct {
	DocumentID string                 `json:"document_id"`
	Chunks     []reranker.ScoredChunk `json:"chunks"`
	Candidates int                    `json:"candidates"`
	Backend    string                 `json:"backend,omitempty"`
	Outcome    reranker.Outcome       `json:"outcome"`
}

// SearchDocument retrieves candidates from documentID's index and reranks
// them. An unknown document yields an empty result.
func (s *RerankService) SearchDocument(ctx context.Context, documentID string, req SearchRequest) (*SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}
	if req.TopK < 0 || req.Candidates < 0 {
		return nil, fmt.Errorf("%w: top_k and candidates must not be negative", ErrInvalidArgument)
	}

	candidates := req.Candidates
	if candidates == 0 {
		candidates = s.candidates
	}
	if candidates < req.TopK {
		candidates = req.TopK
	}

	hits, err := s.retrievers.Search(ctx, documentID, req.Query, candidates)
	if err != nil {
		return nil, fmt.Errorf("first-stage search: %w", err)
	}
	hits = deduplicateResults(hits, s.dedupThreshold)

	chunks := make([]reranker.Chunk, len(hits))
	for i, hit := range hits {
		chunks[i] = hit.Chunk()
	}

	res, err := s.pipeline.Rerank(ctx, reranker.Request{
		Query:  req.Query,
		Chunks: chunks,
		TopK:   req.TopK,
	})
	if err != nil {
		return nil, err
	}

	return &SearchResult{
		DocumentID: documentID,
		Chunks:     res.Chunks,
		Candidates: len(chunks),
		Backend:    res.Backend,
		Outcome:    res.Outcome,
	}, nil
}

// Score returns one score per chunk in input order using the in-process
// tiers. It serves remote clients, so it never degrades to unscored output.
func (s *RerankService) Score(ctx context.Context, query string, chunks []string) ([]float32, string, error) {
	if len(chunks) == 0 {
		return []float32{}, "", nil
	}
	if len(chunks) > s.maxScoreBatch {
		return nil, "", fmt.Errorf("%w: batch of %d chunks exceeds limit %d", ErrInvalidArgument, len(chunks), s.maxScoreBatch)
	}
	if strings.TrimSpace(query) == "" {
		return nil, "", fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}

	scores, backend, err := s.scoring.Score(ctx, query, chunks, s.batchSize)
	if err != nil {
		if errors.Is(err, reranker.ErrAllBackendsExhausted) && ctx.Err() == nil {
			return nil, "", fmt.Errorf("%w: %w", ErrScoringUnavailable, err)
		}
		return nil, "", err
	}
	return scores, backend, nil
}

// WarmResult reports the outcome of warming one tier.
type WarmResult struct {
	Backend string        `json:"backend"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// Warm prepares every configured tier concurrently. A tier that fails to warm
// is reported, not returned as an error; requests will fall through it.
func (s *RerankService) Warm(ctx context.Context) []WarmResult {
	results := make([]WarmResult, len(s.warmers))

	g, ctx := errgroup.WithContext(ctx)
	for i, w := range s.warmers {
		g.Go(func() error {
			start := time.Now()
			err := w.Warm(ctx)
			results[i] = WarmResult{Backend: w.Name(), Elapsed: time.Since(start)}
			if err != nil {
				results[i].Error = err.Error()
				s.logger.Warn("model warmup failed", "backend", w.Name(), "error", err)
				return nil
			}
			s.logger.Info("model warm", "backend", w.Name(), "elapsed", results[i].Elapsed)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ModelStatus lists the artifacts of every registry.
func (s *RerankService) ModelStatus() []artifact.Status {
	out := []artifact.Status{}
	for _, r := range s.registries {
		out = append(out, r.Status()...)
	}
	return out
}

// ModelName returns the model name reported by the health endpoint.
func (s *RerankService) ModelName() string {
	return s.modelName
}

// Backends lists the rerank tiers in fallback order.
func (s *RerankService) Backends() []string {
	return s.pipeline.Chain().Backends()
}

// RetrieverStats returns a snapshot of the retriever cache.
func (s *RerankService) RetrieverStats() retriever.Stats {
	return s.retrievers.Stats()
}

// EvictRetrievers evicts retrievers older than maxAge or beyond maxEntries.
// A negative bound is not applied.
func (s *RerankService) EvictRetrievers(maxAge time.Duration, maxEntries int) int {
	n := s.retrievers.Evict(maxAge, maxEntries)
	s.logger.Info("retrievers evicted", "count", n, "max_age", maxAge, "max_entries", maxEntries)
	return n
}

// ClearRetrievers evicts every cached retriever.
func (s *RerankService) ClearRetrievers() int {
	n := s.retrievers.Clear()
	s.logger.Info("retriever cache cleared", "count", n)
	return n
}
