package reranker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultTopK is the number of chunks kept when a request does not set TopK.
	DefaultTopK = 10

	// DefaultBatchSize is the scoring batch size when a request does not set BatchSize.
	DefaultBatchSize = 32
)

// Outcome labels how a rerank request was answered.
type Outcome string

const (
	OutcomeEmpty        Outcome = "empty"
	OutcomeShortCircuit Outcome = "short_circuit"
	OutcomeScored       Outcome = "scored"
	OutcomeDegraded     Outcome = "degraded"
)

// Result is the answer to a rerank request.
type Result struct {
	// Chunks holds at most TopK chunks, best first.
	Chunks []ScoredChunk `json:"chunks"`

	// Scores holds the score of every input chunk in input order, including the
	// ones that were not selected. Nil unless Outcome is OutcomeScored.
	Scores []float32 `json:"scores,omitempty"`

	Backend string  `json:"backend,omitempty"`
	Outcome Outcome `json:"outcome"`
}

// Recorder receives one event per request. internal/metrics implements it.
type Recorder interface {
	ObserveRerank(outcome string, candidates int, elapsed time.Duration)
}

// Pipeline runs rerank requests against a Chain.
type Pipeline struct {
	chain            *Chain
	defaultTopK      int
	defaultBatchSize int
	logger           *slog.Logger
	recorder         Recorder
}

// PipelineOption is a functional option for configuring Pipeline.
type PipelineOption func(*Pipeline)

// WithDefaultTopK sets the TopK used when a request leaves it zero.
func WithDefaultTopK(topK int) PipelineOption {
	return func(p *Pipeline) {
		if topK > 0 {
			p.defaultTopK = topK
		}
	}
}

// WithDefaultBatchSize sets the BatchSize used when a request leaves it zero.
func WithDefaultBatchSize(size int) PipelineOption {
	return func(p *Pipeline) {
		if size > 0 {
			p.defaultBatchSize = size
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithRecorder sets the request recorder.
func WithRecorder(r Recorder) PipelineOption {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

// NewPipeline creates a rerank pipeline.
func NewPipeline(chain *Chain, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		chain:            chain,
		defaultTopK:      DefaultTopK,
		defaultBatchSize: DefaultBatchSize,
		logger:           slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Rerank orders req.Chunks by relevance to req.Query and keeps the best TopK.
//
// Requests with no more chunks than TopK are returned unchanged and unscored.
// When every backend fails the first TopK chunks are returned in input order,
// unscored; only malformed requests produce an error.
func (p *Pipeline) Rerank(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	topK, batchSize, err := p.normalize(req)
	if err != nil {
		return nil, err
	}

	if len(req.Chunks) == 0 {
		p.record(OutcomeEmpty, 0, start)
		return &Result{Chunks: []ScoredChunk{}, Outcome: OutcomeEmpty}, nil
	}

	if len(req.Chunks) <= topK {
		p.logger.Debug("rerank skipped, nothing to filter",
			"candidates", len(req.Chunks),
			"top_k", topK,
		)
		p.record(OutcomeShortCircuit, len(req.Chunks), start)
		return &Result{Chunks: passThrough(req.Chunks, len(req.Chunks)), Outcome: OutcomeShortCircuit}, nil
	}

	texts := make([]string, len(req.Chunks))
	for i, chunk := range req.Chunks {
		if strings.TrimSpace(chunk.Text) == "" {
			return nil, fmt.Errorf("%w: chunk %d has empty text", ErrInvalidRequest, i)
		}
		texts[i] = chunk.Text
	}

	scores, backend, err := p.chain.Score(ctx, req.Query, texts, batchSize)
	if err != nil {
		if !errors.Is(err, ErrAllBackendsExhausted) {
			return nil, err
		}
		p.logger.Warn("rerank degraded to unscored pass-through",
			"candidates", len(req.Chunks),
			"top_k", topK,
			"error", err,
		)
		p.record(OutcomeDegraded, len(req.Chunks), start)
		return &Result{Chunks: passThrough(req.Chunks, topK), Outcome: OutcomeDegraded}, nil
	}

	ranked := rank(req.Chunks, scores)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	p.logger.Info("rerank completed",
		"backend", backend,
		"candidates", len(req.Chunks),
		"top_k", topK,
		"best", *ranked[0].RerankScore,
		"cutoff", *ranked[len(ranked)-1].RerankScore,
		"elapsed", time.Since(start),
	)
	p.record(OutcomeScored, len(req.Chunks), start)

	return &Result{
		Chunks:  ranked,
		Scores:  scores,
		Backend: backend,
		Outcome: OutcomeScored,
	}, nil
}

// Chain returns the underlying backend chain.
func (p *Pipeline) Chain() *Chain {
	return p.chain
}

func (p *Pipeline) normalize(req Request) (topK, batchSize int, err error) {
	if strings.TrimSpace(req.Query) == "" {
		return 0, 0, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if req.TopK < 0 {
		return 0, 0, fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidRequest, req.TopK)
	}
	if req.BatchSize < 0 {
		return 0, 0, fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalidRequest, req.BatchSize)
	}

	topK = req.TopK
	if topK == 0 {
		topK = p.defaultTopK
	}
	batchSize = req.BatchSize
	if batchSize == 0 {
		batchSize = p.defaultBatchSize
	}
	return topK, batchSize, nil
}

func (p *Pipeline) record(outcome Outcome, candidates int, start time.Time) {
	if p.recorder != nil {
		p.recorder.ObserveRerank(string(outcome), candidates, time.Since(start))
	}
}

// rank pairs chunks with scores and sorts by score descending. Equal scores keep
// their input order.
func rank(chunks []Chunk, scores []float32) []ScoredChunk {
	ranked := make([]ScoredChunk, len(chunks))
	for i, chunk := range chunks {
		score := scores[i]
		ranked[i] = ScoredChunk{Chunk: chunk, RerankScore: &score}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return *ranked[i].RerankScore > *ranked[j].RerankScore
	})

	return ranked
}

// passThrough returns the first n chunks, unscored, in input order.
func passThrough(chunks []Chunk, n int) []ScoredChunk {
	n = min(n, len(chunks))
	out := make([]ScoredChunk, n)
	for i := range out {
		out[i] = ScoredChunk{Chunk: chunks[i]}
	}
	return out
}
