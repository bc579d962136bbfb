// Package reranker re-scores first-stage retrieval candidates against a query and
// keeps the most relevant subset for the downstream language model.
//
// Scoring is delegated to a Chain of Backends ordered by preference. A request that
// no backend can score is not an error: the pipeline degrades to the first topK
// candidates in their original order.
//
// # Trade-offs
//
//   - Latency: in-process tiers block the calling goroutine for the whole inference.
//   - Quality: cross-encoder style scoring beats vector similarity when the
//     candidate scores are close together.
//   - Cost: the remote tier is pay-per-call, so it is normally ordered last.
package reranker

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned for requests the pipeline cannot process.
	ErrInvalidRequest = errors.New("invalid rerank request")

	// ErrAllBackendsExhausted is returned by Chain.Score when every tier failed.
	ErrAllBackendsExhausted = errors.New("all rerank backends exhausted")
)

// Chunk is a unit of retrievable text produced by the first-stage search.
type Chunk struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ScoredChunk is a Chunk with the relevance score assigned by a backend.
// RerankScore is nil when the chunk was passed through without scoring.
type ScoredChunk struct {
	Chunk
	RerankScore *float32 `json:"rerank_score,omitempty"`
}

// Score returns the rerank score and whether one was assigned.
func (c ScoredChunk) Score() (float32, bool) {
	if c.RerankScore == nil {
		return 0, false
	}
	return *c.RerankScore, true
}

// Request is a single rerank call. TopK and BatchSize are tuning knobs; zero
// selects the pipeline default.
type Request struct {
	Query     string  `json:"query"`
	Chunks    []Chunk `json:"chunks"`
	TopK      int     `json:"top_k,omitempty"`
	BatchSize int     `json:"batch_size,omitempty"`
}

// Backend produces one relevance score per text, in input order.
//
// Implementations split texts into batches of batchSize and must return either a
// score for every text or an error; partial results are never returned. An empty
// texts slice yields an empty result and no error. Failures are reported as
// *BackendError so the chain can decide how to proceed.
type Backend interface {
	Name() string
	Score(ctx context.Context, query string, texts []string, batchSize int) ([]float32, error)
}

// FailureKind classifies a backend failure.
type FailureKind int

const (
	// KindUnavailable covers load failures and inference errors.
	KindUnavailable FailureKind = iota
	// KindArtifactBuild means the model artifact could not be built or loaded.
	KindArtifactBuild
	// KindTimeout means the backend did not answer within its deadline.
	KindTimeout
	// KindMalformed means the backend answered with unusable scores.
	KindMalformed
	// KindBatchLimit means the batch exceeds the backend's documented maximum.
	KindBatchLimit
	// KindCanceled means the caller's context ended.
	KindCanceled
)

func (k FailureKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindArtifactBuild:
		return "artifact_build"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	case KindBatchLimit:
		return "batch_limit"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// BackendError is the failure result of a Backend.
type BackendError struct {
	Backend string
	Kind    FailureKind
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Fail builds a *BackendError.
func Fail(backend string, kind FailureKind, err error) *BackendError {
	return &BackendError{Backend: backend, Kind: kind, Err: err}
}

// ContextFailure maps a context error to the matching failure kind.
// It returns nil when ctx is still live.
func ContextFailure(ctx context.Context, backend string) *BackendError {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return Fail(backend, KindTimeout, err)
	default:
		return Fail(backend, KindCanceled, err)
	}
}
