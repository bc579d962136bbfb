package reranker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Observer receives per-attempt outcomes. internal/metrics implements it.
type Observer interface {
	ObserveAttempt(backend, outcome string, elapsed time.Duration)
}

// Chain tries Backends in order and returns the first complete set of scores.
//
// Backend health is not remembered between calls: every request starts again at
// the first tier.
type Chain struct {
	backends []Backend
	logger   *slog.Logger
	observer Observer
}

// ChainOption is a functional option for configuring Chain.
type ChainOption func(*Chain)

// WithChainLogger sets the logger used for fallback events.
func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		c.logger = logger
	}
}

// WithObserver sets the attempt observer.
func WithObserver(o Observer) ChainOption {
	return func(c *Chain) {
		c.observer = o
	}
}

// NewChain creates a chain over backends, most preferred first.
func NewChain(backends []Backend, opts ...ChainOption) *Chain {
	c := &Chain{
		backends: backends,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Backends returns the tier names in preference order.
func (c *Chain) Backends() []string {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return names
}

// Score returns one score per text from the first backend that scores all of
// them, together with that backend's name. Each tier starts from the first
// batch, so scores in one result always come from a single backend. When every
// tier fails the error wraps ErrAllBackendsExhausted.
func (c *Chain) Score(ctx context.Context, query string, texts []string, batchSize int) ([]float32, string, error) {
	if len(texts) == 0 {
		return []float32{}, "", nil
	}

	var failures []error
	for _, backend := range c.backends {
		name := backend.Name()
		start := time.Now()

		scores, err := backend.Score(ctx, query, texts, batchSize)
		if err == nil {
			err = checkScores(name, scores, len(texts))
		}
		elapsed := time.Since(start)

		if err == nil {
			c.observe(name, "ok", elapsed)
			return scores, name, nil
		}

		failure := asBackendError(name, err)
		c.observe(name, failure.Kind.String(), elapsed)
		failures = append(failures, failure)

		switch failure.Kind {
		case KindCanceled:
			// No later tier can succeed once the caller has gone away.
			c.logger.Warn("rerank canceled",
				"backend", name,
				"error", failure.Err,
			)
			return nil, "", fmt.Errorf("%w: %w", ErrAllBackendsExhausted, errors.Join(failures...))
		case KindArtifactBuild, KindUnavailable, KindTimeout, KindMalformed, KindBatchLimit:
			c.logger.Warn("rerank backend failed, trying next tier",
				"backend", name,
				"kind", failure.Kind.String(),
				"elapsed", elapsed,
				"error", failure.Err,
			)
		}
	}

	return nil, "", fmt.Errorf("%w: %w", ErrAllBackendsExhausted, errors.Join(failures...))
}

func (c *Chain) observe(backend, outcome string, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ObserveAttempt(backend, outcome, elapsed)
	}
}

// asBackendError normalizes an error returned by a backend that did not use
// *BackendError.
func asBackendError(name string, err error) *BackendError {
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Fail(name, KindTimeout, err)
	case errors.Is(err, context.Canceled):
		return Fail(name, KindCanceled, err)
	default:
		return Fail(name, KindUnavailable, err)
	}
}

// checkScores rejects results that cannot be ordered or aligned with the input.
func checkScores(name string, scores []float32, want int) error {
	if len(scores) != want {
		return Fail(name, KindMalformed, fmt.Errorf("got %d scores for %d texts", len(scores), want))
	}
	for i, s := range scores {
		if math.IsNaN(float64(s)) {
			return Fail(name, KindMalformed, fmt.Errorf("score %d is NaN", i))
		}
	}
	return nil
}
