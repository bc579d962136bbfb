package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/knoguchi/rerank/internal/reranker"
)

const (
	// DefaultRemoteTimeout bounds one remote scoring call.
	DefaultRemoteTimeout = 30 * time.Second

	// DefaultRemoteMaxBatch is the largest batch the scoring service accepts.
	DefaultRemoteMaxBatch = 100

	// DefaultRemoteConcurrency is the number of batches in flight per call.
	DefaultRemoteConcurrency = 4
)

// ScoreRequest is the body of a scoring service call.
type ScoreRequest struct {
	Query  string   `json:"query"`
	Chunks []string `json:"chunks"`
}

// ScoreResponse is the body of a successful scoring service answer.
type ScoreResponse struct {
	Scores    []float32 `json:"scores"`
	NumChunks int       `json:"num_chunks"`
	LatencyMS float64   `json:"latency_ms,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// RemoteConfig holds configuration for the remote scoring backend.
type RemoteConfig struct {
	// URL is the scoring endpoint.
	URL string

	// HealthURL defaults to /health on the scoring host.
	HealthURL string

	// Timeout bounds the whole call, all batches included (default: 30s).
	Timeout time.Duration

	// MaxBatch is the largest batch sent in one request (default: 100).
	MaxBatch int

	// Concurrency is the number of batches sent in parallel (default: 4).
	Concurrency int

	// RateLimit caps outgoing requests per second. Zero disables the limit.
	RateLimit float64

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// RemoteBackend scores with a cross-encoder hosted by the scoring service.
type RemoteBackend struct {
	url         string
	healthURL   string
	timeout     time.Duration
	maxBatch    int
	concurrency int
	limiter     *rate.Limiter
	client      *http.Client
	logger      *slog.Logger
}

var _ reranker.Backend = (*RemoteBackend)(nil)

// NewRemoteBackend creates a remote backend.
func NewRemoteBackend(cfg RemoteConfig) (*RemoteBackend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote scoring URL is required")
	}

	healthURL := cfg.HealthURL
	if healthURL == "" {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid remote scoring URL: %w", err)
		}
		u.Path = "/health"
		u.RawQuery = ""
		healthURL = u.String()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = DefaultRemoteMaxBatch
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultRemoteConcurrency
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RemoteBackend{
		url:         cfg.URL,
		healthURL:   healthURL,
		timeout:     timeout,
		maxBatch:    maxBatch,
		concurrency: concurrency,
		limiter:     limiter,
		client:      client,
		logger:      logger,
	}, nil
}

func (b *RemoteBackend) Name() string { return "remote" }

// MaxBatch returns the largest batch this backend sends.
func (b *RemoteBackend) MaxBatch() int { return b.maxBatch }

// Score sends texts in batches of batchSize. A batch larger than the service
// maximum is rejected before anything is sent.
func (b *RemoteBackend) Score(ctx context.Context, query string, texts []string, batchSize int) ([]float32, error) {
	if len(texts) == 0 {
		return []float32{}, nil
	}
	if batchSize <= 0 || batchSize > len(texts) {
		batchSize = len(texts)
	}
	if batchSize > b.maxBatch {
		return nil, reranker.Fail(b.Name(), reranker.KindBatchLimit,
			fmt.Errorf("batch of %d exceeds service maximum of %d", batchSize, b.maxBatch))
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	scores := make([]float32, len(texts))
	g, gctx := errgroup.WithContext(callCtx)
	g.SetLimit(b.concurrency)

	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		g.Go(func() error {
			batch, err := b.post(gctx, query, texts[start:end])
			if err != nil {
				return err
			}
			copy(scores[start:end], batch)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, b.classify(ctx, callCtx, err)
	}
	return scores, nil
}

// classify turns a batch error into a failure result. The caller's context
// takes precedence over the call timeout.
func (b *RemoteBackend) classify(ctx, callCtx context.Context, err error) error {
	if failure := reranker.ContextFailure(ctx, b.Name()); failure != nil {
		return failure
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return reranker.Fail(b.Name(), reranker.KindTimeout,
			fmt.Errorf("no answer within %s: %w", b.timeout, err))
	}
	var be *reranker.BackendError
	if errors.As(err, &be) {
		return be
	}
	return reranker.Fail(b.Name(), reranker.KindUnavailable, err)
}

func (b *RemoteBackend) post(ctx context.Context, query string, batch []string) ([]float32, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	jsonBody, err := json.Marshal(ScoreRequest{Query: query, Chunks: batch})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return nil, reranker.Fail(b.Name(), reranker.KindBatchLimit,
			fmt.Errorf("service rejected batch of %d: %s", len(batch), string(body)))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("scoring service returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed ScoreResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, reranker.Fail(b.Name(), reranker.KindMalformed, fmt.Errorf("failed to decode response: %w", err))
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("scoring service error: %s", parsed.Error)
	}
	if len(parsed.Scores) != len(batch) {
		return nil, reranker.Fail(b.Name(), reranker.KindMalformed,
			fmt.Errorf("got %d scores for %d chunks", len(parsed.Scores), len(batch)))
	}

	b.logger.Debug("remote batch scored",
		"chunks", len(batch),
		"round_trip", time.Since(start),
		"service_latency_ms", parsed.LatencyMS,
	)

	return parsed.Scores, nil
}

// Health checks that the scoring service is up.
func (b *RemoteBackend) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("scoring service unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scoring service health returned status %d", resp.StatusCode)
	}
	return nil
}
