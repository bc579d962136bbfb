// Package artifact manages scoring model artifacts: one on-disk export and one
// warm in-memory instance per model name for the life of the process.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
)

// ErrBuild is returned when a model artifact could not be exported or loaded.
var ErrBuild = errors.New("model artifact build failed")

// ErrClosed is returned by EnsureReady after Close.
var ErrClosed = errors.New("artifact registry closed")

// manifestFile marks a completed export. It is written last.
const manifestFile = "manifest.json"

// Model scores query/passage pairs in process.
type Model interface {
	// Predict returns one score per text, in input order. Once started it runs
	// to completion.
	Predict(ctx context.Context, query string, texts []string) ([]float32, error)

	// Close releases the resources held by the model.
	Close() error
}

// Builder exports and loads one family of models.
type Builder interface {
	// Format identifies the on-disk layout. A manifest with a different format
	// is treated as absent.
	Format() string

	// Export prepares the named model and writes it under dir. This is the slow
	// path and runs at most once per model per process unless it fails.
	Export(ctx context.Context, modelName, dir string) error

	// Load opens a model previously exported to dir.
	Load(ctx context.Context, modelName, dir string) (Model, error)
}

// BuildObserver receives build and load events. internal/metrics implements it.
type BuildObserver interface {
	ObserveBuild(model, outcome string, elapsed time.Duration)
}

// State is the lifecycle state of a model artifact.
type State int

const (
	StateAbsent State = iota
	StateBuilding
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status describes one artifact for health and admin endpoints.
type Status struct {
	Model   string    `json:"model"`
	Path    string    `json:"path"`
	State   string    `json:"state"`
	Exports int       `json:"exports"`
	Error   string    `json:"error,omitempty"`
	RetryAt time.Time `json:"retry_at,omitzero"`
}

type manifest struct {
	Model     string    `json:"model"`
	Format    string    `json:"format"`
	CreatedAt time.Time `json:"created_at"`
}

type entry struct {
	state   State
	model   Model
	err     error
	retryAt time.Time
	exports int
	backoff *backoff.ExponentialBackOff
}

// Registry owns the artifacts of one Builder under a cache root.
//
// EnsureReady is safe for concurrent use: concurrent first calls for the same
// model share a single build, and later calls reuse the warm instance.
type Registry struct {
	root         string
	builder      Builder
	logger       *slog.Logger
	observer     BuildObserver
	retryInitial time.Duration
	retryMax     time.Duration
	now          func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// Option is a functional option for configuring Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithObserver sets the build observer.
func WithObserver(o BuildObserver) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// WithRetryBackoff sets the cooldown after a failed build. The cooldown starts
// at initial and doubles up to limit. A zero initial retries on every call.
func WithRetryBackoff(initial, limit time.Duration) Option {
	return func(r *Registry) {
		r.retryInitial = initial
		r.retryMax = limit
	}
}

// NewRegistry creates a registry storing artifacts under root.
func NewRegistry(root string, builder Builder, opts ...Option) (*Registry, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact cache root is required")
	}
	if builder == nil {
		return nil, fmt.Errorf("artifact builder is required")
	}

	r := &Registry{
		root:         root,
		builder:      builder,
		logger:       slog.Default(),
		retryInitial: 30 * time.Second,
		retryMax:     10 * time.Minute,
		now:          time.Now,
		entries:      make(map[string]*entry),
	}

	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact cache root: %w", err)
	}

	return r, nil
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Path returns the deterministic directory of a model's artifact. It is always
// a direct child of the cache root. Names that had to be rewritten get a short
// hash suffix so that distinct names never share a directory.
func (r *Registry) Path(modelName string) string {
	name := unsafePathChars.ReplaceAllString(modelName, "_")
	if name != modelName || strings.Trim(name, ".") == "" {
		sum := sha256.Sum256([]byte(modelName))
		name += "-" + hex.EncodeToString(sum[:4])
	}
	return filepath.Join(r.root, name)
}

// EnsureReady returns the warm model for modelName, loading the persisted
// artifact or exporting it first when none exists.
//
// A caller whose context ends stops waiting but does not cancel a build other
// callers may be waiting on. After a failure the recorded error is returned
// until the retry cooldown has passed.
func (r *Registry) EnsureReady(ctx context.Context, modelName string) (Model, error) {
	if r.isClosed() {
		return nil, fmt.Errorf("%w: %s", ErrClosed, modelName)
	}
	if model, err, ok := r.cached(modelName); ok {
		return model, err
	}

	ch := r.group.DoChan(modelName, func() (any, error) {
		return r.build(context.WithoutCancel(ctx), modelName)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Model), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// cached reports the outcome of a previous build when it can be reused.
func (r *Registry) cached(modelName string) (Model, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[modelName]
	if !ok {
		return nil, nil, false
	}
	switch e.state {
	case StateReady:
		return e.model, nil, true
	case StateFailed:
		if r.now().Before(e.retryAt) {
			return nil, e.err, true
		}
	}
	return nil, nil, false
}

func (r *Registry) build(ctx context.Context, modelName string) (Model, error) {
	// A flight that finished just before this one started may already have
	// produced the model.
	if model, err, ok := r.cached(modelName); ok {
		return model, err
	}

	if !r.startBuild(modelName) {
		return nil, fmt.Errorf("%w: %s", ErrClosed, modelName)
	}

	start := time.Now()
	model, exported, err := r.loadOrExport(ctx, modelName)
	elapsed := time.Since(start)

	r.mu.Lock()
	e, ok := r.entries[modelName]
	if r.closed || !ok {
		r.mu.Unlock()
		if model != nil {
			_ = model.Close()
		}
		r.logger.Warn("model artifact finished after registry closed", "model", modelName)
		return nil, fmt.Errorf("%w: %s", ErrClosed, modelName)
	}
	if exported {
		e.exports++
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrBuild, modelName, err)
		e.state = StateFailed
		e.err = err
		e.retryAt = r.now().Add(r.nextBackoff(e))
		retryAt := e.retryAt
		r.mu.Unlock()

		r.observe(modelName, "failed", elapsed)
		r.logger.Error("model artifact unavailable",
			"model", modelName,
			"error", err,
			"retry_at", retryAt,
		)
		return nil, err
	}
	e.state = StateReady
	e.model = model
	e.err = nil
	e.retryAt = time.Time{}
	if e.backoff != nil {
		e.backoff.Reset()
	}
	r.mu.Unlock()

	outcome := "loaded"
	if exported {
		outcome = "exported"
	}
	r.observe(modelName, outcome, elapsed)
	r.logger.Info("model artifact ready",
		"model", modelName,
		"path", r.Path(modelName),
		"outcome", outcome,
		"elapsed", elapsed,
	)
	return model, nil
}

// loadOrExport takes the fast path when a complete artifact is on disk and
// falls back to a fresh export when there is none or it cannot be loaded.
func (r *Registry) loadOrExport(ctx context.Context, modelName string) (Model, bool, error) {
	dir := r.Path(modelName)

	if r.hasManifest(modelName, dir) {
		model, err := r.builder.Load(ctx, modelName, dir)
		if err == nil {
			return model, false, nil
		}
		r.logger.Warn("cached model artifact unusable, exporting again",
			"model", modelName,
			"path", dir,
			"error", err,
		)
	}

	r.logger.Info("exporting model artifact", "model", modelName, "path", dir)

	if err := os.RemoveAll(dir); err != nil {
		return nil, false, fmt.Errorf("failed to clear artifact dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := r.builder.Export(ctx, modelName, dir); err != nil {
		return nil, true, fmt.Errorf("export: %w", err)
	}
	if err := r.writeManifest(modelName, dir); err != nil {
		return nil, true, err
	}

	model, err := r.builder.Load(ctx, modelName, dir)
	if err != nil {
		return nil, true, fmt.Errorf("load after export: %w", err)
	}
	return model, true, nil
}

func (r *Registry) hasManifest(modelName, dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return false
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	return m.Model == modelName && m.Format == r.builder.Format()
}

func (r *Registry) writeManifest(modelName, dir string) error {
	data, err := json.MarshalIndent(manifest{
		Model:     modelName,
		Format:    r.builder.Format(),
		CreatedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := filepath.Join(dir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestFile)); err != nil {
		return fmt.Errorf("failed to persist manifest: %w", err)
	}
	return nil
}

// startBuild marks modelName as building. It reports false once the registry
// is closed.
func (r *Registry) startBuild(modelName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	e, ok := r.entries[modelName]
	if !ok {
		e = &entry{}
		r.entries[modelName] = e
	}
	e.state = StateBuilding
	return true
}

// nextBackoff must be called with r.mu held.
func (r *Registry) nextBackoff(e *entry) time.Duration {
	if r.retryInitial <= 0 {
		return 0
	}
	if e.backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.retryInitial
		b.MaxInterval = max(r.retryMax, r.retryInitial)
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.Reset()
		e.backoff = b
	}
	return e.backoff.NextBackOff()
}

func (r *Registry) observe(modelName, outcome string, elapsed time.Duration) {
	if r.observer != nil {
		r.observer.ObserveBuild(modelName, outcome, elapsed)
	}
}

// State returns the lifecycle state of modelName.
func (r *Registry) State(modelName string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[modelName]; ok {
		return e.state
	}
	return StateAbsent
}

// Exports returns how many exports of modelName this process has started.
func (r *Registry) Exports(modelName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[modelName]; ok {
		return e.exports
	}
	return 0
}

// Status lists every artifact this registry has seen.
func (r *Registry) Status() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.entries))
	for name, e := range r.entries {
		s := Status{
			Model:   name,
			Path:    r.Path(name),
			State:   e.state.String(),
			Exports: e.exports,
			RetryAt: e.retryAt,
		}
		if e.err != nil {
			s.Error = e.err.Error()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Close releases every loaded model. A build still running when Close is
// called releases its own model when it finishes.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	var errs []error
	for name, e := range r.entries {
		if e.model != nil {
			if err := e.model.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
		delete(r.entries, name)
	}
	return errors.Join(errs...)
}
