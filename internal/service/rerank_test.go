package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/rerank/internal/reranker"
	"github.com/knoguchi/rerank/internal/retriever"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// keywordBackend scores a text by how often it mentions keyword.
type keywordBackend struct {
	name    string
	keyword string
	err     error
	calls   atomic.Int32
}

func (b *keywordBackend) Name() string { return b.name }

func (b *keywordBackend) Score(_ context.Context, _ string, texts []string, _ int) ([]float32, error) {
	b.calls.Add(1)
	if b.err != nil {
		return nil, reranker.Fail(b.name, reranker.KindUnavailable, b.err)
	}
	scores := make([]float32, len(texts))
	for i, text := range texts {
		scores[i] = float32(strings.Count(strings.ToLower(text), b.keyword))
	}
	return scores, nil
}

type staticRetriever struct {
	results []retriever.Result
}

func (r *staticRetriever) Search(_ context.Context, _ string, topK int) ([]retriever.Result, error) {
	if topK < len(r.results) {
		return r.results[:topK], nil
	}
	return r.results, nil
}

func (r *staticRetriever) Close() error { return nil }

type openerFunc func(ctx context.Context, loc retriever.Locator) (retriever.Retriever, error)

func (f openerFunc) Open(ctx context.Context, loc retriever.Locator) (retriever.Retriever, error) {
	return f(ctx, loc)
}

func newTestCache(t *testing.T, docs map[string][]retriever.Result) *retriever.Cache {
	t.Helper()
	resolver := retriever.ResolverFunc(func(_ context.Context, id string) (retriever.Locator, error) {
		if _, ok := docs[id]; !ok {
			return retriever.Locator{}, fmt.Errorf("%w: %s", retriever.ErrNotFound, id)
		}
		return retriever.Locator{DocumentID: id, Kind: retriever.KindSQLite}, nil
	})
	opener := openerFunc(func(_ context.Context, loc retriever.Locator) (retriever.Retriever, error) {
		return &staticRetriever{results: docs[loc.DocumentID]}, nil
	})
	cache, err := retriever.NewCache(resolver, opener, retriever.WithLogger(discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func newTestService(t *testing.T, backends []reranker.Backend, docs map[string][]retriever.Result, opts ...RerankServiceOption) *RerankService {
	t.Helper()
	chain := reranker.NewChain(backends, reranker.WithChainLogger(discard))
	pipeline := reranker.NewPipeline(chain, reranker.WithLogger(discard))
	opts = append([]RerankServiceOption{WithLogger(discard)}, opts...)
	return NewRerankService(pipeline, newTestCache(t, docs), opts...)
}

func hit(id, text string) retriever.Result {
	return retriever.Result{ChunkID: id, Text: text, Metadata: map[string]string{}}
}

func TestRerankService_SearchDocument(t *testing.T) {
	docs := map[string][]retriever.Result{
		"doc-1": {
			hit("c1", "shipping takes five business days"),
			hit("c2", "the warranty covers parts and labour, warranty claims go online"),
			hit("c3", "shipping takes five business days"), // duplicate of c1
			hit("c4", "returns are accepted within thirty days"),
			hit("c5", "extended warranty plans are sold separately"),
		},
	}
	local := &keywordBackend{name: "local", keyword: "warranty"}
	svc := newTestService(t, []reranker.Backend{local}, docs)

	res, err := svc.SearchDocument(context.Background(), "doc-1", SearchRequest{Query: "warranty", TopK: 2})
	require.NoError(t, err)

	assert.Equal(t, "doc-1", res.DocumentID)
	assert.Equal(t, 4, res.Candidates)
	assert.Equal(t, reranker.OutcomeScored, res.Outcome)
	assert.Equal(t, "local", res.Backend)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "c2", res.Chunks[0].ID)
	assert.Equal(t, "c5", res.Chunks[1].ID)
}

func TestRerankService_SearchDocument_Unknown(t *testing.T) {
	local := &keywordBackend{name: "local", keyword: "x"}
	svc := newTestService(t, []reranker.Backend{local}, map[string][]retriever.Result{})

	res, err := svc.SearchDocument(context.Background(), "doc-missing", SearchRequest{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, res.Chunks)
	assert.Equal(t, reranker.OutcomeEmpty, res.Outcome)
	assert.Zero(t, local.calls.Load())
}

func TestRerankService_SearchDocument_Invalid(t *testing.T) {
	svc := newTestService(t, []reranker.Backend{&keywordBackend{name: "local"}}, nil)

	_, err := svc.SearchDocument(context.Background(), "doc-1", SearchRequest{Query: "  "})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.SearchDocument(context.Background(), "doc-1", SearchRequest{Query: "q", TopK: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRerankService_Score(t *testing.T) {
	failing := &keywordBackend{name: "accelerated", err: errors.New("onnx runtime missing")}
	local := &keywordBackend{name: "local", keyword: "gpu"}
	svc := newTestService(t, []reranker.Backend{failing, local}, nil, WithMaxScoreBatch(3))

	scores, backend, err := svc.Score(context.Background(), "gpu", []string{"gpu gpu", "cpu", "gpu"})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 0, 1}, scores)
	assert.Equal(t, "local", backend)
}

func TestRerankService_Score_EmptyTouchesNoBackend(t *testing.T) {
	local := &keywordBackend{name: "local", keyword: "x"}
	svc := newTestService(t, []reranker.Backend{local}, nil)

	scores, _, err := svc.Score(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{}, scores)
	assert.Zero(t, local.calls.Load())
}

func TestRerankService_Score_Errors(t *testing.T) {
	down := &keywordBackend{name: "local", err: errors.New("down")}
	svc := newTestService(t, []reranker.Backend{down}, nil, WithMaxScoreBatch(2))

	_, _, err := svc.Score(context.Background(), "q", []string{"a", "b", "c"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, down.calls.Load())

	_, _, err = svc.Score(context.Background(), "q", []string{"a"})
	assert.ErrorIs(t, err, ErrScoringUnavailable)
	assert.ErrorIs(t, err, reranker.ErrAllBackendsExhausted)
}

func TestRerankService_ScoringChainOverride(t *testing.T) {
	remote := &keywordBackend{name: "remote", keyword: "a"}
	local := &keywordBackend{name: "local", keyword: "a"}
	inProcess := reranker.NewChain([]reranker.Backend{local}, reranker.WithChainLogger(discard))
	svc := newTestService(t, []reranker.Backend{remote, local}, nil, WithScoringChain(inProcess))

	_, backend, err := svc.Score(context.Background(), "q", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, "local", backend)
	assert.Zero(t, remote.calls.Load())
	assert.Equal(t, []string{"remote", "local"}, svc.Backends())
}

type fakeWarmer struct {
	name string
	err  error
}

func (w fakeWarmer) Name() string { return w.name }
func (w fakeWarmer) Warm(context.Context) error { return w.err }

func TestRerankService_Warm(t *testing.T) {
	svc := newTestService(t, []reranker.Backend{&keywordBackend{name: "local"}}, nil,
		WithWarmers(fakeWarmer{name: "local"}, fakeWarmer{name: "accelerated", err: errors.New("export failed")}))

	results := svc.Warm(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, "local", results[0].Backend)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, "accelerated", results[1].Backend)
	assert.Equal(t, "export failed", results[1].Error)
}

func TestRerankService_RetrieverAdmin(t *testing.T) {
	docs := map[string][]retriever.Result{"doc-1": {hit("c1", "a")}, "doc-2": {hit("c2", "b")}}
	svc := newTestService(t, []reranker.Backend{&keywordBackend{name: "local"}}, docs)

	for _, id := range []string{"doc-1", "doc-2"} {
		_, err := svc.SearchDocument(context.Background(), id, SearchRequest{Query: "q"})
		require.NoError(t, err)
	}
	assert.Len(t, svc.RetrieverStats().Entries, 2)

	assert.Equal(t, 1, svc.EvictRetrievers(-1, 1))
	assert.Equal(t, 1, svc.ClearRetrievers())
	assert.Empty(t, svc.RetrieverStats().Entries)
}

func TestDeduplicateResults(t *testing.T) {
	results := []retriever.Result{
		hit("a", "The quick brown fox jumps"),
		hit("b", "the quick brown fox jumps!"),
		hit("c", "completely different content here"),
	}

	got := deduplicateResults(results, DefaultDedupThreshold)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ChunkID)
	assert.Equal(t, "c", got[1].ChunkID)

	assert.Len(t, deduplicateResults(results, 1), 3)
}
