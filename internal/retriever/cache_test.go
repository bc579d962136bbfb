package retriever

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetriever struct {
	documentID string
	closed     atomic.Bool
}

func (f *fakeRetriever) Search(_ context.Context, query string, topK int) ([]Result, error) {
	if f.closed.Load() {
		return nil, errClosed
	}
	out := make([]Result, 0, topK)
	for i := range topK {
		out = append(out, Result{
			ChunkID:  fmt.Sprintf("%s-%d", f.documentID, i),
			Text:     query,
			Metadata: map[string]string{},
		})
	}
	return out, nil
}

func (f *fakeRetriever) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeOpener struct {
	mu     sync.Mutex
	opened map[string][]*fakeRetriever
	opens  atomic.Int32
	delay  time.Duration
	err    error
}

func (o *fakeOpener) Open(_ context.Context, loc Locator) (Retriever, error) {
	o.opens.Add(1)
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	if o.err != nil {
		return nil, o.err
	}
	r := &fakeRetriever{documentID: loc.DocumentID}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.opened == nil {
		o.opened = make(map[string][]*fakeRetriever)
	}
	o.opened[loc.DocumentID] = append(o.opened[loc.DocumentID], r)
	return r, nil
}

func (o *fakeOpener) all() []*fakeRetriever {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*fakeRetriever
	for _, rs := range o.opened {
		out = append(out, rs...)
	}
	return out
}

// knownDocs resolves doc-* ids and reports everything else as missing.
var knownDocs = ResolverFunc(func(_ context.Context, id string) (Locator, error) {
	if len(id) < 4 || id[:4] != "doc-" {
		return Locator{}, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return Locator{DocumentID: id, Kind: KindSQLite, IndexPath: "/idx/" + id}, nil
})

func newTestCache(t *testing.T, opener Opener, opts ...CacheOption) *Cache {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewCache(knownDocs, opener, append([]CacheOption{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestCache_RepeatedGetReturnsSameHandle(t *testing.T) {
	opener := &fakeOpener{}
	c := newTestCache(t, opener)
	ctx := context.Background()

	var first Retriever
	for i := 1; i <= 5; i++ {
		lease, err := c.Get(ctx, "doc-1")
		require.NoError(t, err)
		if first == nil {
			first = lease.Retriever()
		}
		assert.Same(t, first, lease.Retriever())
		lease.Release()

		stats := c.Stats()
		require.Len(t, stats.Entries, 1)
		assert.Equal(t, int64(i), stats.Entries[0].UseCount)
	}
	assert.Equal(t, int32(1), opener.opens.Load())
	assert.Equal(t, uint64(1), c.Stats().Misses)
	assert.Equal(t, uint64(4), c.Stats().Hits)
}

func TestCache_EvictEverythingReleasesHandles(t *testing.T) {
	opener := &fakeOpener{}
	c := newTestCache(t, opener)
	ctx := context.Background()

	for _, id := range []string{"doc-1", "doc-2", "doc-3"} {
		lease, err := c.Get(ctx, id)
		require.NoError(t, err)
		lease.Release()
	}
	require.Equal(t, 3, c.Len())

	removed := c.Evict(0, 0)
	assert.Equal(t, 3, removed)
	assert.Zero(t, c.Len())
	for _, r := range opener.all() {
		assert.True(t, r.closed.Load(), r.documentID)
	}
}

func TestCache_EvictByAge(t *testing.T) {
	c := newTestCache(t, &fakeOpener{})
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for _, id := range []string{"doc-old", "doc-new"} {
		lease, err := c.Get(ctx, id)
		require.NoError(t, err)
		lease.Release()
		now = now.Add(30 * time.Minute)
	}

	// doc-old was last used 60m ago, doc-new 30m ago
	removed := c.Evict(45*time.Minute, 10)
	assert.Equal(t, 1, removed)
	stats := c.Stats()
	require.Len(t, stats.Entries, 1)
	assert.Equal(t, "doc-new", stats.Entries[0].DocumentID)
}

func TestCache_EvictByCountRemovesLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, &fakeOpener{})
	ctx := context.Background()

	for _, id := range []string{"doc-a", "doc-b", "doc-c"} {
		lease, err := c.Get(ctx, id)
		require.NoError(t, err)
		lease.Release()
	}
	// touch doc-a so doc-b becomes the oldest
	lease, err := c.Get(ctx, "doc-a")
	require.NoError(t, err)
	lease.Release()

	removed := c.Evict(time.Hour, 2)
	assert.Equal(t, 1, removed)

	var ids []string
	for _, e := range c.Stats().Entries {
		ids = append(ids, e.DocumentID)
	}
	assert.Equal(t, []string{"doc-c", "doc-a"}, ids)
}

func TestCache_CapacityEvictsOnInsert(t *testing.T) {
	opener := &fakeOpener{}
	c := newTestCache(t, opener, WithMaxEntries(2))
	ctx := context.Background()

	for _, id := range []string{"doc-a", "doc-b", "doc-c"} {
		lease, err := c.Get(ctx, id)
		require.NoError(t, err)
		lease.Release()
	}

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assert.True(t, opener.opened["doc-a"][0].closed.Load())
}

func TestCache_LeasedHandleOutlivesEviction(t *testing.T) {
	opener := &fakeOpener{}
	c := newTestCache(t, opener)
	ctx := context.Background()

	lease, err := c.Get(ctx, "doc-1")
	require.NoError(t, err)

	c.Clear()
	assert.Zero(t, c.Len())

	// the caller's search still works
	r := lease.Retriever().(*fakeRetriever)
	assert.False(t, r.closed.Load())
	results, err := lease.Retriever().Search(ctx, "q", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	lease.Release()
	assert.True(t, r.closed.Load())

	// releasing twice is harmless
	lease.Release()
}

func TestCache_ConcurrentMissesOpenOnce(t *testing.T) {
	opener := &fakeOpener{delay: 20 * time.Millisecond}
	c := newTestCache(t, opener)

	var wg sync.WaitGroup
	handles := make([]Retriever, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := c.Get(context.Background(), "doc-1")
			if !assert.NoError(t, err) {
				return
			}
			handles[i] = lease.Retriever()
			lease.Release()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), opener.opens.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, int64(8), c.Stats().Entries[0].UseCount)
}

func TestCache_NotFound(t *testing.T) {
	opener := &fakeOpener{}
	c := newTestCache(t, opener)

	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, opener.opens.Load())
	assert.Zero(t, c.Len())

	results, err := c.Search(context.Background(), "missing", "q", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCache_OpenFailureIsNotFound(t *testing.T) {
	c := newTestCache(t, &fakeOpener{err: errors.New("permission denied")})

	_, err := c.Get(context.Background(), "doc-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, c.Len())
}

func TestCache_Search(t *testing.T) {
	c := newTestCache(t, &fakeOpener{})

	results, err := c.Search(context.Background(), "doc-1", "hello", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, "doc-1-0", results[0].ChunkID)
	assert.Zero(t, c.Stats().Entries[0].Leases)
}

func TestCache_RunSweepsUntilCanceled(t *testing.T) {
	c := newTestCache(t, &fakeOpener{}, WithMaxAge(time.Millisecond))

	lease, err := c.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

type countingObserver struct {
	mu        sync.Mutex
	lookups   map[string]int
	evictions int
	entries   int
}

func (o *countingObserver) ObserveRetrieverLookup(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lookups == nil {
		o.lookups = make(map[string]int)
	}
	o.lookups[outcome]++
}

func (o *countingObserver) ObserveRetrieverEvictions(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evictions += n
}

func (o *countingObserver) SetRetrieverEntries(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = n
}

func TestCache_Observer(t *testing.T) {
	obs := &countingObserver{}
	c := newTestCache(t, &fakeOpener{}, WithMaxEntries(1), WithObserver(obs))
	ctx := context.Background()

	for _, id := range []string{"doc-a", "doc-a", "doc-b", "missing"} {
		lease, err := c.Get(ctx, id)
		if err == nil {
			lease.Release()
		}
	}
	assert.Equal(t, map[string]int{"hit": 1, "miss": 2, "not_found": 1}, obs.lookups)
	assert.Equal(t, 1, obs.evictions, "capacity eviction on insert")
	assert.Equal(t, 1, obs.entries)

	assert.Equal(t, 1, c.Clear())
	assert.Equal(t, 2, obs.evictions)
	assert.Equal(t, 0, obs.entries)
}
