package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxAge is how long an unused retriever is kept.
	DefaultMaxAge = time.Hour

	// DefaultMaxEntries is the number of retrievers kept open.
	DefaultMaxEntries = 10

	// DefaultSweepInterval is how often Run evicts stale retrievers.
	DefaultSweepInterval = 5 * time.Minute
)

// CacheObserver receives cache events. internal/metrics implements it.
type CacheObserver interface {
	ObserveRetrieverLookup(outcome string)
	ObserveRetrieverEvictions(n int)
	SetRetrieverEntries(n int)
}

// EntryStats describes one cached retriever.
type EntryStats struct {
	DocumentID string    `json:"document_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UseCount   int64     `json:"use_count"`
	Leases     int       `json:"leases"`
}

// Stats is a snapshot of the cache.
type Stats struct {
	Entries    []EntryStats `json:"entries"`
	MaxEntries int          `json:"max_entries"`
	MaxAge     string       `json:"max_age"`
	Hits       uint64       `json:"hits"`
	Misses     uint64       `json:"misses"`
	Evictions  uint64       `json:"evictions"`
}

type entry struct {
	documentID string
	retriever  Retriever
	createdAt  time.Time
	lastUsed   time.Time
	useCount   int64
	leases     int
	evicted    bool
	closed     bool
}

// Cache keeps one open Retriever per document.
//
// Entries leave the cache by age, by capacity, or by Clear. A retriever is
// closed once it has left the cache and every Lease on it has been released,
// so a search in progress never loses its handle.
type Cache struct {
	resolver Resolver
	opener   Opener
	logger   *slog.Logger
	observer CacheObserver
	maxAge   time.Duration
	capacity int
	now      func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	lru     *simplelru.LRU[string, *entry]
	retired []*entry

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// CacheOption is a functional option for configuring Cache.
type CacheOption func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithObserver sets the cache observer.
func WithObserver(o CacheObserver) CacheOption {
	return func(c *Cache) {
		c.observer = o
	}
}

// WithMaxAge sets the idle time after which Run evicts an entry.
func WithMaxAge(d time.Duration) CacheOption {
	return func(c *Cache) {
		c.maxAge = d
	}
}

// WithMaxEntries sets the number of retrievers kept open. Inserting beyond it
// evicts the least recently used entry. Zero or less means unbounded.
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) {
		c.capacity = n
	}
}

// NewCache creates a retriever cache.
func NewCache(resolver Resolver, opener Opener, opts ...CacheOption) (*Cache, error) {
	c := &Cache{
		resolver: resolver,
		opener:   opener,
		logger:   slog.Default(),
		maxAge:   DefaultMaxAge,
		capacity: DefaultMaxEntries,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	size := c.capacity
	if size <= 0 {
		size = math.MaxInt32
	}
	lru, err := simplelru.NewLRU[string, *entry](size, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever LRU: %w", err)
	}
	c.lru = lru

	return c, nil
}

// Lease is a caller's hold on a cached retriever. Release it when the search
// is done.
type Lease struct {
	cache    *Cache
	entry    *entry
	released atomic.Bool
}

// Retriever returns the leased retriever.
func (l *Lease) Retriever() Retriever {
	return l.entry.retriever
}

// Release gives the retriever back to the cache. It is safe to call more than
// once.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.cache.release(l.entry)
}

// Get returns a lease on the retriever for documentID, opening it on first
// use. Every call counts as a use. When the document cannot be resolved or its
// index cannot be opened the error wraps ErrNotFound.
func (c *Cache) Get(ctx context.Context, documentID string) (*Lease, error) {
	for {
		if lease := c.lease(documentID); lease != nil {
			c.hits.Add(1)
			c.observeLookup("hit")
			return lease, nil
		}

		ch := c.group.DoChan(documentID, func() (any, error) {
			return nil, c.open(ctx, documentID)
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				if ctx.Err() == nil && isContextErr(res.Err) {
					// the flight belonged to a caller that went away
					continue
				}
				if errors.Is(res.Err, ErrNotFound) {
					c.observeLookup("not_found")
				}
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// The entry was inserted by the flight; it may have been evicted again
		// before this caller could take a lease, in which case look it up anew.
		if lease := c.lease(documentID); lease != nil {
			c.misses.Add(1)
			c.observeLookup("miss")
			return lease, nil
		}
	}
}

func (c *Cache) lease(documentID string) *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(documentID)
	if !ok {
		return nil
	}
	e.lastUsed = c.now()
	e.useCount++
	e.leases++
	return &Lease{cache: c, entry: e}
}

func (c *Cache) open(ctx context.Context, documentID string) error {
	c.mu.Lock()
	_, exists := c.lru.Peek(documentID)
	c.mu.Unlock()
	if exists {
		return nil
	}

	loc, err := c.resolver.Resolve(ctx, documentID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Warn("retriever resolution failed", "document_id", documentID, "error", err)
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrNotFound, documentID, err)
	}

	start := time.Now()
	r, err := c.opener.Open(ctx, loc)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Warn("retriever open failed",
			"document_id", documentID,
			"kind", loc.Kind,
			"error", err,
		)
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrNotFound, documentID, err)
	}

	now := c.now()
	c.mu.Lock()
	evicted := c.lru.Add(documentID, &entry{
		documentID: documentID,
		retriever:  r,
		createdAt:  now,
		lastUsed:   now,
	})
	entries := c.lru.Len()
	retired := c.takeRetired()
	c.mu.Unlock()

	c.closeAll(retired)
	if evicted && c.observer != nil {
		c.observer.ObserveRetrieverEvictions(1)
	}
	c.setEntries(entries)

	c.logger.Info("retriever opened",
		"document_id", documentID,
		"kind", loc.Kind,
		"elapsed", time.Since(start),
		"entries", entries,
	)
	return nil
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	e.leases--
	closeNow := e.evicted && e.leases == 0 && !e.closed
	if closeNow {
		e.closed = true
	}
	c.mu.Unlock()

	if closeNow {
		c.closeAll([]*entry{e})
	}
}

// onEvict runs under c.mu for every entry leaving the LRU.
func (c *Cache) onEvict(_ string, e *entry) {
	e.evicted = true
	c.evictions.Add(1)
	if e.leases == 0 && !e.closed {
		e.closed = true
		c.retired = append(c.retired, e)
	}
}

// takeRetired must be called with c.mu held.
func (c *Cache) takeRetired() []*entry {
	retired := c.retired
	c.retired = nil
	return retired
}

func (c *Cache) closeAll(entries []*entry) {
	for _, e := range entries {
		if err := e.retriever.Close(); err != nil {
			c.logger.Warn("failed to close retriever", "document_id", e.documentID, "error", err)
		}
	}
}

// Evict removes entries idle for longer than maxAge, then the least recently
// used entries until at most maxEntries remain. A negative maxAge or
// maxEntries disables that bound. It returns the number of entries removed.
func (c *Cache) Evict(maxAge time.Duration, maxEntries int) int {
	c.mu.Lock()
	before := c.lru.Len()
	now := c.now()

	if maxAge >= 0 {
		for _, id := range c.lru.Keys() {
			if e, ok := c.lru.Peek(id); ok && now.Sub(e.lastUsed) > maxAge {
				c.lru.Remove(id)
			}
		}
	}
	if maxEntries >= 0 {
		for c.lru.Len() > maxEntries {
			c.lru.RemoveOldest()
		}
	}

	after := c.lru.Len()
	retired := c.takeRetired()
	c.mu.Unlock()

	c.closeAll(retired)

	removed := before - after
	if removed > 0 {
		if c.observer != nil {
			c.observer.ObserveRetrieverEvictions(removed)
		}
		c.logger.Info("retrievers evicted", "removed", removed, "remaining", after)
	}
	c.setEntries(after)
	return removed
}

// Clear removes every entry.
func (c *Cache) Clear() int {
	c.mu.Lock()
	removed := c.lru.Len()
	c.lru.Purge()
	retired := c.takeRetired()
	c.mu.Unlock()

	c.closeAll(retired)

	if c.observer != nil && removed > 0 {
		c.observer.ObserveRetrieverEvictions(removed)
	}
	c.logger.Info("retriever cache cleared", "removed", removed)
	c.setEntries(0)
	return removed
}

// Len returns the number of cached retrievers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache, least recently used first.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]EntryStats, 0, c.lru.Len())
	for _, id := range c.lru.Keys() {
		e, ok := c.lru.Peek(id)
		if !ok {
			continue
		}
		entries = append(entries, EntryStats{
			DocumentID: e.documentID,
			CreatedAt:  e.createdAt,
			LastUsedAt: e.lastUsed,
			UseCount:   e.useCount,
			Leases:     e.leases,
		})
	}

	return Stats{
		Entries:    entries,
		MaxEntries: c.capacity,
		MaxAge:     c.maxAge.String(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
	}
}

// Search runs one search against documentID's retriever. A document without a
// retriever yields no results and no error.
func (c *Cache) Search(ctx context.Context, documentID, query string, topK int) ([]Result, error) {
	lease, err := c.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []Result{}, nil
		}
		return nil, err
	}
	defer lease.Release()

	results, err := lease.Retriever().Search(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("search document %s: %w", documentID, err)
	}
	return results, nil
}

// Run evicts with the configured bounds every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	maxAge, maxEntries := c.maxAge, c.capacity
	if maxAge <= 0 {
		maxAge = -1
	}
	if maxEntries <= 0 {
		maxEntries = -1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evict(maxAge, maxEntries)
		}
	}
}

// Close empties the cache, closing every retriever that is not leased.
func (c *Cache) Close() error {
	c.Clear()
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) observeLookup(outcome string) {
	if c.observer != nil {
		c.observer.ObserveRetrieverLookup(outcome)
	}
}

func (c *Cache) setEntries(n int) {
	if c.observer != nil {
		c.observer.SetRetrieverEntries(n)
	}
}
