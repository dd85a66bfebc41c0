// Package mdcache serves freshness-tagged book snapshots per symbol, fed by
// a streaming market-data feed: a multi-symbol, N-level-depth cache with
// the three-mode Get contract the pipeline's FetchMD stage requires.
package mdcache

import (
	"context"
	"sync"
	"time"

	"marketmaker/pkg/types"
)

// Mode selects the freshness contract for a Get call.
type Mode int

const (
	// FreshOnly blocks up to 50ms for a synchronous refresh if the cached
	// snapshot is stale.
	FreshOnly Mode = iota
	// FreshForPricing accepts snapshots younger than FreshMsForPricing
	// without blocking.
	FreshForPricing
	// StaleOk returns whatever is cached and schedules an async refresh.
	StaleOk
)

// HitKind classifies how a Get call was satisfied.
type HitKind string

const (
	FreshHit    HitKind = "fresh_hit"
	StaleHit    HitKind = "stale_hit"
	MissRefresh HitKind = "miss_refresh"
)

// Result wraps a BookSnapshot with the freshness metadata the pipeline and
// metrics layer need.
type Result struct {
	Snapshot  types.BookSnapshot
	AgeMs     int64
	Hit       HitKind
	UsedStale bool
	Found     bool
}

// Refresher performs a synchronous resync of one symbol's book, called
// both for FreshOnly's blocking refresh and StaleOk's scheduled async
// refresh. Implemented by the exchange adapter (REST snapshot + WS catch-up).
type Refresher interface {
	RefreshBook(ctx context.Context, symbol string) (types.BookSnapshot, error)
}

type entry struct {
	snapshot  types.BookSnapshot
	wsGapSeen time.Time
	stale     bool
}

// Cache is a read-mostly, copy-on-read per-symbol book cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	ttl                 time.Duration
	freshForPricing     time.Duration
	invalidateOnWSGapMs time.Duration

	refresher Refresher

	blockingRefreshBudget time.Duration
}

// Config bundles the MD-Cache's tuning knobs (internal/config.MDCacheConfig,
// expressed as durations to keep this package config-layer-agnostic).
type Config struct {
	TTL                 time.Duration
	FreshForPricing     time.Duration
	InvalidateOnWSGapMs time.Duration
}

func New(cfg Config, refresher Refresher) *Cache {
	return &Cache{
		entries:               make(map[string]*entry),
		ttl:                   cfg.TTL,
		freshForPricing:       cfg.FreshForPricing,
		invalidateOnWSGapMs:   cfg.InvalidateOnWSGapMs,
		refresher:             refresher,
		blockingRefreshBudget: 50 * time.Millisecond,
	}
}

// ApplySnapshot is called by the market-data feed on every book update
// (full snapshot or post-gap resync). The cache takes ownership of the
// passed snapshot's slices; callers must not mutate them afterward.
func (c *Cache) ApplySnapshot(snap types.BookSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[snap.Symbol]
	if !ok {
		e = &entry{}
		c.entries[snap.Symbol] = e
	}
	// Sequence-number regression: a feed event arrived out of order or the
	// stream reset without telling us. Mark stale instead of silently
	// regressing the book to older state.
	if ok && snap.Seq != 0 && snap.Seq < e.snapshot.Seq {
		e.stale = true
		return
	}
	e.snapshot = snap
	e.stale = false
}

// NoteWSGap records a detected WebSocket gap for a symbol. If the gap
// exceeds invalidate_on_ws_gap_ms the entry is marked stale, forcing the
// next Get to trigger a resync.
func (c *Cache) NoteWSGap(symbol string, gap time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[symbol]
	if !ok {
		e = &entry{}
		c.entries[symbol] = e
	}
	if gap >= c.invalidateOnWSGapMs {
		e.stale = true
		e.wsGapSeen = time.Now()
	}
}

// Get serves a book snapshot for symbol under the requested freshness mode.
func (c *Cache) Get(ctx context.Context, symbol string, mode Mode) Result {
	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[symbol]
	var snap types.BookSnapshot
	var stale bool
	if ok {
		snap = e.snapshot
		stale = e.stale
	}
	c.mu.RUnlock()

	if !ok {
		return c.handleMiss(ctx, symbol, mode, now)
	}

	age := now.Sub(snap.TsCached)

	switch mode {
	case FreshOnly:
		if !stale && age <= c.ttl {
			return Result{Snapshot: snap, AgeMs: age.Milliseconds(), Hit: FreshHit, Found: true}
		}
		return c.blockingRefresh(ctx, symbol, snap, ok)

	case FreshForPricing:
		if !stale && age <= c.freshForPricing {
			return Result{Snapshot: snap, AgeMs: age.Milliseconds(), Hit: FreshHit, Found: true}
		}
		return Result{Snapshot: snap, AgeMs: age.Milliseconds(), Hit: StaleHit, UsedStale: true, Found: true}

	default: // StaleOk
		go c.asyncRefresh(symbol)
		return Result{Snapshot: snap, AgeMs: age.Milliseconds(), Hit: StaleHit, UsedStale: stale || age > c.ttl, Found: true}
	}
}

func (c *Cache) handleMiss(ctx context.Context, symbol string, mode Mode, now time.Time) Result {
	if mode == StaleOk {
		go c.asyncRefresh(symbol)
		return Result{Hit: MissRefresh, Found: false}
	}
	refreshCtx, cancel := context.WithTimeout(ctx, c.blockingRefreshBudget)
	defer cancel()
	snap, err := c.refresher.RefreshBook(refreshCtx, symbol)
	if err != nil {
		return Result{Hit: MissRefresh, Found: false}
	}
	c.ApplySnapshot(snap)
	return Result{Snapshot: snap, AgeMs: now.Sub(snap.TsCached).Milliseconds(), Hit: MissRefresh, Found: true}
}

func (c *Cache) blockingRefresh(ctx context.Context, symbol string, fallback types.BookSnapshot, hadFallback bool) Result {
	refreshCtx, cancel := context.WithTimeout(ctx, c.blockingRefreshBudget)
	defer cancel()

	snap, err := c.refresher.RefreshBook(refreshCtx, symbol)
	if err != nil {
		if hadFallback {
			age := time.Since(fallback.TsCached)
			return Result{Snapshot: fallback, AgeMs: age.Milliseconds(), Hit: StaleHit, UsedStale: true, Found: true}
		}
		return Result{Hit: MissRefresh, Found: false}
	}
	c.ApplySnapshot(snap)
	return Result{Snapshot: snap, AgeMs: time.Since(snap.TsCached).Milliseconds(), Hit: MissRefresh, Found: true}
}

func (c *Cache) asyncRefresh(symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := c.refresher.RefreshBook(ctx, symbol)
	if err != nil {
		return
	}
	c.ApplySnapshot(snap)
}
