package mdcache

import (
	"context"
	"testing"
	"time"

	"marketmaker/pkg/types"
)

type fakeRefresher struct {
	calls int
	snap  types.BookSnapshot
	err   error
}

func (f *fakeRefresher) RefreshBook(ctx context.Context, symbol string) (types.BookSnapshot, error) {
	f.calls++
	return f.snap, f.err
}

func TestGetFreshForPricingHitsWithoutRefresh(t *testing.T) {
	t.Parallel()
	refresher := &fakeRefresher{}
	c := New(Config{TTL: time.Second, FreshForPricing: 60 * time.Millisecond}, refresher)

	c.ApplySnapshot(types.BookSnapshot{Symbol: "BTC-USD", TsCached: time.Now()})

	res := c.Get(context.Background(), "BTC-USD", FreshForPricing)
	if !res.Found || res.Hit != FreshHit || res.UsedStale {
		t.Errorf("got %+v, want fresh hit", res)
	}
	if refresher.calls != 0 {
		t.Errorf("refresher.calls = %d, want 0", refresher.calls)
	}
}

func TestGetFreshForPricingStaleHitPastWindow(t *testing.T) {
	t.Parallel()
	refresher := &fakeRefresher{}
	c := New(Config{TTL: time.Second, FreshForPricing: 10 * time.Millisecond}, refresher)

	c.ApplySnapshot(types.BookSnapshot{Symbol: "BTC-USD", TsCached: time.Now().Add(-50 * time.Millisecond)})

	res := c.Get(context.Background(), "BTC-USD", FreshForPricing)
	if !res.Found || res.Hit != StaleHit || !res.UsedStale {
		t.Errorf("got %+v, want stale hit with used_stale", res)
	}
}

func TestGetStaleOkSchedulesAsyncRefresh(t *testing.T) {
	t.Parallel()
	refresher := &fakeRefresher{snap: types.BookSnapshot{Symbol: "BTC-USD", TsCached: time.Now()}}
	c := New(Config{TTL: time.Second, FreshForPricing: time.Millisecond}, refresher)

	c.ApplySnapshot(types.BookSnapshot{Symbol: "BTC-USD", TsCached: time.Now().Add(-time.Hour)})

	res := c.Get(context.Background(), "BTC-USD", StaleOk)
	if !res.Found {
		t.Fatalf("got %+v, want found=true (serve whatever is cached)", res)
	}

	time.Sleep(20 * time.Millisecond)
	if refresher.calls == 0 {
		t.Error("expected an async refresh to have run")
	}
}

func TestApplySnapshotRejectsSequenceRegression(t *testing.T) {
	t.Parallel()
	c := New(Config{TTL: time.Second, FreshForPricing: time.Second}, &fakeRefresher{})

	c.ApplySnapshot(types.BookSnapshot{Symbol: "BTC-USD", Seq: 10, TsCached: time.Now()})
	c.ApplySnapshot(types.BookSnapshot{Symbol: "BTC-USD", Seq: 5, TsCached: time.Now()})

	res := c.Get(context.Background(), "BTC-USD", FreshForPricing)
	// A regression marks the entry stale; FreshForPricing falls through to
	// a stale hit rather than silently serving the regressed data as fresh.
	if res.Hit == FreshHit {
		t.Errorf("got fresh hit after a sequence regression, want stale hit: %+v", res)
	}
}

func TestNoteWSGapMarksStale(t *testing.T) {
	t.Parallel()
	c := New(Config{TTL: time.Second, FreshForPricing: time.Second, InvalidateOnWSGapMs: 300 * time.Millisecond}, &fakeRefresher{})
	c.ApplySnapshot(types.BookSnapshot{Symbol: "BTC-USD", TsCached: time.Now()})

	c.NoteWSGap("BTC-USD", 500*time.Millisecond)

	res := c.Get(context.Background(), "BTC-USD", FreshForPricing)
	if res.Hit == FreshHit {
		t.Errorf("got fresh hit after a WS gap invalidation, want stale hit: %+v", res)
	}
}

func TestGetMissTriggersBlockingRefresh(t *testing.T) {
	t.Parallel()
	refresher := &fakeRefresher{snap: types.BookSnapshot{Symbol: "ETH-USD", TsCached: time.Now()}}
	c := New(Config{TTL: time.Second, FreshForPricing: time.Second}, refresher)

	res := c.Get(context.Background(), "ETH-USD", FreshOnly)
	if !res.Found || res.Hit != MissRefresh {
		t.Errorf("got %+v, want miss_refresh with a fetched snapshot", res)
	}
	if refresher.calls != 1 {
		t.Errorf("refresher.calls = %d, want 1", refresher.calls)
	}
}
