package clock

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerFiresTicks(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32

	s := New(10*time.Millisecond, 8*time.Millisecond, func(ctx context.Context, tickIndex uint64) {
		fired.Add(1)
	}, newTestLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	s.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	if got := fired.Load(); got < 3 {
		t.Errorf("fired = %d, want at least 3", got)
	}
}

func TestSchedulerSkipsOverlappingTick(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32

	s := New(10*time.Millisecond, 100*time.Millisecond, func(ctx context.Context, tickIndex uint64) {
		fired.Add(1)
		time.Sleep(35 * time.Millisecond)
	}, newTestLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	snap := s.Snapshot()
	if snap.Skipped == 0 {
		t.Errorf("expected at least one skipped tick when fn outruns interval, snapshot=%+v", snap)
	}
	if got := fired.Load(); got >= 5 {
		t.Errorf("fired = %d, overlap should have been skipped, not queued", got)
	}
}

func TestSchedulerRecordsDeadlineMiss(t *testing.T) {
	t.Parallel()

	s := New(20*time.Millisecond, 5*time.Millisecond, func(ctx context.Context, tickIndex uint64) {
		time.Sleep(15 * time.Millisecond)
	}, newTestLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	if s.Snapshot().DeadlineMisses == 0 {
		t.Error("expected at least one deadline miss")
	}
}

func TestSchedulerRecoversFromPanic(t *testing.T) {
	t.Parallel()
	var faults atomic.Uint64

	s := New(10*time.Millisecond, 8*time.Millisecond, func(ctx context.Context, tickIndex uint64) {
		panic("boom")
	}, newTestLogger(), func(consecutive uint64) {
		faults.Store(consecutive)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	s.Start(ctx)
	time.Sleep(40 * time.Millisecond)
	s.Stop()

	if faults.Load() == 0 {
		t.Error("expected onFault to be invoked after a panicking tick")
	}
}
