// Package clock drives the quote pipeline at a fixed wall-clock cadence and
// enforces the per-tick deadline: a single select loop over a time.Ticker
// channel plus a done channel, guaranteeing at most one tick in flight and
// surfacing a deadline context per tick.
package clock

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TickFunc is invoked once per tick with a context whose deadline is the
// tick's hard deadline. It must respect ctx and return promptly once the
// deadline has passed; any work still pending past the deadline is
// discarded by the caller, not forcibly canceled.
type TickFunc func(ctx context.Context, tickIndex uint64)

// Scheduler fires TickFunc at a configured cadence, skipping a tick rather
// than queuing it if the previous one is still running.
type Scheduler struct {
	interval time.Duration
	deadline time.Duration
	fn       TickFunc
	logger   *slog.Logger

	running   atomic.Bool
	tickIndex atomic.Uint64

	deadlineMisses atomic.Uint64
	skipped        atomic.Uint64
	faults         atomic.Uint64

	onFault func(consecutiveFaults uint64)

	stop context.CancelFunc
	done chan struct{}
}

// New builds a Scheduler. onFault, if non-nil, is called after each panic
// recovered from fn with the number of consecutive faults observed; the
// caller uses this to trip the circuit gate's scheduler_fault reason.
func New(interval, deadline time.Duration, fn TickFunc, logger *slog.Logger, onFault func(uint64)) *Scheduler {
	return &Scheduler{
		interval: interval,
		deadline: deadline,
		fn:       fn,
		logger:   logger.With("component", "scheduler"),
		onFault:  onFault,
		done:     make(chan struct{}),
	}
}

// Start begins firing ticks until the returned context is canceled or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel

	go s.loop(ctx)
}

// Stop halts the scheduler and waits for the current tick, if any, to
// observe cancellation. A no-op if Start was never called.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	s.stop()
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	var consecutiveFaults atomic.Uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.running.CompareAndSwap(false, true) {
				s.skipped.Add(1)
				s.deadlineMisses.Add(1)
				s.logger.Warn("tick skipped, previous tick still running",
					"tick_index", s.tickIndex.Load())
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				if s.runOnce(ctx) {
					consecutiveFaults.Store(0)
				} else {
					n := consecutiveFaults.Add(1)
					s.faults.Add(1)
					if s.onFault != nil {
						s.onFault(n)
					}
				}
			}()
		}
	}
}

// runOnce executes a single tick with its deadline context, recovering from
// a panic in fn so the scheduler itself never dies. Returns false on fault.
func (s *Scheduler) runOnce(parent context.Context) (ok bool) {
	s.running.Store(true)
	defer s.running.Store(false)

	idx := s.tickIndex.Add(1)

	tickCtx, cancel := context.WithTimeout(parent, s.deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", "tick_index", idx, "panic", r)
			ok = false
		}
	}()

	start := time.Now()
	s.fn(tickCtx, idx)
	if elapsed := time.Since(start); elapsed > s.deadline {
		s.deadlineMisses.Add(1)
		s.logger.Warn("tick exceeded deadline",
			"tick_index", idx, "elapsed_ms", elapsed.Milliseconds(), "deadline_ms", s.deadline.Milliseconds())
	}
	return true
}

// Stats is a point-in-time snapshot of scheduler counters, exposed to the
// metrics registry and the health endpoint.
type Stats struct {
	TickIndex      uint64
	DeadlineMisses uint64
	Skipped        uint64
	Faults         uint64
}

func (s *Scheduler) Snapshot() Stats {
	return Stats{
		TickIndex:      s.tickIndex.Load(),
		DeadlineMisses: s.deadlineMisses.Load(),
		Skipped:        s.skipped.Load(),
		Faults:         s.faults.Load(),
	}
}
