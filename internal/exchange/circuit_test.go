package exchange

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

// testClock is a settable clock so circuit timing tests don't depend on
// wall-clock sleeps.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGate(cfg CircuitConfig) (*CircuitGate, *testClock) {
	g := NewCircuitGate(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clk := &testClock{now: time.Now()}
	g.nowFunc = clk.Now
	g.lastTransitionAt = clk.now
	return g, clk
}

func defaultGateConfig() CircuitConfig {
	return CircuitConfig{
		WindowS:           300 * time.Second,
		MaxErrRateRatio:   0.30,
		CooldownS:         30 * time.Second,
		MinDwellS:         time.Second,
		ProbeCount:        1,
		MaxLogLinesPerSec: 10,
	}
}

func TestGateStartsOpen(t *testing.T) {
	t.Parallel()
	g, _ := newTestGate(defaultGateConfig())
	if !g.Allow() {
		t.Fatal("fresh gate must allow traffic")
	}
	phase, _ := g.Snapshot()
	if phase != PhaseOpen {
		t.Errorf("phase = %v, want OPEN", phase)
	}
}

func TestGateTripsOnErrorRate(t *testing.T) {
	t.Parallel()
	g, clk := newTestGate(defaultGateConfig())
	clk.Advance(2 * time.Second) // past min dwell since construction

	// 7 successes, 4 failures: error rate ~0.36 > 0.30.
	for i := 0; i < 7; i++ {
		g.RecordResult(true)
	}
	for i := 0; i < 4; i++ {
		g.RecordResult(false)
	}

	phase, rate := g.Snapshot()
	if phase != PhaseTripped {
		t.Fatalf("phase = %v (err rate %v), want TRIPPED", phase, rate)
	}
	if g.Allow() {
		t.Error("tripped gate must refuse traffic")
	}
}

func TestGateHalfOpenAfterCooldownThenRecovers(t *testing.T) {
	t.Parallel()
	g, clk := newTestGate(defaultGateConfig())
	clk.Advance(2 * time.Second)
	for i := 0; i < 4; i++ {
		g.RecordResult(false)
	}
	if phase, _ := g.Snapshot(); phase != PhaseTripped {
		t.Fatalf("phase = %v, want TRIPPED", phase)
	}

	clk.Advance(31 * time.Second)
	if !g.Allow() {
		t.Fatal("expected a probe to be allowed after cooldown")
	}
	if phase, _ := g.Snapshot(); phase != PhaseHalfOpen {
		t.Fatalf("phase after cooldown = %v, want HALF_OPEN", phase)
	}

	// probe_count=1: one success closes the loop back to OPEN.
	g.RecordResult(true)
	if phase, _ := g.Snapshot(); phase != PhaseOpen {
		t.Errorf("phase after successful probe = %v, want OPEN", phase)
	}
}

func TestGateProbeFailureRetrips(t *testing.T) {
	t.Parallel()
	g, clk := newTestGate(defaultGateConfig())
	clk.Advance(2 * time.Second)
	for i := 0; i < 4; i++ {
		g.RecordResult(false)
	}
	clk.Advance(31 * time.Second)
	g.Allow() // transitions to HALF_OPEN

	g.RecordResult(false)
	if phase, _ := g.Snapshot(); phase != PhaseTripped {
		t.Errorf("phase after failed probe = %v, want TRIPPED", phase)
	}
}

func TestGateMinDwellBlocksImmediateTrip(t *testing.T) {
	t.Parallel()
	cfg := defaultGateConfig()
	cfg.MinDwellS = time.Minute
	g, clk := newTestGate(cfg)
	clk.Advance(time.Second) // still inside the dwell window

	for i := 0; i < 10; i++ {
		g.RecordResult(false)
	}
	if phase, _ := g.Snapshot(); phase != PhaseOpen {
		t.Errorf("phase = %v, want OPEN while min dwell holds", phase)
	}

	clk.Advance(2 * time.Minute)
	g.RecordResult(false)
	if phase, _ := g.Snapshot(); phase != PhaseTripped {
		t.Errorf("phase = %v, want TRIPPED once dwell elapsed", phase)
	}
}

func TestGateManualHalt(t *testing.T) {
	t.Parallel()
	g, _ := newTestGate(defaultGateConfig())
	g.ManualHalt("scheduler_fault")
	if g.Allow() {
		t.Error("manually halted gate must refuse traffic")
	}
}

func TestGateErrorWindowPrunes(t *testing.T) {
	t.Parallel()
	cfg := defaultGateConfig()
	cfg.WindowS = 10 * time.Second
	g, clk := newTestGate(cfg)
	clk.Advance(2 * time.Second)

	for i := 0; i < 4; i++ {
		g.RecordResult(false)
	}
	// Outcomes age out of the rolling window entirely.
	clk.Advance(time.Minute)
	if _, rate := g.Snapshot(); rate != 0 {
		t.Errorf("error rate = %v after window elapsed, want 0", rate)
	}
}
