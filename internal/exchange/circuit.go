// circuit.go implements the adapter-level circuit gate: a state machine
// over the recent error stream that can refuse mutating calls outright.
// Composes a manual halt, rolling error-rate health check, and cool-off
// timer, with anti-flapping dwell time between phase transitions and an
// injectable clock for tests.
package exchange

import (
	"log/slog"
	"sync"
	"time"
)

// Phase is the circuit gate's state. OPEN means traffic is allowed — named
// for historical reasons, not the inverse electrical convention.
type Phase string

const (
	PhaseOpen     Phase = "OPEN"
	PhaseTripped  Phase = "TRIPPED"
	PhaseHalfOpen Phase = "HALF_OPEN"
)

// CircuitConfig mirrors internal/config.CircuitConfig.
type CircuitConfig struct {
	WindowS           time.Duration
	MaxErrRateRatio   float64
	CooldownS         time.Duration
	MinDwellS         time.Duration
	ProbeCount        int
	MaxLogLinesPerSec int
}

type outcome struct {
	ts      time.Time
	success bool
}

// CircuitGate is the adapter-wide circuit breaker. Every capability call
// passes through Allow before hitting the network; an allowlisted
// operation (health probes, cancel_all, reconciliation reads) bypasses it
// entirely and should never call Allow.
type CircuitGate struct {
	mu sync.Mutex

	cfg CircuitConfig

	phase            Phase
	lastTransitionAt time.Time
	trippedAt        time.Time
	probesRemaining  int

	history []outcome

	lastLogAt   time.Time
	logsThisSec int

	nowFunc func() time.Time
	logger  *slog.Logger
}

func NewCircuitGate(cfg CircuitConfig, logger *slog.Logger) *CircuitGate {
	now := time.Now()
	return &CircuitGate{
		cfg:              cfg,
		phase:            PhaseOpen,
		lastTransitionAt: now,
		nowFunc:          time.Now,
		logger:           logger.With("component", "circuit_gate"),
	}
}

// Allow reports whether a gated call may proceed. It also evaluates
// TRIPPED -> HALF_OPEN (cooldown elapsed) before answering.
func (g *CircuitGate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFunc()
	if g.phase == PhaseTripped && now.Sub(g.trippedAt) >= g.cfg.CooldownS {
		g.transitionLocked(PhaseHalfOpen, "cooldown_elapsed", now)
		g.probesRemaining = g.cfg.ProbeCount
	}

	switch g.phase {
	case PhaseOpen:
		return true
	case PhaseHalfOpen:
		return g.probesRemaining > 0
	default: // TRIPPED
		return false
	}
}

// RecordResult feeds a gated call's outcome into the rolling error window
// and drives OPEN -> TRIPPED and HALF_OPEN -> {OPEN, TRIPPED} transitions.
func (g *CircuitGate) RecordResult(success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFunc()
	g.history = append(g.history, outcome{ts: now, success: success})
	g.pruneLocked(now)

	switch g.phase {
	case PhaseHalfOpen:
		if !success {
			g.transitionLocked(PhaseTripped, "probe_failure", now)
			g.trippedAt = now
			return
		}
		g.probesRemaining--
		if g.probesRemaining <= 0 {
			g.transitionLocked(PhaseOpen, "probe_success", now)
		}
	case PhaseOpen:
		if g.dwellElapsedLocked(now) && g.errRateLocked() > g.cfg.MaxErrRateRatio {
			g.transitionLocked(PhaseTripped, "error_rate_exceeded", now)
			g.trippedAt = now
		}
	}
}

// SetConfig swaps the gate's tuning at runtime; the current phase and
// rolling history carry over unchanged.
func (g *CircuitGate) SetConfig(cfg CircuitConfig) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// ManualHalt forces TRIPPED regardless of the error rate, e.g. on a
// hard-desync escalation from the reconciler or sustained scheduler faults.
func (g *CircuitGate) ManualHalt(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowFunc()
	g.transitionLocked(PhaseTripped, reason, now)
	g.trippedAt = now
}

func (g *CircuitGate) dwellElapsedLocked(now time.Time) bool {
	return now.Sub(g.lastTransitionAt) >= g.cfg.MinDwellS
}

func (g *CircuitGate) errRateLocked() float64 {
	if len(g.history) == 0 {
		return 0
	}
	var failures int
	for _, o := range g.history {
		if !o.success {
			failures++
		}
	}
	return float64(failures) / float64(len(g.history))
}

func (g *CircuitGate) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.cfg.WindowS)
	i := 0
	for ; i < len(g.history); i++ {
		if g.history[i].ts.After(cutoff) {
			break
		}
	}
	g.history = g.history[i:]
}

func (g *CircuitGate) transitionLocked(to Phase, reason string, now time.Time) {
	from := g.phase
	g.phase = to
	g.lastTransitionAt = now

	if g.shouldLogLocked(now) {
		g.logger.Warn("circuit gate transition", "from", from, "to", to, "reason", reason)
	}
}

// shouldLogLocked rate-limits transition log lines to max_log_lines_per_sec.
func (g *CircuitGate) shouldLogLocked(now time.Time) bool {
	if now.Sub(g.lastLogAt) >= time.Second {
		g.lastLogAt = now
		g.logsThisSec = 0
	}
	if g.logsThisSec >= g.cfg.MaxLogLinesPerSec {
		return false
	}
	g.logsThisSec++
	return true
}

// Snapshot returns the current phase and error rate for metrics/health.
func (g *CircuitGate) Snapshot() (Phase, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.nowFunc())
	return g.phase, g.errRateLocked()
}
