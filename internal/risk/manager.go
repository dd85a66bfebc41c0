// Package risk derives the composite OK/SOFT/HARD operational level from
// live market, inventory, latency, and error-rate signals, with per-level
// hysteretic entry/exit timers guarding against level-flapping.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"marketmaker/internal/config"
	"marketmaker/pkg/types"
)

// Signals is the snapshot of inputs the guard composite evaluates each
// time it is fed. All fields are absolute magnitudes; thresholds in
// config.GuardThresholds are compared directly against them.
type Signals struct {
	Symbol          string
	InventorySkew   float64 // |signed inventory| / target, dimensionless
	RealizedVol     float64 // short-window realized volatility
	LatencyP95Ms    float64
	ErrorRate       float64 // rolling exchange error rate, [0,1]
	DrawdownUSD     float64
	DailyLossUSD    float64
	PnlDeviationUSD float64
	ClockDriftMs    float64
	Now             time.Time
}

// guardPredicate names one of the individual guard inputs checked against
// a GuardThresholds tier. Used both to evaluate breach and to tag reasons.
type guardPredicate struct {
	reason string
	value  func(Signals) float64
	limit  func(config.GuardThresholds) float64
}

var predicates = []guardPredicate{
	{"inventory_skew", func(s Signals) float64 { return s.InventorySkew }, func(t config.GuardThresholds) float64 { return t.InventorySkewMax }},
	{"realized_vol", func(s Signals) float64 { return s.RealizedVol }, func(t config.GuardThresholds) float64 { return t.RealizedVolMax }},
	{"latency_p95", func(s Signals) float64 { return s.LatencyP95Ms }, func(t config.GuardThresholds) float64 { return float64(t.LatencyP95Ms) }},
	{"error_rate", func(s Signals) float64 { return s.ErrorRate }, func(t config.GuardThresholds) float64 { return t.ErrorRateMax }},
	{"drawdown", func(s Signals) float64 { return s.DrawdownUSD }, func(t config.GuardThresholds) float64 { return t.DrawdownMaxUSD }},
	{"daily_loss", func(s Signals) float64 { return s.DailyLossUSD }, func(t config.GuardThresholds) float64 { return t.DailyLossMaxUSD }},
	{"pnl_deviation", func(s Signals) float64 { return s.PnlDeviationUSD }, func(t config.GuardThresholds) float64 { return t.PnlDeviationMaxUSD }},
	{"clock_drift", func(s Signals) float64 { return s.ClockDriftMs }, func(t config.GuardThresholds) float64 { return float64(t.ClockDriftMaxMs) }},
}

// breach reports whether tier is exceeded by s, and the set of reasons.
func breach(s Signals, tier config.GuardThresholds) (bool, map[string]struct{}) {
	reasons := make(map[string]struct{})
	for _, p := range predicates {
		if limit := p.limit(tier); limit > 0 && p.value(s) > limit {
			reasons[p.reason] = struct{}{}
		}
	}
	return len(reasons) > 0, reasons
}

// tierTracker holds the hysteresis bookkeeping for one guard tier (SOFT or
// HARD) on one symbol: how long the tier's thresholds have been
// continuously breached or continuously clear.
type tierTracker struct {
	breachedSince time.Time // zero if not currently breached
	clearSince    time.Time // zero if not currently clear
	latched       bool      // true once t_enter has elapsed and we've entered this tier
}

type symbolState struct {
	soft tierTracker
	hard tierTracker

	level      types.GuardLevel
	reasons    map[string]struct{}
	sinceTs    time.Time
	desyncHold bool // forced HARD by the reconciler's hard_desync, cleared only by ClearHardDesync
}

// Manager evaluates the Guards composite per symbol and exposes the
// current GuardState to the pipeline's Guards stage.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu     sync.RWMutex
	states map[string]*symbolState

	nowFunc func() time.Time
}

func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "risk"),
		states:  make(map[string]*symbolState),
		nowFunc: time.Now,
	}
}

// SetConfig swaps the guard thresholds at runtime. Latched tiers keep
// their hysteresis bookkeeping and re-evaluate against the new thresholds
// on the next Feed.
func (m *Manager) SetConfig(cfg config.RiskConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Feed evaluates one signal sample for its symbol and updates the guard
// state machine, applying t_enter/t_exit hysteresis per tier.
func (m *Manager) Feed(s Signals) types.GuardState {
	if s.Now.IsZero() {
		s.Now = m.nowFunc()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[s.Symbol]
	if !ok {
		st = &symbolState{level: types.GuardOK, reasons: map[string]struct{}{}, sinceTs: s.Now}
		m.states[s.Symbol] = st
	}

	hardBreached, hardReasons := breach(s, m.cfg.Hard)
	softBreached, softReasons := breach(s, m.cfg.Soft)

	st.hard.latched = updateTier(&st.hard, hardBreached, s.Now,
		time.Duration(m.cfg.Hard.TEnterS*float64(time.Second)),
		time.Duration(m.cfg.Hard.TExitS*float64(time.Second)))
	st.soft.latched = updateTier(&st.soft, softBreached, s.Now,
		time.Duration(m.cfg.Soft.TEnterS*float64(time.Second)),
		time.Duration(m.cfg.Soft.TExitS*float64(time.Second)))

	target := types.GuardOK
	reasons := map[string]struct{}{}
	switch {
	case st.desyncHold:
		target = types.GuardHard
		reasons["hard_desync"] = struct{}{}
	case st.hard.latched:
		target = types.GuardHard
		for r := range hardReasons {
			reasons[r] = struct{}{}
		}
	case st.soft.latched:
		target = types.GuardSoft
		for r := range softReasons {
			reasons[r] = struct{}{}
		}
	}

	if target != st.level {
		m.logger.Info("guard level transition",
			"symbol", s.Symbol, "from", st.level.String(), "to", target.String())
		st.level = target
		st.sinceTs = s.Now
	}
	st.reasons = reasons

	return types.GuardState{Level: st.level, Reasons: cloneReasons(st.reasons), SinceTs: st.sinceTs}
}

// updateTier advances one tier's breached/clear timers and returns whether
// the tier should now be considered latched (entered and not yet exited).
func updateTier(t *tierTracker, breached bool, now time.Time, tEnter, tExit time.Duration) bool {
	if breached {
		t.clearSince = time.Time{}
		if t.breachedSince.IsZero() {
			t.breachedSince = now
		}
		if !t.latched && now.Sub(t.breachedSince) >= tEnter {
			return true
		}
		return t.latched
	}

	t.breachedSince = time.Time{}
	if t.clearSince.IsZero() {
		t.clearSince = now
	}
	if t.latched && now.Sub(t.clearSince) >= tExit {
		return false
	}
	return t.latched
}

// ForceHardDesync latches HARD for symbol with reason hard_desync,
// independent of the signal-driven hysteresis. Cleared only by
// ClearHardDesync once a reconcile cycle comes back clean.
func (m *Manager) ForceHardDesync(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(symbol)
	if !st.desyncHold {
		st.desyncHold = true
		st.level = types.GuardHard
		st.sinceTs = m.nowFunc()
		m.logger.Error("guard forced HARD", "symbol", symbol, "reason", "hard_desync")
	}
}

// ClearHardDesync releases the forced-HARD hold after a clean reconcile.
// The level then re-evaluates from live signals on the next Feed call.
func (m *Manager) ClearHardDesync(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(symbol)
	st.desyncHold = false
}

func (m *Manager) stateLocked(symbol string) *symbolState {
	st, ok := m.states[symbol]
	if !ok {
		st = &symbolState{level: types.GuardOK, reasons: map[string]struct{}{}, sinceTs: m.nowFunc()}
		m.states[symbol] = st
	}
	return st
}

// Snapshot returns the current GuardState for a symbol without feeding new
// signals.
func (m *Manager) Snapshot(symbol string) types.GuardState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[symbol]
	if !ok {
		return types.GuardState{Level: types.GuardOK, Reasons: map[string]struct{}{}}
	}
	return types.GuardState{Level: st.level, Reasons: cloneReasons(st.reasons), SinceTs: st.sinceTs}
}

// RemoveSymbol drops all tracked state for a symbol no longer traded.
func (m *Manager) RemoveSymbol(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, symbol)
}

func cloneReasons(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
