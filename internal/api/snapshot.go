package api

import (
	"time"

	"marketmaker/internal/clock"
	"marketmaker/internal/exchange"
	"marketmaker/internal/metrics"
	"marketmaker/pkg/types"
)

// EngineView is the subset of *engine.Engine the observability surface
// reads. Declared here (rather than imported) so api has no dependency
// cycle back onto engine.
type EngineView interface {
	Symbols() []string
	GuardSnapshot(symbol string) types.GuardState
	CircuitSnapshot() (exchange.Phase, float64)
	InventorySnapshot(symbol string) (types.Inventory, bool)
	OpenOrders(symbol string) []types.Order
	SchedulerStats(symbol string) (clock.Stats, bool)
	DryRun() bool
	Metrics() *metrics.Registry
}

// BuildSnapshot aggregates live state from every symbol into one payload.
func BuildSnapshot(eng EngineView) Snapshot {
	phase, errRate := eng.CircuitSnapshot()

	symbols := make([]SymbolSnapshot, 0, len(eng.Symbols()))
	for _, sym := range eng.Symbols() {
		guard := eng.GuardSnapshot(sym)
		inv, _ := eng.InventorySnapshot(sym)

		s := SymbolSnapshot{
			Symbol:            sym,
			GuardLevel:        guard.Level.String(),
			GuardReasons:      reasonList(guard.Reasons),
			InventoryQty:      inv.SignedQty.String(),
			InventoryNotional: inv.NotionalUSD.String(),
			OpenOrders:        len(eng.OpenOrders(sym)),
		}
		if stats, ok := eng.SchedulerStats(sym); ok {
			s.TickIndex = stats.TickIndex
			s.DeadlineMisses = stats.DeadlineMisses
			s.TickFaults = stats.Faults
		}
		symbols = append(symbols, s)
	}

	return Snapshot{
		Timestamp:        time.Now(),
		DryRun:           eng.DryRun(),
		CircuitPhase:     string(phase),
		CircuitErrorRate: errRate,
		Symbols:          symbols,
	}
}

// BuildHealth derives the /health verdict from circuit phase and guard
// levels across every tracked symbol: a tripped circuit or any symbol at
// GuardHard is unhealthy, a half-open circuit or a soft guard is degraded.
func BuildHealth(eng EngineView) HealthResponse {
	phase, _ := eng.CircuitSnapshot()

	resp := HealthResponse{
		Status:       HealthOK,
		CircuitPhase: string(phase),
		DryRun:       eng.DryRun(),
	}

	switch phase {
	case exchange.PhaseTripped:
		resp.Status = HealthUnhealthy
		resp.Reasons = append(resp.Reasons, "circuit_tripped")
	case exchange.PhaseHalfOpen:
		resp.Status = HealthDegraded
		resp.Reasons = append(resp.Reasons, "circuit_half_open")
	}

	for _, sym := range eng.Symbols() {
		guard := eng.GuardSnapshot(sym)
		switch guard.Level {
		case types.GuardHard:
			resp.Status = HealthUnhealthy
			resp.Reasons = append(resp.Reasons, sym+":guard_hard")
		case types.GuardSoft:
			if resp.Status == HealthOK {
				resp.Status = HealthDegraded
			}
			resp.Reasons = append(resp.Reasons, sym+":guard_soft")
		}
	}

	return resp
}

func reasonList(reasons map[string]struct{}) []string {
	if len(reasons) == 0 {
		return nil
	}
	out := make([]string, 0, len(reasons))
	for r := range reasons {
		out = append(out, r)
	}
	return out
}
