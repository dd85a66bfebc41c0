package pipeline

import (
	"context"

	"marketmaker/pkg/types"
)

// guards is stage 3: read the Risk/Circuit outputs; on a HARD guard level
// or a TRIPPED circuit phase, empty the target quote set and flag
// cancel_all_required. HALF_OPEN leaves the quote set as it is.
func (p *Pipeline) guards(ctx context.Context, tc *TickContext) {
	if p.Risk != nil {
		tc.Guard = p.Risk.Snapshot(tc.Symbol)
	}
	if p.Circuit != nil {
		phase, errRate := p.Circuit.Snapshot()
		tc.Circuit = types.CircuitState{Phase: types.CircuitPhase(phase), ErrRateWindow: errRate}
	}

	if tc.Guard.Level == types.GuardHard || tc.Circuit.Phase == types.CircuitTrippedPhase {
		tc.Quotes = types.QuoteSet{
			Symbol:            tc.Symbol,
			GeneratedAt:       tc.Now,
			CancelAllRequired: true,
		}
		return
	}

	if tc.Guard.Level == types.GuardSoft {
		// SOFT still emits a target set; the Lifecycle Manager suppresses
		// new placements and keeps only exposure-reducing amends.
		tc.Quotes.SoftGuard = true
	}
}
