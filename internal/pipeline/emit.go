package pipeline

import (
	"context"
)

// emit is stage 6, the pipeline's terminal stage: publish the tick's final
// state to metrics and logging. It does not talk to the exchange — placing
// the resulting QuoteSet is the Order Lifecycle Manager's job, called by
// the engine against the TickContext this stage finalizes.
func (p *Pipeline) emit(ctx context.Context, tc *TickContext) {
	if p.Metrics == nil {
		return
	}

	p.Metrics.SetGuardLevel(tc.Symbol, tc.Guard.Level.String())
	p.Metrics.SetCircuitPhase(string(tc.Circuit.Phase))
	p.Metrics.BookAgeMs.WithLabelValues(tc.Symbol).Set(float64(tc.CacheAgeMs))

	if tc.UsedStale {
		p.Metrics.BookStaleReads.WithLabelValues(tc.Symbol, "fresh_for_pricing").Inc()
	}

	if p.Logger != nil && tc.Quotes.CancelAllRequired {
		p.Logger.Warn("tick emitted cancel_all", "symbol", tc.Symbol,
			"guard_level", tc.Guard.Level, "circuit_phase", tc.Circuit.Phase)
	}
}
