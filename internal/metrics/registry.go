// Package metrics is the engine-wide counter/gauge/histogram registry and
// its Prometheus HTTP exposition. Every other package pulls its metrics
// from a single *Registry instance passed in at construction, the same way
// a *slog.Logger is threaded through every component.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the metric families every component needs, pre-labeled
// by symbol where that makes sense. It is safe for concurrent use — the
// underlying prometheus vectors handle their own locking.
type Registry struct {
	reg *prometheus.Registry

	TickLatencyMs      *prometheus.HistogramVec
	TickDeadlineMisses *prometheus.CounterVec
	StageLatencyMs     *prometheus.HistogramVec

	BookAgeMs      *prometheus.GaugeVec
	BookStaleReads *prometheus.CounterVec

	GuardLevel   *prometheus.GaugeVec
	CircuitPhase *prometheus.GaugeVec

	OrdersPlaced   *prometheus.CounterVec
	OrdersAmended  *prometheus.CounterVec
	OrdersCanceled *prometheus.CounterVec
	OrdersRejected *prometheus.CounterVec

	ExchangeErrors    *prometheus.CounterVec
	ExchangeErrorRate *prometheus.GaugeVec
	RateLimiterWaitMs *prometheus.HistogramVec

	ReconcileMismatches *prometheus.CounterVec
	ReconcileDuration   prometheus.Histogram

	InventorySkew  *prometheus.GaugeVec
	InventoryNotnl *prometheus.GaugeVec
	RealizedPnLUSD *prometheus.GaugeVec
	DailyLossUSD   *prometheus.GaugeVec
}

// NewRegistry builds a fresh set of metric families registered against a
// private prometheus.Registry (never the global DefaultRegisterer, so tests
// and multiple bot instances in one process never collide).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		TickLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mm_tick_latency_ms",
			Help:    "Wall-clock duration of one full pipeline tick, in milliseconds.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
		}, []string{"symbol"}),
		TickDeadlineMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_tick_deadline_misses_total",
			Help: "Ticks that exceeded their deadline budget.",
		}, []string{"symbol"}),
		StageLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mm_stage_latency_ms",
			Help:    "Per-stage duration within a pipeline tick, in milliseconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50, 100},
		}, []string{"symbol", "stage"}),
		BookAgeMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_book_age_ms",
			Help: "Age of the last cached book snapshot at read time.",
		}, []string{"symbol"}),
		BookStaleReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_book_stale_reads_total",
			Help: "MD-Cache reads that returned a stale snapshot.",
		}, []string{"symbol", "mode"}),
		GuardLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_guard_level",
			Help: "Current composite guard level (0=OK, 1=SOFT, 2=HARD).",
		}, []string{"symbol"}),
		CircuitPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_circuit_phase",
			Help: "Current circuit gate phase (0=OPEN, 1=HALF_OPEN, 2=TRIPPED).",
		}, []string{}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_placed_total",
			Help: "Orders successfully placed.",
		}, []string{"symbol", "side"}),
		OrdersAmended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_amended_total",
			Help: "Orders amended in place.",
		}, []string{"symbol", "side"}),
		OrdersCanceled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_canceled_total",
			Help: "Orders canceled.",
		}, []string{"symbol", "side"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_rejected_total",
			Help: "Order targets refused by the pre-trade filters or the SOFT guard, or failed at the exchange adapter, by reason.",
		}, []string{"symbol", "side", "reason"}),
		ExchangeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_exchange_errors_total",
			Help: "Errors returned by the exchange adapter, by endpoint.",
		}, []string{"endpoint"}),
		ExchangeErrorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_exchange_error_rate",
			Help: "Rolling-window exchange error rate feeding the circuit gate.",
		}, []string{}),
		RateLimiterWaitMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mm_rate_limiter_wait_ms",
			Help:    "Time spent blocked waiting on a token bucket.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"bucket"}),
		ReconcileMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_reconcile_mismatches_total",
			Help: "Mismatches found by the reconciliation loop, by bucket.",
		}, []string{"bucket"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mm_reconcile_duration_ms",
			Help:    "Duration of one reconciliation pass, in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		InventorySkew: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_inventory_skew",
			Help: "Net signed inventory divided by the per-symbol target inventory; not clamped.",
		}, []string{"symbol"}),
		InventoryNotnl: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_inventory_notional_usd",
			Help: "Absolute notional exposure in USD.",
		}, []string{"symbol"}),
		RealizedPnLUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_realized_pnl_usd",
			Help: "Realized PnL since process start, in USD.",
		}, []string{"symbol"}),
		DailyLossUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_daily_loss_usd",
			Help: "Realized loss summed over symbols since process start, in USD; not reset per trading day.",
		}, []string{}),
	}

	reg.MustRegister(
		r.TickLatencyMs, r.TickDeadlineMisses, r.StageLatencyMs,
		r.BookAgeMs, r.BookStaleReads,
		r.GuardLevel, r.CircuitPhase,
		r.OrdersPlaced, r.OrdersAmended, r.OrdersCanceled, r.OrdersRejected,
		r.ExchangeErrors, r.ExchangeErrorRate, r.RateLimiterWaitMs,
		r.ReconcileMismatches, r.ReconcileDuration,
		r.InventorySkew, r.InventoryNotnl, r.RealizedPnLUSD, r.DailyLossUSD,
	)

	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func circuitPhaseValue(phase string) float64 {
	switch phase {
	case "OPEN":
		return 0
	case "HALF_OPEN":
		return 1
	case "TRIPPED":
		return 2
	default:
		return -1
	}
}

// SetCircuitPhase records the current circuit gate phase as a gauge value.
func (r *Registry) SetCircuitPhase(phase string) {
	r.CircuitPhase.WithLabelValues().Set(circuitPhaseValue(phase))
}

func guardLevelValue(level string) float64 {
	switch level {
	case "OK":
		return 0
	case "SOFT":
		return 1
	case "HARD":
		return 2
	default:
		return -1
	}
}

// SetGuardLevel records the current composite guard level for a symbol.
func (r *Registry) SetGuardLevel(symbol, level string) {
	r.GuardLevel.WithLabelValues(symbol).Set(guardLevelValue(level))
}
