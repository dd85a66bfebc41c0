// Package signals estimates the four scores the Spread stage composes into
// a bounds-checked spread width: realized volatility, book liquidity,
// adapter latency, and PnL deviation from target, each an independent
// [0,1] score with its own rolling window per symbol.
package signals

import (
	"math"
	"sync"
	"time"

	"marketmaker/pkg/types"
)

const (
	defaultVolWindow     = 60 * time.Second
	defaultLatencyWindow = 30 * time.Second
)

type volSample struct {
	mid types.Price
	ts  time.Time
}

type latencySample struct {
	ms time.Duration
	ts time.Time
}

// symbolState is the rolling state tracked per symbol.
type symbolState struct {
	mu sync.Mutex

	volSamples     []volSample
	latencySamples []latencySample

	pnlDeviationUSD float64
}

// Tracker implements pipeline.SignalSource: VolScore, LiquidityScore,
// LatencyScoreEMA, PnlDeviationScore, each normalized to roughly [0,1]
// against a configured reference scale.
type Tracker struct {
	mu      sync.Mutex
	symbols map[string]*symbolState

	volWindow     time.Duration
	latencyWindow time.Duration

	volRefBps       float64 // realized vol, in bps of mid, that maps to score 1.0
	latencyRefMs    float64 // p95 latency, in ms, that maps to score 1.0
	pnlDevRefUSD    float64 // pnl deviation, in USD, that maps to score 1.0
	liquidityRefQty float64 // top-of-book qty that maps to score 1.0 (plenty of depth)
}

// NewTracker builds a Tracker with the reference scales used to normalize
// raw signal magnitudes into [0,1] scores for the Spread stage.
func NewTracker(volRefBps, latencyRefMs, pnlDevRefUSD, liquidityRefQty float64) *Tracker {
	return &Tracker{
		symbols:         make(map[string]*symbolState),
		volWindow:       defaultVolWindow,
		latencyWindow:   defaultLatencyWindow,
		volRefBps:       volRefBps,
		latencyRefMs:    latencyRefMs,
		pnlDevRefUSD:    pnlDevRefUSD,
		liquidityRefQty: liquidityRefQty,
	}
}

func (t *Tracker) stateFor(symbol string) *symbolState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.symbols[symbol]
	if !ok {
		st = &symbolState{}
		t.symbols[symbol] = st
	}
	return st
}

// ObserveMid records a new mid-price observation for the realized
// volatility estimator.
func (t *Tracker) ObserveMid(symbol string, mid types.Price, now time.Time) {
	st := t.stateFor(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.volSamples = append(st.volSamples, volSample{mid: mid, ts: now})
	cutoff := now.Add(-t.volWindow)
	st.volSamples = evictVol(st.volSamples, cutoff)
}

// ObserveLatency records one adapter round-trip latency for the latency
// score's rolling p95 estimate.
func (t *Tracker) ObserveLatency(symbol string, d time.Duration, now time.Time) {
	st := t.stateFor(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.latencySamples = append(st.latencySamples, latencySample{ms: d, ts: now})
	cutoff := now.Add(-t.latencyWindow)
	st.latencySamples = evictLatency(st.latencySamples, cutoff)
}

// SetPnlDeviation records the current absolute deviation between realized
// PnL and its target trajectory, in USD, for PnlDeviationScore.
func (t *Tracker) SetPnlDeviation(symbol string, deviationUSD float64) {
	st := t.stateFor(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pnlDeviationUSD = deviationUSD
}

// VolScore is the realized volatility (root mean square of simple
// mid-price returns, in bps) over the rolling window, normalized against
// volRefBps and clamped to [0,1].
func (t *Tracker) VolScore(symbol string) float64 {
	st := t.stateFor(symbol)
	st.mu.Lock()
	samples := append([]volSample(nil), st.volSamples...)
	st.mu.Unlock()

	if len(samples) < 2 {
		return 0
	}
	var sumSq float64
	n := 0
	for i := 1; i < len(samples); i++ {
		prev, _ := samples[i-1].mid.Float64()
		cur, _ := samples[i].mid.Float64()
		if prev <= 0 {
			continue
		}
		retBps := (cur - prev) / prev * 10000
		sumSq += retBps * retBps
		n++
	}
	if n == 0 || t.volRefBps <= 0 {
		return 0
	}
	realizedBps := math.Sqrt(sumSq / float64(n))
	return clamp01(realizedBps / t.volRefBps)
}

// LiquidityScore measures top-of-book depth: 0 at zero depth, rising
// toward 1.0 as the thinner side's size approaches liquidityRefQty. The
// Spread stage widens by its sensitivity times (1 - score).
func (t *Tracker) LiquidityScore(book types.BookSnapshot) float64 {
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return 0 // no liquidity at all is the thinnest possible book
	}
	bidQty, _ := bid.Qty.Float64()
	askQty, _ := ask.Qty.Float64()
	topQty := bidQty
	if askQty < topQty {
		topQty = askQty
	}
	if t.liquidityRefQty <= 0 {
		return 1
	}
	return clamp01(topQty / t.liquidityRefQty)
}

// LatencyScoreEMA is the rolling-window p95 adapter latency, normalized
// against latencyRefMs.
func (t *Tracker) LatencyScoreEMA(symbol string) float64 {
	st := t.stateFor(symbol)
	st.mu.Lock()
	samples := append([]latencySample(nil), st.latencySamples...)
	st.mu.Unlock()

	if len(samples) == 0 || t.latencyRefMs <= 0 {
		return 0
	}
	ms := make([]float64, len(samples))
	for i, s := range samples {
		ms[i] = float64(s.ms.Milliseconds())
	}
	p95 := percentile(ms, 0.95)
	return clamp01(p95 / t.latencyRefMs)
}

// PnlDeviationScore normalizes the last recorded PnL deviation against
// pnlDevRefUSD.
func (t *Tracker) PnlDeviationScore(symbol string) float64 {
	st := t.stateFor(symbol)
	st.mu.Lock()
	dev := st.pnlDeviationUSD
	st.mu.Unlock()

	if t.pnlDevRefUSD <= 0 {
		return 0
	}
	return clamp01(math.Abs(dev) / t.pnlDevRefUSD)
}

func evictVol(samples []volSample, cutoff time.Time) []volSample {
	idx := 0
	for idx < len(samples) && samples[idx].ts.Before(cutoff) {
		idx++
	}
	return samples[idx:]
}

func evictLatency(samples []latencySample, cutoff time.Time) []latencySample {
	idx := 0
	for idx < len(samples) && samples[idx].ts.Before(cutoff) {
		idx++
	}
	return samples[idx:]
}

func percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

