// QueueAware stage: a short-window estimate of how fast resting size at
// our price level is being absorbed, producing a bounded ≤1-tick price
// adjustment.
package pipeline

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/pkg/types"
)

// QueueObservation is one point of evidence about activity at a price level:
// either a fill we received there, or a trade print that walked through it.
type QueueObservation struct {
	Side      types.Side
	Qty       types.Quantity
	Timestamp time.Time
}

// QueueTracker estimates queue-absorption rate in a rolling window and turns
// it into a bounded per-tick nudge for the QueueAware pipeline stage.
type QueueTracker struct {
	mu sync.RWMutex

	windowDuration time.Duration
	observations   []QueueObservation

	unfavorableThreshold float64 // absorption rate (qty/sec) above which our queue position is judged stale
}

// NewQueueTracker creates a tracker with the given rolling window and the
// absorption-rate threshold above which the book is moving through our
// level faster than we'd expect to get filled favorably.
func NewQueueTracker(windowDuration time.Duration, unfavorableThreshold float64) *QueueTracker {
	return &QueueTracker{
		windowDuration:       windowDuration,
		observations:         make([]QueueObservation, 0, 64),
		unfavorableThreshold: unfavorableThreshold,
	}
}

// Observe records one trade print or fill near our resting price.
func (qt *QueueTracker) Observe(o QueueObservation) {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	qt.observations = append(qt.observations, o)
	qt.evictStaleLocked(o.Timestamp)
}

func (qt *QueueTracker) evictStaleLocked(now time.Time) {
	cutoff := now.Add(-qt.windowDuration)
	keepFrom := 0
	for i, o := range qt.observations {
		if o.Timestamp.After(cutoff) {
			keepFrom = i
			break
		}
		keepFrom = i + 1
	}
	qt.observations = qt.observations[keepFrom:]
}

// AbsorptionRate returns the estimated quantity absorbed per second on the
// given side within the rolling window, as of now.
func (qt *QueueTracker) AbsorptionRate(side types.Side, now time.Time) float64 {
	qt.mu.Lock()
	qt.evictStaleLocked(now)
	obs := append([]QueueObservation(nil), qt.observations...)
	qt.mu.Unlock()

	if len(obs) == 0 {
		return 0
	}
	var total float64
	for _, o := range obs {
		if o.Side != side {
			continue
		}
		f, _ := o.Qty.Decimal.Float64()
		total += f
	}
	seconds := qt.windowDuration.Seconds()
	if seconds <= 0 {
		return 0
	}
	return total / seconds
}

// Nudge computes the ≤1-tick price adjustment for a resting quote on side,
// returning the number of ticks to move toward the touch (positive) when
// queue absorption is statistically unfavorable, else 0. The pipeline
// applies this after rounding, bounded to one tick per call.
func (qt *QueueTracker) Nudge(side types.Side, now time.Time) int {
	rate := qt.AbsorptionRate(side, now)
	if rate > qt.unfavorableThreshold {
		return 1
	}
	return 0
}

// ApplyNudge moves price ticks ticks toward the touch on the given side,
// never crossing past the provided best opposite price.
func ApplyNudge(price types.Price, side types.Side, ticks int, tickSize types.Price, bestOpposite *types.Price) types.Price {
	if ticks <= 0 {
		return price
	}
	delta := tickSize.Decimal.Mul(decimal.NewFromInt(int64(ticks)))
	var nudged types.Price
	if side == types.Buy {
		nudged = types.Price{Decimal: price.Decimal.Add(delta)}
		if bestOpposite != nil && nudged.Decimal.GreaterThanOrEqual(bestOpposite.Decimal) {
			nudged = types.Price{Decimal: bestOpposite.Decimal.Sub(tickSize.Decimal)}
		}
	} else {
		nudged = types.Price{Decimal: price.Decimal.Sub(delta)}
		if bestOpposite != nil && nudged.Decimal.LessThanOrEqual(bestOpposite.Decimal) {
			nudged = types.Price{Decimal: bestOpposite.Decimal.Add(tickSize.Decimal)}
		}
	}
	return nudged
}
