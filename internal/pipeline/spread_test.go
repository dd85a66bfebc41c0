package pipeline

import (
	"testing"

	"marketmaker/internal/config"
	"marketmaker/pkg/types"
)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		MinSpreadBps:          5,
		MaxSpreadBps:          100,
		KVolSensitivity:       50,
		KLiquiditySensitivity: 20,
		KLatencySensitivity:   10,
		KPnlSensitivity:       10,
	}
}

func TestComputeSpreadBpsClampsToMin(t *testing.T) {
	cfg := testStrategyConfig()
	bps := ComputeSpreadBps(SpreadSignals{LiquidityScore: 1.0}, cfg)
	if bps != float64(cfg.MinSpreadBps) {
		t.Errorf("bps = %v, want min %v", bps, cfg.MinSpreadBps)
	}
}

func TestComputeSpreadBpsClampsToMax(t *testing.T) {
	cfg := testStrategyConfig()
	cfg.MaxSpreadBps = 80 // unclamped sum is 5 + 50 + 20 + 10 + 10 = 95
	bps := ComputeSpreadBps(SpreadSignals{
		VolScore:       1,
		LiquidityScore: 0,
		LatencyScore:   1,
		PnlDevScore:    1,
	}, cfg)
	if bps != float64(cfg.MaxSpreadBps) {
		t.Errorf("bps = %v, want max %v", bps, cfg.MaxSpreadBps)
	}
}

func TestQuotesAroundMidSymmetric(t *testing.T) {
	mid := types.PriceFromFloat(100)
	bid, ask := QuotesAroundMid(mid, 20) // 10 bps each side
	bidF, _ := bid.Decimal.Float64()
	askF, _ := ask.Decimal.Float64()
	if bidF >= 100 || askF <= 100 {
		t.Errorf("bid=%v ask=%v, want bid<100<ask", bidF, askF)
	}
	midDiff := (100 - bidF) - (askF - 100)
	if midDiff > 1e-6 || midDiff < -1e-6 {
		t.Errorf("bid/ask not symmetric around mid: bid=%v ask=%v", bidF, askF)
	}
}
