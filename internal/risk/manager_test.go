package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"marketmaker/internal/config"
	"marketmaker/pkg/types"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		Soft: config.GuardThresholds{
			InventorySkewMax: 0.5,
			ErrorRateMax:     0.2,
			TEnterS:          0.02,
			TExitS:           0.05,
		},
		Hard: config.GuardThresholds{
			InventorySkewMax: 0.9,
			ErrorRateMax:     0.4,
			TEnterS:          0.02,
			TExitS:           0.05,
		},
	}
}

func newTestManager() *Manager {
	return NewManager(testRiskConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFeedStaysOKUnderAllThresholds(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	st := m.Feed(Signals{Symbol: "X", InventorySkew: 0.1, Now: time.Now()})
	if st.Level != types.GuardOK {
		t.Errorf("level = %v, want OK", st.Level)
	}
}

func TestFeedEntersSoftAfterTEnter(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	base := time.Now()

	st := m.Feed(Signals{Symbol: "X", InventorySkew: 0.6, Now: base})
	if st.Level != types.GuardOK {
		t.Errorf("level = %v immediately after breach, want OK (t_enter not elapsed)", st.Level)
	}

	st = m.Feed(Signals{Symbol: "X", InventorySkew: 0.6, Now: base.Add(30 * time.Millisecond)})
	if st.Level != types.GuardSoft {
		t.Errorf("level = %v after t_enter elapsed, want SOFT", st.Level)
	}
	if _, ok := st.Reasons["inventory_skew"]; !ok {
		t.Errorf("reasons = %v, want inventory_skew", st.Reasons)
	}
}

func TestFeedEntersHardWhenHardBreached(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	base := time.Now()

	m.Feed(Signals{Symbol: "X", InventorySkew: 0.95, Now: base})
	st := m.Feed(Signals{Symbol: "X", InventorySkew: 0.95, Now: base.Add(30 * time.Millisecond)})
	if st.Level != types.GuardHard {
		t.Errorf("level = %v, want HARD", st.Level)
	}
}

func TestHysteresisNoChatterWithinMinDwell(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	base := time.Now()

	m.Feed(Signals{Symbol: "X", InventorySkew: 0.6, Now: base})
	m.Feed(Signals{Symbol: "X", InventorySkew: 0.6, Now: base.Add(30 * time.Millisecond)})

	// Signal drops below threshold but less than t_exit has passed: level
	// must not flip back to OK yet.
	st := m.Feed(Signals{Symbol: "X", InventorySkew: 0.1, Now: base.Add(40 * time.Millisecond)})
	if st.Level != types.GuardSoft {
		t.Errorf("level = %v before t_exit elapsed, want SOFT to persist", st.Level)
	}

	st = m.Feed(Signals{Symbol: "X", InventorySkew: 0.1, Now: base.Add(100 * time.Millisecond)})
	if st.Level != types.GuardOK {
		t.Errorf("level = %v after t_exit elapsed, want OK", st.Level)
	}
}

func TestForceHardDesyncOverridesSignals(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.ForceHardDesync("X")

	st := m.Feed(Signals{Symbol: "X", InventorySkew: 0, Now: time.Now()})
	if st.Level != types.GuardHard {
		t.Errorf("level = %v, want HARD while desync hold is active", st.Level)
	}
	if _, ok := st.Reasons["hard_desync"]; !ok {
		t.Errorf("reasons = %v, want hard_desync", st.Reasons)
	}

	m.ClearHardDesync("X")
	st = m.Feed(Signals{Symbol: "X", InventorySkew: 0, Now: time.Now()})
	if st.Level != types.GuardOK {
		t.Errorf("level = %v after clearing desync hold, want OK", st.Level)
	}
}

func TestSnapshotWithoutFeedReturnsOK(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	st := m.Snapshot("never-fed")
	if st.Level != types.GuardOK {
		t.Errorf("level = %v, want OK for unknown symbol", st.Level)
	}
}
