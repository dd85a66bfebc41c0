package types

import "testing"

func mustPrice(t *testing.T, v string) Price {
	t.Helper()
	p, err := NewPrice(v)
	if err != nil {
		t.Fatalf("NewPrice(%q): %v", v, err)
	}
	return p
}

func mustQty(t *testing.T, v string) Quantity {
	t.Helper()
	q, err := NewQuantity(v)
	if err != nil {
		t.Fatalf("NewQuantity(%q): %v", v, err)
	}
	return q
}

func TestRoundDownToTick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		px   string
		tick string
		want string
	}{
		{"already on tick", "100.05", "0.01", "100.05"},
		{"rounds down", "100.057", "0.01", "100.05"},
		{"coarse tick", "100.057", "0.5", "100"},
		{"zero tick passes through", "100.057", "0", "100.057"},
		{"sub-tick price floors to zero", "0.004", "0.01", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := RoundDownToTick(mustPrice(t, tt.px), mustPrice(t, tt.tick))
			if !got.Equal(mustPrice(t, tt.want).Decimal) {
				t.Errorf("RoundDownToTick(%s, %s) = %s, want %s", tt.px, tt.tick, got, tt.want)
			}
		})
	}
}

func TestRoundUpToTick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		px   string
		tick string
		want string
	}{
		{"already on tick", "100.05", "0.01", "100.05"},
		{"rounds up", "100.051", "0.01", "100.06"},
		{"coarse tick", "100.1", "0.5", "100.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := RoundUpToTick(mustPrice(t, tt.px), mustPrice(t, tt.tick))
			if !got.Equal(mustPrice(t, tt.want).Decimal) {
				t.Errorf("RoundUpToTick(%s, %s) = %s, want %s", tt.px, tt.tick, got, tt.want)
			}
		})
	}
}

func TestRoundDownToLot(t *testing.T) {
	t.Parallel()

	got := RoundDownToLot(mustQty(t, "1.2345"), mustQty(t, "0.001"))
	if !got.Equal(mustQty(t, "1.234").Decimal) {
		t.Errorf("RoundDownToLot = %s, want 1.234", got)
	}
}

func TestBookMid(t *testing.T) {
	t.Parallel()

	book := BookSnapshot{
		Bids: []PriceLevel{{Price: mustPrice(t, "99.95"), Qty: mustQty(t, "1")}},
		Asks: []PriceLevel{{Price: mustPrice(t, "100.05"), Qty: mustQty(t, "2")}},
	}
	mid, ok := book.Mid()
	if !ok {
		t.Fatal("Mid() not ok for a two-sided book")
	}
	if !mid.Equal(mustPrice(t, "100").Decimal) {
		t.Errorf("mid = %s, want 100", mid)
	}
}

func TestBookMidOneSided(t *testing.T) {
	t.Parallel()

	book := BookSnapshot{
		Bids: []PriceLevel{{Price: mustPrice(t, "99.95"), Qty: mustQty(t, "1")}},
	}
	if _, ok := book.Mid(); ok {
		t.Error("Mid() ok for a one-sided book, want false")
	}
}

func TestOrderStateTerminal(t *testing.T) {
	t.Parallel()

	terminal := []OrderState{StateFilled, StateCanceled, StateRejected}
	for _, st := range terminal {
		if !st.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", st)
		}
	}
	live := []OrderState{StatePending, StateOpen, StatePartiallyFilled}
	for _, st := range live {
		if st.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", st)
		}
	}
}
