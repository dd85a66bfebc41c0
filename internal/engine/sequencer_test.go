package engine

import (
	"testing"

	"marketmaker/pkg/types"
)

func seqFill(seq uint64) types.Fill {
	return types.Fill{ClientOrderID: "c1", Symbol: "BTC-USD", Seq: seq}
}

func TestSequencerPassesInOrderFills(t *testing.T) {
	t.Parallel()
	s := newFillSequencer(8)

	for _, seq := range []uint64{10, 11, 12} {
		ready, dropped := s.Push(seqFill(seq))
		if dropped != 0 {
			t.Fatalf("dropped = %d for in-order fill %d, want 0", dropped, seq)
		}
		if len(ready) != 1 || ready[0].Seq != seq {
			t.Fatalf("ready = %v for in-order fill %d, want just itself", ready, seq)
		}
	}
}

func TestSequencerReordersGap(t *testing.T) {
	t.Parallel()
	s := newFillSequencer(8)

	s.Push(seqFill(1))

	ready, _ := s.Push(seqFill(3)) // gap: 2 missing
	if len(ready) != 0 {
		t.Fatalf("ready = %v while waiting on seq 2, want none", ready)
	}

	ready, _ = s.Push(seqFill(2))
	if len(ready) != 2 || ready[0].Seq != 2 || ready[1].Seq != 3 {
		t.Fatalf("ready = %v after gap closes, want [2 3]", ready)
	}
}

func TestSequencerDropsStaleFill(t *testing.T) {
	t.Parallel()
	s := newFillSequencer(8)

	s.Push(seqFill(5))
	ready, dropped := s.Push(seqFill(4))
	if dropped != 1 || len(ready) != 0 {
		t.Errorf("ready=%v dropped=%d for an already-passed seq, want drop", ready, dropped)
	}
}

func TestSequencerFlushesPastLostEvent(t *testing.T) {
	t.Parallel()
	s := newFillSequencer(2)

	s.Push(seqFill(1))
	// Seq 2 never arrives; 3, 4, 5 pile up past the window of 2.
	s.Push(seqFill(3))
	s.Push(seqFill(4))
	ready, _ := s.Push(seqFill(5))
	if len(ready) != 3 || ready[0].Seq != 3 || ready[2].Seq != 5 {
		t.Fatalf("ready = %v after buffer overflow, want [3 4 5] flushed in order", ready)
	}

	// The stream resumes after the gap.
	ready, _ = s.Push(seqFill(6))
	if len(ready) != 1 || ready[0].Seq != 6 {
		t.Errorf("ready = %v for seq 6 after flush, want just itself", ready)
	}
}

func TestSequencerZeroSeqPassesThrough(t *testing.T) {
	t.Parallel()
	s := newFillSequencer(8)
	ready, dropped := s.Push(types.Fill{ClientOrderID: "c1", Seq: 0})
	if dropped != 0 || len(ready) != 1 {
		t.Errorf("ready=%v dropped=%d for an unsequenced fill, want pass-through", ready, dropped)
	}
}
