package broker

import (
	"testing"
	"time"
)

func TestHealthTransitions(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	h := NewHealth(3*time.Second, clk.Now)
	if h.State() != StateActive {
		t.Fatalf("initial state %v", h.State())
	}
	clk.Advance(3 * time.Second)
	if stalled, _ := h.Check(); stalled {
		t.Fatalf("stalled at exactly the threshold")
	}
	clk.Advance(time.Millisecond)
	stalled, silent := h.Check()
	if !stalled || silent != 3*time.Second+time.Millisecond || h.State() != StateStalled {
		t.Fatalf("expected stall, got %v %v %v", stalled, silent, h.State())
	}
	h.Rearm()
	if stalled, _ := h.Check(); stalled {
		t.Fatalf("rearm did not restart the clock")
	}
	if h.State() != StateStalled {
		t.Fatalf("rearm must not mark the link active")
	}
	if !h.MarkRead() {
		t.Fatalf("MarkRead should report recovery")
	}
	if h.MarkRead() {
		t.Fatalf("second MarkRead is not a recovery")
	}
	if StateActive.String() != "active" || StateStalled.String() != "stalled" {
		t.Fatalf("state names")
	}
}
