package broker

import (
	"sync"
	"time"
)

// State is the health of the serial link.
type State int32

const (
	StateActive State = iota
	StateStalled
)

func (s State) String() string {
	if s == StateStalled {
		return "stalled"
	}
	return "active"
}

// Health tracks read activity on the link. A stall episode is a silence
// window longer than the stall threshold, measured from the last successful
// read or the last reopen, whichever is later. Only a read moves the link
// back to active.
type Health struct {
	mu         sync.Mutex
	now        func() time.Time
	stallAfter time.Duration
	last       time.Time
	state      State
}

// NewHealth starts an active link whose stall clock runs from now.
func NewHealth(stallAfter time.Duration, now func() time.Time) *Health {
	if now == nil {
		now = time.Now
	}
	return &Health{now: now, stallAfter: stallAfter, last: now()}
}

// MarkRead records a successful read and reports whether the link just
// recovered from a stall.
func (h *Health) MarkRead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = h.now()
	recovered := h.state == StateStalled
	h.state = StateActive
	return recovered
}

// Rearm restarts the stall clock after a reopen without changing the state.
func (h *Health) Rearm() {
	h.mu.Lock()
	h.last = h.now()
	h.mu.Unlock()
}

// MarkAbsent marks the link stalled because no device handle could be
// opened. It reports whether the state changed.
func (h *Health) MarkAbsent() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	changed := h.state != StateStalled
	h.state = StateStalled
	return changed
}

// Check marks the link stalled when the silence exceeds the threshold and
// returns true in that case along with the silence duration.
func (h *Health) Check() (bool, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	silent := h.now().Sub(h.last)
	if silent <= h.stallAfter {
		return false, silent
	}
	h.state = StateStalled
	return true, silent
}

func (h *Health) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
