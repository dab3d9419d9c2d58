// Package queue holds the pending queues that sit in front of slow consumers
// such as the serial writer.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

// DefaultSoftCap is the backlog length above which a queue sheds.
const DefaultSoftCap = 100

// OverflowPolicy decides what happens once a queue grows past its soft cap.
type OverflowPolicy int

const (
	// ShedAll clears the whole backlog. Stale motion commands are worse than
	// missing ones on a real-time control link.
	ShedAll OverflowPolicy = iota
	// DropOldest keeps a sliding window of the newest frames.
	DropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	default:
		return "shed-all"
	}
}

// ParsePolicy maps shed-all|drop-oldest onto an OverflowPolicy.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "shed-all", "":
		return ShedAll, nil
	case "drop-oldest":
		return DropOldest, nil
	default:
		return ShedAll, fmt.Errorf("unknown overflow policy %q (use shed-all|drop-oldest)", s)
	}
}

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("pending queue closed")

// Pending is a FIFO of frames with a soft length cap. Push never blocks; Pop
// blocks until a frame is available. It is safe for concurrent use.
type Pending struct {
	name    string
	softCap int
	policy  OverflowPolicy

	mu     sync.Mutex
	items  []frame.Frame
	ready  chan struct{}
	done   chan struct{}
	closed bool
	onShed func(dropped int)
}

// Option configures a Pending queue.
type Option func(*Pending)

// WithName labels the queue in metrics and logs.
func WithName(name string) Option { return func(q *Pending) { q.name = name } }

// WithShedHook is called (outside the lock) after frames were discarded.
func WithShedHook(fn func(dropped int)) Option { return func(q *Pending) { q.onShed = fn } }

// NewPending creates a queue. A non-positive softCap selects DefaultSoftCap.
func NewPending(softCap int, policy OverflowPolicy, opts ...Option) *Pending {
	if softCap <= 0 {
		softCap = DefaultSoftCap
	}
	q := &Pending{
		softCap: softCap,
		policy:  policy,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Policy reports the configured overflow policy.
func (q *Pending) Policy() OverflowPolicy { return q.policy }

// Enforce applies the overflow policy to the current backlog and returns the
// number of frames discarded. Under ShedAll a queue longer than the soft cap
// is empty afterwards.
func (q *Pending) Enforce() int {
	q.mu.Lock()
	dropped := q.enforceLocked()
	n := len(q.items)
	q.mu.Unlock()
	q.afterShed(dropped, n)
	return dropped
}

func (q *Pending) enforceLocked() int {
	if len(q.items) <= q.softCap {
		return 0
	}
	switch q.policy {
	case DropOldest:
		dropped := len(q.items) - q.softCap
		clear(q.items[:dropped])
		q.items = q.items[dropped:]
		return dropped
	default:
		dropped := len(q.items)
		clear(q.items)
		q.items = q.items[:0]
		return dropped
	}
}

func (q *Pending) afterShed(dropped, depth int) {
	if q.name != "" {
		metrics.SetQueueDepth(q.name, depth)
	}
	if dropped == 0 {
		return
	}
	if q.name != "" {
		metrics.AddQueueShed(q.name, dropped)
	}
	if q.onShed != nil {
		q.onShed(dropped)
	}
}

// Push applies the overflow policy and then appends fr. It returns the number
// of frames discarded by the policy. Pushing to a closed queue is a no-op.
func (q *Pending) Push(fr frame.Frame) int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	dropped := q.enforceLocked()
	q.items = append(q.items, fr)
	n := len(q.items)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	q.afterShed(dropped, n)
	return dropped
}

func (q *Pending) popLocked() (frame.Frame, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	fr := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return fr, true
}

// Pop blocks until a frame is available, ctx is done or the queue is closed.
// Frames come out in FIFO order.
func (q *Pending) Pop(ctx context.Context) (frame.Frame, error) {
	for {
		q.mu.Lock()
		fr, ok := q.popLocked()
		closed := q.closed
		n := len(q.items)
		q.mu.Unlock()
		if ok {
			if q.name != "" {
				metrics.SetQueueDepth(q.name, n)
			}
			return fr, nil
		}
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the current backlog length.
func (q *Pending) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes blocked consumers; remaining frames can still be popped.
func (q *Pending) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
