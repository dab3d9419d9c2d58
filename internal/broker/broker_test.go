package broker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/bus"
	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/serial"
)

// fakePort returns queued reads and otherwise behaves like an idle tarm port:
// (0, io.EOF) after a short wait.
type fakePort struct {
	id       int
	rx       chan []byte
	closed   chan struct{}
	once     sync.Once
	mu       sync.Mutex
	written  [][]byte
	attempts int
	writeErr error
	readers  *atomic.Int32
}

func newFakePort(id int, readers *atomic.Int32) *fakePort {
	return &fakePort{id: id, rx: make(chan []byte, 16), closed: make(chan struct{}), readers: readers}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.readers.Add(1)
	defer p.readers.Add(-1)
	select {
	case <-p.closed:
		return 0, errors.New("port closed")
	case d := <-p.rx:
		return copy(b, d), nil
	case <-time.After(5 * time.Millisecond):
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written = append(p.written, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) Close() error { p.once.Do(func() { close(p.closed) }); return nil }

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakePort) writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.written...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.t }
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type opener struct {
	mu      sync.Mutex
	ports   []*fakePort
	fail    int // fail this many opens before succeeding
	readers atomic.Int32
	stale   atomic.Bool
}

func (o *opener) Open(serial.Config) (serial.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.ports) > 0 {
		prev := o.ports[len(o.ports)-1]
		if !prev.isClosed() || o.readers.Load() != 0 {
			o.stale.Store(true)
		}
	}
	if o.fail > 0 {
		o.fail--
		return nil, errors.New("no such device")
	}
	p := newFakePort(len(o.ports)+1, &o.readers)
	o.ports = append(o.ports, p)
	return p, nil
}

func (o *opener) count() int { o.mu.Lock(); defer o.mu.Unlock(); return len(o.ports) }
func (o *opener) last() *fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.ports) == 0 {
		return nil
	}
	return o.ports[len(o.ports)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func newTestLink(t *testing.T, o *opener, clk *fakeClock) (*Link, *bus.Memory) {
	t.Helper()
	b := bus.NewMemory(bus.Options{})
	t.Cleanup(func() { b.Close() })
	cfg := DefaultConfig()
	cfg.WriteErrorPause = 10 * time.Millisecond
	return New(b, cfg, WithOpener(o.Open), WithClock(clk.Now)), b
}

func TestSingleReopenPerStallEpisode(t *testing.T) {
	o := &opener{}
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l, _ := newTestLink(t, o, clk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer l.stopPumps()

	l.reopen(ctx, "startup")
	if o.count() != 1 || !l.Ready() {
		t.Fatalf("startup open: count=%d", o.count())
	}

	clk.Advance(2 * time.Second)
	l.tick(ctx)
	if o.count() != 1 {
		t.Fatalf("reopened before stall threshold")
	}

	clk.Advance(1500 * time.Millisecond) // 3.5s of silence
	l.tick(ctx)
	if o.count() != 2 {
		t.Fatalf("expected exactly one reopen, opens=%d", o.count())
	}
	if l.State() != StateStalled {
		t.Fatalf("state = %v, want stalled right after reopen", l.State())
	}
	if o.stale.Load() {
		t.Fatalf("new handle opened while old pumps were still running")
	}

	// same episode: further ticks inside the window must not reopen
	l.tick(ctx)
	clk.Advance(2 * time.Second)
	l.tick(ctx)
	if o.count() != 2 {
		t.Fatalf("second reopen in one episode, opens=%d", o.count())
	}
	if l.State() != StateStalled {
		t.Fatalf("state flipped to active without a read")
	}

	o.last().rx <- []byte("ok\n")
	waitFor(t, "active after read", func() bool { return l.State() == StateActive })
}

func TestOpenFailureRetriedEveryTick(t *testing.T) {
	o := &opener{fail: 2}
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l, _ := newTestLink(t, o, clk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer l.stopPumps()

	l.reopen(ctx, "startup")
	if l.Ready() {
		t.Fatalf("ready after failed open")
	}
	l.tick(ctx)
	if l.Ready() {
		t.Fatalf("ready after second failed open")
	}
	l.tick(ctx)
	if !l.Ready() || o.count() != 1 {
		t.Fatalf("third attempt should open, ready=%v count=%d", l.Ready(), o.count())
	}
}

func TestReadPumpPublishesFromSerial(t *testing.T) {
	o := &opener{}
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l, b := newTestLink(t, o, clk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer l.stopPumps()

	sub, err := b.Subscribe(ctx, frame.FromSerial)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	l.reopen(ctx, "startup")
	o.last().rx <- []byte("ok\n")
	select {
	case fr := <-sub.C():
		if string(fr) != "ok\n" {
			t.Fatalf("got %q", fr)
		}
	case <-time.After(time.Second):
		t.Fatalf("no from-serial frame")
	}
}

func TestRunWritesToSerialInOrder(t *testing.T) {
	o := &opener{}
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l, b := newTestLink(t, o, clk)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	waitFor(t, "port open", l.Ready)

	for _, s := range []string{"G1 X10\n", "G1 Y5\n", "M3\n"} {
		b.Publish(frame.ToSerial, frame.Frame(s))
	}
	p := o.last()
	waitFor(t, "three writes", func() bool { return len(p.writes()) == 3 })
	got := p.writes()
	if string(got[0]) != "G1 X10\n" || string(got[1]) != "G1 Y5\n" || string(got[2]) != "M3\n" {
		t.Fatalf("writes out of order: %q", got)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
	if !p.isClosed() {
		t.Fatalf("port left open after shutdown")
	}
}

func TestWriteErrorPausesAndContinues(t *testing.T) {
	o := &opener{}
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l, b := newTestLink(t, o, clk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)
	waitFor(t, "port open", l.Ready)
	p := o.last()
	p.mu.Lock()
	p.writeErr = errors.New("write: input/output error")
	p.mu.Unlock()

	b.Publish(frame.ToSerial, frame.Frame("lost\n"))
	waitFor(t, "failed write", func() bool { p.mu.Lock(); defer p.mu.Unlock(); return p.attempts == 1 })
	p.mu.Lock()
	p.writeErr = nil
	p.mu.Unlock()
	b.Publish(frame.ToSerial, frame.Frame("next\n"))
	waitFor(t, "write after pause", func() bool { return len(p.writes()) == 1 })
	if string(p.writes()[0]) != "next\n" {
		t.Fatalf("got %q", p.writes()[0])
	}
}

func TestBacklogShedAfterWritePause(t *testing.T) {
	o := &opener{}
	clk := &fakeClock{t: time.Unix(1000, 0)}
	b := bus.NewMemory(bus.Options{})
	t.Cleanup(func() { b.Close() })
	cfg := DefaultConfig()
	cfg.QueueCap = 2
	cfg.WriteErrorPause = 300 * time.Millisecond
	l := New(b, cfg, WithOpener(o.Open), WithClock(clk.Now))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)
	waitFor(t, "port open", l.Ready)
	p := o.last()
	p.mu.Lock()
	p.writeErr = errors.New("write: input/output error")
	p.mu.Unlock()

	b.Publish(frame.ToSerial, frame.Frame("lost\n"))
	waitFor(t, "failed write", func() bool { p.mu.Lock(); defer p.mu.Unlock(); return p.attempts == 1 })
	p.mu.Lock()
	p.writeErr = nil
	p.mu.Unlock()
	for _, s := range []string{"a\n", "b\n", "c\n"} {
		b.Publish(frame.ToSerial, frame.Frame(s))
	}
	waitFor(t, "backlog queued", func() bool { return l.queue.Len() == 3 })
	waitFor(t, "backlog shed", func() bool { return l.queue.Len() == 0 })

	b.Publish(frame.ToSerial, frame.Frame("next\n"))
	waitFor(t, "write after shed", func() bool { return len(p.writes()) >= 1 })
	if w := p.writes(); len(w) != 1 || string(w[0]) != "next\n" {
		t.Fatalf("writes = %q, want only the frame sent after the shed", w)
	}
}

type noTopicBus struct{ bus.Bus }

func (noTopicBus) Subscribe(context.Context, frame.Topic) (*bus.Subscription, error) {
	return nil, bus.ErrTopicUnavailable
}

func TestRunFailsWhenTopicUnavailable(t *testing.T) {
	l := New(noTopicBus{}, DefaultConfig(), WithOpener((&opener{}).Open))
	if err := l.Run(context.Background()); !errors.Is(err, bus.ErrTopicUnavailable) {
		t.Fatalf("Run = %v, want ErrTopicUnavailable", err)
	}
}

func TestAbsentDeviceIsStalled(t *testing.T) {
	o := &opener{fail: 1000}
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l, _ := newTestLink(t, o, clk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer l.stopPumps()

	l.reopen(ctx, "startup")
	for i := 0; i < 5; i++ {
		clk.Advance(2 * time.Second)
		l.tick(ctx)
	}
	if l.Ready() {
		t.Fatalf("ready with every open failing")
	}
	if l.State() != StateStalled {
		t.Fatalf("state = %v with device absent, want stalled", l.State())
	}
}

func TestAbsentThenOpenStaysStalledUntilRead(t *testing.T) {
	o := &opener{fail: 1}
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l, _ := newTestLink(t, o, clk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer l.stopPumps()

	l.reopen(ctx, "startup")
	if l.State() != StateStalled {
		t.Fatalf("state = %v after failed open", l.State())
	}
	l.tick(ctx)
	if !l.Ready() {
		t.Fatalf("retry did not open")
	}
	if l.State() != StateStalled {
		t.Fatalf("open alone must not mark the link active")
	}
	o.last().rx <- []byte("ok\n")
	waitFor(t, "active after read", func() bool { return l.State() == StateActive })
}
