// Package broker owns the serial link. It republishes every read on the
// from-serial topic and writes everything received on to-serial, and restarts
// the link when it goes silent.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kstaniek/go-uart-bridge/internal/bus"
	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
	"github.com/kstaniek/go-uart-bridge/internal/queue"
	"github.com/kstaniek/go-uart-bridge/internal/serial"
	"github.com/kstaniek/go-uart-bridge/internal/transport"
)

const (
	DefaultMonitorInterval = 2 * time.Second
	DefaultStallAfter      = 3 * time.Second
	DefaultWriteErrorPause = 2 * time.Second
	DefaultReadBufSize     = 4096

	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond

	// QueueName labels the to-serial pending queue in metrics.
	QueueName = "to_serial"
)

type Config struct {
	Serial          serial.Config
	MonitorInterval time.Duration
	StallAfter      time.Duration
	WriteErrorPause time.Duration
	ReadBufSize     int
	QueueCap        int
	Overflow        queue.OverflowPolicy
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Serial:          serial.DefaultConfig(),
		MonitorInterval: DefaultMonitorInterval,
		StallAfter:      DefaultStallAfter,
		WriteErrorPause: DefaultWriteErrorPause,
		ReadBufSize:     DefaultReadBufSize,
		QueueCap:        queue.DefaultSoftCap,
		Overflow:        queue.ShedAll,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.StallAfter <= 0 {
		c.StallAfter = d.StallAfter
	}
	if c.WriteErrorPause <= 0 {
		c.WriteErrorPause = d.WriteErrorPause
	}
	if c.ReadBufSize <= 0 {
		c.ReadBufSize = d.ReadBufSize
	}
	if c.QueueCap <= 0 {
		c.QueueCap = d.QueueCap
	}
	return c
}

// Option configures a Link.
type Option func(*Link)

// WithOpener replaces serial.Open.
func WithOpener(o serial.Opener) Option { return func(l *Link) { l.open = o } }

// WithClock replaces time.Now for the stall clock.
func WithClock(now func() time.Time) Option { return func(l *Link) { l.now = now } }

func WithLogger(lg *slog.Logger) Option { return func(l *Link) { l.log = lg } }

// Link is the broker's per-process state: the serial handle, the pump pair
// bound to it, the to-serial queue and the link health.
type Link struct {
	cfg    Config
	bus    bus.Bus
	open   serial.Opener
	now    func() time.Time
	log    *slog.Logger
	queue  *queue.Pending
	health *Health

	mu         sync.Mutex
	port       serial.Port
	pumpCancel context.CancelFunc
	pumps      sync.WaitGroup

	readErrs  rate.Sometimes
	writeErrs rate.Sometimes
	openErrs  rate.Sometimes
}

// New creates a Link publishing to and subscribing from b.
func New(b bus.Bus, cfg Config, opts ...Option) *Link {
	l := &Link{
		cfg:       cfg.withDefaults(),
		bus:       b,
		open:      serial.Open,
		now:       time.Now,
		readErrs:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
		writeErrs: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		openErrs:  rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, o := range opts {
		o(l)
	}
	if l.log == nil {
		l.log = logging.For("broker")
	}
	l.health = NewHealth(l.cfg.StallAfter, l.now)
	l.queue = queue.NewPending(l.cfg.QueueCap, l.cfg.Overflow, queue.WithName(QueueName), queue.WithShedHook(func(n int) {
		l.log.Warn("queue_shed", "queue", QueueName, "dropped", n, "policy", l.cfg.Overflow.String())
	}))
	return l
}

// State reports the link health.
func (l *Link) State() State { return l.health.State() }

// Ready reports whether a serial handle is currently open.
func (l *Link) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Run subscribes to to-serial, opens the port and supervises it until ctx is
// done. Only a failure to subscribe is returned; serial errors are retried.
func (l *Link) Run(ctx context.Context) error {
	sub, err := l.bus.Subscribe(ctx, frame.ToSerial)
	if err != nil {
		metrics.IncError(metrics.ErrBusSubscribe)
		return fmt.Errorf("subscribe %s: %w", frame.ToSerial, err)
	}
	var fwd sync.WaitGroup
	fwd.Add(1)
	go func() {
		defer fwd.Done()
		l.forward(ctx, sub)
	}()

	l.log.Info("broker_start", "serial", l.cfg.Serial.String(), "monitor", l.cfg.MonitorInterval, "stall_after", l.cfg.StallAfter, "overflow", l.queue.Policy().String())
	l.reopen(ctx, "startup")

	t := time.NewTicker(l.cfg.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			l.stopPumps()
			l.queue.Close()
			fwd.Wait()
			l.log.Info("broker_stop")
			return nil
		case <-t.C:
			l.tick(ctx)
		}
	}
}

// tick is one health monitor pass.
func (l *Link) tick(ctx context.Context) {
	if !l.Ready() {
		l.reopen(ctx, "retry")
		return
	}
	if stalled, silent := l.health.Check(); stalled {
		metrics.SetSerialLinkActive(false)
		l.log.Warn("serial_stalled", "silent_for", silent.Round(time.Millisecond))
		l.reopen(ctx, "stalled")
	}
}

// reopen stops the current pump pair, closes the handle, opens a new one and
// starts fresh pumps bound to it. Pumps are joined before the new handle
// exists so no pump can touch a stale handle.
func (l *Link) reopen(ctx context.Context, reason string) {
	l.stopPumps()
	if ctx.Err() != nil {
		return
	}
	p, err := l.open(l.cfg.Serial)
	if err != nil {
		metrics.IncError(metrics.ErrSerialOpen)
		if l.health.MarkAbsent() {
			metrics.SetSerialLinkActive(false)
			l.log.Warn("serial_stalled", "reason", "device_absent", "device", l.cfg.Serial.Device)
		}
		l.openErrs.Do(func() {
			l.log.Error("serial_open_failed", "device", l.cfg.Serial.Device, "reason", reason, "error", err)
		})
		return
	}
	l.health.Rearm()
	if reason != "startup" {
		metrics.IncSerialReopen()
	} else {
		metrics.SetSerialLinkActive(true)
	}
	l.log.Info("serial_open", "device", l.cfg.Serial.Device, "baud", l.cfg.Serial.Baud, "reason", reason)

	pctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.port = p
	l.pumpCancel = cancel
	l.mu.Unlock()
	l.pumps.Add(2)
	go l.readPump(pctx, p)
	go l.writePump(pctx, p)
}

// stopPumps signals the pump pair, closes the handle to unblock any pending
// I/O and waits for both pumps to exit.
func (l *Link) stopPumps() {
	l.mu.Lock()
	cancel, p := l.pumpCancel, l.port
	l.pumpCancel, l.port = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if p != nil {
		if err := p.Close(); err != nil {
			l.log.Debug("serial_close_error", "error", err)
		}
	}
	l.pumps.Wait()
}

func (l *Link) readPump(ctx context.Context, p serial.Port) {
	defer l.pumps.Done()
	defer l.log.Debug("serial_rx_end")
	buf := make([]byte, l.cfg.ReadBufSize)
	backoff := rxBackoffMin
	for ctx.Err() == nil {
		n, err := p.Read(buf)
		if n > 0 {
			if l.health.MarkRead() {
				metrics.SetSerialLinkActive(true)
				l.log.Info("serial_recovered")
			}
			metrics.IncSerialRx()
			l.bus.Publish(frame.FromSerial, frame.Frame(buf[:n]))
			backoff = rxBackoffMin
		}
		if err == nil || serial.IsIdle(0, err) || ctx.Err() != nil {
			continue
		}
		switch kind := transport.Classify(err); kind {
		case transport.KindTimeout:
			continue
		case transport.KindDisconnected, transport.KindProtocolViolation, transport.KindUnknown:
			metrics.IncError(metrics.ErrSerialRead)
			l.readErrs.Do(func() { l.log.Warn("serial_read_error", "kind", kind.String(), "error", err, "backoff", backoff) })
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, rxBackoffMax)
		}
	}
}

func (l *Link) writePump(ctx context.Context, p serial.Port) {
	defer l.pumps.Done()
	defer l.log.Debug("serial_tx_end")
	for {
		fr, err := l.queue.Pop(ctx)
		if err != nil {
			return
		}
		if _, err := p.Write(fr); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrSerialWrite)
			l.writeErrs.Do(func() {
				l.log.Warn("serial_write_error", "kind", transport.Classify(err).String(), "error", err, "pause", l.cfg.WriteErrorPause)
			})
			if !sleepCtx(ctx, l.cfg.WriteErrorPause) {
				return
			}
			// backlog that built up during the pause is checked before the next write
			l.queue.Enforce()
			continue
		}
		metrics.IncSerialTx()
	}
}

// forward moves to-serial frames from the bus into the pending queue for the
// lifetime of Run, independent of serial restarts.
func (l *Link) forward(ctx context.Context, sub *bus.Subscription) {
	for {
		l.drain(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("bus_resubscribe", "topic", string(frame.ToSerial))
		for {
			var err error
			sub, err = l.bus.Subscribe(ctx, frame.ToSerial)
			if err == nil {
				break
			}
			metrics.IncError(metrics.ErrBusSubscribe)
			if errors.Is(err, bus.ErrClosed) || !sleepCtx(ctx, time.Second) {
				return
			}
		}
	}
}

func (l *Link) drain(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case fr := <-sub.C():
			l.queue.Push(fr)
		case <-sub.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
