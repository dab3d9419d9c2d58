package usb

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kstaniek/go-uart-bridge/internal/bus"
	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
	"github.com/kstaniek/go-uart-bridge/internal/queue"
	"github.com/kstaniek/go-uart-bridge/internal/transport"
)

const (
	DefaultRescan       = 3 * time.Second
	DefaultReadTimeout  = 1000 * time.Millisecond
	DefaultWriteTimeout = 1000 * time.Millisecond
	DefaultReadSize     = 1024

	// QueueName labels the device-to-serial queue in metrics.
	QueueName = "usb_to_serial"
)

type Config struct {
	Identity     Identity
	Settle       time.Duration
	Rescan       time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ReadSize     int
	QueueCap     int
	Overflow     queue.OverflowPolicy
}

func DefaultConfig() Config {
	return Config{
		Identity:     DefaultIdentity(),
		Settle:       DefaultSettle,
		Rescan:       DefaultRescan,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		ReadSize:     DefaultReadSize,
		QueueCap:     queue.DefaultSoftCap,
		Overflow:     queue.ShedAll,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Identity == (Identity{}) {
		c.Identity = d.Identity
	}
	if c.Settle <= 0 {
		c.Settle = d.Settle
	}
	if c.Rescan <= 0 {
		c.Rescan = d.Rescan
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadSize <= 0 {
		c.ReadSize = d.ReadSize
	}
	if c.QueueCap <= 0 {
		c.QueueCap = d.QueueCap
	}
	return c
}

// Adapter loops discovery and bridging until its context ends.
type Adapter struct {
	cfg   Config
	host  Host
	bus   bus.Bus
	disc  *Discoverer
	log   *slog.Logger
	state atomic.Int32

	timeouts rate.Sometimes
}

func NewAdapter(h Host, b bus.Bus, cfg Config) *Adapter {
	a := &Adapter{
		cfg:      cfg.withDefaults(),
		host:     h,
		bus:      b,
		log:      logging.For("usb"),
		timeouts: rate.Sometimes{Interval: time.Minute},
	}
	a.disc = NewDiscoverer(h, a.cfg.Identity, a.cfg.Settle, a.log, a.setState)
	return a
}

func (a *Adapter) State() State { return State(a.state.Load()) }

func (a *Adapter) setState(s State) {
	if prev := State(a.state.Swap(int32(s))); prev != s {
		a.log.Debug("usb_state", "from", prev.String(), "to", s.String())
	}
}

// Run alternates discovery and bridging, pausing Rescan between passes.
// Device errors never end Run; it returns nil once ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	a.log.Info("usb_adapter_start", "manufacturer", a.cfg.Identity.Manufacturer, "model", a.cfg.Identity.Model, "rescan", a.cfg.Rescan)
	for {
		dev, err := a.disc.Find(ctx)
		switch {
		case err == nil:
			a.bridge(ctx, dev)
		case ctx.Err() != nil:
		case errors.Is(err, ErrAccessoryNotFound):
			a.log.Debug("usb_no_accessory")
		default:
			a.log.Warn("usb_discovery_failed", "kind", transport.Classify(err).String(), "error", err)
		}
		a.setState(StateSearching)
		t := time.NewTimer(a.cfg.Rescan)
		select {
		case <-ctx.Done():
			t.Stop()
			a.log.Info("usb_adapter_stop")
			return nil
		case <-t.C:
		}
	}
}

// bridge runs the pump pair on dev until either pump hits a fatal error or
// ctx ends, then releases the device.
func (a *Adapter) bridge(ctx context.Context, dev Device) {
	info := dev.Info()
	defer func() {
		if err := dev.Close(); err != nil {
			a.log.Debug("usb_close_error", "device", info.String(), "error", err)
		}
	}()
	eps, err := dev.Endpoints(BridgeInterface)
	if err != nil {
		metrics.IncError(metrics.ErrUSBEndpoints)
		a.log.Warn("usb_endpoints_failed", "device", info.String(), "error", err)
		return
	}

	bctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	sub, err := a.bus.Subscribe(bctx, frame.FromSerial)
	if err != nil {
		metrics.IncError(metrics.ErrBusSubscribe)
		a.log.Error("usb_subscribe_failed", "error", err)
		_ = eps.Close()
		return
	}
	q := queue.NewPending(a.cfg.QueueCap, a.cfg.Overflow, queue.WithName(QueueName), queue.WithShedHook(func(n int) {
		a.log.Warn("queue_shed", "queue", QueueName, "dropped", n)
	}))

	a.setState(StateBridging)
	metrics.IncUSBSession()
	a.log.Info("usb_bridge_start", "device", info.String())

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); a.readPump(bctx, cancel, eps, q) }()
	go func() { defer wg.Done(); a.forward(bctx, q) }()
	go func() { defer wg.Done(); a.writePump(bctx, cancel, eps, sub) }()
	<-bctx.Done()
	q.Close()
	sub.Close()
	// closing the endpoints unblocks transfers that ignore cancellation
	_ = eps.Close()
	wg.Wait()
	reason := context.Cause(bctx)
	if ctx.Err() != nil {
		reason = ctx.Err()
	}
	a.log.Info("usb_bridge_end", "device", info.String(), "reason", reason)
}

func (a *Adapter) readPump(ctx context.Context, fail context.CancelCauseFunc, eps Endpoints, q *queue.Pending) {
	buf := make([]byte, a.cfg.ReadSize)
	for ctx.Err() == nil {
		rctx, cancel := context.WithTimeout(ctx, a.cfg.ReadTimeout)
		n, err := eps.Read(rctx, buf)
		cancel()
		if n > 0 {
			metrics.IncUSBRx()
			q.Push(frame.Frame(buf[:n]).Clone())
		}
		if err == nil || ctx.Err() != nil {
			continue
		}
		switch kind := transport.Classify(err); kind {
		case transport.KindTimeout:
			continue
		case transport.KindDisconnected, transport.KindProtocolViolation, transport.KindUnknown:
			metrics.IncError(metrics.ErrUSBRead)
			a.log.Warn("usb_read_error", "kind", kind.String(), "error", err)
			fail(err)
			return
		}
	}
}

func (a *Adapter) forward(ctx context.Context, q *queue.Pending) {
	for {
		fr, err := q.Pop(ctx)
		if err != nil {
			return
		}
		a.bus.Publish(frame.ToSerial, fr)
	}
}

func (a *Adapter) writePump(ctx context.Context, fail context.CancelCauseFunc, eps Endpoints, sub *bus.Subscription) {
	defer func() { sub.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			if ctx.Err() != nil {
				return
			}
			next, err := a.bus.Subscribe(ctx, frame.FromSerial)
			if err != nil {
				metrics.IncError(metrics.ErrBusSubscribe)
				fail(err)
				return
			}
			sub = next
		case fr := <-sub.C():
			if err := a.write(ctx, eps, fr); err != nil {
				fail(err)
				return
			}
		}
	}
}

// write sends one frame. Timeouts drop the frame and are not fatal.
func (a *Adapter) write(ctx context.Context, eps Endpoints, fr frame.Frame) error {
	wctx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
	defer cancel()
	_, err := eps.Write(wctx, fr)
	if err == nil {
		metrics.IncUSBTx()
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	switch kind := transport.Classify(err); kind {
	case transport.KindTimeout:
		a.timeouts.Do(func() { a.log.Info("usb_write_timeout", "bytes", len(fr)) })
		return nil
	case transport.KindDisconnected, transport.KindProtocolViolation, transport.KindUnknown:
		metrics.IncError(metrics.ErrUSBWrite)
		a.log.Warn("usb_write_error", "kind", kind.String(), "error", err)
		return err
	}
	return err
}
