package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"golang.org/x/time/rate"

	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
	"github.com/kstaniek/go-uart-bridge/internal/transport"
)

// Side selects which end of the ZeroMQ bus a process is.
type Side int

const (
	// SideBroker binds both endpoints, publishes from-serial and receives
	// to-serial.
	SideBroker Side = iota
	// SidePeer connects to both endpoints, publishes to-serial and receives
	// from-serial.
	SidePeer
)

func (s Side) String() string {
	if s == SidePeer {
		return "peer"
	}
	return "broker"
}

// Endpoints used by the existing deployment.
const (
	DefaultBrokerToSerial   = "tcp://*:5555"
	DefaultBrokerFromSerial = "tcp://*:5556"
	DefaultPeerToSerial     = "tcp://127.0.0.1:5555"
	DefaultPeerFromSerial   = "tcp://127.0.0.1:5556"
	DefaultDialRetry        = time.Second
)

type ZMQConfig struct {
	Side Side
	// ToSerial and FromSerial are the endpoints of the two topics: bind
	// addresses on the broker side, connect addresses on the peer side.
	ToSerial   string
	FromSerial string
	// DialRetry is the pause between connection attempts of a peer.
	DialRetry time.Duration
}

// DefaultZMQConfig returns the standard endpoints for side.
func DefaultZMQConfig(side Side) ZMQConfig {
	if side == SidePeer {
		return ZMQConfig{Side: side, ToSerial: DefaultPeerToSerial, FromSerial: DefaultPeerFromSerial, DialRetry: DefaultDialRetry}
	}
	return ZMQConfig{Side: side, ToSerial: DefaultBrokerToSerial, FromSerial: DefaultBrokerFromSerial, DialRetry: DefaultDialRetry}
}

// ZMQ is a bus over two ZeroMQ PUB/SUB pairs, one per topic. Messages are the
// raw frame bytes with no topic prefix and subscribers take everything.
type ZMQ struct {
	cfg      ZMQConfig
	pubTopic frame.Topic
	subTopic frame.Topic
	pub      zmq4.Socket
	sub      zmq4.Socket
	tx       *transport.AsyncTx[frame.Frame]
	fan      *fanout
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
	misuse   rate.Sometimes
	recvErrs rate.Sometimes
}

// NewZMQ opens both sockets. On the broker side binding errors are returned.
// On the peer side connections are established in the background so the
// peer can start before the broker.
func NewZMQ(parent context.Context, cfg ZMQConfig, opts Options) (*ZMQ, error) {
	opts = opts.withDefaults()
	if cfg.ToSerial == "" || cfg.FromSerial == "" {
		return nil, errors.New("zmq bus: both endpoints are required")
	}
	if cfg.DialRetry <= 0 {
		cfg.DialRetry = DefaultDialRetry
	}
	ctx, cancel := context.WithCancel(parent)
	z := &ZMQ{
		cfg:      cfg,
		log:      logging.For("bus").With("bus", "zmq", "side", cfg.Side.String()),
		ctx:      ctx,
		cancel:   cancel,
		misuse:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
		recvErrs: rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
	sockOpts := []zmq4.Option{
		zmq4.WithDialerRetry(cfg.DialRetry),
		zmq4.WithAutomaticReconnect(true),
	}
	z.pub = zmq4.NewPub(ctx, sockOpts...)
	z.sub = zmq4.NewSub(ctx, sockOpts...)
	if err := z.sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		z.closeSockets()
		cancel()
		return nil, fmt.Errorf("zmq subscribe: %w", err)
	}

	pubEP, subEP := cfg.FromSerial, cfg.ToSerial
	z.pubTopic, z.subTopic = frame.FromSerial, frame.ToSerial
	if cfg.Side == SidePeer {
		pubEP, subEP = cfg.ToSerial, cfg.FromSerial
		z.pubTopic, z.subTopic = frame.ToSerial, frame.FromSerial
	}
	z.fan = newFanout(opts, z.subTopic)

	if cfg.Side == SideBroker {
		if err := z.pub.Listen(pubEP); err != nil {
			z.closeSockets()
			cancel()
			return nil, fmt.Errorf("zmq listen %s: %w", pubEP, err)
		}
		if err := z.sub.Listen(subEP); err != nil {
			z.closeSockets()
			cancel()
			return nil, fmt.Errorf("zmq listen %s: %w", subEP, err)
		}
		z.log.Info("bus_listen", "publish", pubEP, "receive", subEP)
	} else {
		z.wg.Add(2)
		go z.dial(z.pub, pubEP)
		go z.dial(z.sub, subEP)
	}

	z.tx = transport.NewAsyncTx(ctx, opts.PublishBuffer, func(fr frame.Frame) error {
		return z.pub.Send(zmq4.NewMsg(fr))
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrBusPublish)
			z.log.Debug("bus_publish_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncBusPublishDrop()
			return nil
		},
	})

	z.wg.Add(1)
	go z.recvLoop()
	return z, nil
}

func (z *ZMQ) dial(sock zmq4.Socket, ep string) {
	defer z.wg.Done()
	for {
		err := sock.Dial(ep)
		if err == nil {
			z.log.Info("bus_connected", "endpoint", ep)
			return
		}
		z.log.Debug("bus_dial_retry", "endpoint", ep, "error", err)
		select {
		case <-z.ctx.Done():
			return
		case <-time.After(z.cfg.DialRetry):
		}
	}
}

func (z *ZMQ) recvLoop() {
	defer z.wg.Done()
	for {
		msg, err := z.sub.Recv()
		if z.ctx.Err() != nil {
			return
		}
		if err != nil {
			metrics.IncError(metrics.ErrBusReceive)
			z.recvErrs.Do(func() { z.log.Warn("bus_receive_error", "topic", string(z.subTopic), "error", err) })
			select {
			case <-z.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		b := msg.Bytes()
		if len(b) == 0 {
			continue
		}
		z.fan.deliver(z.subTopic, frame.Frame(b))
	}
}

// Publish queues fr for sending. Only the topic this side owns can be
// published; anything else is counted as an error and dropped.
func (z *ZMQ) Publish(topic frame.Topic, fr frame.Frame) {
	if z.closed.Load() {
		return
	}
	if topic != z.pubTopic {
		metrics.IncError(metrics.ErrBusPublish)
		z.misuse.Do(func() { z.log.Error("bus_publish_wrong_topic", "topic", string(topic), "owns", string(z.pubTopic)) })
		return
	}
	if err := z.tx.Send(fr.Clone()); err == nil {
		metrics.IncBusPublished(string(topic))
	}
}

func (z *ZMQ) Subscribe(ctx context.Context, topic frame.Topic) (*Subscription, error) {
	if z.closed.Load() {
		return nil, ErrClosed
	}
	return z.fan.subscribe(ctx, topic)
}

// Close stops the background loops and closes both sockets.
func (z *ZMQ) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	z.tx.Close()
	z.cancel()
	err := z.closeSockets()
	z.wg.Wait()
	z.fan.close()
	return err
}

func (z *ZMQ) closeSockets() error {
	return errors.Join(z.pub.Close(), z.sub.Close())
}
