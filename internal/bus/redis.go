package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
	"github.com/kstaniek/go-uart-bridge/internal/transport"
)

// DefaultRedisPrefix namespaces the two channels.
const DefaultRedisPrefix = "uart-bridge"

type RedisConfig struct {
	// Addr is host:port or a redis://, rediss:// or redis-sentinel:// URL.
	Addr   string
	Prefix string
}

type envelope struct {
	topic frame.Topic
	fr    frame.Frame
}

// Redis is a bus over Redis Pub/Sub channels <prefix>:from-serial and
// <prefix>:to-serial. Both topics can be published and received.
type Redis struct {
	client   redis.UniversalClient
	ps       *redis.PubSub
	prefix   string
	fan      *fanout
	tx       *transport.AsyncTx[envelope]
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
	recvErrs rate.Sometimes
}

// NewRedis connects, subscribes to both channels and waits for the server to
// confirm the subscriptions.
func NewRedis(parent context.Context, cfg RedisConfig, opts Options) (*Redis, error) {
	opts = opts.withDefaults()
	ropts, err := parseRedisURL(cfg.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Redis{
		client:   redis.NewUniversalClient(ropts),
		prefix:   cfg.Prefix,
		fan:      newFanout(opts, frame.Topics...),
		log:      logging.For("bus").With("bus", "redis"),
		ctx:      ctx,
		cancel:   cancel,
		recvErrs: rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		cancel()
		_ = r.client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	channels := []string{r.channel(frame.FromSerial), r.channel(frame.ToSerial)}
	r.ps = r.client.Subscribe(ctx, channels...)
	for range channels {
		msg, err := r.ps.Receive(ctx)
		if err == nil {
			if _, ok := msg.(*redis.Subscription); !ok {
				err = fmt.Errorf("unexpected reply %T", msg)
			}
		}
		if err != nil {
			cancel()
			_ = r.ps.Close()
			_ = r.client.Close()
			return nil, fmt.Errorf("redis subscribe: %w", err)
		}
	}
	r.tx = transport.NewAsyncTx(ctx, opts.PublishBuffer, func(e envelope) error {
		return r.client.Publish(ctx, r.channel(e.topic), []byte(e.fr)).Err()
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrBusPublish)
			r.log.Debug("bus_publish_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncBusPublishDrop()
			return nil
		},
	})
	r.wg.Add(1)
	go r.recvLoop()
	r.log.Info("bus_subscribed", "channels", channels)
	return r, nil
}

func (r *Redis) channel(t frame.Topic) string { return r.prefix + ":" + string(t) }

func (r *Redis) topicOf(channel string) (frame.Topic, bool) {
	t, ok := strings.CutPrefix(channel, r.prefix+":")
	if !ok {
		return "", false
	}
	topic, err := frame.ParseTopic(t)
	return topic, err == nil
}

func (r *Redis) recvLoop() {
	defer r.wg.Done()
	for {
		msg, err := r.ps.ReceiveMessage(r.ctx)
		if r.ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, redis.ErrClosed) {
				return
			}
			metrics.IncError(metrics.ErrBusReceive)
			r.recvErrs.Do(func() { r.log.Warn("bus_receive_error", "error", err) })
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		topic, ok := r.topicOf(msg.Channel)
		if !ok || msg.Payload == "" {
			continue
		}
		r.fan.deliver(topic, frame.Frame(msg.Payload))
	}
}

func (r *Redis) Publish(topic frame.Topic, fr frame.Frame) {
	if r.closed.Load() || !topic.Valid() {
		return
	}
	if err := r.tx.Send(envelope{topic: topic, fr: fr.Clone()}); err == nil {
		metrics.IncBusPublished(string(topic))
	}
}

func (r *Redis) Subscribe(ctx context.Context, topic frame.Topic) (*Subscription, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.fan.subscribe(ctx, topic)
}

func (r *Redis) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.tx.Close()
	r.cancel()
	err := r.ps.Close()
	r.wg.Wait()
	r.fan.close()
	return errors.Join(err, r.client.Close())
}

// parseRedisURL turns addr into UniversalOptions. A value without a scheme is
// a plain host:port.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if addr == "" {
		return nil, errors.New("redis: empty address")
	}
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	db := strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "redis", "rediss":
		if u.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	case "redis-sentinel":
		opts.MasterName = db
		db = ""
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	if db == "" {
		db = u.Query().Get("db")
	}
	if db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid db: %w", err)
		}
		opts.DB = n
	}
	return opts, nil
}
