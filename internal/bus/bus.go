// Package bus carries frames between the serial broker and its peers over two
// fixed topics. Delivery is at-most-once: subscribers see only frames
// published after they subscribed, each on its own copy, with no replay.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/hub"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

var (
	// ErrClosed is returned by Subscribe after the bus was closed.
	ErrClosed = errors.New("bus closed")
	// ErrTopicUnavailable is returned when this side of the bus does not
	// receive the requested topic.
	ErrTopicUnavailable = errors.New("topic not available on this side of the bus")
)

// Bus is a topic-based publish/subscribe channel.
type Bus interface {
	// Publish hands a copy of fr to the bus and returns immediately. It never
	// blocks on subscriber speed and gives no delivery signal.
	Publish(topic frame.Topic, fr frame.Frame)
	// Subscribe starts a fresh stream of frames published on topic from now
	// on. The subscription ends when ctx is done or Close is called.
	Subscribe(ctx context.Context, topic frame.Topic) (*Subscription, error)
	Close() error
}

// Options tune the local fan-out and the publish path shared by all
// implementations.
type Options struct {
	// SubBuffer is the per-subscriber channel depth.
	SubBuffer int
	// Policy selects what happens to a subscriber that falls behind.
	Policy hub.BackpressurePolicy
	// PublishBuffer is the depth of the outbound queue for network buses.
	PublishBuffer int
}

const (
	DefaultSubBuffer     = 256
	DefaultPublishBuffer = 512
)

func (o Options) withDefaults() Options {
	if o.SubBuffer <= 0 {
		o.SubBuffer = DefaultSubBuffer
	}
	if o.PublishBuffer <= 0 {
		o.PublishBuffer = DefaultPublishBuffer
	}
	return o
}

// Subscription is one consumer's stream of frames on a topic.
type Subscription struct {
	topic   frame.Topic
	client  *hub.Client
	h       *hub.Hub
	release func()
	once    sync.Once
}

// C returns the frame channel. It is never closed; select on Done as well.
func (s *Subscription) C() <-chan frame.Frame { return s.client.Out }

// Done is closed once the subscription has ended, including when the hub
// kicked a slow consumer.
func (s *Subscription) Done() <-chan struct{} { return s.client.Closed }

func (s *Subscription) Topic() frame.Topic { return s.topic }

// Close ends the subscription (idempotent).
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.h.Remove(s.client)
		if s.release != nil {
			s.release()
		}
	})
}

// fanout delivers received frames to local subscribers, one hub per topic.
type fanout struct {
	opts   Options
	hubs   map[frame.Topic]*hub.Hub
	mu     sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}
}

func newFanout(opts Options, topics ...frame.Topic) *fanout {
	f := &fanout{
		opts: opts,
		hubs: make(map[frame.Topic]*hub.Hub, len(topics)),
		subs: make(map[*Subscription]struct{}),
	}
	for _, t := range topics {
		f.hubs[t] = hub.NewNamed(string(t), opts.Policy)
	}
	return f
}

func (f *fanout) subscribe(ctx context.Context, topic frame.Topic) (*Subscription, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("subscribe: %w", errUnknownTopic(topic))
	}
	h, ok := f.hubs[topic]
	if !ok {
		return nil, fmt.Errorf("subscribe %s: %w", topic, ErrTopicUnavailable)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	s := &Subscription{topic: topic, client: hub.NewClient(f.opts.SubBuffer), h: h}
	s.release = func() { f.forget(s) }
	h.Add(s.client)
	f.subs[s] = struct{}{}
	go func() {
		// ends on ctx, on Close and on a backpressure kick
		select {
		case <-ctx.Done():
		case <-s.client.Closed:
		}
		s.Close()
	}()
	return s, nil
}

func (f *fanout) forget(s *Subscription) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

// deliver hands fr to every subscriber of topic. fr must not be retained by
// the caller afterwards.
func (f *fanout) deliver(topic frame.Topic, fr frame.Frame) {
	h, ok := f.hubs[topic]
	if !ok {
		return
	}
	metrics.IncBusReceived(string(topic))
	h.Broadcast(fr)
}

func (f *fanout) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := make([]*Subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.subs = nil
	f.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

type errUnknownTopic frame.Topic

func (e errUnknownTopic) Error() string { return fmt.Sprintf("unknown topic %q", string(e)) }
