package bus

import (
	"context"
	"sync/atomic"

	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

// Memory is an in-process bus carrying both topics. It backs the single
// process mode and tests.
type Memory struct {
	fan    *fanout
	closed atomic.Bool
}

// NewMemory creates an in-process bus.
func NewMemory(opts Options) *Memory {
	return &Memory{fan: newFanout(opts.withDefaults(), frame.Topics...)}
}

func (m *Memory) Publish(topic frame.Topic, fr frame.Frame) {
	if m.closed.Load() || !topic.Valid() {
		return
	}
	metrics.IncBusPublished(string(topic))
	m.fan.deliver(topic, fr.Clone())
}

func (m *Memory) Subscribe(ctx context.Context, topic frame.Topic) (*Subscription, error) {
	return m.fan.subscribe(ctx, topic)
}

func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.fan.close()
	return nil
}
