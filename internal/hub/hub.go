// Package hub fans frames out to a dynamic set of local subscribers.
package hub

import (
	"sync"

	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// DefaultOutBufSize is the per-subscriber channel depth used by NewClient.
const DefaultOutBufSize = 256

type Client struct {
	Out       chan frame.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an outbound buffer of n frames.
func NewClient(n int) *Client {
	if n <= 0 {
		n = DefaultOutBufSize
	}
	return &Client{Out: make(chan frame.Frame, n), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	// Name labels the hub in logs and the queue depth gauge.
	Name       string
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: DefaultOutBufSize} }

// NewNamed creates a Hub labelled name.
func NewNamed(name string, policy BackpressurePolicy) *Hub {
	h := New()
	h.Name = name
	h.Policy = policy
	return h
}

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	if prev == 0 && cur == 1 {
		logging.L().Info("subscribers_first_connected", "hub", h.Name)
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("subscribers_last_disconnected", "hub", h.Name)
	}
}

// Broadcast hands fr to every subscriber honoring the backpressure policy.
// Each subscriber gets its own copy so one consumer cannot alias another's
// buffer.
func (h *Hub) Broadcast(fr frame.Frame) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) == 0 {
		return
	}
	if h.Name != "" {
		max := 0
		for _, c := range clients {
			if l := len(c.Out); l > max {
				max = l
			}
		}
		metrics.SetQueueDepth("hub_"+h.Name, max)
	}
	for i, c := range clients {
		out := fr
		if i > 0 {
			out = fr.Clone()
		}
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- out:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // consumer exits and Removes itself
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
