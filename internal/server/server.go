// Package server exposes the bus over raw TCP. Every connected client
// receives each from-serial frame and every chunk it sends is published on
// to-serial. There is no handshake and no framing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/bus"
	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	mu   sync.RWMutex
	addr string
	Bus  bus.Bus

	flushInterval     time.Duration
	batchBytes        int
	readSize          int
	readDeadline      time.Duration
	maxClients        int
	readyOnce         sync.Once
	readyCh           chan struct{}
	lastErrMu         sync.Mutex
	lastErr           error
	errCh             chan error
	listener          net.Listener
	clientsMu         sync.RWMutex
	clients           map[*bus.Subscription]net.Conn
	wg                sync.WaitGroup
	logger            *slog.Logger
	nextConnID        uint64
	totalAccepted     atomic.Uint64
	totalRejected     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
}

const (
	defaultFlushInterval = 5 * time.Millisecond
	defaultBatchBytes    = 4096
	defaultReadSize      = 4096
	defaultReadDeadline  = 60 * time.Second
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval: defaultFlushInterval,
		batchBytes:    defaultBatchBytes,
		readSize:      defaultReadSize,
		readDeadline:  defaultReadDeadline,
		readyCh:       make(chan struct{}),
		errCh:         make(chan error, 1),
		clients:       make(map[*bus.Subscription]net.Conn),
		logger:        logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithBus(b bus.Bus) ServerOption       { return func(s *Server) { s.Bus = b } }

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithBatchBytes sets how many pending bytes force a flush before the
// flush interval elapses.
func WithBatchBytes(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchBytes = n
		}
	}
}

func WithReadSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.readSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

// Count returns the number of connected clients.
func (s *Server) Count() int { s.clientsMu.RLock(); defer s.clientsMu.RUnlock(); return len(s.clients) }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve accepts TCP clients and spawns reader/writer goroutines.
func (s *Server) Serve(ctx context.Context) error {
	if s.Bus == nil {
		return fmt.Errorf("%w: no bus configured", ErrListen)
	}
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, subscribes it to from-serial and
// spawns its IO goroutines. Returns a wrapped error on fatal listener errors.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if s.maxClients > 0 && s.Count() >= s.maxClients {
		metrics.IncHubReject()
		s.totalRejected.Add(1)
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	sub, err := s.Bus.Subscribe(ctx, frame.FromSerial)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrSubscribe, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		connLogger.Warn("client_subscribe_failed", "error", wrap)
		_ = conn.Close()
		return nil
	}
	s.clientsMu.Lock()
	s.clients[sub] = conn
	n := len(s.clients)
	s.clientsMu.Unlock()
	metrics.SetHubClients(n)
	s.totalConnected.Add(1)
	connLogger.Info("client_connected")
	s.startWriter(ctx.Done(), conn, sub, connLogger)
	s.startReader(ctx.Done(), conn, sub, connLogger)
	return nil
}

func (s *Server) dropClient(sub *bus.Subscription) {
	sub.Close()
	s.clientsMu.Lock()
	delete(s.clients, sub)
	n := len(s.clients)
	s.clientsMu.Unlock()
	metrics.SetHubClients(n)
}

// Shutdown gracefully closes all resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for sub, conn := range s.clients {
		_ = conn.Close()
		sub.Close()
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "rejected", s.totalRejected.Load(), "connected", s.totalConnected.Load(), "disconnected", s.totalDisconnected.Load())
		return nil
	}
}
