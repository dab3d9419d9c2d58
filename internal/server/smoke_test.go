package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/bus"
	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/hub"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

func startServer(t *testing.T, ctx context.Context, b bus.Bus, opts ...ServerOption) *Server {
	t.Helper()
	srv := NewServer(append([]ServerOption{WithBus(b), WithListenAddr("127.0.0.1:0")}, opts...)...)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return srv
}

func dial(t *testing.T, ctx context.Context, addr string) net.Conn {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.Count() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d clients, have %d", n, srv.Count())
}

// readAtLeast collects bytes from conn until n bytes arrived or the window ends.
func readAtLeast(conn net.Conn, n int, window time.Duration) []byte {
	var buf bytes.Buffer
	tmp := make([]byte, 256)
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) && buf.Len() < n {
		_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		k, err := conn.Read(tmp)
		buf.Write(tmp[:k])
		if err != nil && !isTimeout(err) {
			break
		}
	}
	return buf.Bytes()
}

// TestSmokeServer exercises both directions between a TCP client and the bus.
func TestSmokeServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := bus.NewMemory(bus.Options{})
	defer b.Close()

	toSerial, err := b.Subscribe(ctx, frame.ToSerial)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer toSerial.Close()

	srv := startServer(t, ctx, b)
	conn := dial(t, ctx, srv.Addr())
	defer conn.Close()
	waitClients(t, srv, 1)

	if _, err := conn.Write([]byte("G1 X10\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got []byte
	deadline := time.After(time.Second)
	for len(got) < 7 {
		select {
		case fr := <-toSerial.C():
			got = append(got, fr...)
		case <-deadline:
			t.Fatalf("to-serial got %q", got)
		}
	}
	if string(got) != "G1 X10\n" {
		t.Fatalf("to-serial got %q", got)
	}

	b.Publish(frame.FromSerial, frame.Frame("ok\n"))
	if out := readAtLeast(conn, 3, time.Second); string(out) != "ok\n" {
		t.Fatalf("client got %q", out)
	}
}

// TestSmokeBatch publishes many small frames and expects them concatenated
// in order on the socket.
func TestSmokeBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := bus.NewMemory(bus.Options{})
	defer b.Close()
	srv := startServer(t, ctx, b, WithBatchBytes(16))
	conn := dial(t, ctx, srv.Addr())
	defer conn.Close()
	waitClients(t, srv, 1)

	var want bytes.Buffer
	for i := 0; i < 64; i++ {
		p := []byte{byte('a' + i%26), byte('0' + i%10)}
		want.Write(p)
		b.Publish(frame.FromSerial, p)
	}
	got := readAtLeast(conn, want.Len(), 2*time.Second)
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("batch stream mismatch: got %d bytes want %d", len(got), want.Len())
	}
}

func TestSmokeBroadcastToAllClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := bus.NewMemory(bus.Options{})
	defer b.Close()
	srv := startServer(t, ctx, b)
	c1 := dial(t, ctx, srv.Addr())
	defer c1.Close()
	c2 := dial(t, ctx, srv.Addr())
	defer c2.Close()
	waitClients(t, srv, 2)

	b.Publish(frame.FromSerial, frame.Frame("ok\n"))
	for i, c := range []net.Conn{c1, c2} {
		if out := readAtLeast(c, 3, time.Second); string(out) != "ok\n" {
			t.Fatalf("client %d got %q", i+1, out)
		}
	}
}

// TestSmokeBackpressureKick ensures a slow client is disconnected when the
// bus kicks lagging subscribers.
func TestSmokeBackpressureKick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := bus.NewMemory(bus.Options{SubBuffer: 1, Policy: hub.PolicyKick})
	defer b.Close()
	srv := startServer(t, ctx, b)
	c1 := dial(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(t, srv, 1)

	for i := 0; i < 200 && srv.Count() > 0; i++ {
		b.Publish(frame.FromSerial, frame.Frame("x"))
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.Count() > 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if srv.Count() != 0 {
		t.Logf("kick policy: client not yet removed (writer kept up)")
	}
}

func TestSmokeMaxClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := bus.NewMemory(bus.Options{})
	defer b.Close()
	before := metrics.Snap().HubRejects
	srv := startServer(t, ctx, b, WithMaxClients(1))
	c1 := dial(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(t, srv, 1)

	c2 := dial(t, ctx, srv.Addr())
	defer c2.Close()
	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 1)); !errors.Is(err, io.EOF) && !isReset(err) {
		t.Fatalf("expected rejected client to be closed, got %v", err)
	}
	if metrics.Snap().HubRejects <= before {
		t.Fatalf("reject not counted")
	}
	if srv.Count() != 1 {
		t.Fatalf("count = %d", srv.Count())
	}
}

func TestClientDisconnectReleasesSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := bus.NewMemory(bus.Options{})
	defer b.Close()
	srv := startServer(t, ctx, b)
	c1 := dial(t, ctx, srv.Addr())
	waitClients(t, srv, 1)
	_ = c1.Close()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.Count() != 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if srv.Count() != 0 {
		t.Fatalf("client still registered after disconnect")
	}
}

func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	b := bus.NewMemory(bus.Options{})
	defer b.Close()
	srv := startServer(t, ctx, b)
	c1 := dial(t, ctx, srv.Addr())
	c2 := dial(t, ctx, srv.Addr())
	waitClients(t, srv, 2)

	sdCtx, sdCancel := context.WithTimeout(context.Background(), time.Second)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		t.Fatalf("shutdown err: %v", err)
	}
	buf := make([]byte, 8)
	_ = c1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := c1.Read(buf); err == nil {
		t.Fatalf("expected c1 read to fail after shutdown")
	}
	_ = c2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := c2.Read(buf); err == nil {
		t.Fatalf("expected c2 read to fail after shutdown")
	}
}

func TestServeWithoutBus(t *testing.T) {
	srv := NewServer()
	err := srv.Serve(context.Background())
	if !errors.Is(err, ErrListen) {
		t.Fatalf("expected ErrListen, got %v", err)
	}
}

func TestMapErrToMetric(t *testing.T) {
	cases := map[error]string{
		ErrConnRead:            metrics.ErrTCPRead,
		ErrConnWrite:           metrics.ErrTCPWrite,
		ErrAccept:              metrics.ErrTCPAccept,
		ErrListen:              metrics.ErrTCPAccept,
		ErrSubscribe:           metrics.ErrBusSubscribe,
		ErrContext:             "context",
		errors.New("whatever"): metrics.ErrUnclassified,
	}
	for err, want := range cases {
		if got := mapErrToMetric(err); got != want {
			t.Fatalf("mapErrToMetric(%v) = %q want %q", err, got, want)
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isReset(err error) bool {
	var ne *net.OpError
	return errors.As(err, &ne)
}
