package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/frame"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

// TestAsyncTxSuccess verifies frames are sent in order and hooks fire.
func TestAsyncTxSuccess(t *testing.T) {
	var after atomic.Int64
	got := make(chan frame.Frame, 3)
	ax := NewAsyncTx(context.Background(), 4, func(fr frame.Frame) error {
		got <- fr
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer ax.Close()
	for _, s := range []string{"a", "b", "c"} {
		if err := ax.Send(frame.Frame(s)); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case fr := <-got:
			if string(fr) != want {
				t.Fatalf("got %q want %q", fr, want)
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && after.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if after.Load() != 3 {
		t.Fatalf("expected 3 after hooks, got %d", after.Load())
	}
}

// TestAsyncTxOverflow ensures OnDrop is invoked when the buffer is full.
func TestAsyncTxOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	ax := NewAsyncTx(ctx, 1, func(fr frame.Frame) error { time.Sleep(150 * time.Millisecond); return nil },
		Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	// The worker may or may not have dequeued the first frame yet; either way
	// three quick sends overflow a buffer of one.
	var overflow error
	for i := 0; i < 3; i++ {
		if err := ax.Send(frame.Frame("x")); err != nil && overflow == nil {
			overflow = err
		}
	}
	if !errors.Is(overflow, errOverflow) {
		t.Fatalf("expected overflow error, got %v", overflow)
	}
	if drops.Load() == 0 {
		t.Fatalf("expected at least one drop")
	}
}

// TestAsyncTxSilentDrop checks that a nil OnDrop makes overflow invisible.
func TestAsyncTxSilentDrop(t *testing.T) {
	block := make(chan struct{})
	ax := NewAsyncTx(context.Background(), 1, func(fr frame.Frame) error { <-block; return nil }, Hooks{})
	defer ax.Close()
	defer close(block)
	for i := 0; i < 5; i++ {
		if err := ax.Send(frame.Frame("x")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
}

// TestAsyncTxSendError triggers OnError hook.
func TestAsyncTxSendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(fr frame.Frame) error { return errSendFail }, Hooks{OnError: func(error) { errs.Add(1) }})
	defer ax.Close()
	_ = ax.Send(frame.Frame("x"))
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	tx := NewAsyncTx(context.Background(), 2, func(fr frame.Frame) error { return nil }, Hooks{})
	tx.Close()
	tx.Close()
	if err := tx.Send(frame.Frame("late")); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(fr frame.Frame) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- ax.Send(frame.Frame("x"))
		}()
		time.Sleep(1 * time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
