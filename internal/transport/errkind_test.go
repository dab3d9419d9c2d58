package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"marked timeout", Mark(KindTimeout, errors.New("libusb: timeout")), KindTimeout},
		{"marked disconnect", Mark(KindDisconnected, errors.New("no device")), KindDisconnected},
		{"wrapped protocol", fmt.Errorf("handshake: %w", ErrProtocolViolation), KindProtocolViolation},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"os deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), KindTimeout},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, KindTimeout},
		{"eof", io.EOF, KindDisconnected},
		{"closed", net.ErrClosed, KindDisconnected},
		{"missing device", &os.PathError{Op: "open", Path: "/dev/ttyS9", Err: os.ErrNotExist}, KindDisconnected},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: Classify = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMarkNilAndUnknown(t *testing.T) {
	if Mark(KindTimeout, nil) != nil {
		t.Fatalf("Mark(nil) must stay nil")
	}
	base := errors.New("x")
	if got := Mark(KindUnknown, base); got != base {
		t.Fatalf("Mark(KindUnknown) must return the error unchanged")
	}
}

func TestKindString(t *testing.T) {
	for k, want := range map[Kind]string{
		KindUnknown:           "unknown",
		KindTimeout:           "timeout",
		KindDisconnected:      "disconnected",
		KindProtocolViolation: "protocol_violation",
	} {
		if k.String() != want {
			t.Fatalf("%d: got %q want %q", k, k.String(), want)
		}
	}
}
