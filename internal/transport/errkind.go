package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// Kind is the coarse class of a transport failure. Pumps and handshakes
// dispatch on it with an exhaustive switch instead of inspecting raw codes.
type Kind int

const (
	// KindUnknown is an unclassified failure; callers restart the affected loop.
	KindUnknown Kind = iota
	// KindTimeout is an expected idle condition; the loop continues.
	KindTimeout
	// KindDisconnected means the device or peer went away.
	KindDisconnected
	// KindProtocolViolation means the peer answered outside the protocol.
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// Sentinels that transport implementations wrap to declare a Kind.
var (
	ErrTimeout           = errors.New("transport timeout")
	ErrDisconnected      = errors.New("transport disconnected")
	ErrProtocolViolation = errors.New("protocol violation")
)

// Mark wraps err so that Classify reports k for it.
func Mark(k Kind, err error) error {
	if err == nil {
		return nil
	}
	switch k {
	case KindTimeout:
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case KindDisconnected:
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	case KindProtocolViolation:
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	default:
		return err
	}
}

// Classify maps an error returned by a transport onto a Kind.
// A nil error classifies as KindUnknown; callers test for nil first.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrDisconnected):
		return KindDisconnected
	case errors.Is(err, ErrProtocolViolation):
		return KindProtocolViolation
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed), errors.Is(err, os.ErrNotExist):
		return KindDisconnected
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return KindTimeout
	}
	return classifyErrno(err)
}
