//go:build linux || darwin

package transport

import (
	"errors"

	"golang.org/x/sys/unix"
)

// classifyErrno handles raw errno values surfaced by tty and usbfs drivers.
func classifyErrno(err error) Kind {
	switch {
	case errors.Is(err, unix.ETIMEDOUT), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return KindTimeout
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO), errors.Is(err, unix.EIO),
		errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EBADF),
		errors.Is(err, unix.ESHUTDOWN):
		return KindDisconnected
	case errors.Is(err, unix.EPROTO), errors.Is(err, unix.EOVERFLOW):
		return KindProtocolViolation
	}
	return KindUnknown
}
