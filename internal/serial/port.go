// Package serial opens the UART link to the controller.
package serial

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

const (
	DefaultDevice      = "/dev/ttyS0"
	DefaultBaud        = 115200
	DefaultReadTimeout = time.Second
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Config describes how to open the serial device. The line is always 8N1.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

// DefaultConfig returns the settings the controller firmware expects.
func DefaultConfig() Config {
	return Config{Device: DefaultDevice, Baud: DefaultBaud, ReadTimeout: DefaultReadTimeout}
}

func (c Config) String() string { return fmt.Sprintf("%s@%d", c.Device, c.Baud) }

// Opener opens a port for cfg. Open is the production implementation.
type Opener func(cfg Config) (Port, error)

func Open(cfg Config) (Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: empty device path")
	}
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("serial open %s: %w", cfg.Device, err)
	}
	return p, nil
}

// IsIdle reports whether a read result only means the read timeout elapsed
// with no data. tarm/serial reports that as (0, io.EOF) on POSIX.
func IsIdle(n int, err error) bool {
	return n == 0 && (err == nil || errors.Is(err, io.EOF))
}
