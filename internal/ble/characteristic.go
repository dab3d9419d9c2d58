// Package ble exposes the serial link as a Nordic UART GATT service.
//
// Characteristics are described by the capabilities they support
// (Readable, Writable, Notifiable). Peripheral backends translate those
// capabilities to their stack and answer "not supported" for everything else.
package ble

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

// GATT characteristic flags as BlueZ spells them.
const (
	FlagWrite  = "write"
	FlagNotify = "notify"
)

// ErrNotSupported is returned for operations outside a characteristic's
// capabilities.
var ErrNotSupported = errors.New("operation not supported")

type Characteristic interface {
	UUID() uuid.UUID
	Flags() []string
}

type Readable interface {
	Characteristic
	ReadValue() ([]byte, error)
}

type Writable interface {
	Characteristic
	WriteValue(value []byte) error
}

// Notifiable characteristics push values to a subscribed central.
// StartNotify and StopNotify are idempotent.
type Notifiable interface {
	Characteristic
	StartNotify()
	StopNotify()
	Notifying() bool
}

// Notifier delivers one notification through the peripheral backend.
type Notifier func(value []byte) error

// TXCharacteristic streams from-serial frames to the central, one
// notification per frame, while the central has notifications enabled.
type TXCharacteristic struct {
	notifying atomic.Bool
	notifier  atomic.Pointer[Notifier]
	log       *slog.Logger
	errs      rate.Sometimes
}

func NewTXCharacteristic(log *slog.Logger) *TXCharacteristic {
	return &TXCharacteristic{log: log, errs: rate.Sometimes{First: 3, Interval: 10 * time.Second}}
}

func (c *TXCharacteristic) UUID() uuid.UUID { return TXUUID }
func (c *TXCharacteristic) Flags() []string { return []string{FlagNotify} }

func (c *TXCharacteristic) StartNotify() {
	if !c.notifying.Swap(true) {
		c.log.Info("ble_notify_start", "uuid", TXUUID.String())
	}
}

func (c *TXCharacteristic) StopNotify() {
	if c.notifying.Swap(false) {
		c.log.Info("ble_notify_stop", "uuid", TXUUID.String())
	}
}

func (c *TXCharacteristic) Notifying() bool { return c.notifying.Load() }

// Bind attaches the backend's notification path.
func (c *TXCharacteristic) Bind(n Notifier) { c.notifier.Store(&n) }

// Send notifies fr and reports whether it went out. Frames arriving while
// notifications are off are dropped, not queued.
func (c *TXCharacteristic) Send(fr frame.Frame) bool {
	n := c.notifier.Load()
	if !c.notifying.Load() || n == nil {
		metrics.IncBLENotifyDrop()
		return false
	}
	if err := (*n)(fr); err != nil {
		metrics.IncError(metrics.ErrBLENotify)
		c.errs.Do(func() { c.log.Warn("ble_notify_error", "error", err) })
		return false
	}
	metrics.IncBLETx()
	return true
}

// RXCharacteristic receives writes from the central and publishes each one
// verbatim on to-serial. It accepts notification subscriptions but never
// notifies.
type RXCharacteristic struct {
	publish   func(frame.Frame)
	notifying atomic.Bool
	log       *slog.Logger
}

func NewRXCharacteristic(publish func(frame.Frame), log *slog.Logger) *RXCharacteristic {
	return &RXCharacteristic{publish: publish, log: log}
}

func (c *RXCharacteristic) UUID() uuid.UUID { return RXUUID }
func (c *RXCharacteristic) Flags() []string { return []string{FlagWrite, FlagNotify} }

// WriteValue publishes value as one frame, including zero-length writes.
func (c *RXCharacteristic) WriteValue(value []byte) error {
	metrics.IncBLERx()
	c.log.Debug("ble_rx", "bytes", len(value))
	c.publish(frame.Frame(value))
	return nil
}

func (c *RXCharacteristic) StartNotify()    { c.notifying.Store(true) }
func (c *RXCharacteristic) StopNotify()     { c.notifying.Store(false) }
func (c *RXCharacteristic) Notifying() bool { return c.notifying.Load() }
