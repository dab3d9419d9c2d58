package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/go-uart-bridge/internal/bus"
	"github.com/kstaniek/go-uart-bridge/internal/frame"
	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

// Registration steps reported through Callbacks.
const (
	StepApplication   = "application"
	StepAdvertisement = "advertisement"
)

// ErrRegistration wraps every advertising or GATT registration failure.
// It is fatal to the adapter; there is no retry.
var ErrRegistration = errors.New("ble registration failed")

// Advertisement describes what the peripheral advertises.
type Advertisement struct {
	LocalName      string
	ServiceUUIDs   []uuid.UUID
	IncludeTxPower bool
}

// Callbacks receive the asynchronous outcome of each registration step.
type Callbacks struct {
	OnRegistered func(step string)
	OnError      func(step string, err error)
}

// Peripheral is a GATT server backend.
type Peripheral interface {
	// Start registers svc and starts advertising. Errors found before any
	// request was issued are returned; the outcome of the application and
	// advertisement registrations is reported through cb, once per step.
	Start(ctx context.Context, svc *UARTService, adv Advertisement, cb Callbacks) error
	Close() error
}

const DefaultRegisterTimeout = 10 * time.Second

type Config struct {
	LocalName       string
	RegisterTimeout time.Duration
}

// Adapter serves the UART service over a Peripheral and feeds the TX
// characteristic from the bus.
type Adapter struct {
	cfg Config
	p   Peripheral
	bus bus.Bus
	svc *UARTService
	log *slog.Logger
}

func NewAdapter(p Peripheral, b bus.Bus, cfg Config) *Adapter {
	if cfg.LocalName == "" {
		cfg.LocalName = DefaultLocalName
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = DefaultRegisterTimeout
	}
	log := logging.For("ble")
	return &Adapter{cfg: cfg, p: p, bus: b, svc: NewUARTService(b, log), log: log}
}

// Service exposes the served characteristics.
func (a *Adapter) Service() *UARTService { return a.svc }

type stepResult struct {
	step string
	err  error
}

// Run registers the service, waits for both registrations to succeed and
// then relays from-serial frames until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	results := make(chan stepResult, 4)
	report := func(r stepResult) {
		select {
		case results <- r:
		default:
		}
	}
	cb := Callbacks{
		OnRegistered: func(step string) { report(stepResult{step: step}) },
		OnError:      func(step string, err error) { report(stepResult{step: step, err: err}) },
	}
	adv := Advertisement{LocalName: a.cfg.LocalName, ServiceUUIDs: []uuid.UUID{ServiceUUID}, IncludeTxPower: true}
	if err := a.p.Start(ctx, a.svc, adv, cb); err != nil {
		metrics.IncError(metrics.ErrBLERegister)
		a.log.Error("ble_start_failed", "error", err)
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	defer func() {
		if err := a.p.Close(); err != nil {
			a.log.Debug("ble_close_error", "error", err)
		}
	}()

	timer := time.NewTimer(a.cfg.RegisterTimeout)
	defer timer.Stop()
	for pending := 2; pending > 0; pending-- {
		select {
		case r := <-results:
			if r.err != nil {
				metrics.IncError(metrics.ErrBLERegister)
				a.log.Error("ble_register_failed", "step", r.step, "error", r.err)
				return fmt.Errorf("%w: %s: %w", ErrRegistration, r.step, r.err)
			}
			a.log.Info("ble_registered", "step", r.step)
		case <-timer.C:
			metrics.IncError(metrics.ErrBLERegister)
			return fmt.Errorf("%w: no answer within %s", ErrRegistration, a.cfg.RegisterTimeout)
		case <-ctx.Done():
			return nil
		}
	}
	a.log.Info("ble_advertising", "name", a.cfg.LocalName, "service", ServiceUUID.String())
	return a.relay(ctx)
}

func (a *Adapter) relay(ctx context.Context) error {
	for {
		sub, err := a.bus.Subscribe(ctx, frame.FromSerial)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.IncError(metrics.ErrBusSubscribe)
			return fmt.Errorf("subscribe %s: %w", frame.FromSerial, err)
		}
		done := false
		for !done {
			select {
			case fr := <-sub.C():
				a.svc.TX.Send(fr)
			case <-sub.Done():
				done = true
			case <-ctx.Done():
				sub.Close()
				return nil
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("bus_resubscribe", "topic", string(frame.FromSerial))
	}
}
