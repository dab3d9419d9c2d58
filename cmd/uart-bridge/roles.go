package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/ble"
	"github.com/kstaniek/go-uart-bridge/internal/ble/bluez"
	"github.com/kstaniek/go-uart-bridge/internal/ble/tinygo"
	"github.com/kstaniek/go-uart-bridge/internal/broker"
	"github.com/kstaniek/go-uart-bridge/internal/bus"
	"github.com/kstaniek/go-uart-bridge/internal/queue"
	"github.com/kstaniek/go-uart-bridge/internal/serial"
	"github.com/kstaniek/go-uart-bridge/internal/server"
	"github.com/kstaniek/go-uart-bridge/internal/usb"
	"github.com/kstaniek/go-uart-bridge/internal/usb/libusb"
)

// usbHost is a usb.Host owning process-wide resources.
type usbHost interface {
	usb.Host
	Close() error
}

// Hooks for tests.
var (
	openSerialPort serial.Opener = serial.Open
	newUSBHost                   = func() (usbHost, error) { return libusb.NewHost(), nil }
	newPeripheral                = func(cfg *appConfig) ble.Peripheral {
		if cfg.bleBackend == "tinygo" {
			return tinygo.New()
		}
		var opts []bluez.Option
		if cfg.bleAdapter != "" {
			opts = append(opts, bluez.WithAdapter(cfg.bleAdapter))
		}
		return bluez.New(opts...)
	}
)

// runner is one role running inside the process.
type runner struct {
	name    string
	run     func(ctx context.Context) error
	ready   func() bool
	// port is advertised over mDNS when it returns non-zero.
	port    func() int
	cleanup func()
}

func buildRunners(cfg *appConfig, b bus.Bus, l *slog.Logger) ([]runner, error) {
	overflow, err := queue.ParsePolicy(cfg.overflow)
	if err != nil {
		return nil, err
	}
	var out []runner
	for _, r := range cfg.roles {
		switch r {
		case roleBroker:
			out = append(out, brokerRunner(cfg, b, overflow, l))
		case roleUSB:
			ur, err := usbRunner(cfg, b, overflow)
			if err != nil {
				for _, o := range out {
					o.close()
				}
				return nil, err
			}
			out = append(out, ur)
		case roleBLE:
			out = append(out, bleRunner(cfg, b))
		case roleTCP:
			out = append(out, tcpRunner(cfg, b, l))
		default:
			return nil, fmt.Errorf("unknown role %q", r)
		}
	}
	return out, nil
}

func (r runner) close() {
	if r.cleanup != nil {
		r.cleanup()
	}
}

func brokerRunner(cfg *appConfig, b bus.Bus, overflow queue.OverflowPolicy, l *slog.Logger) runner {
	bc := broker.DefaultConfig()
	bc.Serial = serial.Config{Device: cfg.serialDev, Baud: cfg.baud, ReadTimeout: cfg.serialReadTO}
	bc.MonitorInterval = cfg.monitorInterval
	bc.StallAfter = cfg.stallAfter
	bc.WriteErrorPause = cfg.writeErrorPause
	bc.QueueCap = cfg.queueCap
	bc.Overflow = overflow
	link := broker.New(b, bc, broker.WithOpener(openSerialPort), broker.WithLogger(l.With("component", "broker")))
	rn := runner{name: roleBroker, run: link.Run, ready: link.Ready}
	if cfg.busKind == "zmq" {
		rn.port = func() int { return endpointPort(zmqConfig(cfg).ToSerial) }
	}
	return rn
}

func usbRunner(cfg *appConfig, b bus.Bus, overflow queue.OverflowPolicy) (runner, error) {
	h, err := newUSBHost()
	if err != nil {
		return runner{}, fmt.Errorf("usb host: %w", err)
	}
	uc := usb.DefaultConfig()
	uc.Identity = usb.Identity{
		Manufacturer: cfg.usbManufacturer,
		Model:        cfg.usbModel,
		Description:  cfg.usbDescription,
		Version:      cfg.usbVersion,
		URI:          cfg.usbURI,
		Serial:       cfg.usbSerial,
	}
	if err := uc.Identity.Validate(); err != nil {
		_ = h.Close()
		return runner{}, err
	}
	uc.Rescan = cfg.usbRescan
	uc.QueueCap = cfg.queueCap
	uc.Overflow = overflow
	a := usb.NewAdapter(h, b, uc)
	return runner{
		name:    roleUSB,
		run:     a.Run,
		ready:   func() bool { return true },
		cleanup: func() { _ = h.Close() },
	}, nil
}

func bleRunner(cfg *appConfig, b bus.Bus) runner {
	a := ble.NewAdapter(newPeripheral(cfg), b, ble.Config{LocalName: cfg.bleName})
	return runner{name: roleBLE, run: a.Run, ready: func() bool { return true }}
}

func tcpRunner(cfg *appConfig, b bus.Bus, l *slog.Logger) runner {
	srv := server.NewServer(
		server.WithBus(b),
		server.WithListenAddr(cfg.listenAddr),
		server.WithLogger(l.With("component", "tcp")),
		server.WithMaxClients(cfg.maxClients),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	return runner{
		name: roleTCP,
		run: func(ctx context.Context) error {
			err := srv.Serve(ctx)
			sdCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sdCtx)
			return err
		},
		ready: func() bool {
			select {
			case <-srv.Ready():
				return true
			default:
				return false
			}
		},
		port: func() int {
			select {
			case <-srv.Ready():
				return endpointPort(srv.Addr())
			default:
				return 0
			}
		},
	}
}
