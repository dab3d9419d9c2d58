// Package bluez serves the UART service through BlueZ over the system D-Bus.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/kstaniek/go-uart-bridge/internal/ble"
	"github.com/kstaniek/go-uart-bridge/internal/logging"
)

const (
	busName            = "org.bluez"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
	propertiesIface    = "org.freedesktop.DBus.Properties"
	gattManagerIface   = "org.bluez.GattManager1"
	advManagerIface    = "org.bluez.LEAdvertisingManager1"
	gattServiceIface   = "org.bluez.GattService1"
	gattChrcIface      = "org.bluez.GattCharacteristic1"
	advIface           = "org.bluez.LEAdvertisement1"

	errNotSupported = "org.bluez.Error.NotSupported"
	errFailed       = "org.bluez.Error.Failed"

	// DefaultAppPath roots the exported object tree.
	DefaultAppPath dbus.ObjectPath = "/org/gofabcnc/uartbridge"
)

// connectSystemBus is swapped in tests.
var connectSystemBus = dbus.ConnectSystemBus

// ErrNoAdapter is returned when no controller offers both GATT and LE
// advertising managers.
var ErrNoAdapter = errors.New("bluez: no adapter with GattManager1 and LEAdvertisingManager1")

// Option configures a Peripheral.
type Option func(*Peripheral)

// WithConn uses an existing connection instead of the system bus.
func WithConn(c *dbus.Conn) Option { return func(p *Peripheral) { p.conn = c } }

// WithAdapter pins the controller, e.g. "hci0". By default the first capable
// controller is used.
func WithAdapter(name string) Option { return func(p *Peripheral) { p.adapterName = name } }

func WithAppPath(path dbus.ObjectPath) Option { return func(p *Peripheral) { p.appPath = path } }

// Peripheral implements ble.Peripheral on BlueZ.
type Peripheral struct {
	conn        *dbus.Conn
	ownConn     bool
	adapterName string
	appPath     dbus.ObjectPath
	log         *slog.Logger

	mu       sync.Mutex
	adapter  dbus.ObjectPath
	exported []exported
	app      *application
	started  bool
}

type exported struct {
	path  dbus.ObjectPath
	iface string
}

func New(opts ...Option) *Peripheral {
	p := &Peripheral{appPath: DefaultAppPath, log: logging.For("bluez")}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start exports the GATT application and advertisement objects and asks
// BlueZ to register both. Each registration reply is reported through cb.
// A connection opened here is released again if Start fails.
func (p *Peripheral) Start(ctx context.Context, svc *ble.UARTService, adv ble.Advertisement, cb ble.Callbacks) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("bluez: already started")
	}
	if p.conn == nil {
		c, cerr := connectSystemBus()
		if cerr != nil {
			return fmt.Errorf("bluez: system bus: %w", cerr)
		}
		p.conn, p.ownConn = c, true
		defer func() {
			if err != nil {
				_ = p.releaseConnLocked()
			}
		}()
	}
	adapter, err := p.findAdapter()
	if err != nil {
		return err
	}
	p.adapter = adapter

	app := newApplication(p.appPath, svc, p.conn.Emit)
	app.adv.configure(adv)
	if err := p.export(app); err != nil {
		p.unexportLocked()
		return err
	}
	p.app = app
	p.started = true
	p.log.Info("bluez_exported", "adapter", string(adapter), "app", string(p.appPath))

	obj := p.conn.Object(busName, adapter)
	noOpts := map[string]dbus.Variant{}
	appCall := obj.Go(gattManagerIface+".RegisterApplication", 0, make(chan *dbus.Call, 1), p.appPath, noOpts)
	advCall := obj.Go(advManagerIface+".RegisterAdvertisement", 0, make(chan *dbus.Call, 1), app.adv.path, noOpts)
	go p.await(ctx, appCall, ble.StepApplication, cb)
	go p.await(ctx, advCall, ble.StepAdvertisement, cb)
	return nil
}

func (p *Peripheral) await(ctx context.Context, call *dbus.Call, step string, cb ble.Callbacks) {
	select {
	case <-call.Done:
	case <-ctx.Done():
		return
	}
	if call.Err != nil {
		if cb.OnError != nil {
			cb.OnError(step, call.Err)
		}
		return
	}
	if cb.OnRegistered != nil {
		cb.OnRegistered(step)
	}
}

// findAdapter returns the configured controller or the first one exposing
// both managers.
func (p *Peripheral) findAdapter() (dbus.ObjectPath, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := p.conn.Object(busName, "/").Call(objectManagerIface+".GetManagedObjects", 0).Store(&objs)
	if err != nil {
		return "", fmt.Errorf("bluez: list objects: %w", err)
	}
	return pickAdapter(objs, p.adapterName)
}

func pickAdapter(objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant, name string) (dbus.ObjectPath, error) {
	var best dbus.ObjectPath
	for path, ifaces := range objs {
		_, gatt := ifaces[gattManagerIface]
		_, adv := ifaces[advManagerIface]
		if !gatt || !adv {
			continue
		}
		if name != "" && !strings.HasSuffix(string(path), "/"+name) {
			continue
		}
		// map order is random; prefer the lowest path (hci0 before hci1)
		if best == "" || path < best {
			best = path
		}
	}
	if best == "" {
		return "", ErrNoAdapter
	}
	return best, nil
}

func (p *Peripheral) export(app *application) error {
	if err := p.conn.Export(app, app.path, objectManagerIface); err != nil {
		return fmt.Errorf("bluez: export application: %w", err)
	}
	p.exported = append(p.exported, exported{app.path, objectManagerIface})

	if _, err := prop.Export(p.conn, app.service.path, app.service.props()); err != nil {
		return fmt.Errorf("bluez: export service: %w", err)
	}
	p.exported = append(p.exported, exported{app.service.path, propertiesIface})

	for _, c := range app.chrcs {
		if err := p.conn.Export(c, c.path, gattChrcIface); err != nil {
			return fmt.Errorf("bluez: export characteristic %s: %w", c.c.UUID(), err)
		}
		p.exported = append(p.exported, exported{c.path, gattChrcIface})
		if _, err := prop.Export(p.conn, c.path, c.props()); err != nil {
			return fmt.Errorf("bluez: export characteristic properties: %w", err)
		}
		p.exported = append(p.exported, exported{c.path, propertiesIface})
	}

	if err := p.conn.Export(app.adv, app.adv.path, advIface); err != nil {
		return fmt.Errorf("bluez: export advertisement: %w", err)
	}
	p.exported = append(p.exported, exported{app.adv.path, advIface})
	if _, err := prop.Export(p.conn, app.adv.path, app.adv.props()); err != nil {
		return fmt.Errorf("bluez: export advertisement properties: %w", err)
	}
	p.exported = append(p.exported, exported{app.adv.path, propertiesIface})
	return nil
}

func (p *Peripheral) unexportLocked() {
	for _, e := range p.exported {
		_ = p.conn.Export(nil, e.path, e.iface)
	}
	p.exported = nil
}

// Close unregisters from BlueZ, removes the exported objects and releases
// the bus connection if this Peripheral opened it.
func (p *Peripheral) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	var errs []error
	if p.started {
		obj := p.conn.Object(busName, p.adapter)
		if err := obj.Call(advManagerIface+".UnregisterAdvertisement", 0, p.app.adv.path).Err; err != nil {
			errs = append(errs, err)
		}
		if err := obj.Call(gattManagerIface+".UnregisterApplication", 0, p.appPath).Err; err != nil {
			errs = append(errs, err)
		}
		p.started = false
	}
	p.unexportLocked()
	errs = append(errs, p.releaseConnLocked())
	return errors.Join(errs...)
}

// releaseConnLocked closes the bus connection if this Peripheral opened it.
func (p *Peripheral) releaseConnLocked() error {
	if !p.ownConn || p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ownConn = nil, false
	return err
}
