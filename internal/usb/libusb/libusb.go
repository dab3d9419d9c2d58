// Package libusb implements usb.Host on top of libusb through gousb. It is
// the only package in the module that needs cgo.
package libusb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/kstaniek/go-uart-bridge/internal/transport"
	"github.com/kstaniek/go-uart-bridge/internal/usb"
)

// ErrNoSuchDevice is returned by Open when the device left the bus.
var ErrNoSuchDevice = fmt.Errorf("%w: device not present", transport.ErrDisconnected)

// Host wraps a libusb context.
type Host struct {
	mu  sync.Mutex
	ctx *gousb.Context
}

func NewHost() *Host { return &Host{ctx: gousb.NewContext()} }

// Close releases the libusb context. Devices must be closed first.
func (h *Host) Close() error { return h.ctx.Close() }

// Devices lists every device on the bus without opening any.
func (h *Host) Devices(ctx context.Context) ([]usb.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var infos []usb.DeviceInfo
	_, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		infos = append(infos, infoOf(desc))
		return false
	})
	if err != nil {
		return infos, mapErr(nil, err)
	}
	return infos, nil
}

// Open opens the device at the bus position in info, provided it still has
// the same IDs.
func (h *Host) Open(info usb.DeviceInfo) (usb.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	devs, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return infoOf(desc) == info
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, mapErr(nil, err)
		}
		return nil, ErrNoSuchDevice
	}
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	d := devs[0]
	// the kernel may have bound a driver (e.g. usbfs consumers, adb)
	if err := d.SetAutoDetach(true); err != nil {
		_ = d.Close()
		return nil, mapErr(nil, err)
	}
	return &device{dev: d, info: info}, nil
}

func infoOf(desc *gousb.DeviceDesc) usb.DeviceInfo {
	return usb.DeviceInfo{
		Bus:     desc.Bus,
		Address: desc.Address,
		VID:     uint16(desc.Vendor),
		PID:     uint16(desc.Product),
	}
}

type device struct {
	dev  *gousb.Device
	info usb.DeviceInfo
}

func (d *device) Info() usb.DeviceInfo { return d.info }

func (d *device) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := d.dev.Control(rType, request, val, idx, data)
	return n, mapErr(nil, err)
}

// Endpoints claims iface in the active configuration and picks the
// lowest-numbered bulk IN and OUT endpoints of its default alt setting.
func (d *device) Endpoints(iface int) (usb.Endpoints, error) {
	num, err := d.dev.ActiveConfigNum()
	if err != nil {
		return nil, fmt.Errorf("active config: %w", mapErr(nil, err))
	}
	cfg, err := d.dev.Config(num)
	if err != nil {
		return nil, fmt.Errorf("config %d: %w", num, mapErr(nil, err))
	}
	intf, err := cfg.Interface(iface, 0)
	if err != nil {
		_ = cfg.Close()
		return nil, fmt.Errorf("claim interface %d: %w", iface, mapErr(nil, err))
	}
	inNum, outNum := -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			if inNum < 0 || ep.Number < inNum {
				inNum = ep.Number
			}
		case gousb.EndpointDirectionOut:
			if outNum < 0 || ep.Number < outNum {
				outNum = ep.Number
			}
		}
	}
	e := &endpoints{cfg: cfg, intf: intf}
	if inNum < 0 || outNum < 0 {
		e.Close()
		return nil, fmt.Errorf("%w: interface %d has no bulk pair", transport.ErrProtocolViolation, iface)
	}
	if e.in, err = intf.InEndpoint(inNum); err != nil {
		e.Close()
		return nil, mapErr(nil, err)
	}
	if e.out, err = intf.OutEndpoint(outNum); err != nil {
		e.Close()
		return nil, mapErr(nil, err)
	}
	return e, nil
}

func (d *device) Close() error { return d.dev.Close() }

type endpoints struct {
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
	once sync.Once
	err  error
}

func (e *endpoints) Read(ctx context.Context, p []byte) (int, error) {
	n, err := e.in.ReadContext(ctx, p)
	return n, mapErr(ctx, err)
}

func (e *endpoints) Write(ctx context.Context, p []byte) (int, error) {
	n, err := e.out.WriteContext(ctx, p)
	return n, mapErr(ctx, err)
}

// Close releases the interface and the configuration (idempotent).
func (e *endpoints) Close() error {
	e.once.Do(func() {
		e.intf.Close()
		e.err = e.cfg.Close()
	})
	return e.err
}

// mapErr marks libusb errors with the transport kind they represent.
func mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return transport.Mark(transport.KindTimeout, err)
	}
	var uerr gousb.Error
	if errors.As(err, &uerr) {
		switch uerr {
		case gousb.ErrorTimeout:
			return transport.Mark(transport.KindTimeout, err)
		case gousb.ErrorNoDevice, gousb.ErrorIO, gousb.ErrorPipe, gousb.ErrorNotFound:
			return transport.Mark(transport.KindDisconnected, err)
		case gousb.ErrorOverflow:
			return transport.Mark(transport.KindProtocolViolation, err)
		}
		return err
	}
	var st gousb.TransferStatus
	if errors.As(err, &st) {
		switch st {
		case gousb.TransferTimedOut:
			return transport.Mark(transport.KindTimeout, err)
		case gousb.TransferNoDevice, gousb.TransferError, gousb.TransferStall, gousb.TransferCancelled:
			return transport.Mark(transport.KindDisconnected, err)
		case gousb.TransferOverflow:
			return transport.Mark(transport.KindProtocolViolation, err)
		}
	}
	return err
}
