package usb

import (
	"context"
	"fmt"
)

// DeviceInfo identifies one enumerated device.
type DeviceInfo struct {
	Bus     int
	Address int
	VID     uint16
	PID     uint16
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%03d:%03d %04x:%04x", d.Bus, d.Address, d.VID, d.PID)
}

// IsAccessory reports whether the device is already in accessory mode.
func (d DeviceInfo) IsAccessory() bool { return IsAccessory(d.VID, d.PID) }

// Host enumerates and opens devices.
type Host interface {
	Devices(ctx context.Context) ([]DeviceInfo, error)
	Open(info DeviceInfo) (Device, error)
}

// Device is an exclusively opened device.
type Device interface {
	Controller
	Info() DeviceInfo
	// Endpoints claims iface and returns its bulk IN/OUT pair.
	Endpoints(iface int) (Endpoints, error)
	Close() error
}

// Endpoints is a claimed bulk pair. The context bounds a single transfer;
// an expired deadline surfaces as a transport.KindTimeout error.
type Endpoints interface {
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
	Close() error
}
