package usb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

// State is the adapter's position in the discovery/bridging cycle.
type State int32

const (
	StateSearching State = iota
	StateHandshaking
	StateAccessoryConfirmed
	StateBridging
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAccessoryConfirmed:
		return "accessory_confirmed"
	case StateBridging:
		return "bridging"
	default:
		return "searching"
	}
}

// DefaultSettle is how long a device gets to re-enumerate after the start
// request.
const DefaultSettle = time.Second

// Discoverer finds a device in accessory mode, switching one over if none is
// present yet.
type Discoverer struct {
	host    Host
	id      Identity
	settle  time.Duration
	log     *slog.Logger
	onState func(State)
}

func NewDiscoverer(h Host, id Identity, settle time.Duration, log *slog.Logger, onState func(State)) *Discoverer {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if onState == nil {
		onState = func(State) {}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Discoverer{host: h, id: id, settle: settle, log: log, onState: onState}
}

// Find runs one discovery pass and returns an opened accessory-mode device.
// It returns ErrAccessoryNotFound when no device could be switched over.
func (d *Discoverer) Find(ctx context.Context) (Device, error) {
	d.onState(StateSearching)
	devs, err := d.host.Devices(ctx)
	if err != nil {
		metrics.IncError(metrics.ErrUSBEnumerate)
		return nil, fmt.Errorf("enumerate: %w", err)
	}
	if info, ok := firstAccessory(devs); ok {
		metrics.IncUSBHandshake(metrics.HandshakeSkipped)
		d.log.Info("usb_accessory_present", "device", info.String())
		return d.confirm(info)
	}
	for _, info := range devs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		dev, ok := d.switchOver(ctx, info)
		if ok {
			return dev, nil
		}
	}
	return nil, ErrAccessoryNotFound
}

// switchOver runs the handshake on one candidate and re-scans for the
// accessory it should turn into.
func (d *Discoverer) switchOver(ctx context.Context, info DeviceInfo) (Device, bool) {
	d.onState(StateHandshaking)
	dev, err := d.host.Open(info)
	if err != nil {
		d.log.Debug("usb_open_failed", "device", info.String(), "error", err)
		return nil, false
	}
	version, err := Handshake(dev, d.id)
	// the pre-switch handle is dead either way once the device re-enumerates
	_ = dev.Close()
	if err != nil {
		metrics.IncUSBHandshake(metrics.HandshakeFailed)
		if errors.Is(err, ErrUnsupportedProtocol) {
			d.log.Debug("usb_handshake_unsupported", "device", info.String())
		} else {
			metrics.IncError(metrics.ErrUSBHandshake)
			d.log.Info("usb_handshake_failed", "device", info.String(), "error", err)
		}
		return nil, false
	}
	metrics.IncUSBHandshake(metrics.HandshakeOK)
	d.log.Info("usb_handshake_sent", "device", info.String(), "protocol", version, "settle", d.settle)

	t := time.NewTimer(d.settle)
	select {
	case <-ctx.Done():
		t.Stop()
		return nil, false
	case <-t.C:
	}
	devs, err := d.host.Devices(ctx)
	if err != nil {
		metrics.IncError(metrics.ErrUSBEnumerate)
		d.log.Warn("usb_rescan_failed", "error", err)
		return nil, false
	}
	acc, ok := firstAccessory(devs)
	if !ok {
		d.log.Info("usb_accessory_not_found", "after", info.String())
		return nil, false
	}
	dev, err = d.confirm(acc)
	return dev, err == nil
}

func (d *Discoverer) confirm(info DeviceInfo) (Device, error) {
	dev, err := d.host.Open(info)
	if err != nil {
		d.log.Warn("usb_open_failed", "device", info.String(), "error", err)
		return nil, fmt.Errorf("open accessory %s: %w", info, err)
	}
	d.onState(StateAccessoryConfirmed)
	return dev, nil
}

func firstAccessory(devs []DeviceInfo) (DeviceInfo, bool) {
	for _, info := range devs {
		if info.IsAccessory() {
			return info, true
		}
	}
	return DeviceInfo{}, false
}
