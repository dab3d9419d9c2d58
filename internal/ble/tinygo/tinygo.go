// Package tinygo serves the UART service with tinygo.org/x/bluetooth, which
// runs on BlueZ, CoreBluetooth and WinRT hosts.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/kstaniek/go-uart-bridge/internal/ble"
	"github.com/kstaniek/go-uart-bridge/internal/logging"
)

// Peripheral implements ble.Peripheral. Notifications are enabled when a
// central connects and disabled when it disconnects since the stack does
// not surface CCCD writes.
type Peripheral struct {
	adapter *bluetooth.Adapter
	log     *slog.Logger

	mu      sync.Mutex
	adv     *bluetooth.Advertisement
	started bool
}

func New() *Peripheral {
	return &Peripheral{adapter: bluetooth.DefaultAdapter, log: logging.For("tinygo-ble")}
}

func toUUID(u uuid.UUID) (bluetooth.UUID, error) {
	return bluetooth.ParseUUID(u.String())
}

func (p *Peripheral) Start(ctx context.Context, svc *ble.UARTService, adv ble.Advertisement, cb ble.Callbacks) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("tinygo ble: already started")
	}
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("tinygo ble: enable adapter: %w", err)
	}
	svcUUID, err := toUUID(svc.UUID())
	if err != nil {
		return err
	}
	txUUID, err := toUUID(svc.TX.UUID())
	if err != nil {
		return err
	}
	rxUUID, err := toUUID(svc.RX.UUID())
	if err != nil {
		return err
	}
	advUUIDs := make([]bluetooth.UUID, 0, len(adv.ServiceUUIDs))
	for _, u := range adv.ServiceUUIDs {
		bu, err := toUUID(u)
		if err != nil {
			return err
		}
		advUUIDs = append(advUUIDs, bu)
	}

	p.adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		if connected {
			p.log.Info("ble_central_connected", "address", dev.Address.String())
			svc.TX.StartNotify()
			return
		}
		p.log.Info("ble_central_disconnected", "address", dev.Address.String())
		svc.TX.StopNotify()
	})

	var txHandle bluetooth.Characteristic
	service := &bluetooth.Service{
		UUID: svcUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &txHandle,
				UUID:   txUUID,
				Flags:  permissions(svc.TX.Flags()),
			},
			{
				UUID:  rxUUID,
				Flags: permissions(svc.RX.Flags()),
				WriteEvent: func(_ bluetooth.Connection, offset int, value []byte) {
					if offset != 0 {
						return
					}
					_ = svc.RX.WriteValue(value)
				},
			},
		},
	}
	svc.TX.Bind(func(v []byte) error {
		_, err := txHandle.Write(v)
		return err
	})

	p.adv = p.adapter.DefaultAdvertisement()
	p.started = true
	go func() {
		if err := p.adapter.AddService(service); err != nil {
			report(ctx, cb, ble.StepApplication, err)
			return
		}
		report(ctx, cb, ble.StepApplication, nil)
		err := p.adv.Configure(bluetooth.AdvertisementOptions{
			LocalName:    adv.LocalName,
			ServiceUUIDs: advUUIDs,
		})
		if err == nil {
			err = p.adv.Start()
		}
		report(ctx, cb, ble.StepAdvertisement, err)
	}()
	return nil
}

func report(ctx context.Context, cb ble.Callbacks, step string, err error) {
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(step, err)
		}
		return
	}
	if cb.OnRegistered != nil {
		cb.OnRegistered(step)
	}
}

// Close stops advertising. The stack offers no way to remove a service.
func (p *Peripheral) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.adv == nil {
		return nil
	}
	p.started = false
	return p.adv.Stop()
}

// permissions maps characteristic flags onto the stack's permission bits.
// Writes are accepted with or without response.
func permissions(flags []string) bluetooth.CharacteristicPermissions {
	var p bluetooth.CharacteristicPermissions
	for _, f := range flags {
		switch f {
		case ble.FlagWrite:
			p |= bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission
		case ble.FlagNotify:
			p |= bluetooth.CharacteristicNotifyPermission
		}
	}
	return p
}
