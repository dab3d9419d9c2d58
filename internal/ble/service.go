package ble

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/kstaniek/go-uart-bridge/internal/bus"
	"github.com/kstaniek/go-uart-bridge/internal/frame"
)

// UARTService is the fixed TX/RX pair of the Nordic UART Service.
type UARTService struct {
	TX *TXCharacteristic
	RX *RXCharacteristic
}

// NewUARTService wires RX writes to the to-serial topic of b.
func NewUARTService(b bus.Bus, log *slog.Logger) *UARTService {
	return &UARTService{
		TX: NewTXCharacteristic(log),
		RX: NewRXCharacteristic(func(fr frame.Frame) { b.Publish(frame.ToSerial, fr) }, log),
	}
}

func (s *UARTService) UUID() uuid.UUID { return ServiceUUID }

// Characteristics returns the characteristics in registration order.
func (s *UARTService) Characteristics() []Characteristic {
	return []Characteristic{s.TX, s.RX}
}
