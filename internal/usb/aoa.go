// Package usb bridges an Android device in Open Accessory mode to the bus.
package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/kstaniek/go-uart-bridge/internal/transport"
)

// Vendor and product IDs of the Android Open Accessory protocol.
const (
	GoogleVID            uint16 = 0x18D1
	PIDAccessory         uint16 = 0x2D00
	PIDAccessoryADB      uint16 = 0x2D01
	PIDAudio             uint16 = 0x2D02
	PIDAudioADB          uint16 = 0x2D03
	PIDAccessoryAudio    uint16 = 0x2D04
	PIDAccessoryAudioADB uint16 = 0x2D05
)

// Vendor control requests of the accessory handshake.
const (
	ReqGetProtocol uint8 = 51
	ReqSendString  uint8 = 52
	ReqStart       uint8 = 53

	RequestTypeVendorIn  uint8 = 0xC0 // device-to-host | vendor | device
	RequestTypeVendorOut uint8 = 0x40 // host-to-device | vendor | device
)

// BridgeInterface is the interface number carrying the accessory bulk pair.
// On 0x2D01 interface 1 is ADB and stays untouched.
const BridgeInterface = 0

var (
	ErrUnsupportedProtocol = fmt.Errorf("%w: accessory protocol not supported", transport.ErrProtocolViolation)
	ErrShortWrite          = fmt.Errorf("%w: short control write", transport.ErrProtocolViolation)
	ErrShortRead           = fmt.Errorf("%w: short control read", transport.ErrProtocolViolation)
	ErrAccessoryNotFound   = errors.New("no device in accessory mode")
)

// IsAccessory reports whether vid/pid identify a device already in accessory
// mode with a bulk pair this bridge can use. Audio-only variants are not
// bridged.
func IsAccessory(vid, pid uint16) bool {
	return vid == GoogleVID && (pid == PIDAccessory || pid == PIDAccessoryADB)
}

// Identity is the set of strings announced to the Android device. The
// device uses them to pick the app that handles the accessory.
type Identity struct {
	Manufacturer string
	Model        string
	Description  string
	Version      string
	URI          string
	Serial       string
}

// DefaultIdentity is what the table's companion app filters on.
func DefaultIdentity() Identity {
	return Identity{
		Manufacturer: "GoFabCNC",
		Model:        "Plasma Table",
		Description:  "GoFabCNC Plasma Table",
		Version:      "1.0",
		URI:          "https://gofabcnc.com",
		Serial:       "serial",
	}
}

// strings returns the identity in wIndex order 0..5.
func (id Identity) strings() [6]string {
	return [6]string{id.Manufacturer, id.Model, id.Description, id.Version, id.URI, id.Serial}
}

// Validate rejects strings the wire format cannot carry.
func (id Identity) Validate() error {
	names := [6]string{"manufacturer", "model", "description", "version", "uri", "serial"}
	for i, s := range id.strings() {
		if strings.IndexByte(s, 0) >= 0 {
			return fmt.Errorf("accessory %s contains a NUL byte", names[i])
		}
		if len(s)+1 > 0xFFFF {
			return fmt.Errorf("accessory %s too long", names[i])
		}
	}
	return nil
}

// Controller issues control transfers on the default endpoint.
type Controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// Handshake asks dev to switch into accessory mode and returns the protocol
// version it reported. The device disconnects and re-enumerates on success,
// so the handle must not be used afterwards.
func Handshake(dev Controller, id Identity) (uint16, error) {
	buf := make([]byte, 2)
	n, err := dev.Control(RequestTypeVendorIn, ReqGetProtocol, 0, 0, buf)
	if err != nil {
		return 0, fmt.Errorf("get protocol: %w", err)
	}
	if n < len(buf) {
		return 0, fmt.Errorf("get protocol: %w: %d of %d bytes", ErrShortRead, n, len(buf))
	}
	version := binary.LittleEndian.Uint16(buf)
	if version == 0 {
		return 0, ErrUnsupportedProtocol
	}
	for i, s := range id.strings() {
		data := append([]byte(s), 0)
		n, err := dev.Control(RequestTypeVendorOut, ReqSendString, 0, uint16(i), data)
		if err != nil {
			return version, fmt.Errorf("send string %d: %w", i, err)
		}
		if n != len(data) {
			return version, fmt.Errorf("send string %d: %w: %d of %d bytes", i, ErrShortWrite, n, len(data))
		}
	}
	if _, err := dev.Control(RequestTypeVendorOut, ReqStart, 0, 0, nil); err != nil {
		return version, fmt.Errorf("start accessory: %w", err)
	}
	return version, nil
}
