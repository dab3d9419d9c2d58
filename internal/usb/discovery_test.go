package usb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/logging"
)

var (
	phoneInfo     = DeviceInfo{Bus: 1, Address: 4, VID: 0x04E8, PID: 0x6860}
	accessoryInfo = DeviceInfo{Bus: 1, Address: 5, VID: GoogleVID, PID: PIDAccessoryADB}
	hubInfo       = DeviceInfo{Bus: 1, Address: 1, VID: 0x1D6B, PID: 0x0002}
)

func recordStates() (*[]State, func(State)) {
	var states []State
	return &states, func(s State) { states = append(states, s) }
}

func TestFindSkipsHandshakeWhenAccessoryPresent(t *testing.T) {
	phone := &fakeDevice{info: phoneInfo, version: 2, shortIdx: -1}
	acc := &fakeDevice{info: accessoryInfo, shortIdx: -1}
	h := &fakeHost{devs: []*fakeDevice{phone, acc}}
	states, onState := recordStates()
	d := NewDiscoverer(h, DefaultIdentity(), time.Millisecond, logging.For("test"), onState)

	dev, err := d.Find(context.Background())
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if dev.Info() != accessoryInfo {
		t.Fatalf("got %v", dev.Info())
	}
	if len(phone.requests()) != 0 {
		t.Fatalf("handshake sent although an accessory was present")
	}
	if got := *states; len(got) != 2 || got[0] != StateSearching || got[1] != StateAccessoryConfirmed {
		t.Fatalf("states = %v", got)
	}
}

func TestFindSwitchesPhoneIntoAccessoryMode(t *testing.T) {
	hub := &fakeDevice{info: hubInfo, version: 0, shortIdx: -1}
	phone := &fakeDevice{info: phoneInfo, version: 2, shortIdx: -1}
	acc := &fakeDevice{info: accessoryInfo, shortIdx: -1}
	h := &fakeHost{devs: []*fakeDevice{hub, phone}, becomes: map[*fakeDevice]*fakeDevice{phone: acc}}
	states, onState := recordStates()
	d := NewDiscoverer(h, DefaultIdentity(), time.Millisecond, logging.For("test"), onState)

	dev, err := d.Find(context.Background())
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if dev.Info() != accessoryInfo {
		t.Fatalf("got %v", dev.Info())
	}
	if len(hub.requests()) != 1 {
		t.Fatalf("hub: expected only the protocol query, got %d transfers", len(hub.requests()))
	}
	if len(phone.requests()) != 8 {
		t.Fatalf("phone: expected full handshake, got %d transfers", len(phone.requests()))
	}
	if !phone.isClosed() || !hub.isClosed() {
		t.Fatalf("pre-switch handles must be released")
	}
	if h.enumCalls != 2 {
		t.Fatalf("expected one rescan after the handshake, enumerations=%d", h.enumCalls)
	}
	want := []State{StateSearching, StateHandshaking, StateHandshaking, StateAccessoryConfirmed}
	got := *states
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestFindAbandonsWhenAccessoryNeverAppears(t *testing.T) {
	phone := &fakeDevice{info: phoneInfo, version: 1, shortIdx: -1}
	h := &fakeHost{devs: []*fakeDevice{phone}}
	d := NewDiscoverer(h, DefaultIdentity(), time.Millisecond, logging.For("test"), nil)
	if _, err := d.Find(context.Background()); !errors.Is(err, ErrAccessoryNotFound) {
		t.Fatalf("err = %v, want ErrAccessoryNotFound", err)
	}
}

func TestFindNoDevices(t *testing.T) {
	d := NewDiscoverer(&fakeHost{}, DefaultIdentity(), 0, nil, nil)
	if _, err := d.Find(context.Background()); !errors.Is(err, ErrAccessoryNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestStateNames(t *testing.T) {
	names := map[State]string{
		StateSearching:          "searching",
		StateHandshaking:        "handshaking",
		StateAccessoryConfirmed: "accessory_confirmed",
		StateBridging:           "bridging",
	}
	for s, n := range names {
		if s.String() != n {
			t.Fatalf("%d = %q", s, s.String())
		}
	}
}
