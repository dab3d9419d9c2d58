package usb

import (
	"context"
	"errors"
	"sync"

	"github.com/kstaniek/go-uart-bridge/internal/transport"
)

type ctrlCall struct {
	rType, req uint8
	val, idx   uint16
	data       []byte
}

// fakeDevice records control transfers and serves a scripted bulk pair.
type fakeDevice struct {
	info     DeviceInfo
	version  uint16
	shortIdx int // wIndex whose string write is short, -1 for none
	ctrlErr  error

	mu     sync.Mutex
	calls  []ctrlCall
	closed bool
	eps    *fakeEndpoints
	host   *fakeHost
}

func (d *fakeDevice) Info() DeviceInfo { return d.info }

func (d *fakeDevice) Control(rType, req uint8, val, idx uint16, data []byte) (int, error) {
	d.mu.Lock()
	d.calls = append(d.calls, ctrlCall{rType, req, val, idx, append([]byte(nil), data...)})
	d.mu.Unlock()
	if d.ctrlErr != nil {
		return 0, d.ctrlErr
	}
	switch req {
	case ReqGetProtocol:
		data[0], data[1] = byte(d.version), byte(d.version>>8)
		return 2, nil
	case ReqSendString:
		if int(idx) == d.shortIdx {
			return len(data) - 1, nil
		}
		return len(data), nil
	case ReqStart:
		if d.host != nil {
			d.host.switched(d)
		}
		return 0, nil
	}
	return 0, errors.New("unexpected request")
}

func (d *fakeDevice) Endpoints(iface int) (Endpoints, error) {
	if d.eps == nil {
		return nil, errors.New("no endpoints")
	}
	d.eps.iface = iface
	return d.eps, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) requests() []ctrlCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ctrlCall(nil), d.calls...)
}

func (d *fakeDevice) isClosed() bool { d.mu.Lock(); defer d.mu.Unlock(); return d.closed }

// fakeHost serves a device list; a device that completes the handshake is
// replaced by its accessory counterpart when one is configured.
type fakeHost struct {
	mu        sync.Mutex
	devs      []*fakeDevice
	becomes   map[*fakeDevice]*fakeDevice
	opened    []DeviceInfo
	enumCalls int
}

func (h *fakeHost) Devices(context.Context) ([]DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enumCalls++
	out := make([]DeviceInfo, 0, len(h.devs))
	for _, d := range h.devs {
		out = append(out, d.info)
	}
	return out, nil
}

func (h *fakeHost) Open(info DeviceInfo) (Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.devs {
		if d.info == info {
			h.opened = append(h.opened, info)
			d.host = h
			return d, nil
		}
	}
	return nil, transport.ErrDisconnected
}

func (h *fakeHost) switched(d *fakeDevice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	acc, ok := h.becomes[d]
	if !ok {
		return
	}
	for i, cur := range h.devs {
		if cur == d {
			h.devs[i] = acc
		}
	}
}

func (h *fakeHost) openedInfos() []DeviceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]DeviceInfo(nil), h.opened...)
}

// fakeEndpoints hands out queued reads and otherwise times out like libusb.
type fakeEndpoints struct {
	iface   int
	rx      chan []byte
	readErr chan error

	mu      sync.Mutex
	written [][]byte
	wErr    error
	closed  bool
}

func newFakeEndpoints() *fakeEndpoints {
	return &fakeEndpoints{rx: make(chan []byte, 16), readErr: make(chan error, 1)}
}

func (e *fakeEndpoints) Read(ctx context.Context, p []byte) (int, error) {
	select {
	case b := <-e.rx:
		return copy(p, b), nil
	case err := <-e.readErr:
		return 0, err
	case <-ctx.Done():
		return 0, transport.Mark(transport.KindTimeout, ctx.Err())
	}
}

func (e *fakeEndpoints) Write(ctx context.Context, p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wErr != nil {
		return 0, e.wErr
	}
	e.written = append(e.written, append([]byte(nil), p...))
	return len(p), nil
}

func (e *fakeEndpoints) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEndpoints) writes() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.written...)
}

func (e *fakeEndpoints) isClosed() bool { e.mu.Lock(); defer e.mu.Unlock(); return e.closed }
