package bluez

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/kstaniek/go-uart-bridge/internal/ble"
)

type emitFunc func(path dbus.ObjectPath, name string, values ...interface{}) error

// application is the object manager BlueZ walks to discover the service.
type application struct {
	path    dbus.ObjectPath
	service *serviceObject
	chrcs   []*chrcObject
	adv     *advObject
}

func newApplication(root dbus.ObjectPath, svc *ble.UARTService, emit emitFunc) *application {
	app := &application{path: root}
	app.service = &serviceObject{path: root + "/service0", uuid: svc.UUID().String()}
	for i, c := range svc.Characteristics() {
		co := &chrcObject{
			path:    dbus.ObjectPath(fmt.Sprintf("%s/char%d", app.service.path, i)),
			service: app.service.path,
			c:       c,
			emit:    emit,
		}
		app.chrcs = append(app.chrcs, co)
		app.service.chrcs = append(app.service.chrcs, co.path)
	}
	// TX notifications leave as PropertiesChanged on its object
	svc.TX.Bind(app.chrcs[0].notify)
	app.adv = &advObject{path: root + "/advertisement0"}
	return app
}

// GetManagedObjects is the D-Bus ObjectManager method.
func (a *application) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	out := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		a.service.path: variants(a.service.props()),
	}
	for _, c := range a.chrcs {
		out[c.path] = variants(c.props())
	}
	return out, nil
}

func variants(m prop.Map) map[string]map[string]dbus.Variant {
	out := make(map[string]map[string]dbus.Variant, len(m))
	for iface, props := range m {
		vs := make(map[string]dbus.Variant, len(props))
		for name, p := range props {
			vs[name] = dbus.MakeVariant(p.Value)
		}
		out[iface] = vs
	}
	return out
}

type serviceObject struct {
	path  dbus.ObjectPath
	uuid  string
	chrcs []dbus.ObjectPath
}

func (s *serviceObject) props() prop.Map {
	return prop.Map{gattServiceIface: {
		"UUID":            {Value: s.uuid, Emit: prop.EmitConst},
		"Primary":         {Value: true, Emit: prop.EmitConst},
		"Characteristics": {Value: s.chrcs, Emit: prop.EmitConst},
	}}
}

// chrcObject exports one characteristic. Its exported methods form the
// GattCharacteristic1 interface; each is mapped onto the characteristic's
// capabilities.
type chrcObject struct {
	path    dbus.ObjectPath
	service dbus.ObjectPath
	c       ble.Characteristic
	emit    emitFunc
}

func (o *chrcObject) props() prop.Map {
	return prop.Map{gattChrcIface: {
		"UUID":        {Value: o.c.UUID().String(), Emit: prop.EmitConst},
		"Service":     {Value: o.service, Emit: prop.EmitConst},
		"Flags":       {Value: o.c.Flags(), Emit: prop.EmitConst},
		"Descriptors": {Value: []dbus.ObjectPath{}, Emit: prop.EmitConst},
	}}
}

func (o *chrcObject) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	r, ok := o.c.(ble.Readable)
	if !ok {
		return nil, notSupported()
	}
	v, err := r.ReadValue()
	if err != nil {
		return nil, dbus.NewError(errFailed, []interface{}{err.Error()})
	}
	return v, nil
}

func (o *chrcObject) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	w, ok := o.c.(ble.Writable)
	if !ok {
		return notSupported()
	}
	if err := w.WriteValue(value); err != nil {
		return dbus.NewError(errFailed, []interface{}{err.Error()})
	}
	return nil
}

func (o *chrcObject) StartNotify() *dbus.Error {
	n, ok := o.c.(ble.Notifiable)
	if !ok {
		return notSupported()
	}
	n.StartNotify()
	return nil
}

func (o *chrcObject) StopNotify() *dbus.Error {
	n, ok := o.c.(ble.Notifiable)
	if !ok {
		return notSupported()
	}
	n.StopNotify()
	return nil
}

func (o *chrcObject) notify(value []byte) error {
	return o.emit(o.path, propertiesIface+".PropertiesChanged",
		gattChrcIface, map[string]dbus.Variant{"Value": dbus.MakeVariant(value)}, []string{})
}

func notSupported() *dbus.Error { return dbus.NewError(errNotSupported, nil) }

// advObject is the LEAdvertisement1 object.
type advObject struct {
	path      dbus.ObjectPath
	localName string
	uuids     []string
	includes  []string
}

func (a *advObject) configure(adv ble.Advertisement) {
	a.localName = adv.LocalName
	a.uuids = a.uuids[:0]
	for _, u := range adv.ServiceUUIDs {
		a.uuids = append(a.uuids, u.String())
	}
	a.includes = nil
	if adv.IncludeTxPower {
		a.includes = []string{"tx-power"}
	}
}

func (a *advObject) props() prop.Map {
	return prop.Map{advIface: {
		"Type":         {Value: "peripheral", Emit: prop.EmitConst},
		"ServiceUUIDs": {Value: a.uuids, Emit: prop.EmitConst},
		"LocalName":    {Value: a.localName, Emit: prop.EmitConst},
		"Includes":     {Value: a.includes, Emit: prop.EmitConst},
	}}
}

// Release is called by BlueZ when it drops the advertisement.
func (a *advObject) Release() *dbus.Error { return nil }
