package device

import (
	"context"
	"time"

	"Droidlink/pkg/types"
)

// propCache holds the properties read from one connection. A reconnect
// produces a session with a different ConnectedAt and empties the cache.
type propCache struct {
	connectedAt time.Time
	values      map[string]string
	complete    bool
}

func (f *Facade) cacheFor(serial string, connectedAt time.Time) *propCache {
	c, ok := f.props[serial]
	if !ok || !c.connectedAt.Equal(connectedAt) {
		c = &propCache{connectedAt: connectedAt, values: make(map[string]string)}
		f.props[serial] = c
	}
	return c
}

func (f *Facade) invalidateProps(serial string) {
	f.propsMu.Lock()
	delete(f.props, serial)
	f.propsMu.Unlock()
}

// GetProperty returns a system property. ok is false when the property is
// missing or unreadable; err is only set when the device is not connected.
func (f *Facade) GetProperty(ctx context.Context, serial, name string) (value string, ok bool, err error) {
	s, err := f.reg.Lookup(serial)
	if err != nil {
		return "", false, err
	}

	f.propsMu.Lock()
	c := f.cacheFor(serial, s.ConnectedAt)
	value, ok = c.values[name]
	complete := c.complete
	f.propsMu.Unlock()
	if ok || complete {
		return value, ok, nil
	}

	value, ok = f.reg.GetProperty(ctx, serial, name)
	if ok {
		f.propsMu.Lock()
		f.cacheFor(serial, s.ConnectedAt).values[name] = value
		f.propsMu.Unlock()
	}
	return value, ok, nil
}

// GetProperties returns every system property of serial. The map is a copy.
func (f *Facade) GetProperties(ctx context.Context, serial string) (map[string]string, error) {
	s, err := f.reg.Lookup(serial)
	if err != nil {
		return nil, err
	}

	f.propsMu.Lock()
	c := f.cacheFor(serial, s.ConnectedAt)
	if c.complete {
		out := copyProps(c.values)
		f.propsMu.Unlock()
		return out, nil
	}
	f.propsMu.Unlock()

	props, ok := f.reg.GetAllProperties(ctx, serial)
	if !ok {
		return map[string]string{}, nil
	}

	f.propsMu.Lock()
	c = f.cacheFor(serial, s.ConnectedAt)
	c.values = props
	c.complete = true
	out := copyProps(props)
	f.propsMu.Unlock()
	return out, nil
}

func copyProps(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DeviceInfo summarises the identity of serial from its properties.
func (f *Facade) DeviceInfo(ctx context.Context, serial string) (*types.DeviceInfo, error) {
	props, err := f.GetProperties(ctx, serial)
	if err != nil {
		return nil, err
	}
	info := &types.DeviceInfo{
		Serial:         serial,
		Model:          props["ro.product.model"],
		Brand:          props["ro.product.brand"],
		Manufacturer:   props["ro.product.manufacturer"],
		AndroidVersion: props["ro.build.version.release"],
		SDK:            props["ro.build.version.sdk"],
		ABI:            props["ro.product.cpu.abi"],
	}
	extra := make(map[string]string)
	for _, key := range []string{"ro.build.display.id", "ro.build.fingerprint", "ro.serialno"} {
		if v, ok := props[key]; ok {
			extra[key] = v
		}
	}
	if len(extra) > 0 {
		info.Props = extra
	}
	return info, nil
}
