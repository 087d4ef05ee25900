package hw

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// DeviceAttrs describes the fixed limits of an adapter.
type DeviceAttrs struct {
	MaxQPWR  uint32 // max outstanding work requests per queue
	MaxSGE   uint32 // max scatter/gather entries per work request
	MaxCQE   uint32 // max completion queue capacity
	MaxMRLen uint64 // max bytes per memory registration
}

// Capabilities lists the optional features the emulated driver offers.
// Consumers treat this as an opaque, read-only oracle result.
type Capabilities struct {
	// ExtendedAtomicWidths holds the operand byte widths available for
	// extended atomics. The standard 8-byte atomics are always present.
	ExtendedAtomicWidths []uint32
	// DCTransport reports whether dynamically-connected transport is
	// available.
	DCTransport bool
	// InlineData reports whether the provider fast path for small inline
	// payloads is available.
	InlineData bool
}

// SupportsExtendedAtomic reports whether extended atomics of the given
// operand width are available.
func (c Capabilities) SupportsExtendedAtomic(width uint32) bool {
	for _, w := range c.ExtendedAtomicWidths {
		if w == width {
			return true
		}
	}
	return false
}

// Probe reports the capability set of the emulated adapter. The emulation
// models a full-featured provider; a build against a restricted driver would
// return a narrower set.
func Probe() Capabilities {
	return Capabilities{
		ExtendedAtomicWidths: []uint32{8, 16, 32},
		DCTransport:          true,
		InlineData:           true,
	}
}

// PortState is the state of a physical adapter port.
type PortState int

const (
	PortStateDown PortState = iota
	PortStateActive
)

// Device is one emulated adapter visible to the process.
type Device struct {
	name  string
	attrs DeviceAttrs
	ports []PortState
}

// Name returns the adapter name.
func (d *Device) Name() string { return d.name }

// Attrs returns the adapter limits.
func (d *Device) Attrs() DeviceAttrs { return d.attrs }

// NumPorts returns the number of physical ports.
func (d *Device) NumPorts() uint8 { return uint8(len(d.ports)) }

// PortState returns the state of the 1-based port.
func (d *Device) PortState(port uint8) PortState {
	if port == 0 || int(port) > len(d.ports) {
		return PortStateDown
	}
	return d.ports[port-1]
}

var devices = []*Device{
	{
		name: "rxe0",
		attrs: DeviceAttrs{
			MaxQPWR:  16384,
			MaxSGE:   32,
			MaxCQE:   65536,
			MaxMRLen: 1 << 40,
		},
		ports: []PortState{PortStateActive, PortStateDown},
	},
}

// Devices lists the adapters visible to the process.
func Devices() []*Device {
	out := make([]*Device, len(devices))
	copy(out, devices)
	return out
}

// FindDevice returns the named adapter, or the first one when name is empty.
func FindDevice(name string) (*Device, error) {
	if name == "" {
		return devices[0], nil
	}
	for _, d := range devices {
		if d.name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

var lidCounter atomic.Uint32

// Context is an opened adapter port. Each Open yields a distinct local
// identifier, so two contexts in one process behave like two fabric nodes.
type Context struct {
	dev    *Device
	port   uint8
	lid    uint16
	gid    [16]byte
	closed atomic.Bool
}

// Open opens the given port of a device.
func Open(dev *Device, port uint8) (*Context, error) {
	if dev.PortState(port) != PortStateActive {
		return nil, fmt.Errorf("%w: %s port %d", ErrPortDown, dev.name, port)
	}
	lid := uint16(lidCounter.Add(1))
	ctx := &Context{dev: dev, port: port, lid: lid}
	// Link-local style GID derived from the LID.
	ctx.gid[0] = 0xfe
	ctx.gid[1] = 0x80
	binary.BigEndian.PutUint16(ctx.gid[14:], lid)
	return ctx, nil
}

// Device returns the adapter this context was opened on.
func (c *Context) Device() *Device { return c.dev }

// Port returns the opened 1-based port number.
func (c *Context) Port() uint8 { return c.port }

// LID returns the port's local identifier.
func (c *Context) LID() uint16 { return c.lid }

// GID returns the port's global identifier.
func (c *Context) GID() [16]byte { return c.gid }

// Attrs returns the device limits.
func (c *Context) Attrs() DeviceAttrs { return c.dev.attrs }

// Close releases the context.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return nil
}
