package verbs

import (
	"fmt"
	"sync/atomic"

	"github.com/nettlelabs/ibverbs-go/internal/hw"
)

// Capabilities is the optional-feature set of the driver/provider
// combination behind a context. The set is supplied externally at context
// open time and consumed read-only; queue pair construction validates
// capability opt-ins against it.
type Capabilities = hw.Capabilities

// CapabilityOracle supplies the capability set for a context being opened.
// The default oracle probes the adapter itself; builds against restricted
// driver installations substitute their own.
type CapabilityOracle func() Capabilities

// Device is one RDMA adapter visible to the process.
type Device struct {
	hw *hw.Device
}

// Name returns the adapter name.
func (d *Device) Name() string { return d.hw.Name() }

// NumPorts returns the number of physical ports on the adapter.
func (d *Device) NumPorts() uint8 { return d.hw.NumPorts() }

// PortActive reports whether the 1-based port is active.
func (d *Device) PortActive(port uint8) bool {
	return d.hw.PortState(port) == hw.PortStateActive
}

// Devices lists the adapters visible to the process.
func Devices() []*Device {
	hwDevs := hw.Devices()
	devs := make([]*Device, len(hwDevs))
	for i, d := range hwDevs {
		devs[i] = &Device{hw: d}
	}
	return devs
}

// ContextConfig controls context opening. The zero value selects the first
// adapter, port 1, GID index 0 and the probing capability oracle.
type ContextConfig struct {
	Device   string
	Port     uint8
	GIDIndex uint8
	Oracle   CapabilityOracle
}

// Context is an opened adapter port: the root resource from which every
// other resource is created. A context is immutable after open and is torn
// down when the last resource referencing it, directly or transitively, is
// gone.
type Context struct {
	inner  *contextInner
	closed atomic.Bool
}

type contextInner struct {
	rc       *refCount
	hw       *hw.Context
	caps     Capabilities
	gidIndex uint8
}

func (c *contextInner) teardown() {
	_ = c.hw.Close()
}

// Open opens an adapter port.
func Open(cfg *ContextConfig) (*Context, error) {
	var c ContextConfig
	if cfg != nil {
		c = *cfg
	}
	if c.Port == 0 {
		c.Port = 1
	}
	dev, err := hw.FindDevice(c.Device)
	if err != nil {
		return nil, translate(err)
	}
	hwCtx, err := hw.Open(dev, c.Port)
	if err != nil {
		return nil, fmt.Errorf("open %s port %d: %w", dev.Name(), c.Port, translate(err))
	}
	oracle := c.Oracle
	if oracle == nil {
		oracle = hw.Probe
	}
	inner := &contextInner{hw: hwCtx, caps: oracle(), gidIndex: c.GIDIndex}
	inner.rc = newRefCount(inner.teardown)
	return &Context{inner: inner}, nil
}

// Clone returns a new handle sharing the underlying context.
func (c *Context) Clone() *Context {
	c.inner.rc.hold()
	return &Context{inner: c.inner}
}

// Close releases this handle. The adapter context is closed when the last
// handle and the last dependent resource are gone. Close is idempotent per
// handle.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.inner.rc.release()
	return nil
}

// Capabilities returns the capability set supplied when the context was
// opened.
func (c *Context) Capabilities() Capabilities {
	return c.inner.caps
}

// DeviceName returns the name of the adapter behind the context.
func (c *Context) DeviceName() string { return c.inner.hw.Device().Name() }

// Port returns the opened 1-based port number.
func (c *Context) Port() uint8 { return c.inner.hw.Port() }

// LID returns the port's local identifier.
func (c *Context) LID() uint16 { return c.inner.hw.LID() }

// GID returns the port's global identifier at the configured GID index.
func (c *Context) GID() [16]byte { return c.inner.hw.GID() }

// GIDIndex returns the GID table index the context was opened with.
func (c *Context) GIDIndex() uint8 { return c.inner.gidIndex }

// PathMTU returns the active path MTU of the opened port in bytes.
func (c *Context) PathMTU() uint32 { return DefaultPathMTU }

// DefaultPathMTU is the path MTU reported for the emulated adapter port.
const DefaultPathMTU = 4096
