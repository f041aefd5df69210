// Package bridgedev implements i2cbridge.Device on top of a USB-to-I2C bridge
// reached through package bridgedriver.
package bridgedev

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"periph.io/x/conn/v3/physic"

	"github.com/oxplot/go-i2cbridge"
	"github.com/oxplot/go-i2cbridge/bridgedriver"
)

// Device is a bridge-backed I2C device. A single mutex serializes every state
// transition and every bus operation, so a Device is safe for concurrent use.
//
// Device owns its bridge handle exclusively. The handle and the port bound to
// the slave address are either both present (open) or both absent (closed).
type Device struct {
	bridge bridgedriver.Bridge

	mu     sync.Mutex
	cfg    i2cbridge.Config
	handle bridgedriver.Handle
	port   bridgedriver.Port

	// Transfer strategy chosen once when the port is bound.
	xfer func(w, r []byte) error

	session string // set while open, tags log records
}

var _ i2cbridge.Device = (*Device)(nil)

var errNegativeLength = errors.New("bridgedev: read length must be >= 0")

// New creates a device for cfg using bridge b. The hardware is not touched
// until Open is called. A nil bridge makes Open fail with
// i2cbridge.ErrTransportUnavailable.
func New(b bridgedriver.Bridge, cfg i2cbridge.Config) *Device {
	return &Device{bridge: b, cfg: cfg.Clone()}
}

func (d *Device) log() *slog.Logger {
	l := i2cbridge.Logger(i2cbridge.ComponentDevice).With("url", d.cfg.URL)
	if a, ok := d.cfg.Addr(); ok {
		l = l.With("addr", a.String())
	}
	if d.session != "" {
		l = l.With("session", d.session)
	}
	return l
}

// Open opens the bridge channel and binds a port at the configured address.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openLocked()
}

func (d *Device) openLocked() error {
	if d.handle != nil {
		return nil
	}
	if d.bridge == nil {
		return i2cbridge.ErrTransportUnavailable
	}
	addr, ok := d.cfg.Addr()
	if !ok {
		return i2cbridge.ErrNoAddress
	}
	if err := d.cfg.Validate(); err != nil {
		return err
	}

	h, err := d.bridge.Open(d.cfg.URL, d.cfg.Frequency)
	if err != nil {
		return err
	}
	p, err := h.Port(uint16(addr))
	if err != nil {
		if cerr := h.Close(); cerr != nil {
			d.log().Warn("release after failed open", "err", cerr)
		}
		return err
	}

	d.handle, d.port = h, p
	d.bindTransfer(p)
	d.session = uuid.NewString()
	d.log().Info("opened", "freq", d.cfg.Frequency.String())
	return nil
}

// bindTransfer picks the combined exchange when the port supports it so that
// the bus is not released between the write and read phases.
func (d *Device) bindTransfer(p bridgedriver.Port) {
	if x, ok := p.(bridgedriver.Exchanger); ok {
		d.xfer = x.Exchange
		return
	}
	d.xfer = func(w, r []byte) error {
		if err := p.Write(w); err != nil {
			return err
		}
		return p.Read(r)
	}
}

// Close releases the bridge handle. Failures of the bridge are logged and the
// device is closed regardless; Close always returns nil.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return nil
}

func (d *Device) closeLocked() {
	if d.handle == nil {
		return
	}
	h, l := d.handle, d.log()
	d.handle, d.port, d.xfer, d.session = nil, nil, nil, ""
	if err := h.Close(); err != nil {
		l.Warn("close failed", "err", err)
		return
	}
	l.Info("closed")
}

// IsOpen returns true if the device is open.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle != nil
}

// Write writes data to register reg.
func (d *Device) Write(reg uint8, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil {
		return i2cbridge.ErrNotOpen
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, reg)
	buf = append(buf, data...)
	if err := d.port.Write(buf); err != nil {
		d.log().Debug("write error", "reg", reg, "err", err)
		return err
	}
	return nil
}

// Read reads n bytes starting at register reg.
func (d *Device) Read(reg uint8, n int, timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil {
		return nil, i2cbridge.ErrNotOpen
	}
	if n < 0 {
		return nil, errNegativeLength
	}
	if ts, ok := d.port.(bridgedriver.TimeoutSetter); ok && timeout > 0 {
		if err := ts.SetReadTimeout(timeout); err != nil {
			return nil, err
		}
		defer func() {
			if err := ts.SetReadTimeout(0); err != nil {
				d.log().Debug("reset read timeout", "err", err)
			}
		}()
	}
	r := make([]byte, n)
	if err := d.xfer([]byte{reg}, r); err != nil {
		d.log().Debug("read error", "reg", reg, "n", n, "err", err)
		return nil, err
	}
	return r, nil
}

// WriteThenRead writes w then reads n bytes.
func (d *Device) WriteThenRead(w []byte, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil {
		return nil, i2cbridge.ErrNotOpen
	}
	if n < 0 {
		return nil, errNegativeLength
	}
	r := make([]byte, n)
	if err := d.xfer(w, r); err != nil {
		d.log().Debug("write then read error", "w", len(w), "n", n, "err", err)
		return nil, err
	}
	return r, nil
}

// SetBusSpeed changes the bus clock to f. The bridge channel must be
// configured afresh for a new frequency, so an open device is closed and
// reopened. Both happen under the device lock: concurrent callers block
// through the reopen and never see the device closed unless the reopen fails.
func (d *Device) SetBusSpeed(f physic.Frequency) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f == d.cfg.Frequency {
		return nil
	}
	d.cfg.Frequency = f
	if d.handle == nil {
		return nil
	}
	d.closeLocked()
	if err := d.openLocked(); err != nil {
		return fmt.Errorf("bridgedev: reopen at %s: %w", f, err)
	}
	return nil
}

// Detect probes the peripheral with a zero length write, falling back to a one
// byte read.
func (d *Device) Detect() (present bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			d.log().Debug("detect panic", "panic", r)
			present = false
		}
	}()

	if d.handle == nil {
		if err := d.openLocked(); err != nil {
			d.log().Debug("detect open failed", "err", err)
			return false
		}
		defer d.closeLocked()
	}

	if err := d.port.Write(nil); err == nil {
		return true
	}
	var b [1]byte
	return d.port.Read(b[:]) == nil
}

// Config returns a copy of the configuration.
func (d *Device) Config() i2cbridge.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Clone()
}

// SetConfig closes the device if it is open and replaces its configuration.
// The device is left closed.
func (d *Device) SetConfig(cfg i2cbridge.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	d.cfg = cfg.Clone()
	return nil
}

// Scan scans the bus of the open device for responding addresses. The device
// lock is held for the whole scan.
func (d *Device) Scan() ([]i2cbridge.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil {
		return nil, i2cbridge.ErrNotOpen
	}
	return Scan(d.handle)
}
