// Package periph implements a bridgedriver.Bridge on top of periph.io.
//
// Two kinds of channels are supported, selected by the URL scheme:
//
//   - ftdi:// opens the MPSSE I2C engine of an FTDI FT232H through
//     periph.io/x/host/v3/ftdi.
//   - i2c:// opens a native bus registered in periph.io/x/conn/v3/i2c/i2creg,
//     such as /dev/i2c-1 on Linux.
//
// Host drivers are loaded with host.Init on first use. If they cannot be
// loaded, Open fails with i2cbridge.ErrTransportUnavailable.
package periph

import (
	"errors"
	"fmt"
	"strings"

	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"

	"github.com/oxplot/go-i2cbridge"
	"github.com/oxplot/go-i2cbridge/bridgedriver"
)

// Bridge opens periph.io I2C buses. The zero value is not usable, use New.
type Bridge struct {

	// Pull selects the pull resistors enabled on the FT232H SCL/SDA lines.
	// The FT232H accepts only gpio.PullUp and gpio.Float; use gpio.Float
	// when the board has external pull-ups. gpio.PullNoChange is treated
	// as gpio.Float.
	Pull gpio.Pull

	load       func() (*driverreg.State, error)
	openFTDI   func(l Locator, pull gpio.Pull) (i2c.BusCloser, error)
	openNative func(name string) (i2c.BusCloser, error)
}

var _ bridgedriver.Bridge = (*Bridge)(nil)

// New returns a bridge that uses the periph.io host drivers.
func New() *Bridge {
	return &Bridge{
		Pull:       gpio.PullUp,
		load:       host.Init,
		openFTDI:   openFTDI,
		openNative: i2creg.Open,
	}
}

// ErrNoDevice is returned when no connected bridge matches the URL.
var ErrNoDevice = errors.New("periph: no matching bridge device")

// Open implements bridgedriver.Bridge.
func (b *Bridge) Open(url string, f physic.Frequency) (bridgedriver.Handle, error) {
	l, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	if err := b.loadDrivers(l.Scheme); err != nil {
		return nil, err
	}

	var bus i2c.BusCloser
	switch l.Scheme {
	case SchemeFTDI:
		bus, err = b.openFTDI(l, ftdiPull(b.Pull))
	default:
		bus, err = b.openNative(l.Bus)
	}
	if err != nil {
		return nil, fmt.Errorf("periph: open %s: %w", url, err)
	}

	if err := bus.SetSpeed(f); err != nil {
		if cerr := bus.Close(); cerr != nil {
			i2cbridge.Logger(i2cbridge.ComponentBridge).Warn("close after failed configure", "url", url, "err", cerr)
		}
		return nil, fmt.Errorf("periph: %s: set speed %s: %w", url, f, err)
	}
	i2cbridge.Logger(i2cbridge.ComponentBridge).Debug("bus opened", "url", url, "bus", bus.String(), "freq", f.String())

	// i2c-dev turns a transfer with no data into a no-op, so native buses
	// probe with a one byte read instead.
	return &handle{bus: bus, probeByRead: l.Scheme == SchemeI2C}, nil
}

// ftdiPull maps gpio.PullNoChange to gpio.Float, which the FT232H I2C
// engine accepts. Other values are passed through for the driver to check.
func ftdiPull(p gpio.Pull) gpio.Pull {
	if p == gpio.PullNoChange {
		return gpio.Float
	}
	return p
}

func (b *Bridge) loadDrivers(scheme string) error {
	state, err := b.load()
	if err != nil {
		return fmt.Errorf("%w: %v", i2cbridge.ErrTransportUnavailable, err)
	}
	if scheme != SchemeFTDI || state == nil {
		return nil
	}
	for _, fail := range state.Failed {
		if fail.D != nil && fail.D.String() == "ftdi" {
			return fmt.Errorf("%w: %v", i2cbridge.ErrTransportUnavailable, fail.Err)
		}
	}
	return nil
}

func openFTDI(l Locator, pull gpio.Pull) (i2c.BusCloser, error) {
	for _, d := range ftdi.All() {
		if !matches(d, l) {
			continue
		}
		h, ok := d.(*ftdi.FT232H)
		if !ok {
			return nil, fmt.Errorf("%s has no MPSSE I2C engine", d)
		}
		if l.Interface != 1 {
			return nil, fmt.Errorf("%s has a single I2C interface, got %d", d, l.Interface)
		}
		return h.I2C(pull)
	}
	return nil, ErrNoDevice
}

func matches(d ftdi.Dev, l Locator) bool {
	var info ftdi.Info
	d.Info(&info)
	if l.VenID != 0 && info.VenID != l.VenID {
		return false
	}
	if l.DevID != 0 && info.DevID != l.DevID {
		return false
	}
	if l.Serial == "" {
		return true
	}
	var ee ftdi.EEPROM
	if err := d.EEPROM(&ee); err != nil {
		return false
	}
	return ee.Serial == l.Serial
}

type handle struct {
	bus         i2c.BusCloser
	probeByRead bool
}

func (h *handle) Port(addr uint16) (bridgedriver.Port, error) {
	if addr > 0x7F {
		return nil, fmt.Errorf("periph: address 0x%X is not a 7-bit address", addr)
	}
	return &port{bus: h.bus, addr: addr, probeByRead: h.probeByRead}, nil
}

func (h *handle) Close() error {
	return h.bus.Close()
}

// port is always exchange capable: i2c.Bus.Tx issues a repeated start between
// the write and the read.
type port struct {
	bus         i2c.Bus
	addr        uint16
	probeByRead bool
}

// Write sends w. An empty w addresses the slave only; when probeByRead is
// set this is done with a one byte read, like i2cdetect -r.
func (p *port) Write(w []byte) error {
	if len(w) == 0 && p.probeByRead {
		var b [1]byte
		return p.wrap("write", p.bus.Tx(p.addr, nil, b[:]))
	}
	return p.wrap("write", p.bus.Tx(p.addr, w, nil))
}

func (p *port) Read(r []byte) error {
	return p.wrap("read", p.bus.Tx(p.addr, nil, r))
}

func (p *port) Exchange(w, r []byte) error {
	return p.wrap("exchange", p.bus.Tx(p.addr, w, r))
}

func (p *port) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isNack(err) {
		err = fmt.Errorf("%w: %v", i2cbridge.ErrNack, err)
	}
	return &i2cbridge.TransportError{Op: op, Addr: i2cbridge.Addr(p.addr), Err: err}
}

// periph drivers report a missing acknowledge as plain errors ("got NAK" from
// the FT232H engine); Linux i2c-dev reports it as ENXIO or EREMOTEIO.
var nackMarkers = []string{
	"nak",
	"nack",
	"no ack",
	"not acknowledge",
	"no such device or address",
	"remote i/o error",
}

func isNack(err error) bool {
	s := strings.ToLower(err.Error())
	for _, m := range nackMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
