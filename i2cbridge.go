// Package i2cbridge defines high level interfaces and types for talking to I2C
// peripherals through a USB-to-I2C bridge adapter.
//
// The bridge-backed implementation of Device lives in package bridgedev. The
// bridge itself is reached through the interfaces in package bridgedriver.
package i2cbridge

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
)

// Addr is a 7-bit I2C slave address, right aligned.
type Addr uint16

// Bounds of the address range probed by bus scans. Addresses 0x00-0x02 and
// 0x78-0x7F are reserved by the I2C bus standard for special addressing
// modes.
const (
	FirstScanAddr Addr = 0x03
	LastScanAddr  Addr = 0x77
	maxAddr       Addr = 0x7F
)

// Reserved returns true if the address falls in one of the reserved ranges.
// Reserved addresses are skipped by scans but may still be opened directly.
func (a Addr) Reserved() bool {
	return a < FirstScanAddr || a > LastScanAddr
}

func (a Addr) String() string {
	return fmt.Sprintf("0x%02X", uint16(a))
}

// Device provides an interface to a single I2C peripheral reached over some
// transport. Implementations must serialize all of their methods so that they
// are safe to call from multiple goroutines.
type Device interface {

	// Open establishes the connection to the peripheral. Open is idempotent: it
	// returns nil without side effects if the device is already open. If Open
	// fails, every partially acquired resource is released and the device stays
	// closed.
	Open() error

	// Close releases all resources held by the device. Close on a closed device
	// is a no-op. The device is closed after Close returns even if releasing the
	// underlying transport failed.
	Close() error

	// Read writes the register selector reg and then reads n bytes. A positive
	// timeout is handed to the transport, which is responsible for enforcing
	// it. ErrNotOpen is returned if the device is closed.
	Read(reg uint8, n int, timeout time.Duration) ([]byte, error)

	// Write writes data prefixed with the register byte reg. ErrNotOpen is
	// returned if the device is closed.
	Write(reg uint8, data []byte) error

	// WriteThenRead writes w and then reads n bytes as a single bus transaction
	// where the transport supports it.
	WriteThenRead(w []byte, n int) ([]byte, error)

	// SetBusSpeed changes the bus clock. It does nothing if f is the current
	// frequency. An open device is closed and opened again at the new
	// frequency; if the reopen fails the device is left closed.
	SetBusSpeed(f physic.Frequency) error

	// Detect returns true if the peripheral acknowledges its address. A closed
	// device is opened for the duration of the probe only. Detect never returns
	// an error; every failure counts as absence.
	Detect() bool

	// Config returns a copy of the current configuration.
	Config() Config

	// SetConfig replaces the configuration, closing the device first if it is
	// open.
	SetConfig(Config) error
}

// WithOpen opens d, calls fn and closes d again on every exit path, including
// an error returned by fn or a panic.
func WithOpen(d Device, fn func(Device) error) error {
	if err := d.Open(); err != nil {
		return err
	}
	defer d.Close()
	return fn(d)
}

var (
	// ErrTransportUnavailable is returned by Open if the bridge driver is not
	// present.
	ErrTransportUnavailable = errors.New("i2c bridge transport unavailable")

	// ErrNotOpen is returned by any I/O operation on a closed device.
	ErrNotOpen = errors.New("i2c device not open")

	// ErrNoAddress is returned by Open if no slave address is configured.
	ErrNoAddress = errors.New("i2c slave address not set")

	// ErrNack is reported by bridges when the addressed peripheral did not
	// acknowledge.
	ErrNack = errors.New("i2c no acknowledge")
)

// TransportError is a failure reported by a bridge while talking to the bus.
type TransportError struct {
	Op   string // "write", "read", "exchange", ...
	Addr Addr
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("i2c %s at %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
