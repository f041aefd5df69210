// Package bridgedriver defines the interfaces a USB-to-I2C bridge driver must
// implement to be used by the bridge-backed devices in package bridgedev.
//
// A bridge can be backed by periph.io drivers, a vendor library or the
// simulation in package bridgetest.
package bridgedriver

import (
	"time"

	"periph.io/x/conn/v3/physic"
)

// Bridge opens I2C master channels on a bridge adapter.
type Bridge interface {

	// Open opens the channel identified by url and configures its clock to f.
	// The url format is defined by the implementation.
	Open(url string, f physic.Frequency) (Handle, error)
}

// Handle is an open bridge channel. A Handle is not safe for concurrent use;
// callers must serialize access to it and to every Port it returned.
type Handle interface {

	// Port returns a logical port bound to the 7-bit address addr. Binding a
	// port does not touch the bus.
	Port(addr uint16) (Port, error)

	// Close releases the channel and every port bound on it.
	Close() error
}

// Port is bound to one slave address on an open Handle.
type Port interface {

	// Write performs a write transfer of w. Writing zero bytes only addresses
	// the slave, which is how presence is probed.
	Write(w []byte) error

	// Read performs a read transfer filling r.
	Read(r []byte) error
}

// Exchanger is implemented by ports that can write and then read without
// releasing the bus between the two phases (repeated start).
type Exchanger interface {
	Port

	// Exchange writes w then reads into r in a single bus transaction.
	Exchange(w, r []byte) error
}

// TimeoutSetter is implemented by ports whose driver enforces read timeouts.
type TimeoutSetter interface {

	// SetReadTimeout sets the timeout of subsequent reads. Zero restores the
	// driver default.
	SetReadTimeout(d time.Duration) error
}
