package i2cbridge

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// DefaultFrequency is the standard mode I2C clock.
const DefaultFrequency = 100 * physic.KiloHertz

// Config holds the connection parameters of a device. Config is a value type;
// use Clone to obtain a copy that shares nothing with the original.
type Config struct {

	// URL identifies the bridge and its channel. Its format is owned by the
	// bridge driver.
	URL string

	// Frequency is the target I2C clock rate.
	Frequency physic.Frequency

	// Address is the 7-bit slave address. It must be set before the device can
	// be opened.
	Address *Addr
}

// NewConfig returns a configuration without a slave address. Nothing is
// validated until the device is opened.
func NewConfig(url string, f physic.Frequency) Config {
	return Config{URL: url, Frequency: f}
}

// Addr returns the slave address and whether it is set.
func (c Config) Addr() (Addr, bool) {
	if c.Address == nil {
		return 0, false
	}
	return *c.Address, true
}

// SetAddress sets the slave address.
func (c *Config) SetAddress(a Addr) {
	c.Address = &a
}

// WithAddress returns a copy of c with the slave address set to a.
func (c Config) WithAddress(a Addr) Config {
	c = c.Clone()
	c.SetAddress(a)
	return c
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	if c.Address != nil {
		a := *c.Address
		c.Address = &a
	}
	return c
}

// Equal reports whether c and o describe the same connection.
func (c Config) Equal(o Config) bool {
	if c.URL != o.URL || c.Frequency != o.Frequency {
		return false
	}
	a, aok := c.Addr()
	b, bok := o.Addr()
	return aok == bok && a == b
}

var (
	errBadFrequency = errors.New("i2cbridge: frequency must be positive")
	errBadAddress   = errors.New("i2cbridge: address must be <= 0x7F")
)

// Validate returns an error if the parameters can never be used to open a
// device. A missing address is reported as ErrNoAddress.
func (c Config) Validate() error {
	if c.Frequency <= 0 {
		return errBadFrequency
	}
	a, ok := c.Addr()
	if !ok {
		return ErrNoAddress
	}
	if a > maxAddr {
		return fmt.Errorf("%w, got %s", errBadAddress, a)
	}
	return nil
}

func (c Config) String() string {
	a := "unset"
	if v, ok := c.Addr(); ok {
		a = v.String()
	}
	return fmt.Sprintf("%s@%s addr=%s", c.URL, c.Frequency, a)
}
