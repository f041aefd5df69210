// Package profile loads named connection configurations from YAML files.
//
// A profile file looks like:
//
//	default: rtc
//	profiles:
//	  rtc:
//	    url: ftdi://ftdi:232h:P03UM9NA/1
//	    frequency: 400kHz
//	    address: 0x68
//	  sensors:
//	    url: i2c://1
//
// Frequency accepts periph.io notation ("100kHz", "1MHz"); it defaults to
// 100kHz. Address is optional.
package profile

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/oxplot/go-i2cbridge"
)

// LoadError is returned when a profile file can't be read or parsed.
type LoadError struct {
	File    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// File is a parsed profile file.
type File struct {
	Default  string             `yaml:"default"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// Profile is one named connection.
type Profile struct {
	URL       string    `yaml:"url"`
	Frequency Frequency `yaml:"frequency"`
	Address   *uint16   `yaml:"address"`
}

// Frequency is a physic.Frequency that unmarshals from periph.io notation.
type Frequency physic.Frequency

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *Frequency) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	var v physic.Frequency
	if err := v.Set(s); err != nil {
		return fmt.Errorf("line %d: frequency %q: %w", n.Line, s, err)
	}
	*f = Frequency(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (f Frequency) MarshalYAML() (interface{}, error) {
	return physic.Frequency(f).String(), nil
}

// Config converts the profile to a device configuration.
func (p Profile) Config() i2cbridge.Config {
	f := physic.Frequency(p.Frequency)
	if f == 0 {
		f = i2cbridge.DefaultFrequency
	}
	c := i2cbridge.NewConfig(p.URL, f)
	if p.Address != nil {
		c.SetAddress(i2cbridge.Addr(*p.Address))
	}
	return c
}

// Parse parses a profile file from YAML bytes.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}
	if len(f.Profiles) == 0 {
		return nil, &LoadError{Message: "no profiles defined"}
	}
	for name, p := range f.Profiles {
		if p.URL == "" {
			return nil, &LoadError{Message: fmt.Sprintf("profile %q has no url", name)}
		}
		if p.Address != nil && *p.Address > 0x7F {
			return nil, &LoadError{Message: fmt.Sprintf("profile %q: address 0x%X is not a 7-bit address", name, *p.Address)}
		}
	}
	if f.Default != "" {
		if _, ok := f.Profiles[f.Default]; !ok {
			return nil, &LoadError{Message: fmt.Sprintf("default profile %q not defined", f.Default)}
		}
	}
	return &f, nil
}

// Load reads and parses the profile file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	f, err := Parse(data)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.File = path
		}
		return nil, err
	}
	return f, nil
}

// Names returns the profile names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Profiles))
	for n := range f.Profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the configuration of the named profile. An empty name
// selects the default profile, or the only profile if there is just one.
func (f *File) Lookup(name string) (i2cbridge.Config, error) {
	if name == "" {
		name = f.Default
	}
	if name == "" && len(f.Profiles) == 1 {
		name = f.Names()[0]
	}
	if name == "" {
		return i2cbridge.Config{}, fmt.Errorf("profile: no default profile, choose one of %v", f.Names())
	}
	p, ok := f.Profiles[name]
	if !ok {
		return i2cbridge.Config{}, fmt.Errorf("profile: unknown profile %q", name)
	}
	return p.Config(), nil
}
