package periph

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Schemes understood by Bridge.
const (
	SchemeFTDI = "ftdi"
	SchemeI2C  = "i2c"
)

// FTDI vendor ID and the product IDs of the common MPSSE capable parts.
const (
	VendorFTDI    uint16 = 0x0403
	ProductFT232R uint16 = 0x6001
	ProductFT2232 uint16 = 0x6010
	ProductFT4232 uint16 = 0x6011
	ProductFT232H uint16 = 0x6014
	ProductFT230X uint16 = 0x6015
)

var productNames = map[string]uint16{
	"232r":  ProductFT232R,
	"2232":  ProductFT2232,
	"2232h": ProductFT2232,
	"4232":  ProductFT4232,
	"4232h": ProductFT4232,
	"232h":  ProductFT232H,
	"230x":  ProductFT230X,
}

// Locator is a parsed bridge URL.
//
//	ftdi://[vendor[:product[:serial]]]/[interface]
//	i2c://[bus]
//
// Vendor is "ftdi" or a hex vendor ID, product a name such as "232h" or a hex
// product ID. Empty fields match any device. Interface numbers start at 1.
type Locator struct {
	Scheme    string
	VenID     uint16 // 0 matches any vendor
	DevID     uint16 // 0 matches any product
	Serial    string
	Interface int
	Bus       string // i2creg bus name or number, empty for the first bus
}

func (l Locator) String() string {
	switch l.Scheme {
	case SchemeI2C:
		return SchemeI2C + "://" + l.Bus
	default:
		return fmt.Sprintf("%s://%04x:%04x:%s/%d", SchemeFTDI, l.VenID, l.DevID, l.Serial, l.Interface)
	}
}

var errBadURL = errors.New("periph: bad bridge url")

// ParseURL parses a bridge URL.
func ParseURL(s string) (Locator, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Locator{}, fmt.Errorf("%w %q: missing scheme", errBadURL, s)
	}
	switch strings.ToLower(scheme) {
	case SchemeI2C:
		if strings.Contains(rest, "/") {
			return Locator{}, fmt.Errorf("%w %q: unexpected path", errBadURL, s)
		}
		return Locator{Scheme: SchemeI2C, Bus: rest}, nil
	case SchemeFTDI:
		return parseFTDI(s, rest)
	default:
		return Locator{}, fmt.Errorf("%w %q: unknown scheme %q", errBadURL, s, scheme)
	}
}

func parseFTDI(s, rest string) (Locator, error) {
	l := Locator{Scheme: SchemeFTDI, Interface: 1}
	auth, path, _ := strings.Cut(rest, "/")

	parts := strings.SplitN(auth, ":", 3)
	if v := strings.ToLower(parts[0]); v != "" {
		if v == "ftdi" {
			l.VenID = VendorFTDI
		} else {
			id, err := parseID(v)
			if err != nil {
				return Locator{}, fmt.Errorf("%w %q: vendor: %v", errBadURL, s, err)
			}
			l.VenID = id
		}
	}
	if len(parts) > 1 && parts[1] != "" {
		p := strings.ToLower(parts[1])
		if id, ok := productNames[p]; ok {
			l.DevID = id
		} else {
			id, err := parseID(p)
			if err != nil {
				return Locator{}, fmt.Errorf("%w %q: product: %v", errBadURL, s, err)
			}
			l.DevID = id
		}
	}
	if len(parts) > 2 {
		l.Serial = parts[2]
	}

	if path = strings.Trim(path, "/"); path != "" {
		n, err := strconv.Atoi(path)
		if err != nil || n < 1 || n > 4 {
			return Locator{}, fmt.Errorf("%w %q: interface must be 1-4", errBadURL, s)
		}
		l.Interface = n
	}
	return l, nil
}

func parseID(s string) (uint16, error) {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	return uint16(v), err
}
