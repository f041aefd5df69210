package bridgedev

import (
	"errors"
	"fmt"

	"github.com/oxplot/go-i2cbridge"
	"github.com/oxplot/go-i2cbridge/bridgedriver"
)

// Scan returns, in ascending order, every non-reserved address (0x03-0x77) on
// the bus of h that acknowledges a zero length write.
//
// A no-acknowledge (i2cbridge.ErrNack) means the address is absent. Any other
// error aborts the scan; the addresses found so far are returned along with an
// error naming the address being probed.
func Scan(h bridgedriver.Handle) ([]i2cbridge.Addr, error) {
	return ScanRange(h, i2cbridge.FirstScanAddr, i2cbridge.LastScanAddr)
}

// ScanRange is like Scan but only probes addresses from first to last
// inclusive. The range is clamped to 0x03-0x77.
func ScanRange(h bridgedriver.Handle, first, last i2cbridge.Addr) ([]i2cbridge.Addr, error) {
	if first < i2cbridge.FirstScanAddr {
		first = i2cbridge.FirstScanAddr
	}
	if last > i2cbridge.LastScanAddr {
		last = i2cbridge.LastScanAddr
	}
	log := i2cbridge.Logger(i2cbridge.ComponentScan)

	var found []i2cbridge.Addr
	for a := first; a <= last; a++ {
		p, err := h.Port(uint16(a))
		if err != nil {
			return found, fmt.Errorf("bridgedev: scan: bind %s: %w", a, err)
		}
		err = p.Write(nil)
		switch {
		case err == nil:
			log.Debug("ack", "addr", a.String())
			found = append(found, a)
		case errors.Is(err, i2cbridge.ErrNack):
			// Nothing there.
		default:
			return found, fmt.Errorf("bridgedev: scan: probe %s: %w", a, err)
		}
	}
	return found, nil
}
