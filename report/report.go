// Package report writes human readable descriptions of scan results and bridge
// listings.
package report

import (
	"fmt"
	"io"

	"github.com/oxplot/go-i2cbridge"
	"github.com/oxplot/go-i2cbridge/bridgedriver/periph"
)

// Writer writes reports to an io.Writer, ending lines with a configurable
// separator so the output can go to raw terminals ("\r\n") as well as files.
type Writer struct {
	w   io.Writer
	sep string
}

// NewWriter creates a new report writer which will write to w and end each
// line with lineSep.
func NewWriter(w io.Writer, lineSep string) *Writer {
	if lineSep == "" {
		lineSep = "\n"
	}
	return &Writer{w: w, sep: lineSep}
}

// Addrs writes the found addresses on a single line prefixed with label.
func (r *Writer) Addrs(label string, addrs []i2cbridge.Addr) {
	fmt.Fprintf(r.w, "%s: [", label)
	for i, a := range addrs {
		if i > 0 {
			fmt.Fprint(r.w, ", ")
		}
		fmt.Fprint(r.w, a)
	}
	fmt.Fprintf(r.w, "]%s", r.sep)
}

// Grid writes the found addresses as an i2cdetect style table. Reserved
// addresses, which are never probed, are left blank.
func (r *Writer) Grid(addrs []i2cbridge.Addr) {
	found := map[i2cbridge.Addr]bool{}
	for _, a := range addrs {
		found[a] = true
	}

	fmt.Fprint(r.w, "   ")
	for i := 0; i < 16; i++ {
		fmt.Fprintf(r.w, " %x ", i)
	}
	fmt.Fprint(r.w, r.sep)

	for row := i2cbridge.Addr(0); row < 0x80; row += 16 {
		fmt.Fprintf(r.w, "%02x:", uint16(row))
		for a := row; a < row+16; a++ {
			switch {
			case a.Reserved():
				fmt.Fprint(r.w, "   ")
			case found[a]:
				fmt.Fprintf(r.w, " %02x", uint16(a))
			default:
				fmt.Fprint(r.w, " --")
			}
		}
		fmt.Fprint(r.w, r.sep)
	}
}

// Bridges writes one line per bridge channel.
func (r *Writer) Bridges(infos []periph.Info) {
	if len(infos) == 0 {
		fmt.Fprintf(r.w, "No bridges found%s", r.sep)
		return
	}
	fmt.Fprintf(r.w, "Found %d bridge channel(s):%s", len(infos), r.sep)
	for i, info := range infos {
		fmt.Fprintf(r.w, "  %d) %s", i+1, info.URL)
		switch info.Kind {
		case periph.SchemeFTDI:
			fmt.Fprintf(r.w, " %s %04x:%04x", info.Type, info.VenID, info.DevID)
			if info.Desc != "" {
				fmt.Fprintf(r.w, " %q", info.Desc)
			}
			if info.Serial != "" {
				fmt.Fprintf(r.w, " S/N=%s", info.Serial)
			}
			if !info.Opened {
				fmt.Fprint(r.w, " (not opened)")
			}
			if !info.I2C {
				fmt.Fprint(r.w, " (no I2C)")
			}
		default:
			fmt.Fprintf(r.w, " native bus %s", info.Name)
			if len(info.Aliases) > 0 {
				fmt.Fprintf(r.w, " %v", info.Aliases)
			}
		}
		fmt.Fprint(r.w, r.sep)
	}
}
