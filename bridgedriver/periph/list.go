package periph

import (
	"fmt"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3/ftdi"
)

// Info describes a bridge channel found on the host.
type Info struct {
	URL          string // opens this channel with Bridge.Open
	Kind         string // SchemeFTDI or SchemeI2C
	Name         string
	Type         string // FTDI part, e.g. "FT232H"
	VenID, DevID uint16
	Manufacturer string
	Desc         string
	Serial       string
	Opened       bool
	I2C          bool // channel can be opened as an I2C bus
	Aliases      []string
}

// List returns the FTDI devices and native I2C buses known to periph.io.
func (b *Bridge) List() ([]Info, error) {
	if err := b.loadDrivers(SchemeFTDI); err != nil {
		return nil, err
	}
	var out []Info
	for _, d := range ftdi.All() {
		out = append(out, describeFTDI(d))
	}
	for _, r := range i2creg.All() {
		out = append(out, Info{
			URL:     fmt.Sprintf("%s://%s", SchemeI2C, r.Name),
			Kind:    SchemeI2C,
			Name:    r.Name,
			I2C:     true,
			Aliases: append([]string(nil), r.Aliases...),
		})
	}
	return out, nil
}

func describeFTDI(d ftdi.Dev) Info {
	var info ftdi.Info
	d.Info(&info)
	i := Info{
		Kind:   SchemeFTDI,
		Name:   d.String(),
		Type:   info.Type,
		VenID:  info.VenID,
		DevID:  info.DevID,
		Opened: info.Opened,
	}
	_, i.I2C = d.(*ftdi.FT232H)
	var ee ftdi.EEPROM
	if err := d.EEPROM(&ee); err == nil {
		i.Manufacturer = ee.Manufacturer
		i.Desc = ee.Desc
		i.Serial = ee.Serial
	}
	i.URL = Locator{Scheme: SchemeFTDI, VenID: i.VenID, DevID: i.DevID, Serial: i.Serial, Interface: 1}.String()
	return i
}
