// internal/discovery/usb/vendors.go
package usb

import "github.com/google/gousb"

// Vendor describes a USB vendor id seen on bench instruments.
type Vendor struct {
	Name string
	// Adapter marks vendors of USB serial or GPIB adapters rather than
	// instruments.
	Adapter bool
}

var knownVendors = map[gousb.ID]Vendor{
	0x0957: {Name: "Keysight / Agilent"},
	0x2A8D: {Name: "Keysight"},
	0x0699: {Name: "Tektronix"},
	0x1AB1: {Name: "Rigol"},
	0x1313: {Name: "Thorlabs"},
	0x0AAD: {Name: "Rohde & Schwarz"},
	0x05E6: {Name: "Keithley"},
	0x3923: {Name: "National Instruments", Adapter: true},
	0x0403: {Name: "FTDI", Adapter: true},
	0x067B: {Name: "Prolific", Adapter: true},
}

// LookupVendor returns the known vendor for id.
func LookupVendor(id gousb.ID) (Vendor, bool) {
	v, ok := knownVendors[id]
	return v, ok
}
