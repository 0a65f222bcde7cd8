// Package usbdev enumerates USB serial devices and identifies QT Py boards
// by their (vendor, product) pair.
package usbdev

import (
	"fmt"
	"strconv"
	"strings"
)

// Known QT Py identifiers. The product ID changes when the board re-enumerates
// in bootloader mode.
const (
	VendorAdafruit        uint16 = 0x239A
	ProductQTPyApp        uint16 = 0x80CB
	ProductQTPyBootloader uint16 = 0x00CB
)

// ID is a USB (vendor, product) pair.
type ID struct {
	Vendor  uint16 `json:"vid" yaml:"vid"`
	Product uint16 `json:"pid" yaml:"pid"`
}

func (id ID) String() string {
	return fmt.Sprintf("%04X:%04X", id.Vendor, id.Product)
}

// AllowList is the set of USB IDs accepted as flashable boards.
type AllowList []ID

// DefaultAllowList matches a QT Py in application and in bootloader mode.
var DefaultAllowList = AllowList{
	{Vendor: VendorAdafruit, Product: ProductQTPyApp},
	{Vendor: VendorAdafruit, Product: ProductQTPyBootloader},
}

// Contains reports whether the exact (vendor, product) pair is allowed.
func (a AllowList) Contains(vendor, product uint16) bool {
	for _, id := range a {
		if id.Vendor == vendor && id.Product == product {
			return true
		}
	}
	return false
}

// Device is one USB serial device attached to the host.
//
// SerialNumber is the only field that survives a re-enumeration. Port is
// assigned by the OS and may change when the board resets into its bootloader.
type Device struct {
	Name         string `json:"name"`
	VendorID     uint16 `json:"vid"`
	ProductID    uint16 `json:"pid"`
	SerialNumber string `json:"serial_number,omitempty"`
	Port         string `json:"port"`
}

// ID returns the device's (vendor, product) pair.
func (d Device) ID() ID {
	return ID{Vendor: d.VendorID, Product: d.ProductID}
}

func (d Device) String() string {
	name := d.Name
	if name == "" {
		name = "USB device " + d.ID().String()
	}
	return fmt.Sprintf("%s [@ %s]", name, d.Port)
}

// Key identifies the device for the duration of a flash: the serial number
// when the platform reports one, the port path otherwise.
func (d Device) Key() string {
	if d.SerialNumber != "" {
		return d.SerialNumber
	}
	return d.Port
}

// ParseHexID parses a USB vendor or product ID as reported by the OS
// ("239a", "0x239A").
func ParseHexID(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("parse usb id: empty")
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("parse usb id %q: %w", s, err)
	}
	return uint16(v), nil
}
