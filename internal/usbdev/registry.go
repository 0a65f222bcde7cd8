package usbdev

import (
	"errors"
	"fmt"
	"log/slog"

	"go.bug.st/serial/enumerator"
)

var (
	// ErrNotFound is returned when no allow-listed device matches a lookup.
	ErrNotFound = errors.New("device not found")
	// ErrNoSerial is returned when a device cannot be re-identified because
	// the platform did not report a serial number for it.
	ErrNoSerial = errors.New("device has no serial number")
)

// Enumerator lists the USB serial devices currently attached to the host.
type Enumerator interface {
	Enumerate() ([]Device, error)
}

// SerialEnumerator enumerates devices through the OS serial port list.
type SerialEnumerator struct{}

// Enumerate returns every USB serial port with a parseable VID/PID.
func (SerialEnumerator) Enumerate() ([]Device, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	devices := make([]Device, 0, len(ports))
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		vid, err := ParseHexID(p.VID)
		if err != nil {
			continue
		}
		pid, err := ParseHexID(p.PID)
		if err != nil {
			continue
		}
		devices = append(devices, Device{
			Name:         p.Product,
			VendorID:     vid,
			ProductID:    pid,
			SerialNumber: p.SerialNumber,
			Port:         p.Name,
		})
	}
	return devices, nil
}

// Registry answers device queries against the live enumeration. Nothing is
// cached: every call reflects the devices attached at that moment.
type Registry struct {
	enum   Enumerator
	allow  AllowList
	logger *slog.Logger
}

// NewRegistry creates a registry. A nil allow-list selects DefaultAllowList.
func NewRegistry(enum Enumerator, allow AllowList, logger *slog.Logger) *Registry {
	if len(allow) == 0 {
		allow = DefaultAllowList
	}
	return &Registry{
		enum:   enum,
		allow:  allow,
		logger: logger.With("component", "usbdev"),
	}
}

// AllowList returns the configured allow-list.
func (r *Registry) AllowList() AllowList {
	return r.allow
}

// All returns every enumerated USB serial device, allowed or not.
// Enumeration errors are logged and produce an empty result.
func (r *Registry) All() []Device {
	devices, err := r.enum.Enumerate()
	if err != nil {
		r.logger.Warn("enumerate devices", "err", err)
		return nil
	}
	return devices
}

// List returns the attached devices whose (vendor, product) pair is allowed.
func (r *Registry) List() []Device {
	var out []Device
	for _, d := range r.All() {
		if r.allow.Contains(d.VendorID, d.ProductID) {
			out = append(out, d)
		}
	}
	return out
}

// Paths returns the port paths of the allowed devices.
func (r *Registry) Paths() []string {
	devices := r.List()
	paths := make([]string, 0, len(devices))
	for _, d := range devices {
		paths = append(paths, d.Port)
	}
	return paths
}

// HasPath reports whether an allowed device is currently attached at path.
func (r *Registry) HasPath(path string) bool {
	for _, p := range r.Paths() {
		if p == path {
			return true
		}
	}
	return false
}

// FindBySerial enumerates the allowed devices and returns the first one whose
// serial number matches exactly.
func (r *Registry) FindBySerial(serial string) (Device, error) {
	if serial == "" {
		return Device{}, ErrNoSerial
	}
	for _, d := range r.List() {
		if d.SerialNumber == serial {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("serial %s: %w", serial, ErrNotFound)
}

// FindByPort returns the allowed device currently attached at path.
func (r *Registry) FindByPort(path string) (Device, error) {
	for _, d := range r.List() {
		if d.Port == path {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("port %s: %w", path, ErrNotFound)
}
