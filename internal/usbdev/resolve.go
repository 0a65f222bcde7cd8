package usbdev

import "fmt"

// Resolve recovers the port path of a board whose original path disappeared
// after it re-enumerated (typically with its bootloader product ID). The board
// is located by serial number; ErrNoSerial or ErrNotFound means the caller
// should ask the user to reconnect it.
func (r *Registry) Resolve(originalPath, serial string) (string, error) {
	dev, err := r.FindBySerial(serial)
	if err != nil {
		r.logger.Warn("relocate device failed", "original_port", originalPath, "serial", serial, "err", err)
		return "", fmt.Errorf("relocate %s: %w", originalPath, err)
	}
	r.logger.Info("device relocated", "original_port", originalPath, "port", dev.Port, "serial", serial,
		"id", dev.ID().String())
	return dev.Port, nil
}
