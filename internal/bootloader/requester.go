// Package bootloader asks a SAMD21 board to reboot into its UF2/SAM-BA
// bootloader using the 1200 baud "touch" convention.
package bootloader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

// TouchBaudRate is not a data rate: the board firmware treats a port opened
// at 1200 baud and then closed as a request to reset into the bootloader.
const TouchBaudRate = 1200

// MinHold is the shortest time the port is held open for the touch to register.
const MinHold = 1 * time.Second

// Port is the part of a serial port handle the touch needs.
type Port interface {
	SetDTR(dtr bool) error
	Close() error
}

// OpenFunc opens a serial port at the given baud rate.
type OpenFunc func(path string, baud int) (Port, error)

// OpenSerial opens a real serial port with go.bug.st/serial.
func OpenSerial(path string, baud int) (Port, error) {
	return serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// RequestError describes a failed bootloader request.
type RequestError struct {
	Path string
	Op   string // "open" or "hold"
	Err  error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("bootloader request %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Requester performs the 1200 baud touch.
type Requester struct {
	open   OpenFunc
	hold   time.Duration
	logger *slog.Logger
}

// Option configures a Requester.
type Option func(*Requester)

// WithOpenFunc replaces the serial port opener.
func WithOpenFunc(fn OpenFunc) Option {
	return func(r *Requester) {
		if fn != nil {
			r.open = fn
		}
	}
}

// WithHold sets how long the port stays open. Values below MinHold are raised
// to MinHold.
func WithHold(d time.Duration) Option {
	return func(r *Requester) {
		r.hold = d
	}
}

// NewRequester creates a Requester that opens real serial ports.
func NewRequester(logger *slog.Logger, opts ...Option) *Requester {
	r := &Requester{
		open:   OpenSerial,
		hold:   MinHold,
		logger: logger.With("component", "bootloader"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hold < MinHold {
		r.hold = MinHold
	}
	return r
}

// Request opens path at TouchBaudRate, holds it, and releases it. The port is
// closed on every path out of this function, including a cancelled hold.
func (r *Requester) Request(ctx context.Context, path string) (err error) {
	r.logger.Info("requesting bootloader mode", "port", path, "baud", TouchBaudRate)

	port, err := r.open(path, TouchBaudRate)
	if err != nil {
		return &RequestError{Path: path, Op: "open", Err: err}
	}
	defer func() {
		// The board drops off the bus as soon as it resets, so a close error
		// here is expected and does not mean the touch failed.
		if cerr := port.Close(); cerr != nil {
			r.logger.Debug("close touched port", "port", path, "err", cerr)
		}
	}()

	// Arduino cores look for DTR low at 1200 baud.
	if err := port.SetDTR(false); err != nil {
		r.logger.Debug("clear DTR", "port", path, "err", err)
	}

	timer := time.NewTimer(r.hold)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return &RequestError{Path: path, Op: "hold", Err: ctx.Err()}
	}

	r.logger.Debug("bootloader touch released", "port", path, "held", r.hold)
	return nil
}
