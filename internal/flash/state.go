// Package flash drives a board from application mode through the bootloader
// to a finished firmware write, reporting progress along the way.
package flash

import (
	"errors"
	"fmt"
	"time"
)

// State is a session lifecycle stage. The numeric order is the only order in
// which a session may move.
type State int

const (
	StateIdle State = iota
	StateRequestingBootloader
	StateAwaitingMount
	StateFlashing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingBootloader:
		return "requesting_bootloader"
	case StateAwaitingMount:
		return "awaiting_mount"
	case StateFlashing:
		return "flashing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown flash state %q", text)
}

// Kind classifies a failed session.
type Kind string

const (
	KindBootloaderRequestFailed Kind = "bootloader_request_failed"
	KindMountTimeout            Kind = "mount_timeout"
	KindDeviceRelocationFailed  Kind = "device_relocation_failed"
	KindProgrammerLaunchFailed  Kind = "programmer_launch_failed"
	KindProgrammerExitFailure   Kind = "programmer_exit_failure"
)

// Message is the user-facing text for a failure of this kind.
func (k Kind) Message() string {
	switch k {
	case KindBootloaderRequestFailed:
		return "Failed to put the board in bootloader mode. Check the cable and try again."
	case KindMountTimeout:
		return "Board did not enter bootloader mode in time. Double-tap reset and try again."
	case KindDeviceRelocationFailed:
		return "Failed to locate board after putting in bootloader mode. Please try again."
	case KindProgrammerLaunchFailed:
		return "Could not start the flashing tool. Check the programmer path."
	case KindProgrammerExitFailure:
		return "Something went wrong. Flashing failed."
	default:
		return "Flashing failed."
	}
}

// ErrBusy is returned when a session is already running for the device.
var ErrBusy = errors.New("flash session already running for device")

// Error is the failure recorded for a session.
type Error struct {
	Kind   Kind
	Err    error
	Stderr string
	// Detail is the one-line cause shown next to the kind's message.
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Progress is one status update of a session.
type Progress struct {
	SessionID     string    `json:"session_id"`
	Serial        string    `json:"serial,omitempty"`
	State         State     `json:"state"`
	Text          string    `json:"text"`
	Informational bool      `json:"informational"`
	Success       bool      `json:"success"`
	Kind          Kind      `json:"kind,omitempty"`
	Stderr        string    `json:"stderr,omitempty"`
	Time          time.Time `json:"time"`
}

// Terminal reports whether this is the last event of its session.
func (p Progress) Terminal() bool {
	return p.State.Terminal()
}
