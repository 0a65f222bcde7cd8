package flash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"qtpy-flash/internal/programmer"
	"qtpy-flash/internal/usbdev"
)

// DeviceLocator answers where an allow-listed board currently is.
type DeviceLocator interface {
	HasPath(path string) bool
	Resolve(originalPath, serial string) (string, error)
}

// ModeRequester asks a board on a serial path to reset into its bootloader.
type ModeRequester interface {
	Request(ctx context.Context, path string) error
}

// MountVerifier checks for the bootloader's mass-storage volume.
type MountVerifier interface {
	Mounted() bool
	Wait(ctx context.Context, timeout time.Duration) bool
}

// Flasher writes a firmware image to a board in bootloader mode.
type Flasher interface {
	Flash(ctx context.Context, devicePath, firmwarePath string) error
}

// Deps are the collaborators a session drives.
type Deps struct {
	Locator      DeviceLocator
	Requester    ModeRequester
	Mount        MountVerifier
	Flasher      Flasher
	MountTimeout time.Duration
}

// Session is a single flash attempt. It is driven once by Run and then
// discarded.
type Session struct {
	id           string
	device       usbdev.Device
	firmwarePath string
	deps         Deps
	logger       *slog.Logger

	mu          sync.Mutex
	state       State
	currentPath string
	events      chan<- Progress
	failure     *Error
	finished    bool
}

// NewSession creates a session for dev. The device is captured by value.
func NewSession(id string, dev usbdev.Device, firmwarePath string, deps Deps, logger *slog.Logger) *Session {
	return &Session{
		id:           id,
		device:       dev,
		firmwarePath: firmwarePath,
		deps:         deps,
		currentPath:  dev.Port,
		logger:       logger.With("session", id, "serial", dev.SerialNumber),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Device() usbdev.Device { return s.device }

func (s *Session) FirmwarePath() string { return s.firmwarePath }

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentPath returns the serial path the session is using, which differs
// from the captured device port after re-discovery.
func (s *Session) CurrentPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPath
}

// Failure returns the error that failed the session, or nil.
func (s *Session) Failure() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Finished reports whether the terminal event has been sent.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Run executes the session to a terminal state, sending every progress event
// to events. events must have room for three events; Run never closes it.
// The terminal event is also returned.
func (s *Session) Run(ctx context.Context, events chan<- Progress) Progress {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		panic(fmt.Sprintf("flash: session %s already run", s.id))
	}
	s.events = events
	s.mu.Unlock()

	start := time.Now()
	s.logger.Info("flash session started", "port", s.device.Port, "firmware", s.firmwarePath)

	s.enter(StateRequestingBootloader)
	s.emit("Putting board in bootloader mode...", true, false, "")
	if err := s.guard(KindBootloaderRequestFailed, func() error { return s.requestBootloader(ctx) }); err != nil {
		return s.fail(err)
	}

	s.enter(StateAwaitingMount)
	if err := s.guard(KindMountTimeout, func() error { return s.awaitMount(ctx) }); err != nil {
		return s.fail(err)
	}
	if err := s.guard(KindDeviceRelocationFailed, s.relocate); err != nil {
		return s.fail(err)
	}

	s.enter(StateFlashing)
	s.emit("Flashing board...", true, false, "")
	if err := s.guard(KindProgrammerLaunchFailed, func() error { return s.flash(ctx) }); err != nil {
		return s.fail(err)
	}

	s.enter(StateSucceeded)
	s.logger.Info("flash session succeeded", "port", s.CurrentPath(), "duration", time.Since(start))
	return s.emit("Board flash successful.", true, true, "")
}

func (s *Session) requestBootloader(ctx context.Context) error {
	// A board left in bootloader mode by an earlier attempt has no CDC port
	// to touch; its volume is already there.
	if s.deps.Mount.Mounted() {
		s.logger.Info("bootloader volume already mounted, skipping touch")
		return nil
	}
	if err := s.deps.Requester.Request(ctx, s.CurrentPath()); err != nil {
		return &Error{Kind: KindBootloaderRequestFailed, Err: err}
	}
	return nil
}

func (s *Session) awaitMount(ctx context.Context) error {
	if !s.deps.Mount.Wait(ctx, s.deps.MountTimeout) {
		return &Error{
			Kind: KindMountTimeout,
			Err:  fmt.Errorf("bootloader volume not mounted within %s", s.deps.MountTimeout),
		}
	}
	return nil
}

// relocate re-discovers the board by serial number when its port path
// disappeared across the bootloader reset.
func (s *Session) relocate() error {
	path := s.CurrentPath()
	if s.deps.Locator.HasPath(path) {
		return nil
	}
	s.logger.Info("port path changed, searching by serial", "port", path)
	newPath, err := s.deps.Locator.Resolve(path, s.device.SerialNumber)
	if err != nil {
		return &Error{Kind: KindDeviceRelocationFailed, Err: err}
	}

	s.mu.Lock()
	s.currentPath = newPath
	s.mu.Unlock()
	s.logger.Info("board relocated", "old_port", path, "new_port", newPath)
	return nil
}

func (s *Session) flash(ctx context.Context) error {
	err := s.deps.Flasher.Flash(ctx, s.CurrentPath(), s.firmwarePath)
	if err == nil {
		return nil
	}
	var exitErr *programmer.ExitError
	if errors.As(err, &exitErr) {
		return &Error{Kind: KindProgrammerExitFailure, Err: err, Stderr: exitErr.Stderr, Detail: exitErr.Summary()}
	}
	return &Error{Kind: KindProgrammerLaunchFailed, Err: err}
}

// guard runs step, converting a panic or an unclassified error into an
// Error of the given kind.
func (s *Session) guard(kind Kind, step func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("flash step panic", "kind", kind, "panic", r)
			err = &Error{Kind: kind, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	err = step()
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: kind, Err: err}
}

func (s *Session) fail(err error) Progress {
	var fe *Error
	if !errors.As(err, &fe) {
		fe = &Error{Kind: KindProgrammerExitFailure, Err: err}
	}
	s.mu.Lock()
	from := s.state
	s.failure = fe
	s.mu.Unlock()
	s.enter(StateFailed)
	s.logger.Error("flash session failed", "state", from, "kind", fe.Kind, "err", fe.Err)
	text := fe.Kind.Message()
	if fe.Detail != "" {
		text += " (" + fe.Detail + ")"
	}
	return s.send(Progress{Text: text, Kind: fe.Kind, Stderr: fe.Stderr})
}

// abort fails a session whose step exited without reaching a terminal
// state. The kind is the one of the step it was in.
func (s *Session) abort(reason error) Progress {
	if s.State() == StateSucceeded {
		return s.emit("Board flash successful.", true, true, "")
	}
	return s.fail(&Error{Kind: kindForState(s.State()), Err: reason})
}

func kindForState(st State) Kind {
	switch st {
	case StateAwaitingMount:
		return KindMountTimeout
	case StateFlashing:
		return KindProgrammerLaunchFailed
	default:
		return KindBootloaderRequestFailed
	}
}

// enter moves the session forward. Backward moves and moves out of a
// terminal state are refused.
func (s *Session) enter(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || to <= s.state {
		s.logger.Error("refused state transition", "from", s.state, "to", to)
		return
	}
	s.logger.Debug("state transition", "from", s.state, "to", to)
	s.state = to
}

func (s *Session) emit(text string, informational, success bool, kind Kind) Progress {
	return s.send(Progress{Text: text, Informational: informational, Success: success, Kind: kind})
}

// send stamps p with the session, board, state and time and delivers it.
func (s *Session) send(p Progress) Progress {
	s.mu.Lock()
	p.SessionID = s.id
	p.Serial = s.device.SerialNumber
	p.State = s.state
	p.Time = time.Now()
	events := s.events
	if p.State.Terminal() {
		s.finished = true
	}
	s.mu.Unlock()

	events <- p
	return p
}
