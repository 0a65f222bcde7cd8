package flash

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"qtpy-flash/internal/firmware"
	"qtpy-flash/internal/store"
	"qtpy-flash/internal/usbdev"
)

// progressBuffer holds every event a session can produce, so neither the
// session nor the drain loop ever blocks on a slow consumer.
const progressBuffer = 8

var (
	// ErrStopped is returned by Begin after Stop.
	ErrStopped = errors.New("flash service stopped")
	// ErrInvalidRequest is returned for a request naming no device.
	ErrInvalidRequest = errors.New("flash request needs a serial or a port")
)

// DeviceFinder looks up a connected board.
type DeviceFinder interface {
	FindBySerial(serial string) (usbdev.Device, error)
	FindByPort(port string) (usbdev.Device, error)
}

// FirmwareResolver turns a firmware id into a file on disk.
type FirmwareResolver interface {
	Resolve(id string) (firmware.Image, error)
}

// Request is a flash trigger naming the board and the image by id.
type Request struct {
	Serial   string `json:"serial,omitempty"`
	Port     string `json:"port,omitempty"`
	Firmware string `json:"firmware"`
}

// SessionInfo describes a session on the event bus.
type SessionInfo struct {
	ID           string    `json:"id"`
	DeviceName   string    `json:"device_name,omitempty"`
	Serial       string    `json:"serial,omitempty"`
	Port         string    `json:"port"`
	FinalPort    string    `json:"final_port,omitempty"`
	FirmwareID   string    `json:"firmware_id,omitempty"`
	FirmwarePath string    `json:"firmware_path"`
	State        State     `json:"state"`
	Kind         Kind      `json:"kind,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Handle is the trigger's view of a running session.
type Handle struct {
	info   SessionInfo
	events chan Progress
	done   chan struct{}
	final  Progress
}

// ID returns the session id.
func (h *Handle) ID() string { return h.info.ID }

// Info returns the session as it was when it started.
func (h *Handle) Info() SessionInfo { return h.info }

// Events delivers the session's progress in order and is closed after the
// terminal event.
func (h *Handle) Events() <-chan Progress { return h.events }

// Done is closed once the session has finished and been recorded.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the session finishes and returns its terminal event.
func (h *Handle) Wait(ctx context.Context) (Progress, error) {
	select {
	case <-h.done:
		return h.final, nil
	case <-ctx.Done():
		return Progress{}, ctx.Err()
	}
}

// Service starts flash sessions and fans their progress out to the trigger,
// the history store and the event bus.
type Service struct {
	deps     Deps
	devices  DeviceFinder
	firmware FirmwareResolver
	store    store.Store
	events   *EventBus
	logger   *slog.Logger

	mu      sync.Mutex
	active  map[string]string // device key -> session id
	stopped bool
	wg      sync.WaitGroup
}

// NewService creates a Service. st may be nil to run without history.
func NewService(deps Deps, devices DeviceFinder, fw FirmwareResolver, st store.Store, events *EventBus, logger *slog.Logger) *Service {
	return &Service{
		deps:     deps,
		devices:  devices,
		firmware: fw,
		store:    st,
		events:   events,
		logger:   logger.With("component", "flash"),
		active:   make(map[string]string),
	}
}

// Events returns the service's event bus.
func (s *Service) Events() *EventBus { return s.events }

// Start looks up the board and the firmware image named by req and begins a
// session for them.
func (s *Service) Start(req Request) (*Handle, error) {
	var (
		dev usbdev.Device
		err error
	)
	switch {
	case req.Serial != "":
		dev, err = s.devices.FindBySerial(req.Serial)
	case req.Port != "":
		dev, err = s.devices.FindByPort(req.Port)
	default:
		return nil, ErrInvalidRequest
	}
	if err != nil {
		return nil, err
	}

	img, err := s.firmware.Resolve(req.Firmware)
	if err != nil {
		return nil, err
	}
	return s.begin(dev, img)
}

// Begin starts a session for dev with the image at firmwarePath and returns
// without waiting for it.
func (s *Service) Begin(dev usbdev.Device, firmwarePath string) (*Handle, error) {
	return s.begin(dev, firmware.Image{Path: firmwarePath})
}

// BeginImage is Begin for an image already resolved by the caller, so its
// digest is recorded with the session.
func (s *Service) BeginImage(dev usbdev.Device, img firmware.Image) (*Handle, error) {
	return s.begin(dev, img)
}

// Active reports whether a session is running for the device key.
func (s *Service) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[key]
	return ok
}

func (s *Service) begin(dev usbdev.Device, img firmware.Image) (*Handle, error) {
	key := dev.Key()
	now := time.Now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if id, busy := s.active[key]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("device %s (session %s): %w", key, id, ErrBusy)
	}
	id := newSessionID(now)
	s.active[key] = id
	s.wg.Add(1)
	s.mu.Unlock()

	info := SessionInfo{
		ID:           id,
		DeviceName:   dev.Name,
		Serial:       dev.SerialNumber,
		Port:         dev.Port,
		FirmwareID:   img.ID,
		FirmwarePath: img.Path,
		State:        StateIdle,
		StartedAt:    now,
	}
	s.record(&store.Session{
		ID:             id,
		DeviceName:     dev.Name,
		Serial:         dev.SerialNumber,
		Port:           dev.Port,
		FirmwareID:     img.ID,
		FirmwarePath:   img.Path,
		FirmwareSHA256: img.SHA256,
		State:          StateIdle.String(),
		Events:         []store.Event{},
		StartedAt:      now,
	})
	s.events.Emit(Event{Type: EventSessionStarted, Data: info})

	h := &Handle{
		info:   info,
		events: make(chan Progress, progressBuffer),
		done:   make(chan struct{}),
	}
	sess := NewSession(id, dev, img.Path, s.deps, s.logger)
	progress := make(chan Progress, progressBuffer)

	go s.run(sess, progress)
	go s.drain(key, sess, info, progress, h)
	return h, nil
}

// run drives the session and guarantees a terminal event even if the
// session exits abnormally.
func (s *Service) run(sess *Session, progress chan<- Progress) {
	defer close(progress)
	defer func() {
		r := recover()
		if r != nil {
			s.logger.Error("flash session panic", "session", sess.ID(), "panic", r)
		}
		if !sess.Finished() {
			reason := fmt.Errorf("session ended without a result")
			if r != nil {
				reason = fmt.Errorf("panic: %v", r)
			}
			sess.abort(reason)
		}
	}()
	// Sessions are never cancelled: a half-written flash can brick the board.
	sess.Run(context.Background(), progress)
}

func (s *Service) drain(key string, sess *Session, info SessionInfo, progress <-chan Progress, h *Handle) {
	defer s.wg.Done()

	var final Progress
	for p := range progress {
		h.events <- p
		s.appendEvent(info.ID, p)
		s.events.Emit(Event{Type: EventProgress, Data: p})
		if p.Terminal() {
			final = p
		}
	}

	info.State = final.State
	info.Kind = final.Kind
	info.FinishedAt = final.Time
	if path := sess.CurrentPath(); path != info.Port {
		info.FinalPort = path
	}
	s.finishRecord(info, sess.Failure())

	s.mu.Lock()
	delete(s.active, key)
	s.mu.Unlock()

	h.final = final
	close(h.events)
	close(h.done)
	s.events.Emit(Event{Type: EventSessionFinished, Data: info})
}

func (s *Service) record(rec *store.Session) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveSession(rec); err != nil {
		s.logger.Error("save session", "session", rec.ID, "err", err)
	}
}

func (s *Service) appendEvent(id string, p Progress) {
	if s.store == nil {
		return
	}
	err := s.store.UpdateSession(id, func(rec *store.Session) error {
		rec.State = p.State.String()
		rec.Events = append(rec.Events, store.Event{
			State:         p.State.String(),
			Text:          p.Text,
			Informational: p.Informational,
			Success:       p.Success,
			Kind:          string(p.Kind),
			Time:          p.Time,
		})
		return nil
	})
	if err != nil {
		s.logger.Error("record progress", "session", id, "err", err)
	}
}

func (s *Service) finishRecord(info SessionInfo, failure *Error) {
	if s.store == nil {
		return
	}
	err := s.store.UpdateSession(info.ID, func(rec *store.Session) error {
		rec.State = info.State.String()
		rec.Kind = string(info.Kind)
		rec.FinalPort = info.FinalPort
		rec.FinishedAt = info.FinishedAt
		if failure != nil {
			rec.Error = failure.Err.Error()
			rec.Stderr = failure.Stderr
		}
		return nil
	})
	if err != nil {
		s.logger.Error("finish session record", "session", info.ID, "err", err)
	}
}

// Stop refuses new sessions and waits for running ones to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	running := len(s.active)
	s.mu.Unlock()

	if running > 0 {
		s.logger.Info("waiting for flash sessions", "running", running)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flash sessions still running: %w", ctx.Err())
	}
}

func newSessionID(t time.Time) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%s-%09d", t.UTC().Format("20060102T150405"), t.Nanosecond())
	}
	return t.UTC().Format("20060102T150405") + "-" + hex.EncodeToString(b[:])
}
