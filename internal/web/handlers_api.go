package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"qtpy-flash/internal/firmware"
	"qtpy-flash/internal/flash"
	"qtpy-flash/internal/store"
	"qtpy-flash/internal/usbdev"
)

const defaultSessionLimit = 50

// deviceView is a connected board as the API reports it.
type deviceView struct {
	usbdev.Device
	ID   string `json:"id"`
	Busy bool   `json:"busy"`
}

func (s *Server) deviceViews() []deviceView {
	devices := s.devices.List()
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceView{Device: d, ID: d.ID().String(), Busy: s.flash.Active(d.Key())})
	}
	return out
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deviceViews())
}

type firmwareView struct {
	firmware.Entry
	Available bool `json:"available"`
}

func (s *Server) handleAPIListFirmware(w http.ResponseWriter, r *http.Request) {
	entries := s.catalog.Entries()
	out := make([]firmwareView, 0, len(entries))
	for _, e := range entries {
		out = append(out, firmwareView{Entry: e, Available: s.catalog.Available(e.ID)})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type flashRequest struct {
	flash.Request
	Wait bool `json:"wait"`
}

type flashResult struct {
	Session flash.SessionInfo `json:"session"`
	Events  []flash.Progress  `json:"events"`
	Result  flash.Progress    `json:"result"`
}

func (s *Server) handleAPIFlash(w http.ResponseWriter, r *http.Request) {
	var req flashRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Firmware == "" {
		s.writeError(w, http.StatusBadRequest, "firmware is required")
		return
	}

	h, err := s.flash.Start(req.Request)
	if err != nil {
		status := flashErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("start flash", "err", err)
			s.writeError(w, status, "internal server error")
			return
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.logger.Info("flash requested", "session", h.ID(), "serial", req.Serial, "port", req.Port, "firmware", req.Firmware)

	if !req.Wait {
		s.writeJSON(w, http.StatusAccepted, map[string]string{"session_id": h.ID()})
		return
	}

	// The session keeps running if the client goes away.
	res := flashResult{Session: h.Info(), Events: []flash.Progress{}}
	for {
		select {
		case p, ok := <-h.Events():
			if !ok {
				res.Session.State = res.Result.State
				res.Session.Kind = res.Result.Kind
				res.Session.FinishedAt = res.Result.Time
				s.writeJSON(w, http.StatusOK, res)
				return
			}
			res.Events = append(res.Events, p)
			if p.Terminal() {
				res.Result = p
			}
		case <-r.Context().Done():
			return
		}
	}
}

// flashErrorStatus maps a Start error to its HTTP status.
func flashErrorStatus(err error) int {
	switch {
	case errors.Is(err, flash.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, usbdev.ErrNotFound), errors.Is(err, firmware.ErrFirmwareMissing):
		return http.StatusNotFound
	case errors.Is(err, flash.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, flash.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAPIListSessions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	limit := defaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	sessions, err := s.history.ListSessions(limit)
	if err != nil {
		s.logger.Error("list sessions", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleAPIGetSession(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := s.history.GetSession(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAPIDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	id := r.PathValue("id")
	if _, err := s.history.GetSession(id); errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.history.DeleteSession(id); err != nil {
		s.logger.Error("delete session", "err", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
