package store

import "time"

// Session is the persisted record of one flash attempt.
type Session struct {
	ID             string    `json:"id"`
	DeviceName     string    `json:"device_name,omitempty"`
	Serial         string    `json:"serial,omitempty"`
	Port           string    `json:"port"`
	FinalPort      string    `json:"final_port,omitempty"`
	FirmwareID     string    `json:"firmware_id,omitempty"`
	FirmwarePath   string    `json:"firmware_path"`
	FirmwareSHA256 string    `json:"firmware_sha256,omitempty"`
	State          string    `json:"state"`
	Kind           string    `json:"kind,omitempty"`
	Error          string    `json:"error,omitempty"`
	Stderr         string    `json:"stderr,omitempty"`
	Events         []Event   `json:"events"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Finished reports whether the session reached a terminal state.
func (s *Session) Finished() bool {
	return !s.FinishedAt.IsZero()
}

// Event is a progress event as recorded in a session.
type Event struct {
	State         string    `json:"state"`
	Text          string    `json:"text"`
	Informational bool      `json:"informational"`
	Success       bool      `json:"success"`
	Kind          string    `json:"kind,omitempty"`
	Time          time.Time `json:"time"`
}
