package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Session history
	SaveSession(sess *Session) error
	GetSession(id string) (*Session, error)
	// ListSessions returns sessions newest first. limit <= 0 means all.
	ListSessions(limit int) ([]*Session, error)
	DeleteSession(id string) error

	// UpdateSession atomically reads, modifies, and saves a session in a single
	// transaction. Returns ErrNotFound if the session does not exist.
	UpdateSession(id string, fn func(sess *Session) error) error

	// Close the store
	Close() error
}
