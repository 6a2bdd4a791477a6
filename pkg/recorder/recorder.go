// Package recorder persists polled readings.
package recorder

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a reading is not found.
var ErrNotFound = errors.New("reading not found")

// Reading is one polled sample of a data point.
type Reading struct {
	ID         string
	Connection string
	Point      string
	Kind       string
	Address    int
	Values     []uint32
	Timestamp  time.Time
}

// Store defines the interface for reading persistence.
type Store interface {
	// Save persists a reading.
	Save(r *Reading) error

	// Recent retrieves the most recent readings for a point, newest
	// first.
	Recent(connection, point string, limit int) ([]*Reading, error)

	// Prune removes readings older than cutoff and reports how many
	// were removed.
	Prune(cutoff time.Time) (int64, error)

	// Close closes the store.
	Close() error
}
