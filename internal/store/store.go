package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no state record has been persisted yet.
var ErrNotFound = errors.New("not found")

// StateRecord is the flat window-state record persisted across restarts.
type StateRecord struct {
	Mode          uint8     `json:"mode"`
	HandleAngle   int       `json:"handle_angle"`
	GapPercentage uint8     `json:"gap_percentage"`
	Calibrated    bool      `json:"calibrated"`
	SavedAt       time.Time `json:"saved_at"`
}

// Store defines the persistence interface.
type Store interface {
	// LoadState returns the persisted record, or ErrNotFound if the store
	// is empty (fresh device or after a factory reset).
	LoadState() (*StateRecord, error)
	SaveState(rec *StateRecord) error

	// EraseState removes the persisted record. Erasing an empty store is
	// a no-op success.
	EraseState() error

	// Close the store
	Close() error
}
