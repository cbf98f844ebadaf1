package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Flash history
	SaveFlashRun(run *FlashRun) error
	GetFlashRun(id uint64) (*FlashRun, error)
	ListFlashRuns() ([]*FlashRun, error)

	// Frame capture. AddFrame drops the oldest frames beyond the capture
	// limit; a limit of 0 disables capture.
	AddFrame(f *Frame) error
	ListFrames(limit int) ([]*Frame, error)

	// Close the store
	Close() error
}
