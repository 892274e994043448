package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Channel operations
	SaveChannel(ch *Channel) error
	GetChannel(id int) (*Channel, error)
	DeleteChannel(id int) error
	ListChannels() ([]*Channel, error)

	// UpdateChannel atomically reads, modifies, and saves a channel in a single
	// transaction. A missing channel is created with only its ID set.
	UpdateChannel(id int, fn func(ch *Channel) error) error

	// Stick state
	SaveStickState(state *StickState) error
	GetStickState() (*StickState, error)
	// UpdateStickState atomically modifies the stick state, starting from a
	// zero value if none was saved yet.
	UpdateStickState(fn func(state *StickState)) error

	// Close the store
	Close() error
}
