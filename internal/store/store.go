package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Channel state
	SaveChannel(rec *ChannelRecord) error
	GetChannel(bus string, address, channel uint8) (*ChannelRecord, error)
	ListChannels() ([]*ChannelRecord, error)
	DeleteChannel(bus string, address, channel uint8) error

	// Close the store
	Close() error
}
