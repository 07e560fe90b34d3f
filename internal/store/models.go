package store

import (
	"fmt"
	"time"
)

// ChannelRecord is the persisted last-confirmed state of one dimmer output.
// It seeds the in-memory cache after a restart so external callers see the
// last known good value until the channel is re-acknowledged.
type ChannelRecord struct {
	Bus       string    `json:"bus"` // "port@baud"
	Address   uint8     `json:"address"`
	Channel   uint8     `json:"channel"`
	Level     uint8     `json:"level"`
	On        bool      `json:"on"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChannelKey builds the storage key "port@baud/address/channel".
func ChannelKey(bus string, address, channel uint8) string {
	return fmt.Sprintf("%s/%d/%d", bus, address, channel)
}

// Key returns the record's storage key.
func (r *ChannelRecord) Key() string {
	return ChannelKey(r.Bus, r.Address, r.Channel)
}
