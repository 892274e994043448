package store

import "time"

// Channel is the persisted record of one transmitter channel.
type Channel struct {
	ID     int    `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	// Position is the closure percentage of the last stop position, -1 if unknown.
	Position  int       `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// StickState holds what was learned from the stick on the last connection.
type StickState struct {
	Port             string    `json:"port"`
	KnownChannels    []int     `json:"known_channels"`
	LastConnected    time.Time `json:"last_connected"`
	LastDisconnected time.Time `json:"last_disconnected,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}
