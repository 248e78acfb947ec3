package store

import (
	"errors"

	"home-energy/internal/device"
	"home-energy/internal/topology"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrInvalidKey is returned when a hub code, room id or device id is empty
// or contains control characters.
var ErrInvalidKey = errors.New("invalid key")

// Store defines the persistence interface. It doubles as the device state
// provider and topology resolver consumed by the aggregation engine.
type Store interface {
	topology.Resolver
	topology.Writer

	// Hubs
	ListHubs() ([]*topology.Hub, error)
	DeleteHub(hubCode string) error

	// Rooms
	GetRoom(hubCode, roomID string) (*topology.Room, error)
	DeleteRoom(hubCode, roomID string) error

	// Devices
	GetDevice(deviceID string) (*device.Record, error)
	DeleteDevice(deviceID string) error

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(deviceID string, fn func(rec *device.Record) error) error

	// Energy history
	SaveSnapshot(s *Snapshot) error
	ListSnapshots(hubCode string, limit int) ([]*Snapshot, error)

	// Close the store
	Close() error
}
