// Package topology describes how devices group into rooms, rooms into hubs,
// and tenant hubs into admin (building) hubs.
package topology

import (
	"context"
	"errors"

	"home-energy/internal/device"
)

// ErrHubNotFound is returned (wrapped) by a Resolver for an unknown hub code.
var ErrHubNotFound = errors.New("hub not found")

// ErrRoomNotFound is returned (wrapped) for an unknown room.
var ErrRoomNotFound = errors.New("room not found")

// HomeType distinguishes dwellings from buildings.
type HomeType string

const (
	HomeTenant HomeType = "tenant"
	HomeAdmin  HomeType = "admin"
)

// Hub is a gateway. Admin hubs list the tenant hubs they manage in Units.
type Hub struct {
	HubCode  string   `json:"hubCode" yaml:"hub_code"`
	Name     string   `json:"name,omitempty" yaml:"name"`
	HomeType HomeType `json:"homeType" yaml:"home_type"`
	Units    []string `json:"units,omitempty" yaml:"units"`
}

// DisplayName returns the hub name, falling back to its code.
func (h *Hub) DisplayName() string {
	if h.Name != "" {
		return h.Name
	}
	return h.HubCode
}

// Room references devices by ID; membership does not imply ownership.
type Room struct {
	RoomID    string   `json:"roomId" yaml:"room_id"`
	RoomName  string   `json:"roomName" yaml:"room_name"`
	HubCode   string   `json:"hubCode" yaml:"hub_code"`
	DeviceIDs []string `json:"devices" yaml:"devices"`
}

// Resolver supplies the device states and grouping keys the aggregation
// engine needs. Every call returns an error wrapping ErrHubNotFound when
// the hub does not exist; any other error means the upstream is unavailable.
type Resolver interface {
	Hub(ctx context.Context, hubCode string) (*Hub, error)
	DevicesOf(ctx context.Context, hubCode string) ([]device.Record, error)
	RoomsOf(ctx context.Context, hubCode string) ([]Room, error)
	UnitsOf(ctx context.Context, adminHubCode string) ([]string, error)
}
