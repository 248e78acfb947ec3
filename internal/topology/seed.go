package topology

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"home-energy/internal/device"
)

// Writer persists topology entities.
type Writer interface {
	SaveHub(hub *Hub) error
	SaveRoom(room *Room) error
	SaveDevice(rec *device.Record) error
}

// SeedHub is one hub in a seed file, with its rooms and devices nested.
// Nested rooms and devices inherit the hub code.
type SeedHub struct {
	Hub     `yaml:",inline"`
	Rooms   []Room          `yaml:"rooms"`
	Devices []device.Record `yaml:"devices"`
}

// Seed is the YAML document used to bootstrap a store.
type Seed struct {
	Hubs []SeedHub `yaml:"hubs"`
}

// LoadSeedFile reads a YAML seed file. A missing file yields an empty seed.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Seed{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	if err := seed.validate(); err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	return &seed, nil
}

func (s *Seed) validate() error {
	codes := make(map[string]HomeType, len(s.Hubs))
	for i, h := range s.Hubs {
		if h.HubCode == "" {
			return fmt.Errorf("hubs[%d]: hub_code is required", i)
		}
		if _, dup := codes[h.HubCode]; dup {
			return fmt.Errorf("hub %s defined twice", h.HubCode)
		}
		switch h.HomeType {
		case "", HomeTenant, HomeAdmin:
		default:
			return fmt.Errorf("hub %s: unknown home_type %q", h.HubCode, h.HomeType)
		}
		codes[h.HubCode] = h.HomeType
		for j, r := range h.Rooms {
			if r.RoomID == "" {
				return fmt.Errorf("hub %s rooms[%d]: room_id is required", h.HubCode, j)
			}
		}
		for j, d := range h.Devices {
			if d.DeviceID == "" {
				return fmt.Errorf("hub %s devices[%d]: device_id is required", h.HubCode, j)
			}
		}
	}
	return nil
}

// Apply writes every hub, room and device in the seed.
func (s *Seed) Apply(w Writer, logger *slog.Logger) error {
	var rooms, devices int
	for _, sh := range s.Hubs {
		hub := sh.Hub
		if hub.HomeType == "" {
			hub.HomeType = HomeTenant
		}
		if err := w.SaveHub(&hub); err != nil {
			return fmt.Errorf("save hub %s: %w", hub.HubCode, err)
		}
		for _, r := range sh.Rooms {
			r.HubCode = hub.HubCode
			if err := w.SaveRoom(&r); err != nil {
				return fmt.Errorf("save room %s: %w", r.RoomID, err)
			}
			rooms++
		}
		for _, d := range sh.Devices {
			d.HubCode = hub.HubCode
			if err := w.SaveDevice(&d); err != nil {
				return fmt.Errorf("save device %s: %w", d.DeviceID, err)
			}
			devices++
		}
	}
	logger.Info("topology seed applied", "hubs", len(s.Hubs), "rooms", rooms, "devices", devices)
	return nil
}
