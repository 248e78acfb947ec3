package topology

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"home-energy/internal/device"
)

type memWriter struct {
	hubs    []*Hub
	rooms   []*Room
	devices []*device.Record
}

func (m *memWriter) SaveHub(h *Hub) error             { m.hubs = append(m.hubs, h); return nil }
func (m *memWriter) SaveRoom(r *Room) error           { m.rooms = append(m.rooms, r); return nil }
func (m *memWriter) SaveDevice(d *device.Record) error { m.devices = append(m.devices, d); return nil }

func TestLoadSeedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	os.WriteFile(path, []byte(`
hubs:
  - hub_code: BLD-1
    name: Sunrise Block
    home_type: admin
    units: [FLAT-1, FLAT-2]
  - hub_code: FLAT-1
    name: Flat 1
    rooms:
      - room_id: r-living
        room_name: Living Room
        devices: [ac-1, light-1]
    devices:
      - device_id: ac-1
        device_name: Living AC
        device_type: ac
        on: true
        attributes:
          windMode: cool
          autoMode: eco
          temp: 20
      - device_id: light-1
        device_type: light
        on: false
`), 0o644)

	seed, err := LoadSeedFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(seed.Hubs) != 2 {
		t.Fatalf("hubs = %d, want 2", len(seed.Hubs))
	}
	if seed.Hubs[0].HomeType != HomeAdmin || len(seed.Hubs[0].Units) != 2 {
		t.Errorf("admin hub = %+v", seed.Hubs[0].Hub)
	}

	w := &memWriter{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if err := seed.Apply(w, logger); err != nil {
		t.Fatal(err)
	}
	if len(w.hubs) != 2 || len(w.rooms) != 1 || len(w.devices) != 2 {
		t.Fatalf("applied hubs=%d rooms=%d devices=%d", len(w.hubs), len(w.rooms), len(w.devices))
	}
	if w.hubs[1].HomeType != HomeTenant {
		t.Errorf("default home type = %q, want tenant", w.hubs[1].HomeType)
	}
	if w.rooms[0].HubCode != "FLAT-1" {
		t.Errorf("room hub = %q, want FLAT-1", w.rooms[0].HubCode)
	}
	ac := w.devices[0]
	if ac.HubCode != "FLAT-1" || ac.DeviceType != device.TypeAC || !ac.On {
		t.Errorf("device = %+v", ac)
	}
	if ac.Attributes["windMode"] != "cool" {
		t.Errorf("attributes = %v", ac.Attributes)
	}
}

func TestLoadSeedFileMissing(t *testing.T) {
	seed, err := LoadSeedFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(seed.Hubs) != 0 {
		t.Errorf("hubs = %d, want 0", len(seed.Hubs))
	}
}

func TestLoadSeedFileInvalid(t *testing.T) {
	tests := map[string]string{
		"no hub code":  "hubs:\n  - name: x\n",
		"duplicate":    "hubs:\n  - hub_code: A\n  - hub_code: A\n",
		"bad type":     "hubs:\n  - hub_code: A\n    home_type: castle\n",
		"no device id": "hubs:\n  - hub_code: A\n    devices:\n      - device_type: ac\n",
		"no room id":   "hubs:\n  - hub_code: A\n    rooms:\n      - room_name: x\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "seed.yaml")
			os.WriteFile(path, []byte(doc), 0o644)
			if _, err := LoadSeedFile(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}
