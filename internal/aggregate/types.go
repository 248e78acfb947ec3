// Package aggregate rolls per-device energy estimates up through rooms,
// tenant hubs and admin hubs for a requested time window.
package aggregate

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"home-energy/internal/device"
)

// Window selects the time bucket an aggregate is reported for.
type Window string

const (
	Daily   Window = "daily"
	Weekly  Window = "weekly"
	Monthly Window = "monthly"
	Yearly  Window = "yearly"
)

// DefaultWindow is used when a caller does not name one.
const DefaultWindow = Monthly

// Windows lists every supported window.
var Windows = []Window{Daily, Weekly, Monthly, Yearly}

// ParseWindow resolves a window name case-insensitively. An empty string
// yields DefaultWindow.
func ParseWindow(s string) (Window, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultWindow, nil
	}
	for _, w := range Windows {
		if string(w) == s {
			return w, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidWindow, s)
}

// Level is the hierarchy level an aggregate's groups describe.
type Level string

const (
	LevelRoom  Level = "room"  // groups are devices
	LevelHub   Level = "hub"   // groups are rooms plus Unassigned
	LevelAdmin Level = "admin" // groups are tenant hubs
)

// UnassignedGroup names the synthetic group of devices no room references.
const UnassignedGroup = "Unassigned"

// Unit is the energy unit every aggregate is reported in.
const Unit = "kWh"

// Group is one row of an aggregate breakdown.
type Group struct {
	Name        string      `json:"name"`
	Key         string      `json:"key"`
	Energy      float64     `json:"energy"`
	DeviceCount int         `json:"deviceCount"`
	DeviceType  device.Type `json:"deviceType,omitempty"`
	HubCode     string      `json:"hubCode,omitempty"`
}

// Aggregate is the computed total and breakdown for one entity and window.
// Aggregates may be shared between concurrent callers and must be treated
// as read-only.
type Aggregate struct {
	HubCode     string    `json:"hubCode"`
	RoomID      string    `json:"roomId,omitempty"`
	Name        string    `json:"name"`
	Level       Level     `json:"level"`
	Window      Window    `json:"window"`
	Period      string    `json:"period"`
	TotalEnergy float64   `json:"totalEnergy"`
	Unit        string    `json:"unit"`
	Groups      []Group   `json:"groups"`
	Missing     []string  `json:"missing,omitempty"`
	ComputedAt  time.Time `json:"computedAt"`

	// Warnings are reported through logs and events, not to API clients.
	Warnings []Warning `json:"-"`
}

// SortGroups orders groups by energy descending, then name ascending, then
// key so that the order is total.
func SortGroups(groups []Group) {
	slices.SortFunc(groups, func(a, b Group) int {
		if c := cmp.Compare(b.Energy, a.Energy); c != 0 {
			return c
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}
