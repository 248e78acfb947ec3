package store

import "time"

// Snapshot is a persisted hub-level energy computation.
type Snapshot struct {
	HubCode         string             `json:"hubCode"`
	Window          string             `json:"window"`
	TakenAt         time.Time          `json:"takenAt"`
	TotalEnergy     float64            `json:"totalEnergy"`
	Unit            string             `json:"unit"`
	DeviceBreakdown map[string]float64 `json:"deviceBreakdown,omitempty"`
}
