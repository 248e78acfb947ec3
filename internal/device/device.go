package device

import (
	"strings"
	"time"
)

// Type identifies a device kind.
type Type string

// Known device kinds.
const (
	TypeLight          Type = "light"
	TypeTV             Type = "tv"
	TypeAC             Type = "ac"
	TypeFan            Type = "fan"
	TypeWashingMachine Type = "washingMachine"
	TypeSpeaker        Type = "speaker"
	TypeThermostat     Type = "thermostat"
	TypeDoor           Type = "door"
	TypeHeatConvector  Type = "heatconvector"
	TypeDishwasher     Type = "dishwasher"
)

var knownTypes = []Type{
	TypeLight, TypeTV, TypeAC, TypeFan, TypeWashingMachine,
	TypeSpeaker, TypeThermostat, TypeDoor, TypeHeatConvector, TypeDishwasher,
}

// ParseType resolves a device type string case-insensitively.
// Unknown strings are returned unchanged with ok=false.
func ParseType(s string) (Type, bool) {
	s = strings.TrimSpace(s)
	for _, t := range knownTypes {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}
	return Type(s), false
}

// Record is a device document as supplied by the device state provider.
// Attributes holds the type-specific settings (windMode, temp, rpm, ...).
type Record struct {
	DeviceID   string         `json:"deviceId" yaml:"device_id"`
	DeviceName string         `json:"deviceName,omitempty" yaml:"device_name"`
	DeviceType Type           `json:"deviceType" yaml:"device_type"`
	HubCode    string         `json:"hubCode,omitempty" yaml:"hub_code"`
	On         bool           `json:"on" yaml:"on"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes"`
	UpdatedAt  time.Time      `json:"updatedAt" yaml:"-"`
}

// DisplayName returns the device name, falling back to its ID.
func (r *Record) DisplayName() string {
	if r.DeviceName != "" {
		return r.DeviceName
	}
	return r.DeviceID
}
