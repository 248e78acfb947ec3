package energy

import (
	"fmt"
	"strings"
)

// Rates holds every tunable constant of the energy model. Values are
// kWh-equivalent per hour of operation. Unknown mode strings fall back to
// the DefaultMode rate of the corresponding device kind.
type Rates struct {
	AC            ACRates            `yaml:"ac"`
	Dishwasher    DishwasherRates    `yaml:"dishwasher"`
	TV            TVRates            `yaml:"tv"`
	Light         LightRates         `yaml:"light"`
	Thermostat    ThermostatRates    `yaml:"thermostat"`
	Fan           FanRates           `yaml:"fan"`
	Door          DoorRates          `yaml:"door"`
	HeatConvector HeatConvectorRates `yaml:"heatconvector"`
}

type ACRates struct {
	Base             float64            `yaml:"base"`
	Modes            map[string]float64 `yaml:"modes"`
	DefaultMode      float64            `yaml:"default_mode"`
	EcoFactor        float64            `yaml:"eco_factor"`
	LowTempThreshold float64            `yaml:"low_temp_threshold"`
	LowTempFactor    float64            `yaml:"low_temp_factor"`
}

type DishwasherRates struct {
	Base        float64            `yaml:"base"`
	Modes       map[string]float64 `yaml:"modes"`
	DefaultMode float64            `yaml:"default_mode"`
}

type TVRates struct {
	Base         float64 `yaml:"base"`
	VolumeFactor float64 `yaml:"volume_factor"`
}

type LightRates struct {
	Base             float64            `yaml:"base"`
	BrightnessFactor float64            `yaml:"brightness_factor"`
	Modes            map[string]float64 `yaml:"modes"`
	DefaultMode      float64            `yaml:"default_mode"`
}

// ThermostatRates charges DiffFactor per degree between the set point and Ambient.
type ThermostatRates struct {
	Base       float64 `yaml:"base"`
	Ambient    float64 `yaml:"ambient"`
	DiffFactor float64 `yaml:"diff_factor"`
}

// FanRates charges RPMFactor per rpm squared.
type FanRates struct {
	Base      float64 `yaml:"base"`
	RPMFactor float64 `yaml:"rpm_factor"`
}

type DoorRates struct {
	Base float64 `yaml:"base"`
}

type HeatConvectorRates struct {
	Base       float64 `yaml:"base"`
	TempFactor float64 `yaml:"temp_factor"`
}

// DefaultRates returns the stock consumption table.
func DefaultRates() Rates {
	return Rates{
		AC: ACRates{
			Base:             1.5,
			Modes:            map[string]float64{"wind": 1.2, "cool": 1.8, "dry": 1.5, "auto": 1.6},
			DefaultMode:      1.5,
			EcoFactor:        0.8,
			LowTempThreshold: 22,
			LowTempFactor:    1.2,
		},
		Dishwasher: DishwasherRates{
			Base:        1.0,
			Modes:       map[string]float64{"cold": 0.8, "warm": 1.2, "hot": 1.5},
			DefaultMode: 1.0,
		},
		TV: TVRates{Base: 0.1, VolumeFactor: 0.005},
		Light: LightRates{
			Base:             0.06,
			BrightnessFactor: 0.01,
			Modes:            map[string]float64{"eco": 0.7, "standard": 1.0, "bright": 1.2},
			DefaultMode:      1.0,
		},
		Thermostat:    ThermostatRates{Base: 0.05, Ambient: 20, DiffFactor: 0.2},
		Fan:           FanRates{Base: 0.03, RPMFactor: 0.0001},
		Door:          DoorRates{Base: 0.01},
		HeatConvector: HeatConvectorRates{Base: 1.2, TempFactor: 0.15},
	}
}

// Normalize returns a copy of r with lower-cased mode keys, the form
// device.Decode produces. A key with any other casing can only come from an
// override, so it replaces its lower-case default. Two overrides that differ
// only in case and disagree are an error.
func (r Rates) Normalize() (Rates, error) {
	var err error
	if r.AC.Modes, err = lowerModes("ac.modes", r.AC.Modes); err != nil {
		return r, err
	}
	if r.Dishwasher.Modes, err = lowerModes("dishwasher.modes", r.Dishwasher.Modes); err != nil {
		return r, err
	}
	if r.Light.Modes, err = lowerModes("light.modes", r.Light.Modes); err != nil {
		return r, err
	}
	return r, nil
}

func lowerModes(name string, modes map[string]float64) (map[string]float64, error) {
	if modes == nil {
		return nil, nil
	}
	out := make(map[string]float64, len(modes))
	overridden := make(map[string]string)
	for k, v := range modes {
		lk := strings.ToLower(strings.TrimSpace(k))
		if k == lk {
			if _, ok := overridden[lk]; !ok {
				out[lk] = v
			}
			continue
		}
		if prev, ok := overridden[lk]; ok && modes[prev] != v {
			return nil, fmt.Errorf("energy rate %s: %q and %q name the same mode", name, prev, k)
		}
		overridden[lk] = k
		out[lk] = v
	}
	return out, nil
}

// Validate rejects negative rates, which would break the non-negativity of
// every estimate.
func (r Rates) Validate() error {
	scalars := map[string]float64{
		"ac.base":                   r.AC.Base,
		"ac.default_mode":           r.AC.DefaultMode,
		"ac.eco_factor":             r.AC.EcoFactor,
		"ac.low_temp_factor":        r.AC.LowTempFactor,
		"dishwasher.base":           r.Dishwasher.Base,
		"dishwasher.default_mode":   r.Dishwasher.DefaultMode,
		"tv.base":                   r.TV.Base,
		"tv.volume_factor":          r.TV.VolumeFactor,
		"light.base":                r.Light.Base,
		"light.brightness_factor":   r.Light.BrightnessFactor,
		"light.default_mode":        r.Light.DefaultMode,
		"thermostat.base":           r.Thermostat.Base,
		"thermostat.diff_factor":    r.Thermostat.DiffFactor,
		"fan.base":                  r.Fan.Base,
		"fan.rpm_factor":            r.Fan.RPMFactor,
		"door.base":                 r.Door.Base,
		"heatconvector.base":        r.HeatConvector.Base,
		"heatconvector.temp_factor": r.HeatConvector.TempFactor,
	}
	for name, v := range scalars {
		if v < 0 {
			return fmt.Errorf("energy rate %s must not be negative, got %v", name, v)
		}
	}
	modes := map[string]map[string]float64{
		"ac.modes":         r.AC.Modes,
		"dishwasher.modes": r.Dishwasher.Modes,
		"light.modes":      r.Light.Modes,
	}
	for name, m := range modes {
		for mode, v := range m {
			if v < 0 {
				return fmt.Errorf("energy rate %s.%s must not be negative, got %v", name, mode, v)
			}
		}
	}
	return nil
}
