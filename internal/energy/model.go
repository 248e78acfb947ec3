// Package energy estimates the instantaneous consumption of a device from
// its typed state.
package energy

import (
	"errors"
	"fmt"
	"math"

	"home-energy/internal/device"
)

var (
	// ErrUnmodeled is returned for device kinds that have no energy rule.
	// The accompanying value is always 0.
	ErrUnmodeled = errors.New("no energy rule for device type")

	// ErrOutOfRange is returned when a rule produced a negative or non-finite
	// value; the accompanying value is clamped to 0.
	ErrOutOfRange = errors.New("estimate out of range")
)

// Fallback estimates device kinds the model has no built-in rule for.
// It returns ErrUnmodeled when it cannot handle the kind either.
type Fallback interface {
	Estimate(st device.Unmodeled) (float64, error)
}

// ScriptInfo describes one loaded estimator script.
type ScriptInfo struct {
	DeviceType  device.Type `json:"deviceType"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	File        string      `json:"file"`
}

// Option configures a Model.
type Option func(*Model)

// WithFallback installs an estimator for unmodeled device kinds.
func WithFallback(f Fallback) Option {
	return func(m *Model) {
		m.fallback = f
	}
}

// Model maps device state to a consumption value in kWh-equivalent units.
type Model struct {
	rates    Rates
	fallback Fallback
}

// NewModel creates a model using the given rates. Mode keys are matched
// case-insensitively; see Rates.Normalize.
func NewModel(rates Rates, opts ...Option) *Model {
	if n, err := rates.Normalize(); err == nil {
		rates = n
	}
	m := &Model{rates: rates}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Rates returns the rates in effect.
func (m *Model) Rates() Rates {
	return m.rates
}

// Estimate returns the consumption value for a device state. The value is
// always usable and never negative; a non-nil error flags a data-quality
// problem the caller should report (ErrUnmodeled, ErrOutOfRange).
// Unpowered devices always estimate to 0.
func (m *Model) Estimate(st device.State) (float64, error) {
	if st == nil {
		return 0, fmt.Errorf("%w: nil state", ErrUnmodeled)
	}
	if !st.Powered() {
		return 0, nil
	}

	var v float64
	switch s := st.(type) {
	case device.AC:
		v = m.ac(s)
	case device.Dishwasher:
		r := m.rates.Dishwasher
		v = r.Base * modeRate(r.Modes, s.WaterTemp, r.DefaultMode) * s.DurationHours
	case device.TV:
		v = m.rates.TV.Base + s.Volume*m.rates.TV.VolumeFactor
	case device.Light:
		r := m.rates.Light
		v = (r.Base + s.Brightness*r.BrightnessFactor) * modeRate(r.Modes, s.AutoMode, r.DefaultMode)
	case device.Thermostat:
		r := m.rates.Thermostat
		v = r.Base + math.Abs(s.Temp-r.Ambient)*r.DiffFactor
	case device.Fan:
		v = m.rates.Fan.Base + s.RPM*s.RPM*m.rates.Fan.RPMFactor
	case device.Door:
		v = m.rates.Door.Base
	case device.HeatConvector:
		v = m.rates.HeatConvector.Base + s.Temp*m.rates.HeatConvector.TempFactor
	case device.Unmodeled:
		return m.unmodeled(s)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnmodeled, st.Type())
	}
	return clamp(v, st.Type())
}

func (m *Model) ac(s device.AC) float64 {
	r := m.rates.AC
	v := r.Base * modeRate(r.Modes, s.WindMode, r.DefaultMode)
	if s.AutoMode == "eco" {
		v *= r.EcoFactor
	}
	if s.Temp < r.LowTempThreshold {
		v *= r.LowTempFactor
	}
	return v
}

func (m *Model) unmodeled(s device.Unmodeled) (float64, error) {
	if m.fallback == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnmodeled, s.Kind)
	}
	v, err := m.fallback.Estimate(s)
	if err != nil {
		if errors.Is(err, ErrUnmodeled) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %s: %v", ErrUnmodeled, s.Kind, err)
	}
	return clamp(v, s.Kind)
}

func modeRate(modes map[string]float64, mode string, def float64) float64 {
	if r, ok := modes[mode]; ok {
		return r
	}
	return def
}

func clamp(v float64, t device.Type) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: %s produced %v", ErrOutOfRange, t, v)
	}
	return v, nil
}
