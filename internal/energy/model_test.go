package energy

import (
	"errors"
	"math"
	"testing"

	"home-energy/internal/device"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func estimateRecord(t *testing.T, m *Model, rec device.Record) (float64, error) {
	t.Helper()
	st, _ := device.Decode(rec)
	return m.Estimate(st)
}

func TestEstimateScenarios(t *testing.T) {
	m := NewModel(DefaultRates())

	tests := []struct {
		name string
		rec  device.Record
		want float64
	}{
		{
			name: "ac cool eco low temp",
			rec: device.Record{DeviceType: device.TypeAC, On: true, Attributes: map[string]any{
				"windMode": "cool", "autoMode": "eco", "temp": 20,
			}},
			want: 1.5 * 1.8 * 0.8 * 1.2,
		},
		{
			name: "dishwasher hot 2hr",
			rec: device.Record{DeviceType: device.TypeDishwasher, On: true, Attributes: map[string]any{
				"waterTemp": "Hot", "length": "2hr",
			}},
			want: 3.0,
		},
		{
			name: "light eco half brightness",
			rec: device.Record{DeviceType: device.TypeLight, On: true, Attributes: map[string]any{
				"brightness": 50, "autoMode": "eco",
			}},
			want: 0.392,
		},
		{
			name: "fan 1000 rpm",
			rec:  device.Record{DeviceType: device.TypeFan, On: true, Attributes: map[string]any{"rpm": 1000}},
			want: 100.03,
		},
		{
			name: "ac defaults",
			rec:  device.Record{DeviceType: device.TypeAC, On: true},
			want: 1.5 * 1.5,
		},
		{
			name: "ac unknown wind mode",
			rec:  device.Record{DeviceType: device.TypeAC, On: true, Attributes: map[string]any{"windMode": "turbo", "temp": 25}},
			want: 1.5 * 1.5,
		},
		{
			name: "tv volume",
			rec:  device.Record{DeviceType: device.TypeTV, On: true, Attributes: map[string]any{"volume": 40}},
			want: 0.1 + 40*0.005,
		},
		{
			name: "thermostat default temp",
			rec:  device.Record{DeviceType: device.TypeThermostat, On: true},
			want: 0.05 + 2*0.2,
		},
		{
			name: "thermostat below ambient",
			rec:  device.Record{DeviceType: device.TypeThermostat, On: true, Attributes: map[string]any{"temp": 16}},
			want: 0.05 + 4*0.2,
		},
		{
			name: "door",
			rec:  device.Record{DeviceType: device.TypeDoor, On: true, Attributes: map[string]any{"locked": true}},
			want: 0.01,
		},
		{
			name: "heatconvector",
			rec:  device.Record{DeviceType: device.TypeHeatConvector, On: true, Attributes: map[string]any{"temp": 24}},
			want: 1.2 + 24*0.15,
		},
		{
			name: "dishwasher default length and mode",
			rec:  device.Record{DeviceType: device.TypeDishwasher, On: true},
			want: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := estimateRecord(t, m, tt.rec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !approx(got, tt.want) {
				t.Errorf("estimate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEstimatePowerGating(t *testing.T) {
	m := NewModel(DefaultRates())
	attrs := map[string]any{
		"windMode": "cool", "temp": 10, "rpm": 3000, "volume": 100,
		"brightness": 100, "length": "3hr", "waterTemp": "hot",
	}
	types := []device.Type{
		device.TypeAC, device.TypeDishwasher, device.TypeTV, device.TypeLight,
		device.TypeThermostat, device.TypeFan, device.TypeDoor, device.TypeHeatConvector,
		device.TypeWashingMachine, device.TypeSpeaker, "toaster",
	}
	for _, typ := range types {
		got, err := estimateRecord(t, m, device.Record{DeviceType: typ, On: false, Attributes: attrs})
		if err != nil {
			t.Errorf("%s: unexpected error for off device: %v", typ, err)
		}
		if got != 0 {
			t.Errorf("%s: off device estimate = %v, want 0", typ, got)
		}
	}
}

func TestEstimateNonNegative(t *testing.T) {
	m := NewModel(DefaultRates())
	weird := []map[string]any{
		nil,
		{"temp": -100},
		{"temp": "abc", "volume": -3, "brightness": -1, "rpm": -50},
		{"temp": 1e308},
		{"length": "-4hr"},
	}
	for _, typ := range []device.Type{
		device.TypeAC, device.TypeDishwasher, device.TypeTV, device.TypeLight,
		device.TypeThermostat, device.TypeFan, device.TypeDoor, device.TypeHeatConvector,
	} {
		for _, attrs := range weird {
			got, _ := estimateRecord(t, m, device.Record{DeviceType: typ, On: true, Attributes: attrs})
			if got < 0 || math.IsNaN(got) || math.IsInf(got, 0) {
				t.Errorf("%s %v: estimate = %v, want finite >= 0", typ, attrs, got)
			}
		}
	}
}

func TestEstimateHeatConvectorClamped(t *testing.T) {
	m := NewModel(DefaultRates())
	got, err := estimateRecord(t, m, device.Record{
		DeviceType: device.TypeHeatConvector, On: true, Attributes: map[string]any{"temp": -20},
	})
	if got != 0 {
		t.Errorf("estimate = %v, want 0", got)
	}
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("err = %v, want ErrOutOfRange", err)
	}
}

func TestEstimateUnmodeled(t *testing.T) {
	m := NewModel(DefaultRates())
	for _, typ := range []device.Type{device.TypeWashingMachine, device.TypeSpeaker, "toaster"} {
		got, err := estimateRecord(t, m, device.Record{DeviceType: typ, On: true})
		if got != 0 {
			t.Errorf("%s: estimate = %v, want 0", typ, got)
		}
		if !errors.Is(err, ErrUnmodeled) {
			t.Errorf("%s: err = %v, want ErrUnmodeled", typ, err)
		}
	}
	if _, err := m.Estimate(nil); !errors.Is(err, ErrUnmodeled) {
		t.Errorf("nil state: err = %v, want ErrUnmodeled", err)
	}
}

type fixedFallback struct {
	kind device.Type
	v    float64
	err  error
}

func (f fixedFallback) Estimate(st device.Unmodeled) (float64, error) {
	if st.Kind != f.kind {
		return 0, ErrUnmodeled
	}
	return f.v, f.err
}

func TestEstimateFallback(t *testing.T) {
	m := NewModel(DefaultRates(), WithFallback(fixedFallback{kind: device.TypeWashingMachine, v: 0.9}))

	got, err := estimateRecord(t, m, device.Record{DeviceType: device.TypeWashingMachine, On: true})
	if err != nil || got != 0.9 {
		t.Errorf("washer = %v, %v; want 0.9, nil", got, err)
	}

	got, err = estimateRecord(t, m, device.Record{DeviceType: device.TypeSpeaker, On: true})
	if got != 0 || !errors.Is(err, ErrUnmodeled) {
		t.Errorf("speaker = %v, %v; want 0, ErrUnmodeled", got, err)
	}

	neg := NewModel(DefaultRates(), WithFallback(fixedFallback{kind: device.TypeSpeaker, v: -1}))
	got, err = estimateRecord(t, neg, device.Record{DeviceType: device.TypeSpeaker, On: true})
	if got != 0 || !errors.Is(err, ErrOutOfRange) {
		t.Errorf("negative fallback = %v, %v; want 0, ErrOutOfRange", got, err)
	}

	failing := NewModel(DefaultRates(), WithFallback(fixedFallback{kind: device.TypeSpeaker, err: errors.New("boom")}))
	got, err = estimateRecord(t, failing, device.Record{DeviceType: device.TypeSpeaker, On: true})
	if got != 0 || !errors.Is(err, ErrUnmodeled) {
		t.Errorf("failing fallback = %v, %v; want 0, ErrUnmodeled", got, err)
	}
}

func TestRatesValidate(t *testing.T) {
	if err := DefaultRates().Validate(); err != nil {
		t.Fatalf("default rates invalid: %v", err)
	}
	r := DefaultRates()
	r.Fan.RPMFactor = -0.1
	if err := r.Validate(); err == nil {
		t.Error("expected error for negative fan rate")
	}
	r = DefaultRates()
	r.Light.Modes["eco"] = -1
	if err := r.Validate(); err == nil {
		t.Error("expected error for negative light mode")
	}
}

func TestModeOverridesMatchDecodedModes(t *testing.T) {
	r := DefaultRates()
	r.Dishwasher.Modes = map[string]float64{"cold": 0.8, "warm": 1.2, "hot": 1.5, "Hot": 2.0}
	m := NewModel(r)

	st, _ := device.Decode(device.Record{DeviceType: device.TypeDishwasher, On: true,
		Attributes: map[string]any{"waterTemp": "HOT", "length": "2hr"}})
	got, err := m.Estimate(st)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-4.0) > 1e-9 {
		t.Errorf("estimate = %v, want 4.0", got)
	}
	if r.Dishwasher.Modes["Hot"] != 2.0 {
		t.Error("Normalize modified the caller's map")
	}
}

func TestNormalizeConflictingCase(t *testing.T) {
	r := DefaultRates()
	r.Light.Modes = map[string]float64{"Eco": 0.5, "ECO": 0.6}
	if _, err := r.Normalize(); err == nil {
		t.Error("expected error for modes differing only in case")
	}
	r.Light.Modes = map[string]float64{"Eco": 0.5, "ECO": 0.5, "eco": 0.7}
	n, err := r.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if len(n.Light.Modes) != 1 || n.Light.Modes["eco"] != 0.5 {
		t.Errorf("modes = %v", n.Light.Modes)
	}
}
