package device

import (
	"encoding/json"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want Type
		ok   bool
	}{
		{"ac", TypeAC, true},
		{"AC", TypeAC, true},
		{"washingmachine", TypeWashingMachine, true},
		{" heatconvector ", TypeHeatConvector, true},
		{"toaster", Type("toaster"), false},
	}
	for _, tt := range tests {
		got, ok := ParseType(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseType(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDecodeDefaults(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want State
	}{
		{"ac", Record{DeviceType: TypeAC, On: true}, AC{On: true, Temp: DefaultACTemp}},
		{"thermostat", Record{DeviceType: TypeThermostat, On: true}, Thermostat{On: true, Temp: DefaultThermostatTemp}},
		{"heatconvector", Record{DeviceType: TypeHeatConvector}, HeatConvector{Temp: DefaultHeatConvectorTemp}},
		{"fan", Record{DeviceType: TypeFan, On: true}, Fan{On: true, RPM: DefaultFanRPM}},
		{"tv", Record{DeviceType: TypeTV, On: true}, TV{On: true}},
		{"light", Record{DeviceType: TypeLight, On: true}, Light{On: true}},
		{"dishwasher", Record{DeviceType: TypeDishwasher, On: true}, Dishwasher{On: true, DurationHours: 1}},
		{"door", Record{DeviceType: TypeDoor, On: true}, Door{On: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, issues := Decode(tt.rec)
			if len(issues) != 0 {
				t.Errorf("issues = %v, want none", issues)
			}
			if got != tt.want {
				t.Errorf("Decode = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeAttributes(t *testing.T) {
	rec := Record{
		DeviceType: TypeAC,
		On:         true,
		Attributes: map[string]any{"windMode": "Cool", "autoMode": "eco", "temp": "20"},
	}
	st, issues := Decode(rec)
	if len(issues) != 0 {
		t.Fatalf("issues = %v", issues)
	}
	ac, ok := st.(AC)
	if !ok {
		t.Fatalf("state type = %T, want AC", st)
	}
	if ac.WindMode != "cool" || ac.AutoMode != "eco" || ac.Temp != 20 {
		t.Errorf("ac = %+v", ac)
	}
}

func TestDecodeDishwasherLength(t *testing.T) {
	tests := []struct {
		length any
		want   float64
		issue  bool
	}{
		{"2hr", 2, false},
		{"3HR", 3, false},
		{"1.5hr", 1.5, false},
		{float64(2), 2, false},
		{"", 1, false},
		{"long", 1, true},
		{"0hr", 1, true},
		{"-2hr", 1, true},
	}
	for _, tt := range tests {
		st, issues := Decode(Record{
			DeviceType: TypeDishwasher,
			On:         true,
			Attributes: map[string]any{"length": tt.length, "waterTemp": "Hot"},
		})
		dw := st.(Dishwasher)
		if dw.DurationHours != tt.want {
			t.Errorf("length %v: hours = %v, want %v", tt.length, dw.DurationHours, tt.want)
		}
		if dw.WaterTemp != "hot" {
			t.Errorf("waterTemp = %q, want hot", dw.WaterTemp)
		}
		if (len(issues) > 0) != tt.issue {
			t.Errorf("length %v: issues = %v, want issue=%v", tt.length, issues, tt.issue)
		}
	}
}

func TestDecodeBadNumbers(t *testing.T) {
	st, issues := Decode(Record{
		DeviceType: TypeLight,
		On:         true,
		Attributes: map[string]any{"brightness": "bright!", "autoMode": 7},
	})
	light := st.(Light)
	if light.Brightness != DefaultLightBrightness {
		t.Errorf("brightness = %v, want default", light.Brightness)
	}
	if light.AutoMode != "" {
		t.Errorf("autoMode = %q, want empty", light.AutoMode)
	}
	if len(issues) != 2 {
		t.Fatalf("issues = %v, want 2", issues)
	}

	st, issues = Decode(Record{DeviceType: TypeTV, On: true, Attributes: map[string]any{"volume": -5}})
	if st.(TV).Volume != 0 {
		t.Errorf("volume = %v, want 0", st.(TV).Volume)
	}
	if len(issues) != 1 || issues[0].Reason != "negative" {
		t.Errorf("issues = %v", issues)
	}
}

func TestDecodeJSONNumbers(t *testing.T) {
	var attrs map[string]any
	if err := json.Unmarshal([]byte(`{"rpm": 1200}`), &attrs); err != nil {
		t.Fatal(err)
	}
	st, _ := Decode(Record{DeviceType: TypeFan, On: true, Attributes: attrs})
	if st.(Fan).RPM != 1200 {
		t.Errorf("rpm = %v, want 1200", st.(Fan).RPM)
	}
}

func TestDecodeUnmodeled(t *testing.T) {
	for _, typ := range []Type{TypeWashingMachine, TypeSpeaker, "toaster"} {
		st, _ := Decode(Record{DeviceType: typ, On: true, Attributes: map[string]any{"spin": 1200}})
		u, ok := st.(Unmodeled)
		if !ok {
			t.Fatalf("%s: state type = %T, want Unmodeled", typ, st)
		}
		if u.Type() != typ || !u.Powered() {
			t.Errorf("%s: unmodeled = %+v", typ, u)
		}
	}
}
