package device

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Defaults applied when a numeric attribute is missing or unparseable.
const (
	DefaultACTemp            = 24.0
	DefaultThermostatTemp    = 22.0
	DefaultHeatConvectorTemp = 20.0
	DefaultFanRPM            = 1000.0
	DefaultTVVolume          = 0.0
	DefaultLightBrightness   = 0.0
	DefaultDishwasherHours   = 1.0
)

// State is the decoded, typed state of a single device. Exactly one of the
// concrete types below backs every State.
type State interface {
	Type() Type
	Powered() bool
}

// AC is an air conditioner. WindMode is one of wind, cool, dry, auto;
// AutoMode is one of timer, eco, swing.
type AC struct {
	On       bool
	WindMode string
	AutoMode string
	Temp     float64
}

// Dishwasher carries WaterTemp (cold, warm, hot) and the programme length in hours.
type Dishwasher struct {
	On            bool
	WaterTemp     string
	Soap          bool
	DurationHours float64
}

type TV struct {
	On     bool
	Volume float64
}

// Light carries Brightness (0-100) and AutoMode (eco, standard, bright).
type Light struct {
	On         bool
	Brightness float64
	AutoMode   string
}

type Thermostat struct {
	On   bool
	Temp float64
}

type Fan struct {
	On  bool
	RPM float64
}

// Door is a smart lock; only the power flag matters.
type Door struct {
	On bool
}

type HeatConvector struct {
	On   bool
	Temp float64
}

// Unmodeled is any device kind without a built-in energy rule
// (washingMachine, speaker, or a type string this build does not know).
type Unmodeled struct {
	Kind       Type
	On         bool
	Attributes map[string]any
}

func (s AC) Type() Type            { return TypeAC }
func (s Dishwasher) Type() Type    { return TypeDishwasher }
func (s TV) Type() Type            { return TypeTV }
func (s Light) Type() Type         { return TypeLight }
func (s Thermostat) Type() Type    { return TypeThermostat }
func (s Fan) Type() Type           { return TypeFan }
func (s Door) Type() Type          { return TypeDoor }
func (s HeatConvector) Type() Type { return TypeHeatConvector }
func (s Unmodeled) Type() Type     { return s.Kind }

func (s AC) Powered() bool            { return s.On }
func (s Dishwasher) Powered() bool    { return s.On }
func (s TV) Powered() bool            { return s.On }
func (s Light) Powered() bool         { return s.On }
func (s Thermostat) Powered() bool    { return s.On }
func (s Fan) Powered() bool           { return s.On }
func (s Door) Powered() bool          { return s.On }
func (s HeatConvector) Powered() bool { return s.On }
func (s Unmodeled) Powered() bool     { return s.On }

// Issue describes an attribute that could not be used as supplied and was
// replaced by its default.
type Issue struct {
	Field  string `json:"field"`
	Value  any    `json:"value,omitempty"`
	Reason string `json:"reason"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s=%v: %s", i.Field, i.Value, i.Reason)
}

// Decode converts a raw record into its typed State. Missing attributes take
// their documented defaults silently; present but unusable ones take the
// default and are reported as issues. Decode never fails.
func Decode(rec Record) (State, []Issue) {
	d := decoder{attrs: rec.Attributes}
	kind, _ := ParseType(string(rec.DeviceType))

	var st State
	switch kind {
	case TypeAC:
		st = AC{
			On:       rec.On,
			WindMode: d.mode("windMode"),
			AutoMode: d.mode("autoMode"),
			Temp:     d.number("temp", DefaultACTemp, false),
		}
	case TypeDishwasher:
		st = Dishwasher{
			On:            rec.On,
			WaterTemp:     d.mode("waterTemp"),
			Soap:          d.boolean("soap"),
			DurationHours: d.hours("length"),
		}
	case TypeTV:
		st = TV{On: rec.On, Volume: d.number("volume", DefaultTVVolume, true)}
	case TypeLight:
		st = Light{
			On:         rec.On,
			Brightness: d.number("brightness", DefaultLightBrightness, true),
			AutoMode:   d.mode("autoMode"),
		}
	case TypeThermostat:
		st = Thermostat{On: rec.On, Temp: d.number("temp", DefaultThermostatTemp, false)}
	case TypeFan:
		st = Fan{On: rec.On, RPM: d.number("rpm", DefaultFanRPM, true)}
	case TypeDoor:
		st = Door{On: rec.On}
	case TypeHeatConvector:
		st = HeatConvector{On: rec.On, Temp: d.number("temp", DefaultHeatConvectorTemp, false)}
	default:
		st = Unmodeled{Kind: kind, On: rec.On, Attributes: rec.Attributes}
	}
	return st, d.issues
}

type decoder struct {
	attrs  map[string]any
	issues []Issue
}

func (d *decoder) report(field string, v any, reason string) {
	d.issues = append(d.issues, Issue{Field: field, Value: v, Reason: reason})
}

// number reads a numeric attribute given as a JSON number or a numeric string.
func (d *decoder) number(field string, def float64, nonNegative bool) float64 {
	v, ok := d.attrs[field]
	if !ok || v == nil {
		return def
	}
	n, ok := toFloat64(v)
	if !ok {
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return def
		}
		d.report(field, v, "not a number")
		return def
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		d.report(field, v, "not finite")
		return def
	}
	if nonNegative && n < 0 {
		d.report(field, v, "negative")
		return def
	}
	return n
}

// mode reads a lower-cased enum attribute; unknown values are left for the
// model to map onto its fallback rate.
func (d *decoder) mode(field string) string {
	v, ok := d.attrs[field]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.report(field, v, "not a string")
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func (d *decoder) boolean(field string) bool {
	v, ok := d.attrs[field]
	if !ok || v == nil {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			d.report(field, v, "not a boolean")
			return false
		}
		return parsed
	default:
		d.report(field, v, "not a boolean")
		return false
	}
}

// hours parses a programme length such as "2hr" (or a bare number).
func (d *decoder) hours(field string) float64 {
	v, ok := d.attrs[field]
	if !ok || v == nil {
		return DefaultDishwasherHours
	}
	var h float64
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(strings.ToLower(t), "hr", ""))
		if s == "" {
			return DefaultDishwasherHours
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			d.report(field, v, "unparseable duration")
			return DefaultDishwasherHours
		}
		h = n
	default:
		n, ok := toFloat64(v)
		if !ok {
			d.report(field, v, "unparseable duration")
			return DefaultDishwasherHours
		}
		h = n
	}
	if h <= 0 || math.IsNaN(h) || math.IsInf(h, 0) {
		d.report(field, v, "duration must be positive")
		return DefaultDishwasherHours
	}
	return h
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
