// Package report flattens aggregates into rows for charts and CSV export.
package report

import (
	"strconv"
	"strings"
	"time"

	"home-energy/internal/aggregate"
)

// Row is one flat record of a report. Extra holds the level-specific
// columns that follow Name and Energy.
type Row struct {
	Name   string   `json:"name"`
	Energy float64  `json:"energy"`
	Unit   string   `json:"unit"`
	Extra  []string `json:"extra,omitempty"`
}

// ToRows projects the aggregate's groups in report order: energy
// descending, then name ascending. The aggregate is not modified.
func ToRows(agg *aggregate.Aggregate) []Row {
	groups := append([]aggregate.Group(nil), agg.Groups...)
	aggregate.SortGroups(groups)

	rows := make([]Row, 0, len(groups))
	for _, g := range groups {
		row := Row{Name: g.Name, Energy: g.Energy, Unit: agg.Unit}
		switch agg.Level {
		case aggregate.LevelAdmin:
			row.Extra = []string{g.HubCode}
		case aggregate.LevelRoom:
			row.Extra = []string{string(g.DeviceType), g.Key}
		default:
			row.Extra = []string{strconv.Itoa(g.DeviceCount)}
		}
		rows = append(rows, row)
	}
	return rows
}

// Headers returns the CSV header line for the aggregate's level.
func Headers(agg *aggregate.Aggregate) []string {
	h := []string{"Name", energyHeader(agg.Unit)}
	switch agg.Level {
	case aggregate.LevelAdmin:
		return append(h, "Hub Code")
	case aggregate.LevelRoom:
		return append(h, "Device Type", "Device ID")
	default:
		return append(h, "Devices")
	}
}

func energyHeader(unit string) string {
	if unit == "" {
		unit = aggregate.Unit
	}
	return "Energy (" + unit + ")"
}

// unitOf extracts the unit from an "Energy (<unit>)" header.
func unitOf(header string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "Energy (")
	if !ok {
		return "", false
	}
	unit, ok := strings.CutSuffix(rest, ")")
	return unit, ok && unit != ""
}

// FileName returns the download name for an aggregate exported on day:
// room_energy_report_<room>_<date>.csv for a room aggregate, otherwise
// energy_report_<date>.csv for both hub and admin.
func FileName(agg *aggregate.Aggregate, day time.Time) string {
	date := day.Format("2006-01-02")
	if agg.Level == aggregate.LevelRoom {
		return "room_energy_report_" + safeName(agg.Name) + "_" + date + ".csv"
	}
	return "energy_report_" + date + ".csv"
}

// safeName replaces characters that cannot appear in a file name or a
// quoted Content-Disposition value.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return '_'
		case strings.ContainsRune(`/\"`, r):
			return '_'
		}
		return r
	}, s)
}
