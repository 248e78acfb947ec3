package aggregate

import (
	"fmt"
	"time"
)

// PeriodResolver produces the human-readable label of the period a window
// covers at a given instant.
type PeriodResolver interface {
	Label(w Window, at time.Time) string
}

// Calendar labels periods by the calendar in Location (UTC when nil).
// Weeks are ISO-8601 weeks.
type Calendar struct {
	Location *time.Location
}

func (c Calendar) Label(w Window, at time.Time) string {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	at = at.In(loc)
	switch w {
	case Daily:
		return "Date: " + at.Format("2006-01-02")
	case Weekly:
		year, week := at.ISOWeek()
		return fmt.Sprintf("Week %d, %d", week, year)
	case Yearly:
		return fmt.Sprintf("Year %d", at.Year())
	default:
		return fmt.Sprintf("Month %02d, %d", int(at.Month()), at.Year())
	}
}
