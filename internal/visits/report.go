package visits

import (
	"encoding/csv"
	"io"
	"time"
	_ "time/tzdata"

	"github.com/andresmejia3/visitwatch/internal/types"
)

// DefaultTimezone is the display timezone for visit reports.
const DefaultTimezone = "Asia/Singapore"

// LoadLocation resolves a display timezone, falling back to UTC when name is unknown.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Day returns the calendar day of t in loc, as YYYY-MM-DD.
func Day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}

// OnDay keeps the events whose timestamp falls on day (YYYY-MM-DD) in loc.
func OnDay(events []types.VisitEvent, day string, loc *time.Location) []types.VisitEvent {
	var out []types.VisitEvent
	for _, ev := range events {
		if Day(ev.Timestamp, loc) == day {
			out = append(out, ev)
		}
	}
	return out
}

// FirstSeen keeps the first event of each name, preserving order.
func FirstSeen(events []types.VisitEvent) []types.VisitEvent {
	seen := make(map[string]bool, len(events))
	var out []types.VisitEvent
	for _, ev := range events {
		if seen[ev.Name] {
			continue
		}
		seen[ev.Name] = true
		out = append(out, ev)
	}
	return out
}

// WriteCSV exports events in the log's own format, header included.
func WriteCSV(w io.Writer, events []types.VisitEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, ev := range events {
		if err := cw.Write(encodeRow(ev)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
