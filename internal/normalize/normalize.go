// Package normalize turns provider events into the common NormalizedEvent
// shape, applying each provider's timezone policy.
//
// Times are handled as wall clocks: every result is expressed as a civil
// date and HH:MM in the business timezone.
package normalize

import (
	"fmt"
	"time"

	"cellarsync/internal/models"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"

	allDayStart = "00:00"
	allDayEnd   = "23:59"
)

// Normalizer applies timezone policy for one business timezone.
type Normalizer struct {
	loc *time.Location
	// floatingOffset compensates the CalDAV provider storing zone-less
	// timestamps shifted from local time.
	floatingOffset time.Duration
}

// New creates a Normalizer projecting into loc.
func New(loc *time.Location, floatingOffset time.Duration) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc, floatingOffset: floatingOffset}
}

// Location returns the business timezone.
func (n *Normalizer) Location() *time.Location { return n.loc }

// Normalize converts one raw event. It returns nil when the event lacks a
// uid or a start, and one entry per day for multi-day all-day events.
func (n *Normalizer) Normalize(source models.Provider, raw models.RawEvent) []models.NormalizedEvent {
	if raw.UID == "" || raw.Start.IsZero() {
		return nil
	}

	base := models.NormalizedEvent{
		Source:      source,
		UID:         raw.UID,
		Title:       raw.Title,
		Description: raw.Description,
	}

	if raw.AllDay {
		return expandAllDay(base, raw)
	}

	start := n.project(source, raw.Start)
	base.StartDate = start.Format(dateLayout)
	base.StartTime = start.Format(clockLayout)
	if !raw.End.IsZero() {
		base.EndTime = n.project(source, raw.End).Format(clockLayout)
	}
	return []models.NormalizedEvent{base}
}

// project returns the display wall clock for t, carried in a UTC container
// so later arithmetic never crosses a DST transition.
func (n *Normalizer) project(source models.Provider, t models.RawTime) time.Time {
	switch t.Zone {
	case models.ZoneUTC:
		return civil(t.Wall.In(n.loc))
	case models.ZoneNamed:
		return civil(t.Wall)
	default:
		w := civil(t.Wall)
		if source == models.ProviderICloud {
			w = w.Add(n.floatingOffset)
		}
		return w
	}
}

func civil(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// expandAllDay emits one entry per covered day. End is exclusive; a missing
// or non-advancing end means a single day. Multi-day spans suffix the uid
// with _dayN so each day keeps its own dedup key.
func expandAllDay(base models.NormalizedEvent, raw models.RawEvent) []models.NormalizedEvent {
	start := civilDate(raw.Start.Wall)
	days := 1
	if !raw.End.IsZero() {
		end := civilDate(raw.End.Wall)
		if d := int(end.Sub(start).Hours() / 24); d > 1 {
			days = d
		}
	}

	base.AllDay = true
	base.StartTime = allDayStart
	base.EndTime = allDayEnd

	if days == 1 {
		base.StartDate = start.Format(dateLayout)
		return []models.NormalizedEvent{base}
	}

	out := make([]models.NormalizedEvent, 0, days)
	for i := 0; i < days; i++ {
		day := base
		day.UID = fmt.Sprintf("%s_day%d", raw.UID, i+1)
		day.StartDate = start.AddDate(0, 0, i).Format(dateLayout)
		out = append(out, day)
	}
	return out
}

// ShiftClock moves a local date and HH:MM clock by d, rolling the date over
// midnight as needed.
func ShiftClock(date, clock string, d time.Duration) (string, string, error) {
	t, err := time.ParseInLocation(dateLayout+" "+clockLayout, date+" "+clock, time.UTC)
	if err != nil {
		return "", "", fmt.Errorf("invalid date/time %q %q: %w", date, clock, err)
	}
	t = t.Add(d)
	return t.Format(dateLayout), t.Format(clockLayout), nil
}
