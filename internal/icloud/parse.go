package icloud

import (
	"fmt"
	"strings"
	"time"

	"cellarsync/internal/models"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

const (
	icalDate        = "20060102"
	icalDateTime    = "20060102T150405"
	icalDateTimeUTC = "20060102T150405Z"
)

// parseValue reads a DATE or DATE-TIME value. The result is a wall clock in a
// UTC container; zone reports what the value itself said about its zone.
func parseValue(v string) (t time.Time, allDay bool, zone models.ZoneKind, err error) {
	v = strings.TrimSpace(v)
	switch {
	case len(v) == len(icalDate):
		t, err = time.ParseInLocation(icalDate, v, time.UTC)
		return t, true, models.ZoneFloating, err
	case strings.HasSuffix(v, "Z"):
		t, err = time.ParseInLocation(icalDateTimeUTC, v, time.UTC)
		return t, false, models.ZoneUTC, err
	default:
		t, err = time.ParseInLocation(icalDateTime, v, time.UTC)
		return t, false, models.ZoneFloating, err
	}
}

func isUTCZone(tzid string) bool {
	switch strings.ToUpper(tzid) {
	case "UTC", "Z", "GMT", "ETC/UTC", "ETC/GMT":
		return true
	}
	return false
}

// rawTime decodes a DTSTART/DTEND style property.
func rawTime(prop *ical.Prop) (models.RawTime, bool, error) {
	t, allDay, zone, err := parseValue(prop.Value)
	if err != nil {
		return models.RawTime{}, false, fmt.Errorf("invalid %s %q: %w", prop.Name, prop.Value, err)
	}
	if prop.ValueType() == ical.ValueDate {
		allDay = true
	}
	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" && zone == models.ZoneFloating && !allDay {
		if isUTCZone(tzid) {
			zone = models.ZoneUTC
		} else {
			zone = models.ZoneNamed
		}
	}
	return models.RawTime{Wall: t, Zone: zone}, allDay, nil
}

// window is a half-open [from, to) range of wall clocks.
type window struct {
	from, to time.Time
}

func (w window) contains(t time.Time) bool {
	return !t.Before(w.from) && t.Before(w.to)
}

// eventsFromCalendar extracts the events of one calendar object. Events
// without a UID or DTSTART, cancelled events and events outside w are
// dropped. Recurring events are expanded to one RawEvent per occurrence in w
// with the id <uid>_<YYYYMMDD>.
func eventsFromCalendar(cal *ical.Calendar, w window) ([]models.RawEvent, []error) {
	var (
		out  []models.RawEvent
		errs []error
	)

	overrides := make(map[string][]time.Time)
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
			uid, _ := comp.Props.Text(ical.PropUID)
			if t, _, _, err := parseValue(rid.Value); err == nil {
				overrides[uid] = append(overrides[uid], t)
			}
		}
	}

	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		events, err := eventsFromComponent(comp, w, overrides)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, events...)
	}
	return out, errs
}

func eventsFromComponent(comp *ical.Component, w window, overrides map[string][]time.Time) ([]models.RawEvent, error) {
	uid, _ := comp.Props.Text(ical.PropUID)
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if uid == "" || startProp == nil {
		return nil, nil
	}
	if status, _ := comp.Props.Text(ical.PropStatus); strings.EqualFold(status, "CANCELLED") {
		return nil, nil
	}

	start, allDay, err := rawTime(startProp)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", uid, err)
	}
	ev := models.RawEvent{UID: uid, AllDay: allDay, Start: start}
	ev.Title, _ = comp.Props.Text(ical.PropSummary)
	ev.Description, _ = comp.Props.Text(ical.PropDescription)

	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		if ev.End, _, err = rawTime(endProp); err != nil {
			return nil, fmt.Errorf("event %s: %w", uid, err)
		}
	} else if durProp := comp.Props.Get(ical.PropDuration); durProp != nil {
		d, err := durProp.Duration()
		if err != nil {
			return nil, fmt.Errorf("event %s: invalid DURATION: %w", uid, err)
		}
		ev.End = models.RawTime{Wall: start.Wall.Add(d), Zone: start.Zone}
	}

	if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
		t, _, _, err := parseValue(rid.Value)
		if err != nil {
			return nil, fmt.Errorf("event %s: invalid RECURRENCE-ID: %w", uid, err)
		}
		ev.UID = occurrenceID(uid, t)
		if !w.contains(ev.Start.Wall) {
			return nil, nil
		}
		return []models.RawEvent{ev}, nil
	}

	rule := comp.Props.Get(ical.PropRecurrenceRule)
	if rule == nil {
		if !w.contains(ev.Start.Wall) {
			return nil, nil
		}
		return []models.RawEvent{ev}, nil
	}
	return expand(ev, rule.Value, comp.Props.Values(ical.PropExceptionDates), overrides[uid], w)
}

func occurrenceID(uid string, t time.Time) string {
	return uid + "_" + t.Format(icalDate)
}

func expand(ev models.RawEvent, rule string, exdates []ical.Prop, overridden []time.Time, w window) ([]models.RawEvent, error) {
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return nil, fmt.Errorf("event %s: invalid RRULE: %w", ev.UID, err)
	}
	opt.Dtstart = ev.Start.Wall
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("event %s: invalid RRULE: %w", ev.UID, err)
	}

	set := &rrule.Set{}
	set.RRule(r)
	for _, p := range exdates {
		for _, v := range strings.Split(p.Value, ",") {
			if t, _, _, err := parseValue(v); err == nil {
				set.ExDate(t)
			}
		}
	}
	for _, t := range overridden {
		set.ExDate(t)
	}

	var duration time.Duration
	if !ev.End.IsZero() {
		duration = ev.End.Wall.Sub(ev.Start.Wall)
	}

	occurrences := set.Between(w.from, w.to, true)
	out := make([]models.RawEvent, 0, len(occurrences))
	for _, t := range occurrences {
		if !w.contains(t) {
			continue
		}
		occ := ev
		occ.UID = occurrenceID(ev.UID, t)
		occ.Start = models.RawTime{Wall: t, Zone: ev.Start.Zone}
		if !ev.End.IsZero() {
			occ.End = models.RawTime{Wall: t.Add(duration), Zone: ev.End.Zone}
		}
		out = append(out, occ)
	}
	return out, nil
}

// resourceFromCalendar summarises the first event of a calendar object for
// matching.
func resourceFromCalendar(path string, cal *ical.Calendar) (Resource, bool) {
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		r := Resource{Path: path}
		r.UID, _ = comp.Props.Text(ical.PropUID)
		r.Summary, _ = comp.Props.Text(ical.PropSummary)
		r.Description, _ = comp.Props.Text(ical.PropDescription)
		if p := comp.Props.Get(ical.PropDateTimeStart); p != nil {
			if t, _, _, err := parseValue(p.Value); err == nil {
				r.Start = t
			}
		}
		return r, true
	}
	return Resource{}, false
}
