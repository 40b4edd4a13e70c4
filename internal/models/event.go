package models

import "time"

// EventKind discriminates where a local Event came from.
type EventKind string

const (
	EventKindBooking  EventKind = "booking"
	EventKindPersonal EventKind = "personal"
	EventKindExternal EventKind = "external"
	EventKindBlocked  EventKind = "blocked"
)

// EventStatus is the lifecycle status of a local Event.
type EventStatus string

const (
	EventStatusActive      EventStatus = "active"
	EventStatusCancelled   EventStatus = "cancelled"
	EventStatusCompleted   EventStatus = "completed"
	EventStatusRescheduled EventStatus = "rescheduled"
)

// Event is one occurrence on a user's local calendar.
//
// (UserID, ExternalEventID, ExternalSource) is unique whenever ExternalEventID
// is set; it is the dedup key used by synchronization.
type Event struct {
	ID              string
	UserID          string
	BookingID       string // empty when the event is not tied to a booking
	Name            string
	Date            string // YYYY-MM-DD
	StartTime       string // HH:MM
	EndTime         string // HH:MM, optional
	Description     string
	Kind            EventKind
	ExternalSource  Provider
	ExternalEventID string
	Status          EventStatus
	AllDay          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ZoneKind records how much timezone information a raw provider timestamp carried.
type ZoneKind int

const (
	// ZoneFloating means the timestamp had no zone marker at all.
	ZoneFloating ZoneKind = iota
	// ZoneUTC means the timestamp was explicitly UTC (Z suffix, UTC TZID or an offset).
	ZoneUTC
	// ZoneNamed means the timestamp carried a non-UTC named zone; its wall clock is trusted as-is.
	ZoneNamed
)

// RawTime is a provider timestamp before timezone policy is applied.
// Wall holds the clock reading as the provider reported it.
type RawTime struct {
	Wall time.Time
	Zone ZoneKind
}

// IsZero reports whether the timestamp is missing.
func (t RawTime) IsZero() bool { return t.Wall.IsZero() }

// RawEvent is a calendar event as read from a provider, independent of that
// provider's wire format. End is exclusive for all-day events.
type RawEvent struct {
	UID         string
	Title       string
	Description string
	AllDay      bool
	Start       RawTime
	End         RawTime
}

// NormalizedEvent is the common in-memory shape produced by the normalizer
// and consumed by reconciliation.
type NormalizedEvent struct {
	Source      Provider
	UID         string
	Title       string
	Description string
	AllDay      bool
	StartDate   string // YYYY-MM-DD
	StartTime   string // HH:MM, display timezone
	EndTime     string // HH:MM, display timezone, optional
}
