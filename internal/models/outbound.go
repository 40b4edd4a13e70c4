package models

import "time"

// OutboundEvent is what the publisher writes to an external calendar.
// Start and End carry the wall clock to publish; TimeZone names the zone the
// OAuth providers should interpret it in.
type OutboundEvent struct {
	UID           string
	Title         string
	Description   string
	Start         time.Time
	End           time.Time
	TimeZone      string
	AttendeeName  string
	AttendeeEmail string
}
