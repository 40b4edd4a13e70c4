package models

// Booking is a confirmed customer reservation. Bookings are owned by the
// booking layer; synchronization only reads them and records the external
// event id once an OAuth provider has assigned one.
type Booking struct {
	ID              string
	UserID          string
	ServiceID       string
	ServiceName     string
	CustomerName    string
	CustomerEmail   string
	Date            string // YYYY-MM-DD
	Time            string // HH:MM
	Notes           string
	ExternalEventID string
}
