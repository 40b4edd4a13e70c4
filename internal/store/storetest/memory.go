// Package storetest provides an in-memory store with the same contracts as
// the PostgreSQL store, for tests of the packages that consume it.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cellarsync/internal/common"
	"cellarsync/internal/models"

	"github.com/google/uuid"
)

// Memory is an in-process store with the same contracts as Postgres,
// including upsert on the event external key. It is safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	connectors map[string]*models.Connector // by user id
	events     map[string]*models.Event     // by event id
	bookings   map[string]*models.Booking
	durations  map[string]int // by user id + service id
	now        func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		connectors: make(map[string]*models.Connector),
		events:     make(map[string]*models.Event),
		bookings:   make(map[string]*models.Booking),
		durations:  make(map[string]int),
		now:        time.Now,
	}
}

func cloneConnector(c *models.Connector) *models.Connector {
	out := *c
	switch cred := c.Credentials.(type) {
	case *models.CalDAVCredentials:
		cp := *cred
		out.Credentials = &cp
	case *models.MicrosoftCredentials:
		cp := *cred
		out.Credentials = &cp
	case *models.GoogleCredentials:
		cp := *cred
		out.Credentials = &cp
	case *models.UnrecognizedCredentials:
		cp := *cred
		out.Credentials = &cp
	}
	return &out
}

func (m *Memory) ListConnectors(ctx context.Context) ([]*models.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Connector, 0, len(m.connectors))
	for _, c := range m.connectors {
		out = append(out, cloneConnector(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) GetConnector(ctx context.Context, userID string) (*models.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connectors[userID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return cloneConnector(c), nil
}

func (m *Memory) SaveConnector(ctx context.Context, c *models.Connector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.connectors[c.UserID]; ok {
		c.ID = existing.ID
	} else if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.UpdatedAt = m.now()
	m.connectors[c.UserID] = cloneConnector(c)
	return nil
}

func (m *Memory) findByKey(userID string, source models.Provider, externalID string) *models.Event {
	for _, e := range m.events {
		if e.ExternalEventID != "" && e.UserID == userID && e.ExternalEventID == externalID && e.ExternalSource == source {
			return e
		}
	}
	return nil
}

func (m *Memory) FindEventByExternalKey(ctx context.Context, userID string, source models.Provider, externalID string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findByKey(userID, source, externalID)
	if e == nil {
		return nil, common.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) FindBookingEventsOnDate(ctx context.Context, userID, date string) ([]*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Event
	for _, e := range m.events {
		if e.UserID == userID && e.Date == date && e.Kind == models.EventKindBooking {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (m *Memory) InsertEvent(ctx context.Context, e *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e.ExternalEventID != "" {
		if existing := m.findByKey(e.UserID, e.ExternalSource, e.ExternalEventID); existing != nil {
			e.ID = existing.ID
			e.CreatedAt = existing.CreatedAt
			e.UpdatedAt = now
			cp := *e
			m.events[e.ID] = &cp
			return nil
		}
	}
	e.ID = uuid.NewString()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *Memory) UpdateEvent(ctx context.Context, e *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.events[e.ID]
	if !ok {
		return common.ErrNotFound
	}
	if e.ExternalEventID != "" {
		if other := m.findByKey(e.UserID, e.ExternalSource, e.ExternalEventID); other != nil && other.ID != e.ID {
			return fmt.Errorf("event %s: %w", e.ExternalEventID, common.ErrAlreadyExists)
		}
	}
	e.CreatedAt = existing.CreatedAt
	e.UpdatedAt = m.now()
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

// Events returns a snapshot of the user's events ordered by date and time.
func (m *Memory) Events(userID string) []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Event
	for _, e := range m.events {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].ExternalEventID < out[j].ExternalEventID
	})
	return out
}

// PutBooking stores a booking as the booking layer would.
func (m *Memory) PutBooking(b models.Booking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = &b
}

// Booking returns a copy of the stored booking.
func (m *Memory) Booking(id string) (models.Booking, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.Booking{}, false
	}
	return *b, true
}

func (m *Memory) SetBookingExternalEventID(ctx context.Context, bookingID, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[bookingID]
	if !ok {
		return common.ErrNotFound
	}
	b.ExternalEventID = externalID
	return nil
}

// PutServiceDuration registers a service length in minutes.
func (m *Memory) PutServiceDuration(userID, serviceID string, minutes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[userID+"/"+serviceID] = minutes
}

func (m *Memory) GetServiceDuration(ctx context.Context, userID, serviceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	minutes, ok := m.durations[userID+"/"+serviceID]
	if !ok {
		return 0, common.ErrNotFound
	}
	return minutes, nil
}
