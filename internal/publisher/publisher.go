// Package publisher mirrors booking changes into the user's connected
// external calendar. Publishing runs in the background after the booking is
// committed; failures are logged and never reach the booking path.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cellarsync/internal/common"
	"cellarsync/internal/icloud"
	"cellarsync/internal/models"
)

const (
	// DefaultDuration is used when the service catalog has no duration.
	DefaultDuration = 60 * time.Minute

	// TitlePrefix labels booking events in external calendars.
	TitlePrefix = "Réservation: "

	defaultTimeout = time.Minute
)

// Store is what the publisher reads and writes outside the calendars.
type Store interface {
	GetConnector(ctx context.Context, userID string) (*models.Connector, error)
	GetServiceDuration(ctx context.Context, userID, serviceID string) (int, error)
	SetBookingExternalEventID(ctx context.Context, bookingID, externalID string) error
}

// CalDAVWriter is the write side of the CalDAV provider.
type CalDAVWriter interface {
	DiscoverCalendar(ctx context.Context, creds *models.CalDAVCredentials) (icloud.Handle, error)
	CreateEvent(ctx context.Context, creds *models.CalDAVCredentials, h icloud.Handle, ev models.OutboundEvent) (string, error)
	DeleteEvent(ctx context.Context, creds *models.CalDAVCredentials, h icloud.Handle, m icloud.BestEffortMatcher) (bool, error)
}

// MicrosoftWriter is the write side of the Graph provider.
type MicrosoftWriter interface {
	CreateEvent(ctx context.Context, conn *models.Connector, ev models.OutboundEvent) (string, error)
	UpdateEvent(ctx context.Context, conn *models.Connector, id string, ev models.OutboundEvent) error
	DeleteEvent(ctx context.Context, conn *models.Connector, id string) error
}

// GoogleWriter is the write side of the Google provider.
type GoogleWriter interface {
	DiscoverCalendar(ctx context.Context, conn *models.Connector) (string, error)
	CreateEvent(ctx context.Context, conn *models.Connector, calendarID string, ev models.OutboundEvent) (string, error)
	UpdateEvent(ctx context.Context, conn *models.Connector, calendarID, id string, ev models.OutboundEvent) error
	DeleteEvent(ctx context.Context, conn *models.Connector, calendarID, id string) error
}

// Writers holds one writer per provider; nil means not configured.
type Writers struct {
	CalDAV    CalDAVWriter
	Microsoft MicrosoftWriter
	Google    GoogleWriter
}

// Publisher pushes booking lifecycle changes to external calendars.
type Publisher struct {
	logger      *slog.Logger
	store       Store
	writers     Writers
	loc         *time.Location
	writeOffset time.Duration
	timeout     time.Duration
	wg          sync.WaitGroup
}

// New creates a Publisher. Booking times are interpreted in loc;
// writeOffset is added to CalDAV start and end times before upload.
func New(logger *slog.Logger, store Store, writers Writers, loc *time.Location, writeOffset time.Duration) *Publisher {
	return &Publisher{
		logger:      logger,
		store:       store,
		writers:     writers,
		loc:         loc,
		writeOffset: writeOffset,
		timeout:     defaultTimeout,
	}
}

// OnBookingCreated publishes a new booking.
func (p *Publisher) OnBookingCreated(b models.Booking) {
	p.async("create", b, func(ctx context.Context) error { return p.Created(ctx, b) })
}

// OnBookingUpdated publishes a changed booking.
func (p *Publisher) OnBookingUpdated(old, updated models.Booking) {
	p.async("update", updated, func(ctx context.Context) error { return p.Updated(ctx, old, updated) })
}

// OnBookingDeleted removes a deleted booking's external event.
func (p *Publisher) OnBookingDeleted(b models.Booking) {
	p.async("delete", b, func(ctx context.Context) error { return p.Deleted(ctx, b) })
}

// Wait blocks until every publish started so far has finished.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) async(op string, b models.Booking, fn func(ctx context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			p.logger.Error("Failed to publish booking", "op", op, "bookingID", b.ID, "userID", b.UserID, "error", err)
		}
	}()
}

// connector returns the user's active connector, or nil when there is
// nothing to publish to.
func (p *Publisher) connector(ctx context.Context, userID string) (*models.Connector, error) {
	conn, err := p.store.GetConnector(ctx, userID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connector: %w", err)
	}
	if conn.Provider() == models.ProviderNone || !conn.Active() {
		return nil, nil
	}
	return conn, nil
}

// Title is the external calendar title for a booking.
func Title(b models.Booking) string {
	return TitlePrefix + b.CustomerName
}

// outbound builds the event for b. Start and End are wall clocks in the
// business timezone carried in a UTC container.
func (p *Publisher) outbound(ctx context.Context, b models.Booking) (models.OutboundEvent, error) {
	start, err := time.ParseInLocation("2006-01-02 15:04", b.Date+" "+b.Time, time.UTC)
	if err != nil {
		return models.OutboundEvent{}, fmt.Errorf("invalid booking date/time %q %q: %w", b.Date, b.Time, err)
	}

	duration := DefaultDuration
	if minutes, err := p.store.GetServiceDuration(ctx, b.UserID, b.ServiceID); err == nil && minutes > 0 {
		duration = time.Duration(minutes) * time.Minute
	} else {
		p.logger.Debug("Using default booking duration.", "serviceID", b.ServiceID, "error", err)
	}

	var desc []string
	if b.ServiceName != "" {
		desc = append(desc, b.ServiceName)
	}
	if b.Notes != "" {
		desc = append(desc, b.Notes)
	}

	return models.OutboundEvent{
		Title:         Title(b),
		Description:   strings.Join(desc, "\n"),
		Start:         start,
		End:           start.Add(duration),
		TimeZone:      p.loc.String(),
		AttendeeName:  b.CustomerName,
		AttendeeEmail: b.CustomerEmail,
	}, nil
}

func (p *Publisher) calDAVEvent(ev models.OutboundEvent) models.OutboundEvent {
	ev.Start = ev.Start.Add(p.writeOffset)
	ev.End = ev.End.Add(p.writeOffset)
	return ev
}

// matcher identifies the CalDAV resource previously written for b.
func (p *Publisher) matcher(b models.Booking) (icloud.SummaryMatcher, error) {
	start, err := time.ParseInLocation("2006-01-02 15:04", b.Date+" "+b.Time, time.UTC)
	if err != nil {
		return icloud.SummaryMatcher{}, fmt.Errorf("invalid booking date/time %q %q: %w", b.Date, b.Time, err)
	}
	return icloud.SummaryMatcher{
		Title:        Title(b),
		CustomerName: b.CustomerName,
		Date:         start.Add(p.writeOffset).Format("2006-01-02"),
	}, nil
}

// Created publishes b to the connected calendar.
func (p *Publisher) Created(ctx context.Context, b models.Booking) error {
	conn, err := p.connector(ctx, b.UserID)
	if err != nil || conn == nil {
		return err
	}
	ev, err := p.outbound(ctx, b)
	if err != nil {
		return err
	}

	switch cred := conn.Credentials.(type) {
	case *models.CalDAVCredentials:
		if p.writers.CalDAV == nil {
			return common.ErrProviderNotConfigured
		}
		h, err := p.writers.CalDAV.DiscoverCalendar(ctx, cred)
		if err != nil {
			return err
		}
		uid, err := p.writers.CalDAV.CreateEvent(ctx, cred, h, p.calDAVEvent(ev))
		if err != nil {
			return err
		}
		p.logger.Info("Published booking to CalDAV.", "bookingID", b.ID, "uid", uid)
		return nil
	case *models.MicrosoftCredentials:
		if p.writers.Microsoft == nil {
			return common.ErrProviderNotConfigured
		}
		id, err := p.writers.Microsoft.CreateEvent(ctx, conn, ev)
		if err != nil {
			return err
		}
		return p.remember(ctx, b, id)
	case *models.GoogleCredentials:
		if p.writers.Google == nil {
			return common.ErrProviderNotConfigured
		}
		calendarID, err := p.writers.Google.DiscoverCalendar(ctx, conn)
		if err != nil {
			return err
		}
		id, err := p.writers.Google.CreateEvent(ctx, conn, calendarID, ev)
		if err != nil {
			return err
		}
		return p.remember(ctx, b, id)
	default:
		p.logger.Debug("Publishing not supported for provider.", "provider", conn.Provider())
		return nil
	}
}

func (p *Publisher) remember(ctx context.Context, b models.Booking, id string) error {
	if err := p.store.SetBookingExternalEventID(ctx, b.ID, id); err != nil {
		return fmt.Errorf("failed to store external event id: %w", err)
	}
	p.logger.Info("Published booking.", "bookingID", b.ID, "eventID", id)
	return nil
}

func scheduleChanged(old, updated models.Booking) bool {
	return old.Date != updated.Date || old.Time != updated.Time || old.CustomerName != updated.CustomerName
}

// Updated republishes a changed booking. CalDAV has no update primitive, so
// the old event is deleted and a new one created, and only when the date,
// time or customer changed. OAuth providers patch the stored event id, or
// create the event when none is stored yet.
func (p *Publisher) Updated(ctx context.Context, old, updated models.Booking) error {
	conn, err := p.connector(ctx, updated.UserID)
	if err != nil || conn == nil {
		return err
	}

	switch cred := conn.Credentials.(type) {
	case *models.CalDAVCredentials:
		if !scheduleChanged(old, updated) {
			return nil
		}
		if p.writers.CalDAV == nil {
			return common.ErrProviderNotConfigured
		}
		if err := p.deleteCalDAV(ctx, cred, old); err != nil {
			p.logger.Warn("Failed to delete previous CalDAV event", "bookingID", old.ID, "error", err)
		}
		return p.Created(ctx, updated)
	case *models.MicrosoftCredentials:
		id := externalID(old, updated)
		if id == "" {
			return p.Created(ctx, updated)
		}
		if p.writers.Microsoft == nil {
			return common.ErrProviderNotConfigured
		}
		ev, err := p.outbound(ctx, updated)
		if err != nil {
			return err
		}
		return p.writers.Microsoft.UpdateEvent(ctx, conn, id, ev)
	case *models.GoogleCredentials:
		id := externalID(old, updated)
		if id == "" {
			return p.Created(ctx, updated)
		}
		if p.writers.Google == nil {
			return common.ErrProviderNotConfigured
		}
		ev, err := p.outbound(ctx, updated)
		if err != nil {
			return err
		}
		calendarID, err := p.writers.Google.DiscoverCalendar(ctx, conn)
		if err != nil {
			return err
		}
		return p.writers.Google.UpdateEvent(ctx, conn, calendarID, id, ev)
	default:
		return nil
	}
}

func externalID(old, updated models.Booking) string {
	if updated.ExternalEventID != "" {
		return updated.ExternalEventID
	}
	return old.ExternalEventID
}

// Deleted removes the external event of a deleted booking.
func (p *Publisher) Deleted(ctx context.Context, b models.Booking) error {
	conn, err := p.connector(ctx, b.UserID)
	if err != nil || conn == nil {
		return err
	}

	switch cred := conn.Credentials.(type) {
	case *models.CalDAVCredentials:
		if p.writers.CalDAV == nil {
			return common.ErrProviderNotConfigured
		}
		return p.deleteCalDAV(ctx, cred, b)
	case *models.MicrosoftCredentials:
		if b.ExternalEventID == "" {
			p.logger.Info("Booking has no external event, nothing to delete.", "bookingID", b.ID)
			return nil
		}
		if p.writers.Microsoft == nil {
			return common.ErrProviderNotConfigured
		}
		return p.writers.Microsoft.DeleteEvent(ctx, conn, b.ExternalEventID)
	case *models.GoogleCredentials:
		if b.ExternalEventID == "" {
			p.logger.Info("Booking has no external event, nothing to delete.", "bookingID", b.ID)
			return nil
		}
		if p.writers.Google == nil {
			return common.ErrProviderNotConfigured
		}
		calendarID, err := p.writers.Google.DiscoverCalendar(ctx, conn)
		if err != nil {
			return err
		}
		return p.writers.Google.DeleteEvent(ctx, conn, calendarID, b.ExternalEventID)
	default:
		return nil
	}
}

func (p *Publisher) deleteCalDAV(ctx context.Context, cred *models.CalDAVCredentials, b models.Booking) error {
	m, err := p.matcher(b)
	if err != nil {
		return err
	}
	h, err := p.writers.CalDAV.DiscoverCalendar(ctx, cred)
	if err != nil {
		return err
	}
	deleted, err := p.writers.CalDAV.DeleteEvent(ctx, cred, h, m)
	if err != nil {
		return err
	}
	if !deleted {
		p.logger.Warn("No CalDAV event deleted for booking.", "bookingID", b.ID)
	}
	return nil
}
