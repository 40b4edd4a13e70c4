// Package google implements the Google Calendar provider adapter.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cellarsync/internal/models"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// PrimaryCalendarID addresses the account's default calendar.
	PrimaryCalendarID = "primary"

	pageSize       = 250
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"
)

// TokenProvider hands out a usable access token for a connector.
type TokenProvider interface {
	UsableAccessToken(ctx context.Context, conn *models.Connector) (string, error)
}

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	logger   *slog.Logger
	tokens   TokenProvider
	timeout  time.Duration
	base     http.RoundTripper
	endpoint string
}

// NewClient creates a Google Calendar adapter. Each call authenticates with
// the connector's current access token.
func NewClient(logger *slog.Logger, tokens TokenProvider, timeout time.Duration) *CalendarClient {
	return &CalendarClient{
		logger:  logger,
		tokens:  tokens,
		timeout: timeout,
		base:    http.DefaultTransport,
	}
}

func (c *CalendarClient) service(ctx context.Context, conn *models.Connector) (*calendar.Service, error) {
	token, err := c.tokens.UsableAccessToken(ctx, conn)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   c.base,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return service, nil
}

// DiscoverCalendar returns the id of the connector's primary calendar.
func (c *CalendarClient) DiscoverCalendar(ctx context.Context, conn *models.Connector) (string, error) {
	service, err := c.service(ctx, conn)
	if err != nil {
		return "", err
	}
	cal, err := service.Calendars.Get(PrimaryCalendarID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get primary calendar: %w", err)
	}
	return cal.Id, nil
}

// ListEvents fetches the events of calendarID in [start, end), following page
// tokens until exhausted. Recurring events are expanded by the server.
func (c *CalendarClient) ListEvents(ctx context.Context, conn *models.Connector, calendarID string, start, end time.Time) ([]models.RawEvent, error) {
	service, err := c.service(ctx, conn)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Fetching Google events", "calendarID", calendarID, "start", start, "end", end)

	var events []models.RawEvent
	err = service.Events.List(calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		OrderBy("startTime").
		MaxResults(pageSize).
		Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				ev, ok := toRawEvent(item)
				if !ok {
					continue
				}
				events = append(events, ev)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}

	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(events), "calendarID", calendarID)
	return events, nil
}

// toRawEvent converts a Google Calendar event. Cancelled events and events
// without a usable start are skipped.
func toRawEvent(item *calendar.Event) (models.RawEvent, bool) {
	if item == nil || item.Id == "" || item.Status == "cancelled" || item.Start == nil {
		return models.RawEvent{}, false
	}

	ev := models.RawEvent{
		UID:         item.Id,
		Title:       item.Summary,
		Description: item.Description,
	}

	if item.Start.Date != "" {
		start, err := time.ParseInLocation(dateLayout, item.Start.Date, time.UTC)
		if err != nil {
			return models.RawEvent{}, false
		}
		ev.AllDay = true
		ev.Start = models.RawTime{Wall: start, Zone: models.ZoneFloating}
		if item.End != nil && item.End.Date != "" {
			if end, err := time.ParseInLocation(dateLayout, item.End.Date, time.UTC); err == nil {
				ev.End = models.RawTime{Wall: end, Zone: models.ZoneFloating}
			}
		}
		return ev, true
	}

	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return models.RawEvent{}, false
	}
	ev.Start = models.RawTime{Wall: start, Zone: models.ZoneUTC}
	if item.End != nil && item.End.DateTime != "" {
		if end, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
			ev.End = models.RawTime{Wall: end, Zone: models.ZoneUTC}
		}
	}
	return ev, true
}

func toGoogleEvent(ev models.OutboundEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.Format(dateTimeLayout), TimeZone: ev.TimeZone},
		End:         &calendar.EventDateTime{DateTime: ev.End.Format(dateTimeLayout), TimeZone: ev.TimeZone},
	}
	if ev.AttendeeEmail != "" {
		out.Attendees = []*calendar.EventAttendee{{Email: ev.AttendeeEmail, DisplayName: ev.AttendeeName}}
	}
	return out
}

// CreateEvent inserts ev and returns the event id Google assigned.
func (c *CalendarClient) CreateEvent(ctx context.Context, conn *models.Connector, calendarID string, ev models.OutboundEvent) (string, error) {
	service, err := c.service(ctx, conn)
	if err != nil {
		return "", err
	}
	created, err := service.Events.Insert(calendarID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}
	c.logger.Info("Created Google event.", "eventID", created.Id)
	return created.Id, nil
}

// UpdateEvent patches the event with the given id.
func (c *CalendarClient) UpdateEvent(ctx context.Context, conn *models.Connector, calendarID, eventID string, ev models.OutboundEvent) error {
	service, err := c.service(ctx, conn)
	if err != nil {
		return err
	}
	if _, err := service.Events.Patch(calendarID, eventID, toGoogleEvent(ev)).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to patch event %s: %w", eventID, err)
	}
	return nil
}

// DeleteEvent deletes the event with the given id. An event that is already
// gone is not an error.
func (c *CalendarClient) DeleteEvent(ctx context.Context, conn *models.Connector, calendarID, eventID string) error {
	service, err := c.service(ctx, conn)
	if err != nil {
		return err
	}
	if err := service.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		if isGone(err) {
			c.logger.Debug("Google event already deleted.", "eventID", eventID)
			return nil
		}
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	return nil
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone)
}
