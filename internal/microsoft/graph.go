// Package microsoft implements the Microsoft Graph calendar adapter.
package microsoft

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cellarsync/internal/models"

	"github.com/goccy/go-json"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultBaseURL is the Graph v1.0 root.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	graphTimeFormat = "2006-01-02T15:04:05"
	pageSize        = 100
	maxRetries      = 2 // three attempts in total
	retryBase       = 500 * time.Millisecond
)

// TokenProvider hands out a usable access token for a connector.
type TokenProvider interface {
	UsableAccessToken(ctx context.Context, conn *models.Connector) (string, error)
}

// StatusError is a non-2xx Graph response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("graph request failed with status %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is a Graph 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client is the Microsoft Graph adapter.
type Client struct {
	logger     *slog.Logger
	tokens     TokenProvider
	httpClient *http.Client
	baseURL    string
	timeZone   string
	timeout    time.Duration
	retryBase  time.Duration
}

// NewClient creates a Graph adapter. timeZone is requested for every
// response so event times come back as wall clocks in the business zone;
// timeout bounds each attempt.
func NewClient(logger *slog.Logger, tokens TokenProvider, baseURL, timeZone string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:     logger,
		tokens:     tokens,
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		timeZone:   timeZone,
		timeout:    timeout,
		retryBase:  retryBase,
	}
}

type dateTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type attendee struct {
	EmailAddress emailAddress `json:"emailAddress"`
	Type         string       `json:"type"`
}

type graphEvent struct {
	ID          string        `json:"id,omitempty"`
	Subject     string        `json:"subject"`
	BodyPreview string        `json:"bodyPreview,omitempty"`
	Body        *itemBody     `json:"body,omitempty"`
	IsAllDay    bool          `json:"isAllDay"`
	IsCancelled bool          `json:"isCancelled,omitempty"`
	Start       *dateTimeZone `json:"start,omitempty"`
	End         *dateTimeZone `json:"end,omitempty"`
	Attendees   []attendee    `json:"attendees,omitempty"`
}

type eventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// do sends one Graph request with bounded retries. Network errors, 429 and
// 5xx responses are retried with exponential backoff; each attempt has its
// own timeout.
func (c *Client) do(ctx context.Context, conn *models.Connector, method, target string, in, out any) error {
	token, err := c.tokens.UsableAccessToken(ctx, conn)
	if err != nil {
		return err
	}

	var payload []byte
	if in != nil {
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(c.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(attemptCtx, method, target, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Prefer", fmt.Sprintf("outlook.timezone=%q", c.timeZone))
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Graph request failed", "method", method, "error", err)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to read response: %w", err))
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			se := &StatusError{Code: resp.StatusCode, Body: string(data)}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				c.logger.Warn("Graph request failed", "method", method, "status", resp.StatusCode)
				return retry.RetryableError(se)
			}
			return se
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	})
}

// DiscoverCalendar returns the id of the user's default calendar.
func (c *Client) DiscoverCalendar(ctx context.Context, conn *models.Connector) (string, error) {
	var cal struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, conn, http.MethodGet, c.baseURL+"/me/calendar", nil, &cal); err != nil {
		return "", fmt.Errorf("failed to get calendar: %w", err)
	}
	return cal.ID, nil
}

// ListEvents reads the calendar view for [start, end), following
// @odata.nextLink until exhausted. Events come back ordered by start.
func (c *Client) ListEvents(ctx context.Context, conn *models.Connector, start, end time.Time) ([]models.RawEvent, error) {
	params := url.Values{}
	params.Set("startDateTime", start.UTC().Format(time.RFC3339))
	params.Set("endDateTime", end.UTC().Format(time.RFC3339))
	params.Set("$orderby", "start/dateTime")
	params.Set("$top", fmt.Sprintf("%d", pageSize))
	next := c.baseURL + "/me/calendarView?" + params.Encode()

	var events []models.RawEvent
	for next != "" {
		var page eventPage
		if err := c.do(ctx, conn, http.MethodGet, next, nil, &page); err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}
		for _, ge := range page.Value {
			if ev, ok := toRawEvent(ge); ok {
				events = append(events, ev)
			}
		}
		next = page.NextLink
	}

	c.logger.Info("Successfully fetched events from Microsoft Graph", "count", len(events), "userID", conn.UserID)
	return events, nil
}

// toRawEvent converts a calendarView item. Times are wall clocks in the zone
// requested by the Prefer header.
func toRawEvent(ge graphEvent) (models.RawEvent, bool) {
	if ge.ID == "" || ge.IsCancelled || ge.Start == nil || ge.Start.DateTime == "" {
		return models.RawEvent{}, false
	}
	start, err := time.ParseInLocation(graphTimeFormat, ge.Start.DateTime, time.UTC)
	if err != nil {
		return models.RawEvent{}, false
	}

	zone := models.ZoneNamed
	if ge.IsAllDay {
		zone = models.ZoneFloating
	}
	ev := models.RawEvent{
		UID:         ge.ID,
		Title:       ge.Subject,
		Description: ge.BodyPreview,
		AllDay:      ge.IsAllDay,
		Start:       models.RawTime{Wall: start, Zone: zone},
	}
	if ge.End != nil && ge.End.DateTime != "" {
		if end, err := time.ParseInLocation(graphTimeFormat, ge.End.DateTime, time.UTC); err == nil {
			ev.End = models.RawTime{Wall: end, Zone: zone}
		}
	}
	return ev, true
}

func toGraphEvent(ev models.OutboundEvent) graphEvent {
	ge := graphEvent{
		Subject: ev.Title,
		Start:   &dateTimeZone{DateTime: ev.Start.Format(graphTimeFormat), TimeZone: ev.TimeZone},
		End:     &dateTimeZone{DateTime: ev.End.Format(graphTimeFormat), TimeZone: ev.TimeZone},
	}
	if ev.Description != "" {
		ge.Body = &itemBody{ContentType: "text", Content: ev.Description}
	}
	if ev.AttendeeEmail != "" {
		ge.Attendees = []attendee{{
			EmailAddress: emailAddress{Address: ev.AttendeeEmail, Name: ev.AttendeeName},
			Type:         "required",
		}}
	}
	return ge
}

func (c *Client) eventURL(id string) string {
	return c.baseURL + "/me/events/" + url.PathEscape(id)
}

// CreateEvent creates ev in the default calendar and returns its Graph id.
func (c *Client) CreateEvent(ctx context.Context, conn *models.Connector, ev models.OutboundEvent) (string, error) {
	var created graphEvent
	if err := c.do(ctx, conn, http.MethodPost, c.baseURL+"/me/events", toGraphEvent(ev), &created); err != nil {
		return "", fmt.Errorf("failed to create event: %w", err)
	}
	c.logger.Info("Created Microsoft event.", "eventID", created.ID, "userID", conn.UserID)
	return created.ID, nil
}

// UpdateEvent patches the event with the given id.
func (c *Client) UpdateEvent(ctx context.Context, conn *models.Connector, id string, ev models.OutboundEvent) error {
	if err := c.do(ctx, conn, http.MethodPatch, c.eventURL(id), toGraphEvent(ev), nil); err != nil {
		return fmt.Errorf("failed to update event %s: %w", id, err)
	}
	return nil
}

// DeleteEvent deletes the event with the given id. A 404 counts as success.
func (c *Client) DeleteEvent(ctx context.Context, conn *models.Connector, id string) error {
	err := c.do(ctx, conn, http.MethodDelete, c.eventURL(id), nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to delete event %s: %w", id, err)
	}
	return nil
}
