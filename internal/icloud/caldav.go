// Package icloud implements the CalDAV provider adapter used for iCloud
// calendars: discovery, listing, create-if-absent upload and best-effort
// deletion.
package icloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"cellarsync/internal/common"
	"cellarsync/internal/models"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultEndpoint is the iCloud CalDAV entry point.
	DefaultEndpoint = "https://caldav.icloud.com/"

	discoveryRetries   = 2
	discoveryRetryBase = time.Second

	productID = "-//cellarsync//EN"
)

// ErrUnauthorized is returned when the server rejects the credentials.
var ErrUnauthorized = errors.New("caldav credentials rejected")

// Decrypter recovers stored passwords.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Handle identifies a discovered calendar collection.
type Handle struct {
	Path string // collection path, e.g. /123/calendars/home/
	URL  string
}

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request, and
// turns authentication failures into ErrUnauthorized.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "cellarsync/1.0")
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	return resp, nil
}

// session is a set of clients bound to one account.
type session struct {
	username string
	http     *http.Client
	caldav   *caldav.Client
	webdav   *webdav.Client
}

// Client is the CalDAV adapter. It is safe for concurrent use; per-account
// clients are built on each call from the stored credentials.
type Client struct {
	logger       *slog.Logger
	vault        Decrypter
	cache        *DiscoveryCache
	endpoint     *url.URL
	calendarName string
	timeout      time.Duration
	transport    http.RoundTripper
	retryBase    time.Duration
	find         func(ctx context.Context, s *session) (Handle, error)
}

// NewClient creates a CalDAV adapter. An empty calendarName selects the
// first calendar that holds events.
func NewClient(logger *slog.Logger, vault Decrypter, cache *DiscoveryCache, endpoint, calendarName string, timeout time.Duration) (*Client, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid caldav endpoint %q: %w", endpoint, err)
	}
	if cache == nil {
		cache = NewDiscoveryCache(DefaultDiscoveryTTL)
	}
	c := &Client{
		logger:       logger,
		vault:        vault,
		cache:        cache,
		endpoint:     u,
		calendarName: calendarName,
		timeout:      timeout,
		transport:    http.DefaultTransport,
		retryBase:    discoveryRetryBase,
	}
	c.find = c.findCalendar
	return c, nil
}

func (c *Client) session(creds *models.CalDAVCredentials) (*session, error) {
	if creds == nil || creds.Username == "" {
		return nil, common.ErrNoCredentials
	}
	password, err := c.vault.Decrypt(creds.EncryptedPassword)
	if err != nil {
		return nil, fmt.Errorf("caldav credentials unusable: %w", err)
	}

	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &customTransport{
			Username:  creds.Username,
			Password:  password,
			Transport: c.transport,
		},
	}

	caldavClient, err := caldav.NewClient(httpClient, c.endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	webdavClient, err := webdav.NewClient(httpClient, c.endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	return &session{
		username: creds.Username,
		http:     httpClient,
		caldav:   caldavClient,
		webdav:   webdavClient,
	}, nil
}

// DiscoverCalendar returns the calendar handle for the account, from the
// cache when a fresh entry exists.
func (c *Client) DiscoverCalendar(ctx context.Context, creds *models.CalDAVCredentials) (Handle, error) {
	if creds != nil {
		if h, ok := c.cache.Get(creds.Username); ok {
			return h, nil
		}
	}
	s, err := c.session(creds)
	if err != nil {
		return Handle{}, err
	}
	return c.discover(ctx, s)
}

// Validate checks credentials by running a fresh discovery.
func (c *Client) Validate(ctx context.Context, creds *models.CalDAVCredentials) (Handle, error) {
	if creds != nil {
		c.cache.Invalidate(creds.Username)
	}
	return c.DiscoverCalendar(ctx, creds)
}

func (c *Client) discover(ctx context.Context, s *session) (Handle, error) {
	var h Handle
	attempt := 0
	err := retry.Do(ctx, c.discoveryBackoff(), func(ctx context.Context) error {
		attempt++
		found, err := c.find(ctx, s)
		if err == nil {
			h = found
			return nil
		}
		if errors.Is(err, common.ErrCalendarNotFound) || errors.Is(err, ErrUnauthorized) {
			return err
		}
		c.logger.Warn("Calendar discovery failed", "username", s.username, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		return Handle{}, fmt.Errorf("calendar discovery failed: %w", err)
	}

	c.cache.Put(s.username, h)
	c.logger.Debug("Discovered calendar.", "username", s.username, "url", h.URL)
	return h, nil
}

// discoveryBackoff allows discoveryRetries retries, waiting retryBase times
// the retry number before each one.
func (c *Client) discoveryBackoff() retry.Backoff {
	return retry.WithMaxRetries(discoveryRetries, linearBackoff(c.retryBase))
}

func linearBackoff(base time.Duration) retry.Backoff {
	var n time.Duration
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return n * base, false
	})
}

// findCalendar discovers the user's calendars and returns the one with the matching name.
func (c *Client) findCalendar(ctx context.Context, s *session) (Handle, error) {
	principalPath, err := s.caldav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := s.caldav.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := s.caldav.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if c.calendarName != "" && cal.Name != c.calendarName {
			continue
		}
		if c.calendarName == "" && !holdsEvents(cal) {
			continue
		}
		return Handle{Path: cal.Path, URL: c.resolve(cal.Path)}, nil
	}

	return Handle{}, fmt.Errorf("no calendar named %q: %w", c.calendarName, common.ErrCalendarNotFound)
}

func holdsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if comp == ical.CompEvent {
			return true
		}
	}
	return false
}

func (c *Client) resolve(p string) string {
	return c.endpoint.ResolveReference(&url.URL{Path: p}).String()
}

// objects lists the calendar's event resources and fetches each one. A
// resource that cannot be fetched is logged and skipped.
func (c *Client) objects(ctx context.Context, s *session, h Handle) ([]*caldav.CalendarObject, error) {
	infos, err := s.webdav.ReadDir(ctx, h.Path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendar resources: %w", err)
	}

	var out []*caldav.CalendarObject
	for _, fi := range infos {
		if fi.IsDir || !strings.HasSuffix(fi.Path, ".ics") {
			continue
		}
		obj, err := s.caldav.GetCalendarObject(ctx, fi.Path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("Failed to fetch calendar resource", "path", fi.Path, "error", err)
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// ListEvents returns the events starting in [start, end), compared as wall
// clocks in start's location.
func (c *Client) ListEvents(ctx context.Context, creds *models.CalDAVCredentials, h Handle, start, end time.Time) ([]models.RawEvent, error) {
	s, err := c.session(creds)
	if err != nil {
		return nil, err
	}
	objs, err := c.objects(ctx, s, h)
	if err != nil {
		return nil, err
	}

	w := window{from: wallUTC(start), to: wallUTC(end)}
	var events []models.RawEvent
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		evs, errs := eventsFromCalendar(obj.Data, w)
		for _, err := range errs {
			c.logger.Warn("Skipping malformed event", "path", obj.Path, "error", err)
		}
		events = append(events, evs...)
	}

	c.logger.Debug("Listed CalDAV events.", "username", creds.Username, "resources", len(objs), "events", len(events))
	return events, nil
}

func wallUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

// CreateEvent uploads ev as a new resource. Start and End are written as
// floating times. The write is conditional: if a resource with the same name
// already exists, common.ErrAlreadyExists is returned.
func (c *Client) CreateEvent(ctx context.Context, creds *models.CalDAVCredentials, h Handle, ev models.OutboundEvent) (string, error) {
	s, err := c.session(creds)
	if err != nil {
		return "", err
	}
	if ev.UID == "" {
		ev.UID = GenerateUID()
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(toCalendar(ev)); err != nil {
		return "", fmt.Errorf("failed to encode event to iCal format: %w", err)
	}

	target := c.resolve(path.Join(h.Path, ev.UID+".ics"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", ical.MIMEType)
	req.Header.Set("If-None-Match", "*")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		return "", fmt.Errorf("event %s: %w", ev.UID, common.ErrAlreadyExists)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("failed to create event on CalDAV server: %s", resp.Status)
	}

	c.logger.Info("Created CalDAV event.", "uid", ev.UID)
	return ev.UID, nil
}

// DeleteEvent removes the single resource accepted by m. Nothing is deleted
// when no resource or more than one resource matches; the first return value
// reports whether a resource was removed. Deletion is not retried.
func (c *Client) DeleteEvent(ctx context.Context, creds *models.CalDAVCredentials, h Handle, m BestEffortMatcher) (bool, error) {
	s, err := c.session(creds)
	if err != nil {
		return false, err
	}
	objs, err := c.objects(ctx, s, h)
	if err != nil {
		return false, err
	}

	var matches []Resource
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		if r, ok := resourceFromCalendar(obj.Path, obj.Data); ok && m.Match(r) {
			matches = append(matches, r)
		}
	}

	switch len(matches) {
	case 0:
		c.logger.Info("No matching CalDAV event found, nothing deleted.", "username", creds.Username)
		return false, nil
	case 1:
	default:
		c.logger.Warn("Ambiguous CalDAV event match, nothing deleted.", "username", creds.Username, "matches", len(matches))
		return false, nil
	}

	if err := s.webdav.RemoveAll(ctx, matches[0].Path); err != nil {
		return false, fmt.Errorf("failed to delete event %s: %w", matches[0].Path, err)
	}
	c.logger.Info("Deleted CalDAV event.", "uid", matches[0].UID, "path", matches[0].Path)
	return true, nil
}

// toCalendar converts an outbound event to a single-event calendar document.
func toCalendar(ev models.OutboundEvent) *ical.Calendar {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, ev.UID)
	ve.Props.SetText(ical.PropSummary, ev.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.Set(floating(ical.PropDateTimeStart, ev.Start))
	if !ev.End.IsZero() {
		ve.Props.Set(floating(ical.PropDateTimeEnd, ev.End))
	}
	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.AttendeeEmail != "" {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = fmt.Sprintf("mailto:%s", ev.AttendeeEmail)
		if ev.AttendeeName != "" {
			p.Params.Set(ical.ParamCommonName, ev.AttendeeName)
		}
		ve.Props.Add(p)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, ve)
	return cal
}

func floating(name string, t time.Time) *ical.Prop {
	p := ical.NewProp(name)
	p.Value = t.Format(icalDateTime)
	return p
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
