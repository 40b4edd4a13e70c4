package microsoft

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cellarsync/internal/common"
	"cellarsync/internal/models"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) UsableAccessToken(context.Context, *models.Connector) (string, error) {
	return s.token, s.err
}

var conn = &models.Connector{UserID: "u1", Credentials: &models.MicrosoftCredentials{}}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)), staticTokens{token: "tok"}, srv.URL, "Europe/Paris", 2*time.Second)
	c.retryBase = time.Millisecond
	return c, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestListEvents_FollowsNextLink(t *testing.T) {
	var srvURL string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, `outlook.timezone="Europe/Paris"`, r.Header.Get("Prefer"))
		assert.Equal(t, "/me/calendarView", r.URL.Path)

		if r.URL.Query().Get("$skip") == "" {
			assert.Equal(t, "start/dateTime", r.URL.Query().Get("$orderby"))
			assert.Equal(t, "2025-10-01T00:00:00Z", r.URL.Query().Get("startDateTime"))
			writeJSON(w, http.StatusOK, map[string]any{
				"value": []map[string]any{
					{"id": "m1", "subject": "Tasting", "start": map[string]string{"dateTime": "2025-10-15T14:00:00.0000000", "timeZone": "Europe/Paris"}, "end": map[string]string{"dateTime": "2025-10-15T15:00:00.0000000", "timeZone": "Europe/Paris"}},
					{"id": "m2", "subject": "Cancelled", "isCancelled": true, "start": map[string]string{"dateTime": "2025-10-15T14:00:00"}},
				},
				"@odata.nextLink": srvURL + "/me/calendarView?$skip=2",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"value": []map[string]any{
				{"id": "m3", "subject": "Closed", "isAllDay": true, "start": map[string]string{"dateTime": "2025-10-20T00:00:00.0000000"}, "end": map[string]string{"dateTime": "2025-10-21T00:00:00.0000000"}},
			},
		})
	})
	srvURL = srv.URL

	start := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	events, err := c.ListEvents(context.Background(), conn, start, start.AddDate(0, 3, 0))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "m1", events[0].UID)
	assert.Equal(t, models.ZoneNamed, events[0].Start.Zone)
	assert.Equal(t, 14, events[0].Start.Wall.Hour())
	assert.Equal(t, 15, events[0].End.Wall.Hour())

	assert.Equal(t, "m3", events[1].UID)
	assert.True(t, events[1].AllDay)
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": "cal-1"})
	})

	id, err := c.DiscoverCalendar(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "cal-1", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_GivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.DiscoverCalendar(context.Background(), conn)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.DiscoverCalendar(context.Background(), conn)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_RetriesAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": "cal-1"})
	})
	c.timeout = 50 * time.Millisecond

	id, err := c.DiscoverCalendar(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "cal-1", id)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreateUpdateDelete(t *testing.T) {
	var (
		lastMethod string
		lastPath   string
		lastBody   graphEvent
		deleteCode = http.StatusNoContent
	)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		lastMethod, lastPath = r.Method, r.URL.Path
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&lastBody))
			writeJSON(w, http.StatusCreated, map[string]string{"id": "AAMk1"})
		case http.MethodPatch:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&lastBody))
			writeJSON(w, http.StatusOK, map[string]string{"id": "AAMk1"})
		case http.MethodDelete:
			w.WriteHeader(deleteCode)
		}
	})

	ev := models.OutboundEvent{
		Title:         "Réservation: Jane Doe",
		Start:         time.Date(2025, 10, 15, 14, 0, 0, 0, time.UTC),
		End:           time.Date(2025, 10, 15, 15, 0, 0, 0, time.UTC),
		TimeZone:      "Europe/Paris",
		AttendeeEmail: "jane@example.com",
		AttendeeName:  "Jane Doe",
	}

	id, err := c.CreateEvent(context.Background(), conn, ev)
	require.NoError(t, err)
	assert.Equal(t, "AAMk1", id)
	assert.Equal(t, "/me/events", lastPath)
	assert.Equal(t, "2025-10-15T14:00:00", lastBody.Start.DateTime)
	assert.Equal(t, "Europe/Paris", lastBody.Start.TimeZone)
	require.Len(t, lastBody.Attendees, 1)
	assert.Equal(t, "jane@example.com", lastBody.Attendees[0].EmailAddress.Address)

	require.NoError(t, c.UpdateEvent(context.Background(), conn, "AAMk1", ev))
	assert.Equal(t, http.MethodPatch, lastMethod)
	assert.Equal(t, "/me/events/AAMk1", lastPath)

	require.NoError(t, c.DeleteEvent(context.Background(), conn, "AAMk1"))
	assert.Equal(t, http.MethodDelete, lastMethod)

	deleteCode = http.StatusNotFound
	assert.NoError(t, c.DeleteEvent(context.Background(), conn, "AAMk1"))

	deleteCode = http.StatusForbidden
	assert.Error(t, c.DeleteEvent(context.Background(), conn, "AAMk1"))
}

func TestTokenErrorsAreNotRetried(t *testing.T) {
	c := NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)), staticTokens{err: common.ErrTokenRejected}, "http://127.0.0.1:1", "Europe/Paris", time.Second)

	_, err := c.ListEvents(context.Background(), conn, time.Now(), time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, common.ErrTokenRejected)
}
