package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"cellarsync/internal/models"
	"cellarsync/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func batch() []models.NormalizedEvent {
	return []models.NormalizedEvent{
		{Source: models.ProviderGoogle, UID: "g1", Title: "Supplier visit", StartDate: "2025-10-15", StartTime: "10:00", EndTime: "11:00"},
		{Source: models.ProviderGoogle, UID: "g2", Title: "Bottling", StartDate: "2025-10-16", StartTime: "00:00", EndTime: "23:59", AllDay: true},
		{Source: models.ProviderGoogle, UID: "g3", Title: "Tasting", Description: "Room B", StartDate: "2025-10-17", StartTime: "15:30"},
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	mem := storetest.NewMemory()
	eng := New(discardLogger(), mem, 3*time.Hour)
	ctx := context.Background()

	first, err := eng.Reconcile(ctx, "u1", models.ProviderGoogle, batch())
	require.NoError(t, err)
	assert.Equal(t, Counts{Inserted: 3}, first)

	second, err := eng.Reconcile(ctx, "u1", models.ProviderGoogle, batch())
	require.NoError(t, err)
	assert.Equal(t, Counts{Unchanged: 3}, second)
	assert.Len(t, mem.Events("u1"), 3)
}

func TestReconcile_UpdatesChangedFields(t *testing.T) {
	mem := storetest.NewMemory()
	eng := New(discardLogger(), mem, 0)
	ctx := context.Background()

	_, err := eng.Reconcile(ctx, "u1", models.ProviderGoogle, batch())
	require.NoError(t, err)

	changed := batch()
	changed[0].StartTime = "10:30"
	changed[2].Title = "Tasting (moved)"

	counts, err := eng.Reconcile(ctx, "u1", models.ProviderGoogle, changed)
	require.NoError(t, err)
	assert.Equal(t, Counts{Updated: 2, Unchanged: 1}, counts)

	ev, err := mem.FindEventByExternalKey(ctx, "u1", models.ProviderGoogle, "g1")
	require.NoError(t, err)
	assert.Equal(t, "10:30", ev.StartTime)
	assert.Equal(t, models.EventKindExternal, ev.Kind)
}

func TestReconcile_SameUIDDifferentProviderIsDistinct(t *testing.T) {
	mem := storetest.NewMemory()
	eng := New(discardLogger(), mem, 0)
	ctx := context.Background()

	_, err := eng.Reconcile(ctx, "u1", models.ProviderGoogle, batch()[:1])
	require.NoError(t, err)
	counts, err := eng.Reconcile(ctx, "u1", models.ProviderMicrosoft, batch()[:1])
	require.NoError(t, err)
	assert.Equal(t, Counts{Inserted: 1}, counts)
	assert.Len(t, mem.Events("u1"), 2)
}

func TestReconcile_LinksBookingEvent(t *testing.T) {
	mem := storetest.NewMemory()
	ctx := context.Background()
	booking := &models.Event{
		UserID:    "u1",
		BookingID: "b1",
		Name:      "Réservation: Jane Doe",
		Date:      "2025-10-15",
		StartTime: "14:00",
		EndTime:   "15:00",
		Kind:      models.EventKindBooking,
		Status:    models.EventStatusActive,
	}
	require.NoError(t, mem.InsertEvent(ctx, booking))

	eng := New(discardLogger(), mem, 0)
	in := []models.NormalizedEvent{{
		Source: models.ProviderMicrosoft, UID: "ms-1", Title: "Booking: Jane Doe",
		StartDate: "2025-10-15", StartTime: "14:00", EndTime: "15:00",
	}}

	counts, err := eng.Reconcile(ctx, "u1", models.ProviderMicrosoft, in)
	require.NoError(t, err)
	assert.Equal(t, Counts{Updated: 1}, counts)

	events := mem.Events("u1")
	require.Len(t, events, 1)
	assert.Equal(t, booking.ID, events[0].ID)
	assert.Equal(t, models.EventKindBooking, events[0].Kind)
	assert.Equal(t, "Réservation: Jane Doe", events[0].Name)
	assert.Equal(t, "ms-1", events[0].ExternalEventID)
	assert.Equal(t, models.ProviderMicrosoft, events[0].ExternalSource)

	again, err := eng.Reconcile(ctx, "u1", models.ProviderMicrosoft, in)
	require.NoError(t, err)
	assert.Equal(t, Counts{Unchanged: 1}, again)
	assert.Len(t, mem.Events("u1"), 1)
}

func TestReconcile_BookingOnOtherDayNotLinked(t *testing.T) {
	mem := storetest.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.InsertEvent(ctx, &models.Event{
		UserID: "u1", Name: "Réservation: Jane Doe", Date: "2025-10-14", StartTime: "14:00", Kind: models.EventKindBooking,
	}))

	eng := New(discardLogger(), mem, 0)
	counts, err := eng.Reconcile(ctx, "u1", models.ProviderGoogle, []models.NormalizedEvent{{
		UID: "g9", Title: "Booking: Jane Doe", StartDate: "2025-10-15", StartTime: "14:00",
	}})
	require.NoError(t, err)
	assert.Equal(t, Counts{Inserted: 1}, counts)
	assert.Len(t, mem.Events("u1"), 2)
}

func TestReconcile_TruncatesTitle(t *testing.T) {
	mem := storetest.NewMemory()
	eng := New(discardLogger(), mem, 0)
	ctx := context.Background()

	title := strings.Repeat("a", 250)
	_, err := eng.Reconcile(ctx, "u1", models.ProviderGoogle, []models.NormalizedEvent{{
		UID: "long", Title: title, StartDate: "2025-10-15", StartTime: "09:00",
	}})
	require.NoError(t, err)

	ev, err := mem.FindEventByExternalKey(ctx, "u1", models.ProviderGoogle, "long")
	require.NoError(t, err)
	assert.Len(t, []rune(ev.Name), 200)
	assert.True(t, strings.HasSuffix(ev.Name, "..."))
	assert.Equal(t, strings.Repeat("a", 197), strings.TrimSuffix(ev.Name, "..."))

	counts, err := eng.Reconcile(ctx, "u1", models.ProviderGoogle, []models.NormalizedEvent{{
		UID: "long", Title: title, StartDate: "2025-10-15", StartTime: "09:00",
	}})
	require.NoError(t, err)
	assert.Equal(t, Counts{Unchanged: 1}, counts)
}

func TestReconcile_CalDAVPersistOffset(t *testing.T) {
	mem := storetest.NewMemory()
	eng := New(discardLogger(), mem, 3*time.Hour)
	ctx := context.Background()

	_, err := eng.Reconcile(ctx, "u1", models.ProviderICloud, []models.NormalizedEvent{
		{UID: "c1", Title: "Evening", StartDate: "2025-10-15", StartTime: "18:00", EndTime: "19:00"},
		{UID: "c2", Title: "Late", StartDate: "2025-10-15", StartTime: "22:30", EndTime: "23:30"},
		{UID: "c3", Title: "Holiday", StartDate: "2025-10-15", StartTime: "00:00", EndTime: "23:59", AllDay: true},
	})
	require.NoError(t, err)

	c1, err := mem.FindEventByExternalKey(ctx, "u1", models.ProviderICloud, "c1")
	require.NoError(t, err)
	assert.Equal(t, "2025-10-15", c1.Date)
	assert.Equal(t, "21:00", c1.StartTime)
	assert.Equal(t, "22:00", c1.EndTime)

	c2, err := mem.FindEventByExternalKey(ctx, "u1", models.ProviderICloud, "c2")
	require.NoError(t, err)
	assert.Equal(t, "2025-10-16", c2.Date)
	assert.Equal(t, "01:30", c2.StartTime)
	assert.Equal(t, "02:30", c2.EndTime)

	c3, err := mem.FindEventByExternalKey(ctx, "u1", models.ProviderICloud, "c3")
	require.NoError(t, err)
	assert.Equal(t, "00:00", c3.StartTime)
	assert.Equal(t, "2025-10-15", c3.Date)
}

func TestReconcile_DryRunWritesNothing(t *testing.T) {
	mem := storetest.NewMemory()
	eng := New(discardLogger(), mem, 0, WithDryRun(true))

	counts, err := eng.Reconcile(context.Background(), "u1", models.ProviderGoogle, batch())
	require.NoError(t, err)
	assert.Equal(t, Counts{Inserted: 3}, counts)
	assert.Equal(t, 3, counts.Synced())
	assert.Empty(t, mem.Events("u1"))
}

type failingStore struct {
	*storetest.Memory
	failUID string
}

func (f *failingStore) InsertEvent(ctx context.Context, e *models.Event) error {
	if e.ExternalEventID == f.failUID {
		return errors.New("boom")
	}
	return f.Memory.InsertEvent(ctx, e)
}

func TestReconcile_OneBadEventDoesNotAbortBatch(t *testing.T) {
	mem := storetest.NewMemory()
	eng := New(discardLogger(), &failingStore{Memory: mem, failUID: "g2"}, 0)

	in := batch()
	in = append(in, models.NormalizedEvent{UID: "bad-time", Title: "x", StartDate: "not-a-date", StartTime: "10:00"})

	counts, err := eng.Reconcile(context.Background(), "u1", models.ProviderGoogle, in)
	require.NoError(t, err)
	assert.Equal(t, Counts{Inserted: 3, Failed: 1}, counts)
	assert.Len(t, mem.Events("u1"), 3)

	_, err = mem.FindEventByExternalKey(context.Background(), "u1", models.ProviderGoogle, "g2")
	assert.Error(t, err)
}

func TestReconcile_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(discardLogger(), storetest.NewMemory(), 0).Reconcile(ctx, "u1", models.ProviderGoogle, batch())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTitlesMatch(t *testing.T) {
	tests := []struct {
		local, external string
		want            bool
	}{
		{"Réservation: Jane Doe", "Booking: Jane Doe", true},
		{"Réservation: Jane Doe", "Réservation: Jane Doe", true},
		{"Réservation: Jane Doe", "booking jane doe", true},
		{"Réservation: Jane Doe", "Booking: Jane Doe (2 guests)", true},
		{"Réservation: Jane Doe", "Booking: John Smith", false},
		{"Réservation: Jane Doe", "Jane Doe", false},
		{"Réservation: Jane Doe", "Booking:", false},
		{"", "Booking: Jane Doe", false},
	}
	for _, tt := range tests {
		t.Run(tt.local+"|"+tt.external, func(t *testing.T) {
			assert.Equal(t, tt.want, TitlesMatch(tt.local, tt.external))
		})
	}
}
