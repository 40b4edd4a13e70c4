// Package reconcile merges normalized external events into the local event
// store without creating duplicates.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cellarsync/internal/common"
	"cellarsync/internal/models"
	"cellarsync/internal/normalize"
)

const (
	maxTitleLength = 200
	ellipsis       = "..."
)

// bookingLabels are the title prefixes both sides have used for bookings.
var bookingLabels = []string{"réservation", "reservation", "booking"}

// Store is the subset of the event store reconciliation needs.
type Store interface {
	FindEventByExternalKey(ctx context.Context, userID string, source models.Provider, externalID string) (*models.Event, error)
	FindBookingEventsOnDate(ctx context.Context, userID, date string) ([]*models.Event, error)
	InsertEvent(ctx context.Context, e *models.Event) error
	UpdateEvent(ctx context.Context, e *models.Event) error
}

// Counts aggregates the outcome of one reconciliation batch.
type Counts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Synced is the number of events that caused a write.
func (c Counts) Synced() int { return c.Inserted + c.Updated }

// Engine reconciles batches for one (user, provider) pair at a time.
type Engine struct {
	logger        *slog.Logger
	store         Store
	persistOffset time.Duration
	dryRun        bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithDryRun makes the engine compute counts without writing.
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) { e.dryRun = dryRun }
}

// New creates an Engine. persistOffset is added to timed CalDAV events when
// they are stored.
func New(logger *slog.Logger, store Store, persistOffset time.Duration, opts ...Option) *Engine {
	e := &Engine{
		logger:        logger,
		store:         store,
		persistOffset: persistOffset,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile applies events in order. A failing event is logged and counted,
// and processing continues; only context cancellation aborts the batch.
func (e *Engine) Reconcile(ctx context.Context, userID string, source models.Provider, events []models.NormalizedEvent) (Counts, error) {
	var counts Counts
	for _, ne := range events {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		outcome, err := e.reconcileOne(ctx, userID, source, ne)
		if err != nil {
			counts.Failed++
			e.logger.Warn("Failed to reconcile event", "userID", userID, "provider", source, "uid", ne.UID, "error", err)
			continue
		}
		switch outcome {
		case outcomeInserted:
			counts.Inserted++
		case outcomeUpdated:
			counts.Updated++
		default:
			counts.Unchanged++
		}
	}

	e.logger.Info("Reconciled events.", "userID", userID, "provider", source,
		"inserted", counts.Inserted, "updated", counts.Updated, "unchanged", counts.Unchanged,
		"failed", counts.Failed, "dryRun", e.dryRun)
	return counts, nil
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeUpdated
	outcomeInserted
)

func (e *Engine) reconcileOne(ctx context.Context, userID string, source models.Provider, ne models.NormalizedEvent) (outcome, error) {
	want, err := e.desired(userID, source, ne)
	if err != nil {
		return outcomeUnchanged, err
	}

	existing, err := e.store.FindEventByExternalKey(ctx, userID, source, ne.UID)
	switch {
	case err == nil:
		if !applyDiff(existing, want) {
			return outcomeUnchanged, nil
		}
		if err := e.update(ctx, existing); err != nil {
			return outcomeUnchanged, err
		}
		return outcomeUpdated, nil
	case !errors.Is(err, common.ErrNotFound):
		return outcomeUnchanged, fmt.Errorf("failed to look up event: %w", err)
	}

	booking, err := e.findBookingMatch(ctx, userID, want.Date, ne.Title)
	if err != nil {
		return outcomeUnchanged, err
	}
	if booking != nil {
		booking.ExternalEventID = want.ExternalEventID
		booking.ExternalSource = want.ExternalSource
		applyDiff(booking, want)
		if err := e.update(ctx, booking); err != nil {
			return outcomeUnchanged, err
		}
		e.logger.Debug("Linked external event to booking.", "userID", userID, "uid", ne.UID, "eventID", booking.ID)
		return outcomeUpdated, nil
	}

	if !e.dryRun {
		if err := e.store.InsertEvent(ctx, want); err != nil {
			return outcomeUnchanged, fmt.Errorf("failed to insert event: %w", err)
		}
	}
	return outcomeInserted, nil
}

func (e *Engine) update(ctx context.Context, ev *models.Event) error {
	if e.dryRun {
		return nil
	}
	if err := e.store.UpdateEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return nil
}

// desired builds the local record an external event should map to,
// including the CalDAV persistence offset.
func (e *Engine) desired(userID string, source models.Provider, ne models.NormalizedEvent) (*models.Event, error) {
	ev := &models.Event{
		UserID:          userID,
		Name:            TruncateTitle(ne.Title),
		Date:            ne.StartDate,
		StartTime:       ne.StartTime,
		EndTime:         ne.EndTime,
		Description:     ne.Description,
		Kind:            models.EventKindExternal,
		ExternalSource:  source,
		ExternalEventID: ne.UID,
		Status:          models.EventStatusActive,
		AllDay:          ne.AllDay,
	}
	if source != models.ProviderICloud || ne.AllDay || e.persistOffset == 0 {
		return ev, nil
	}

	date, start, err := normalize.ShiftClock(ev.Date, ev.StartTime, e.persistOffset)
	if err != nil {
		return nil, err
	}
	if ev.EndTime != "" {
		if _, ev.EndTime, err = normalize.ShiftClock(ev.Date, ev.EndTime, e.persistOffset); err != nil {
			return nil, err
		}
	}
	ev.Date, ev.StartTime = date, start
	return ev, nil
}

// applyDiff copies differing fields from want into ev and reports whether
// anything changed. Booking events only take schedule fields so the local
// booking title and status are never overwritten by the external copy.
func applyDiff(ev, want *models.Event) bool {
	changed := false
	set := func(dst *string, v string) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}

	set(&ev.Date, want.Date)
	set(&ev.StartTime, want.StartTime)
	set(&ev.EndTime, want.EndTime)
	if ev.AllDay != want.AllDay {
		ev.AllDay = want.AllDay
		changed = true
	}
	if ev.Kind == models.EventKindBooking {
		return changed
	}

	set(&ev.Name, want.Name)
	set(&ev.Description, want.Description)
	if ev.Status != want.Status {
		ev.Status = want.Status
		changed = true
	}
	return changed
}

func (e *Engine) findBookingMatch(ctx context.Context, userID, date, title string) (*models.Event, error) {
	candidates, err := e.store.FindBookingEventsOnDate(ctx, userID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list booking events: %w", err)
	}
	for _, c := range candidates {
		if c.ExternalEventID != "" {
			continue
		}
		if TitlesMatch(c.Name, title) {
			return c, nil
		}
	}
	return nil, nil
}

// TruncateTitle caps a title at 200 characters, the last three being an
// ellipsis when truncation happened.
func TruncateTitle(title string) string {
	r := []rune(title)
	if len(r) <= maxTitleLength {
		return title
	}
	return string(r[:maxTitleLength-len(ellipsis)]) + ellipsis
}

// TitlesMatch reports whether an external title refers to the booking with
// the given local title. The external title must carry a booking label; the
// remaining customer names must be equal or one must contain the other.
func TitlesMatch(local, external string) bool {
	ext, ok := stripLabel(external)
	if !ok || ext == "" {
		return false
	}
	loc, _ := stripLabel(local)
	if loc == "" {
		return false
	}
	return loc == ext || strings.Contains(ext, loc) || strings.Contains(loc, ext)
}

func stripLabel(title string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(title))
	for _, label := range bookingLabels {
		if rest, ok := strings.CutPrefix(t, label); ok {
			rest = strings.TrimSpace(rest)
			rest = strings.TrimPrefix(rest, ":")
			return strings.TrimSpace(rest), true
		}
	}
	return t, false
}
