// Package syncer pulls events from every connected external calendar into
// the local event store and reports per-connector results.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cellarsync/internal/icloud"
	"cellarsync/internal/models"
	"cellarsync/internal/normalize"
	"cellarsync/internal/reconcile"
)

// windowMonths is how far ahead of the current month a run looks.
const windowMonths = 3

// ConnectorLister enumerates every connector regardless of owner.
type ConnectorLister interface {
	ListConnectors(ctx context.Context) ([]*models.Connector, error)
}

// CalDAVAdapter is the read side of the CalDAV provider.
type CalDAVAdapter interface {
	DiscoverCalendar(ctx context.Context, creds *models.CalDAVCredentials) (icloud.Handle, error)
	ListEvents(ctx context.Context, creds *models.CalDAVCredentials, h icloud.Handle, start, end time.Time) ([]models.RawEvent, error)
}

// MicrosoftAdapter is the read side of the Graph provider.
type MicrosoftAdapter interface {
	ListEvents(ctx context.Context, conn *models.Connector, start, end time.Time) ([]models.RawEvent, error)
}

// GoogleAdapter is the read side of the Google provider.
type GoogleAdapter interface {
	DiscoverCalendar(ctx context.Context, conn *models.Connector) (string, error)
	ListEvents(ctx context.Context, conn *models.Connector, calendarID string, start, end time.Time) ([]models.RawEvent, error)
}

// Reconciler merges a normalized batch into the event store.
type Reconciler interface {
	Reconcile(ctx context.Context, userID string, source models.Provider, events []models.NormalizedEvent) (reconcile.Counts, error)
}

// Adapters holds one adapter per provider. A nil adapter means the provider
// is not configured in this deployment.
type Adapters struct {
	CalDAV    CalDAVAdapter
	Microsoft MicrosoftAdapter
	Google    GoogleAdapter
}

// Syncer orchestrates one synchronization run across all connectors.
// Connectors are processed sequentially.
type Syncer struct {
	logger     *slog.Logger
	store      ConnectorLister
	adapters   Adapters
	normalizer *normalize.Normalizer
	reconciler Reconciler
	now        func() time.Time
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, store ConnectorLister, adapters Adapters, normalizer *normalize.Normalizer, reconciler Reconciler) *Syncer {
	return &Syncer{
		logger:     logger,
		store:      store,
		adapters:   adapters,
		normalizer: normalizer,
		reconciler: reconciler,
		now:        time.Now,
	}
}

// Window returns the sync window for now: from the first day of the current
// month, in the business timezone, through the following three months.
func (s *Syncer) Window(now time.Time) (time.Time, time.Time) {
	local := now.In(s.normalizer.Location())
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, local.Location())
	return start, start.AddDate(0, windowMonths, 0)
}

// Run performs a full synchronization cycle. Failures of individual
// connectors become report entries; only failing to enumerate connectors
// returns an error.
func (s *Syncer) Run(ctx context.Context) (*models.SyncReport, error) {
	s.logger.Info("Starting sync cycle.")

	conns, err := s.store.ListConnectors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}

	start, end := s.Window(s.now())
	report := &models.SyncReport{
		Data: models.SyncData{SyncResults: make([]models.SyncResult, 0, len(conns))},
	}

	failed := 0
	for _, conn := range conns {
		result := s.syncConnector(ctx, conn, start, end)
		switch result.Status {
		case models.SyncStatusSuccess:
			report.Data.TotalProcessed++
		case models.SyncStatusError:
			report.Data.TotalProcessed++
			failed++
		}
		report.Data.SyncResults = append(report.Data.SyncResults, result)
	}

	report.Success = failed == 0
	if failed == 0 {
		report.Message = fmt.Sprintf("Sync completed for %d connectors.", report.Data.TotalProcessed)
	} else {
		report.Message = fmt.Sprintf("Sync completed with %d of %d connectors failing.", failed, report.Data.TotalProcessed)
	}

	s.logger.Info("Sync cycle finished.", "connectors", len(conns), "processed", report.Data.TotalProcessed, "failed", failed)
	return report, nil
}

// syncConnector runs discover, list, normalize and reconcile for one
// connector. A panic in an adapter is reported as an error result.
func (s *Syncer) syncConnector(ctx context.Context, conn *models.Connector, start, end time.Time) (result models.SyncResult) {
	provider := conn.Provider()
	result = models.SyncResult{ConnectorType: provider, UserID: conn.UserID}
	logger := s.logger.With("userID", conn.UserID, "provider", provider)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Connector sync panicked", "panic", r)
			result.Status = models.SyncStatusError
			result.Message = fmt.Sprintf("internal error: %v", r)
			result.EventsSynced = nil
		}
	}()

	if provider == models.ProviderNone || !conn.Active() {
		result.Status = models.SyncStatusSkipped
		result.Message = "Connector is not active."
		return result
	}

	var (
		raw []models.RawEvent
		err error
	)
	switch cred := conn.Credentials.(type) {
	case *models.CalDAVCredentials:
		if s.adapters.CalDAV == nil {
			return notImplemented(result)
		}
		raw, err = s.listCalDAV(ctx, cred, start, end)
	case *models.MicrosoftCredentials:
		if s.adapters.Microsoft == nil {
			return notImplemented(result)
		}
		raw, err = s.adapters.Microsoft.ListEvents(ctx, conn, start, end)
	case *models.GoogleCredentials:
		if s.adapters.Google == nil {
			return notImplemented(result)
		}
		raw, err = s.listGoogle(ctx, conn, start, end)
	default:
		result.Status = models.SyncStatusUnknown
		result.Message = fmt.Sprintf("Unknown connector type %q.", provider)
		return result
	}
	if err != nil {
		logger.Error("Failed to fetch external events", "error", err)
		result.Status = models.SyncStatusError
		result.Message = err.Error()
		return result
	}

	var events []models.NormalizedEvent
	for _, ev := range raw {
		events = append(events, s.normalizer.Normalize(provider, ev)...)
	}

	counts, err := s.reconciler.Reconcile(ctx, conn.UserID, provider, events)
	if err != nil {
		logger.Error("Failed to reconcile events", "error", err)
		result.Status = models.SyncStatusError
		result.Message = err.Error()
		return result
	}

	synced := counts.Synced()
	result.Status = models.SyncStatusSuccess
	result.EventsSynced = &synced
	result.Message = fmt.Sprintf("%d inserted, %d updated, %d unchanged, %d failed.",
		counts.Inserted, counts.Updated, counts.Unchanged, counts.Failed)
	logger.Info("Connector synced.", "fetched", len(raw), "inserted", counts.Inserted, "updated", counts.Updated)
	return result
}

func notImplemented(result models.SyncResult) models.SyncResult {
	result.Status = models.SyncStatusNotImplemented
	result.Message = "Provider is not configured."
	return result
}

func (s *Syncer) listCalDAV(ctx context.Context, cred *models.CalDAVCredentials, start, end time.Time) ([]models.RawEvent, error) {
	h, err := s.adapters.CalDAV.DiscoverCalendar(ctx, cred)
	if err != nil {
		return nil, err
	}
	return s.adapters.CalDAV.ListEvents(ctx, cred, h, start, end)
}

func (s *Syncer) listGoogle(ctx context.Context, conn *models.Connector, start, end time.Time) ([]models.RawEvent, error) {
	calendarID, err := s.adapters.Google.DiscoverCalendar(ctx, conn)
	if err != nil {
		return nil, err
	}
	return s.adapters.Google.ListEvents(ctx, conn, calendarID, start, end)
}
