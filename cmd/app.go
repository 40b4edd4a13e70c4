package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"cellarsync/internal/config"
	"cellarsync/internal/google"
	"cellarsync/internal/icloud"
	"cellarsync/internal/microsoft"
	"cellarsync/internal/models"
	"cellarsync/internal/normalize"
	"cellarsync/internal/oauth"
	"cellarsync/internal/publisher"
	"cellarsync/internal/reconcile"
	"cellarsync/internal/reports"
	"cellarsync/internal/store"
	"cellarsync/internal/syncer"
	"cellarsync/internal/vault"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
)

// app holds the wired dependencies shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	loc    *time.Location
	db     *sql.DB
	store  *store.Postgres
	vault  *vault.Vault
	oauth  *oauth.Manager

	caldav    *icloud.Client
	google    *google.CalendarClient
	microsoft *microsoft.Client
}

func newApp(c *cli.Context) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	v, err := vault.New(cfg.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}

	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	repo := store.NewPostgres(db)

	configs := map[models.Provider]*oauth2.Config{}
	if cfg.Google.Enabled() {
		configs[models.ProviderGoogle] = oauth.GoogleConfig(cfg.Google)
	}
	if cfg.Microsoft.Enabled() {
		configs[models.ProviderMicrosoft] = oauth.MicrosoftConfig(cfg.Microsoft)
	}
	tokens := oauth.NewManager(logger, repo, configs, nil)

	caldavClient, err := icloud.NewClient(logger, v, icloud.NewDiscoveryCache(icloud.DefaultDiscoveryTTL),
		cfg.ICloud.Endpoint, cfg.ICloud.CalendarName, cfg.HTTPTimeout)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create icloud client: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		loc:    loc,
		db:     db,
		store:  repo,
		vault:  v,
		oauth:  tokens,
		caldav: caldavClient,
	}
	if cfg.Google.Enabled() {
		a.google = google.NewClient(logger, tokens, cfg.HTTPTimeout)
	}
	if cfg.Microsoft.Enabled() {
		a.microsoft = microsoft.NewClient(logger, tokens, cfg.GraphBaseURL, loc.String(), cfg.HTTPTimeout)
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}

// adapters leaves unconfigured providers as nil interfaces.
func (a *app) adapters() syncer.Adapters {
	ad := syncer.Adapters{CalDAV: a.caldav}
	if a.google != nil {
		ad.Google = a.google
	}
	if a.microsoft != nil {
		ad.Microsoft = a.microsoft
	}
	return ad
}

func (a *app) writers() publisher.Writers {
	w := publisher.Writers{CalDAV: a.caldav}
	if a.google != nil {
		w.Google = a.google
	}
	if a.microsoft != nil {
		w.Microsoft = a.microsoft
	}
	return w
}

func (a *app) syncer(dryRun bool) *syncer.Syncer {
	normalizer := normalize.New(a.loc, a.cfg.ICloud.FloatingOffset)
	engine := reconcile.New(a.logger, a.store, a.cfg.ICloud.PersistOffset, reconcile.WithDryRun(dryRun))
	return syncer.NewSyncer(a.logger, a.store, a.adapters(), normalizer, engine)
}

func (a *app) publisher() *publisher.Publisher {
	return publisher.New(a.logger, a.store, a.writers(), a.loc, a.cfg.ICloud.WriteOffset)
}

// reportSink returns nil when no report bucket is configured.
func (a *app) reportSink(ctx context.Context) (syncer.ReportSink, error) {
	if a.cfg.Reports.Bucket == "" {
		return nil, nil
	}
	archiver, err := reports.New(ctx, a.logger, a.cfg.Reports)
	if err != nil {
		return nil, err
	}
	return archiver, nil
}
