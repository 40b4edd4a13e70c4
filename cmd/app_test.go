package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"cellarsync/internal/config"
	"cellarsync/internal/google"
	"cellarsync/internal/icloud"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapters_UnconfiguredProvidersAreNil(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	caldav, err := icloud.NewClient(logger, nil, nil, "", "", 0)
	require.NoError(t, err)

	a := &app{logger: logger, caldav: caldav}
	ad := a.adapters()
	assert.NotNil(t, ad.CalDAV)
	assert.Nil(t, ad.Google)
	assert.Nil(t, ad.Microsoft)

	w := a.writers()
	assert.Nil(t, w.Google)
	assert.Nil(t, w.Microsoft)

	a.google = google.NewClient(logger, nil, 0)
	assert.NotNil(t, a.adapters().Google)
	assert.NotNil(t, a.writers().Google)
}

func TestReportSink_DisabledWithoutBucket(t *testing.T) {
	a := &app{cfg: &config.Config{}}
	sink, err := a.reportSink(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sink)
}

func TestSetupLogger(t *testing.T) {
	ctx := context.Background()
	assert.True(t, setupLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, setupLogger("warn").Enabled(ctx, slog.LevelInfo))
	assert.True(t, setupLogger("bogus").Enabled(ctx, slog.LevelInfo))
}
