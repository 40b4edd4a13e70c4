package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"cellarsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	calls int
	err   error
}

func (r *countingRunner) Run(context.Context) (*models.SyncReport, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &models.SyncReport{Success: true}, nil
}

type recordingSink struct {
	reports []*models.SyncReport
	err     error
}

func (s *recordingSink) Store(_ context.Context, r *models.SyncReport) error {
	s.reports = append(s.reports, r)
	return s.err
}

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	_, err := NewScheduler(discardLogger(), &countingRunner{}, "every hour", time.UTC, nil)
	assert.Error(t, err)
}

func TestScheduler_RunNowStoresReport(t *testing.T) {
	runner := &countingRunner{}
	sink := &recordingSink{err: errors.New("bucket missing")}
	s, err := NewScheduler(discardLogger(), runner, "@hourly", time.UTC, sink)
	require.NoError(t, err)

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 1, runner.calls)
	assert.Len(t, sink.reports, 1)
}

func TestScheduler_RunNowPropagatesEnumerationError(t *testing.T) {
	sink := &recordingSink{}
	s, err := NewScheduler(discardLogger(), &countingRunner{err: errors.New("db down")}, "@hourly", time.UTC, sink)
	require.NoError(t, err)

	_, err = s.RunNow(context.Background())
	assert.Error(t, err)
	assert.Empty(t, sink.reports)
}

func TestScheduler_StartStop(t *testing.T) {
	s, err := NewScheduler(discardLogger(), &countingRunner{}, "@hourly", time.UTC, nil)
	require.NoError(t, err)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
