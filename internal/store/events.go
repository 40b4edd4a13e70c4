package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cellarsync/internal/common"
	"cellarsync/internal/models"
)

const eventColumns = `id, user_id, booking_id, name, to_char(event_date, 'YYYY-MM-DD'), start_time,
		end_time, description, kind, external_source, external_event_id, status, all_day`

func scanEvent(s scanner) (*models.Event, error) {
	var e models.Event
	var bookingID, endTime, source, externalID sql.NullString
	var kind, status string
	if err := s.Scan(&e.ID, &e.UserID, &bookingID, &e.Name, &e.Date, &e.StartTime,
		&endTime, &e.Description, &kind, &source, &externalID, &status, &e.AllDay); err != nil {
		return nil, err
	}
	e.BookingID = bookingID.String
	e.EndTime = endTime.String
	e.Kind = models.EventKind(kind)
	e.ExternalSource = models.Provider(source.String)
	e.ExternalEventID = externalID.String
	e.Status = models.EventStatus(status)
	return &e, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// FindEventByExternalKey looks an event up by its sync dedup key.
func (p *Postgres) FindEventByExternalKey(ctx context.Context, userID string, source models.Provider, externalID string) (*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		 WHERE user_id = $1 AND external_event_id = $2 AND external_source = $3`

	e, err := scanEvent(p.db.QueryRowContext(ctx, query, userID, externalID, string(source)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

// FindBookingEventsOnDate lists the user's booking-derived events on date.
func (p *Postgres) FindBookingEventsOnDate(ctx context.Context, userID, date string) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		 WHERE user_id = $1 AND event_date = $2::date AND kind = 'booking'
		 ORDER BY start_time`

	rows, err := p.db.QueryContext(ctx, query, userID, date)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// InsertEvent stores e. When e carries an external key that already exists
// the existing row is updated instead, so concurrent sync runs converge on
// a single record.
func (p *Postgres) InsertEvent(ctx context.Context, e *models.Event) error {
	query :=
		`INSERT INTO events (user_id, booking_id, name, event_date, start_time, end_time, description,
		     kind, external_source, external_event_id, status, all_day)
		 VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (user_id, external_event_id, external_source) WHERE external_event_id IS NOT NULL
		 DO UPDATE SET
		     name = EXCLUDED.name,
		     event_date = EXCLUDED.event_date,
		     start_time = EXCLUDED.start_time,
		     end_time = EXCLUDED.end_time,
		     description = EXCLUDED.description,
		     status = EXCLUDED.status,
		     all_day = EXCLUDED.all_day,
		     updated_at = now()
		 RETURNING id`

	err := p.db.QueryRowContext(ctx, query, e.UserID, nullable(e.BookingID), e.Name, e.Date, e.StartTime,
		nullable(e.EndTime), e.Description, string(e.Kind), nullable(string(e.ExternalSource)),
		nullable(e.ExternalEventID), string(e.Status), e.AllDay).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// UpdateEvent rewrites the mutable fields of an existing event.
func (p *Postgres) UpdateEvent(ctx context.Context, e *models.Event) error {
	query :=
		`UPDATE events SET name = $2, event_date = $3::date, start_time = $4, end_time = $5,
		     description = $6, external_source = $7, external_event_id = $8, status = $9,
		     all_day = $10, updated_at = now()
		 WHERE id = $1`

	res, err := p.db.ExecContext(ctx, query, e.ID, e.Name, e.Date, e.StartTime, nullable(e.EndTime),
		e.Description, nullable(string(e.ExternalSource)), nullable(e.ExternalEventID), string(e.Status), e.AllDay)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
