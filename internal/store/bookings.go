package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cellarsync/internal/common"
	"cellarsync/internal/models"
)

// SetBookingExternalEventID records the id an OAuth provider assigned to the
// booking's calendar event.
func (p *Postgres) SetBookingExternalEventID(ctx context.Context, bookingID, externalID string) error {
	query := `UPDATE bookings SET external_event_id = $2 WHERE id = $1`

	res, err := p.db.ExecContext(ctx, query, bookingID, nullable(externalID))
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

// GetServiceDuration returns the service length in minutes.
func (p *Postgres) GetServiceDuration(ctx context.Context, userID, serviceID string) (int, error) {
	query := `SELECT duration_minutes FROM services WHERE id = $1 AND user_id = $2`

	var minutes int
	err := p.db.QueryRowContext(ctx, query, serviceID, userID).Scan(&minutes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrNotFound
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return minutes, nil
}

// GetBooking loads a booking with its service name.
func (p *Postgres) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	query :=
		`SELECT b.id, b.user_id, COALESCE(b.service_id, ''), COALESCE(s.name, ''), b.customer_name,
		     b.customer_email, to_char(b.booking_date, 'YYYY-MM-DD'), b.booking_time, b.notes,
		     COALESCE(b.external_event_id, '')
		 FROM bookings b LEFT JOIN services s ON s.id = b.service_id
		 WHERE b.id = $1`

	var b models.Booking
	err := p.db.QueryRowContext(ctx, query, id).Scan(&b.ID, &b.UserID, &b.ServiceID, &b.ServiceName,
		&b.CustomerName, &b.CustomerEmail, &b.Date, &b.Time, &b.Notes, &b.ExternalEventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &b, nil
}
