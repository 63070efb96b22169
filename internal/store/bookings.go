package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"evently/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CreateBooking persists a new booking row
func (s *Store) CreateBooking(ctx context.Context, booking *models.Booking) error {
	query := `
		INSERT INTO bookings (id, user_id, event_id, quantity, total_amount, status, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		RETURNING version, created_at, updated_at`

	if booking.ID == uuid.Nil {
		booking.ID = uuid.New()
	}
	return s.db.QueryRowxContext(ctx, query,
		booking.ID, booking.UserID, booking.EventID, booking.Quantity,
		booking.TotalAmount, booking.Status, booking.ExpiresAt).
		Scan(&booking.Version, &booking.CreatedAt, &booking.UpdatedAt)
}

// GetBookingByID retrieves a booking by ID
func (s *Store) GetBookingByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	err := s.db.GetContext(ctx, &booking, "SELECT * FROM bookings WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("booking not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// TransitionBooking conditionally moves a booking from one of the given
// statuses to another. Returns false when no row changed, meaning the booking
// was not in any of the expected source states. Terminal transitions clear the
// expiry deadline so the reaper never revisits the row.
func (s *Store) TransitionBooking(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	query, args, err := sqlx.In(`
		UPDATE bookings
		SET status = ?, expires_at = NULL, version = version + 1, updated_at = NOW()
		WHERE id = ? AND status IN (?)`,
		to, id, from)
	if err != nil {
		return false, err
	}
	query = s.db.Rebind(query)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition booking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetExpiredPendingBookings lists pending bookings whose hold window elapsed
func (s *Store) GetExpiredPendingBookings(ctx context.Context, limit int) ([]models.Booking, error) {
	var bookings []models.Booking
	err := s.db.SelectContext(ctx, &bookings, `
		SELECT * FROM bookings
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < NOW()
		ORDER BY expires_at
		LIMIT $2`,
		models.BookingStatusPending, limit)
	return bookings, err
}

// GetUserBookings retrieves bookings for a user, newest first
func (s *Store) GetUserBookings(ctx context.Context, userID uuid.UUID, statuses []string, limit, offset int) ([]models.Booking, error) {
	var bookings []models.Booking
	if len(statuses) == 0 {
		err := s.db.SelectContext(ctx, &bookings, `
			SELECT * FROM bookings WHERE user_id = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			userID, limit, offset)
		return bookings, err
	}

	query, args, err := sqlx.In(`
		SELECT * FROM bookings WHERE user_id = ? AND status IN (?)
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, statuses, limit, offset)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)
	err = s.db.SelectContext(ctx, &bookings, query, args...)
	return bookings, err
}

// AppendBookingHistory appends an audit record; the trail is never mutated
func (s *Store) AppendBookingHistory(ctx context.Context, h *models.BookingHistory) error {
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO booking_history (booking_id, action, details)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		h.BookingID, h.Action, h.Details).Scan(&h.ID, &h.CreatedAt)
}

// GetBookingHistory retrieves the audit trail for a booking, oldest first
func (s *Store) GetBookingHistory(ctx context.Context, bookingID uuid.UUID) ([]models.BookingHistory, error) {
	var history []models.BookingHistory
	err := s.db.SelectContext(ctx, &history, `
		SELECT * FROM booking_history WHERE booking_id = $1 ORDER BY created_at`,
		bookingID)
	return history, err
}

// CreateSeats inserts a batch of seats for an event
func (s *Store) CreateSeats(ctx context.Context, eventID uuid.UUID, seats []models.Seat) error {
	if len(seats) == 0 {
		return nil
	}
	query := `INSERT INTO seats (id, event_id, section, seat_row, number, price, status, version) VALUES `
	args := make([]interface{}, 0, len(seats)*6)
	for i := range seats {
		if seats[i].ID == uuid.Nil {
			seats[i].ID = uuid.New()
		}
		if i > 0 {
			query += ","
		}
		query += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, 'AVAILABLE', 1)",
			i*6+1, i*6+2, i*6+3, i*6+4, i*6+5, i*6+6)
		args = append(args, seats[i].ID, eventID, seats[i].Section, seats[i].Row, seats[i].Number, seats[i].Price)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// GetSeatsByIDs retrieves seats by ID
func (s *Store) GetSeatsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Seat, error) {
	if len(ids) == 0 {
		return []models.Seat{}, nil
	}
	query, args, err := sqlx.In("SELECT * FROM seats WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var seats []models.Seat
	err = s.db.SelectContext(ctx, &seats, query, args...)
	return seats, err
}

// ListEventSeats retrieves the full seat map for an event in display order
func (s *Store) ListEventSeats(ctx context.Context, eventID uuid.UUID) ([]models.Seat, error) {
	var seats []models.Seat
	err := s.db.SelectContext(ctx, &seats, `
		SELECT * FROM seats WHERE event_id = $1
		ORDER BY section, seat_row, number`,
		eventID)
	return seats, err
}

// TransitionSeats conditionally moves every listed seat from one status to
// another, bumping each seat's version. Returns the number of rows changed;
// callers compare against len(ids) to detect a seat that slipped away.
func (s *Store) TransitionSeats(ctx context.Context, ids []uuid.UUID, from, to string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		UPDATE seats
		SET status = ?, version = version + 1, updated_at = NOW()
		WHERE id IN (?) AND status = ?`,
		to, ids, from)
	if err != nil {
		return 0, err
	}
	query = s.db.Rebind(query)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to transition seats: %w", err)
	}
	return res.RowsAffected()
}

// CreateSeatBookings links seats to a booking
func (s *Store) CreateSeatBookings(ctx context.Context, bookingID uuid.UUID, seatIDs []uuid.UUID) error {
	for _, seatID := range seatIDs {
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO seat_bookings (booking_id, seat_id) VALUES ($1, $2)",
			bookingID, seatID); err != nil {
			return fmt.Errorf("failed to create seat booking: %w", err)
		}
	}
	return nil
}

// GetBookingSeatIDs retrieves the seat IDs attached to a booking
func (s *Store) GetBookingSeatIDs(ctx context.Context, bookingID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids,
		"SELECT seat_id FROM seat_bookings WHERE booking_id = $1", bookingID)
	return ids, err
}

// ReleaseStaleHeldSeats frees seats stuck in HELD whose Redis hold has long
// gone, e.g. after a crash between hold and commit. The cutoff should be
// comfortably past the hold TTL.
func (s *Store) ReleaseStaleHeldSeats(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE seats
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE status = $2 AND updated_at < $3`,
		models.SeatStatusAvailable, models.SeatStatusHeld, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale held seats: %w", err)
	}
	return res.RowsAffected()
}
