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

// Position assignment and rank compaction both read positions they are
// about to write. Under READ COMMITTED two concurrent joins can read the
// same MAX(position), so every positional mutation for an event runs under
// the same transaction-scoped advisory lock.
func lockEventWaitlist(ctx context.Context, tx *sqlx.Tx, eventID uuid.UUID) error {
	_, err := tx.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))", eventID)
	return err
}

// CreateWaitlistEntry inserts a waitlist entry at the next position for the
// event. The advisory lock serializes position assignment; the unique
// (user_id, event_id) constraint rejects double-enrollment.
func (s *Store) CreateWaitlistEntry(ctx context.Context, entry *models.WaitlistEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin waitlist insert: %w", err)
	}
	defer tx.Rollback()

	if err := lockEventWaitlist(ctx, tx, entry.EventID); err != nil {
		return fmt.Errorf("failed to lock event waitlist: %w", err)
	}

	query := `
		INSERT INTO waitlist (id, user_id, event_id, requested_quantity, position, status)
		SELECT $1, $2, $3, $4,
			COALESCE(MAX(position), 0) + 1, $5
		FROM waitlist WHERE event_id = $3
		RETURNING position, created_at, updated_at`

	if err := tx.QueryRowxContext(ctx, query,
		entry.ID, entry.UserID, entry.EventID, entry.RequestedQuantity,
		models.WaitlistStatusWaiting).
		Scan(&entry.Position, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetWaitlistEntry retrieves a waitlist entry by ID
func (s *Store) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*models.WaitlistEntry, error) {
	var entry models.WaitlistEntry
	err := s.db.GetContext(ctx, &entry, "SELECT * FROM waitlist WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("waitlist entry not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetUserWaitlistEntry finds a user's live entry for an event, if any
func (s *Store) GetUserWaitlistEntry(ctx context.Context, userID, eventID uuid.UUID) (*models.WaitlistEntry, error) {
	var entry models.WaitlistEntry
	err := s.db.GetContext(ctx, &entry, `
		SELECT * FROM waitlist
		WHERE user_id = $1 AND event_id = $2 AND status IN ($3, $4)`,
		userID, eventID, models.WaitlistStatusWaiting, models.WaitlistStatusOffered)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// WaitingEntries lists WAITING entries for an event in position order
func (s *Store) WaitingEntries(ctx context.Context, eventID uuid.UUID) ([]models.WaitlistEntry, error) {
	var entries []models.WaitlistEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM waitlist
		WHERE event_id = $1 AND status = $2
		ORDER BY position`,
		eventID, models.WaitlistStatusWaiting)
	return entries, err
}

// GetEventWaitlist lists all entries for an event in position order
func (s *Store) GetEventWaitlist(ctx context.Context, eventID uuid.UUID, limit, offset int) ([]models.WaitlistEntry, error) {
	var entries []models.WaitlistEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM waitlist WHERE event_id = $1
		ORDER BY position LIMIT $2 OFFSET $3`,
		eventID, limit, offset)
	return entries, err
}

// MarkEntryOffered conditionally transitions WAITING -> OFFERED with an
// acceptance deadline. Returns false if the entry already left WAITING.
func (s *Store) MarkEntryOffered(ctx context.Context, id uuid.UUID, offerExpiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE waitlist
		SET status = $1, offer_expires_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		models.WaitlistStatusOffered, offerExpiresAt, id, models.WaitlistStatusWaiting)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry offered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TransitionWaitlistEntry conditionally moves an entry between statuses,
// clearing any offer deadline. Returns false when no row changed.
func (s *Store) TransitionWaitlistEntry(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE waitlist
		SET status = $1, offer_expires_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition waitlist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetLapsedOffers lists OFFERED entries whose acceptance window elapsed
func (s *Store) GetLapsedOffers(ctx context.Context, limit int) ([]models.WaitlistEntry, error) {
	var entries []models.WaitlistEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM waitlist
		WHERE status = $1 AND offer_expires_at IS NOT NULL AND offer_expires_at < NOW()
		ORDER BY offer_expires_at
		LIMIT $2`,
		models.WaitlistStatusOffered, limit)
	return entries, err
}

// DeleteWaitlistEntry removes an entry outright (explicit leave)
func (s *Store) DeleteWaitlistEntry(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM waitlist WHERE id = $1", id)
	return err
}

// CloseWaitlistRanks shifts later live entries up after a removal so
// positions stay dense and strictly ordered by join time. Runs under the
// same per-event advisory lock as joins so a concurrent insert cannot read
// a position mid-shift.
func (s *Store) CloseWaitlistRanks(ctx context.Context, eventID uuid.UUID, removedPosition int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rank close: %w", err)
	}
	defer tx.Rollback()

	if err := lockEventWaitlist(ctx, tx, eventID); err != nil {
		return fmt.Errorf("failed to lock event waitlist: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE waitlist
		SET position = position - 1, updated_at = NOW()
		WHERE event_id = $1 AND position > $2 AND status IN ($3, $4)`,
		eventID, removedPosition, models.WaitlistStatusWaiting, models.WaitlistStatusOffered); err != nil {
		return err
	}
	return tx.Commit()
}
