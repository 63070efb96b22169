package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"evently/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetEvent retrieves an event by ID
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	err := s.db.GetContext(ctx, &event, "SELECT * FROM events WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// CreateEvent inserts a new event with its capacity ledger initialized
func (s *Store) CreateEvent(ctx context.Context, event *models.Event) error {
	query := `
		INSERT INTO events (id, name, venue, event_date, price, total_capacity,
			available_capacity, version, has_seat_selection, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $6, 1, $7, TRUE)
		RETURNING version, created_at, updated_at`

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.AvailableCapacity = event.TotalCapacity
	return s.db.QueryRowxContext(ctx, query,
		event.ID, event.Name, event.Venue, event.EventDate, event.Price,
		event.TotalCapacity, event.HasSeatSelection).
		Scan(&event.Version, &event.CreatedAt, &event.UpdatedAt)
}

// GetCapacity reads the current available capacity and version for an event
func (s *Store) GetCapacity(ctx context.Context, eventID uuid.UUID) (int, int64, error) {
	var row struct {
		Available int   `db:"available_capacity"`
		Version   int64 `db:"version"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT available_capacity, version FROM events WHERE id = $1", eventID)
	if err == sql.ErrNoRows {
		return 0, 0, fmt.Errorf("event not found: %s", eventID)
	}
	if err != nil {
		return 0, 0, err
	}
	return row.Available, row.Version, nil
}

// TryDecrementCapacity applies a conditional decrement to the event ledger.
// The update only lands when the stored version matches expectedVersion and
// enough capacity remains; a zero row count is disambiguated by re-reading.
func (s *Store) TryDecrementCapacity(ctx context.Context, eventID uuid.UUID, qty int, expectedVersion int64) (models.CapacityUpdate, error) {
	var newVersion int64
	err := s.db.QueryRowxContext(ctx, `
		UPDATE events
		SET available_capacity = available_capacity - $1,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $2 AND version = $3 AND available_capacity >= $1
		RETURNING version`,
		qty, eventID, expectedVersion).Scan(&newVersion)

	if err == nil {
		return models.CapacityUpdate{Outcome: models.CapacityCommitted, NewVersion: newVersion}, nil
	}
	if err != sql.ErrNoRows {
		return models.CapacityUpdate{}, fmt.Errorf("failed to decrement capacity: %w", err)
	}

	available, version, err := s.GetCapacity(ctx, eventID)
	if err != nil {
		return models.CapacityUpdate{}, err
	}
	if available < qty {
		return models.CapacityUpdate{Outcome: models.CapacityInsufficient, NewVersion: version}, nil
	}
	return models.CapacityUpdate{Outcome: models.CapacityConflict, NewVersion: version}, nil
}

// IncrementCapacity returns quantity to the event ledger. Used for
// cancellations and expiries; always succeeds, still version-stamped.
func (s *Store) IncrementCapacity(ctx context.Context, eventID uuid.UUID, qty int) (int64, error) {
	var newVersion int64
	err := s.db.QueryRowxContext(ctx, `
		UPDATE events
		SET available_capacity = available_capacity + $1,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $2
		RETURNING version`,
		qty, eventID).Scan(&newVersion)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("event not found: %s", eventID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment capacity: %w", err)
	}
	return newVersion, nil
}
