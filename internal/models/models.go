package models

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a bookable event and its capacity ledger row
type Event struct {
	ID                uuid.UUID `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	Venue             string    `db:"venue" json:"venue"`
	EventDate         time.Time `db:"event_date" json:"event_date"`
	Price             int64     `db:"price" json:"price"`
	TotalCapacity     int       `db:"total_capacity" json:"total_capacity"`
	AvailableCapacity int       `db:"available_capacity" json:"available_capacity"`
	Version           int64     `db:"version" json:"version"`
	HasSeatSelection  bool      `db:"has_seat_selection" json:"has_seat_selection"`
	IsActive          bool      `db:"is_active" json:"is_active"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Seat represents a single seat in an event's seat map
type Seat struct {
	ID        uuid.UUID `db:"id" json:"id"`
	EventID   uuid.UUID `db:"event_id" json:"event_id"`
	Section   string    `db:"section" json:"section"`
	Row       string    `db:"seat_row" json:"row"`
	Number    int       `db:"number" json:"number"`
	Price     int64     `db:"price" json:"price"`
	Status    string    `db:"status" json:"status"`
	Version   int64     `db:"version" json:"version"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Booking represents a ticket reservation for an event
type Booking struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	UserID      uuid.UUID  `db:"user_id" json:"user_id"`
	EventID     uuid.UUID  `db:"event_id" json:"event_id"`
	Quantity    int        `db:"quantity" json:"quantity"`
	TotalAmount int64      `db:"total_amount" json:"total_amount"`
	Status      string     `db:"status" json:"status"`
	ExpiresAt   *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	Version     int64      `db:"version" json:"version"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// IsExpired reports whether a pending booking's hold window has elapsed
func (b *Booking) IsExpired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// SeatBooking links a booking to an individual seat
type SeatBooking struct {
	ID        int64     `db:"id" json:"id"`
	BookingID uuid.UUID `db:"booking_id" json:"booking_id"`
	SeatID    uuid.UUID `db:"seat_id" json:"seat_id"`
}

// WaitlistEntry represents a user waiting for capacity on a sold-out event
type WaitlistEntry struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	UserID            uuid.UUID  `db:"user_id" json:"user_id"`
	EventID           uuid.UUID  `db:"event_id" json:"event_id"`
	RequestedQuantity int        `db:"requested_quantity" json:"requested_quantity"`
	Position          int        `db:"position" json:"position"`
	Status            string     `db:"status" json:"status"`
	OfferExpiresAt    *time.Time `db:"offer_expires_at" json:"offer_expires_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// BookingHistory is an append-only audit record for a booking
type BookingHistory struct {
	ID        int64     `db:"id" json:"id"`
	BookingID uuid.UUID `db:"booking_id" json:"booking_id"`
	Action    string    `db:"action" json:"action"`
	Details   string    `db:"details" json:"details"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Booking statuses
const (
	BookingStatusPending   = "PENDING"
	BookingStatusConfirmed = "CONFIRMED"
	BookingStatusCancelled = "CANCELLED"
	BookingStatusExpired   = "EXPIRED"
)

// Seat statuses
const (
	SeatStatusAvailable = "AVAILABLE"
	SeatStatusHeld      = "HELD"
	SeatStatusBooked    = "BOOKED"
)

// Waitlist statuses
const (
	WaitlistStatusWaiting   = "WAITING"
	WaitlistStatusOffered   = "OFFERED"
	WaitlistStatusFulfilled = "FULFILLED"
	WaitlistStatusExpired   = "EXPIRED"
)

// Booking history actions
const (
	HistoryActionCreated   = "CREATED"
	HistoryActionConfirmed = "CONFIRMED"
	HistoryActionCancelled = "CANCELLED"
	HistoryActionExpired   = "EXPIRED"
)

// CapacityOutcome is the result of a conditional ledger decrement
type CapacityOutcome int

const (
	// CapacityCommitted means the decrement was applied
	CapacityCommitted CapacityOutcome = iota
	// CapacityConflict means the expected version did not match; re-read and retry
	CapacityConflict
	// CapacityInsufficient means not enough capacity remained; terminal
	CapacityInsufficient
)

// CapacityUpdate carries the outcome of a ledger CAS attempt
type CapacityUpdate struct {
	Outcome    CapacityOutcome
	NewVersion int64
}
