package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeBookingCreated       = "BOOKING_CREATED"
	EventTypeBookingConfirmed     = "BOOKING_CONFIRMED"
	EventTypeBookingCancelled     = "BOOKING_CANCELLED"
	EventTypeBookingExpired       = "BOOKING_EXPIRED"
	EventTypeCapacityReleased     = "CAPACITY_RELEASED"
	EventTypeWaitlistOffered      = "WAITLIST_OFFERED"
	EventTypeWaitlistOfferExpired = "WAITLIST_OFFER_EXPIRED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent builds the common envelope for a domain event
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// BookingCreatedEvent published when a booking enters PENDING
type BookingCreatedEvent struct {
	BaseEvent
	BookingID   uuid.UUID   `json:"booking_id"`
	UserID      uuid.UUID   `json:"user_id"`
	TicketEvent uuid.UUID   `json:"ticket_event_id"`
	Quantity    int         `json:"quantity"`
	SeatIDs     []uuid.UUID `json:"seat_ids,omitempty"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// BookingConfirmedEvent published when a pending booking is confirmed
type BookingConfirmedEvent struct {
	BaseEvent
	BookingID  uuid.UUID `json:"booking_id"`
	UserID     uuid.UUID `json:"user_id"`
	PaymentRef string    `json:"payment_ref,omitempty"`
}

// BookingCancelledEvent published when a booking is cancelled
type BookingCancelledEvent struct {
	BaseEvent
	BookingID uuid.UUID `json:"booking_id"`
	Reason    string    `json:"reason,omitempty"`
}

// BookingExpiredEvent published when the reaper expires a stale booking
type BookingExpiredEvent struct {
	BaseEvent
	BookingID uuid.UUID `json:"booking_id"`
}

// CapacityReleasedEvent published whenever capacity returns to the ledger;
// consumed by the promotion worker to drive waitlist offers
type CapacityReleasedEvent struct {
	BaseEvent
	TicketEvent uuid.UUID `json:"ticket_event_id"`
	Quantity    int       `json:"quantity"`
}

// WaitlistOfferedEvent published when freed capacity is offered to a waiting party
type WaitlistOfferedEvent struct {
	BaseEvent
	EntryID        uuid.UUID `json:"entry_id"`
	UserID         uuid.UUID `json:"user_id"`
	TicketEvent    uuid.UUID `json:"ticket_event_id"`
	Quantity       int       `json:"quantity"`
	OfferExpiresAt time.Time `json:"offer_expires_at"`
}

// WaitlistOfferExpiredEvent published when an unclaimed offer lapses
type WaitlistOfferExpiredEvent struct {
	BaseEvent
	EntryID     uuid.UUID `json:"entry_id"`
	TicketEvent uuid.UUID `json:"ticket_event_id"`
	Quantity    int       `json:"quantity"`
}

// Notification represents a fire-and-forget message handed to the external
// dispatcher; delivery guarantees are its problem, not ours
type Notification struct {
	BaseEvent
	UserID  uuid.UUID `json:"user_id"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
}

// Notification kinds
const (
	NotifyBookingConfirmed = "booking_confirmed"
	NotifyBookingCancelled = "booking_cancelled"
	NotifyWaitlistOffer    = "waitlist_offer"
)
