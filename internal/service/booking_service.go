package service

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"evently/internal/models"
	"evently/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger is the version-stamped capacity counter; the single source of truth
// for how much of an event is left.
type Ledger interface {
	CreateEvent(ctx context.Context, event *models.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	GetCapacity(ctx context.Context, eventID uuid.UUID) (int, int64, error)
	TryDecrementCapacity(ctx context.Context, eventID uuid.UUID, qty int, expectedVersion int64) (models.CapacityUpdate, error)
	IncrementCapacity(ctx context.Context, eventID uuid.UUID, qty int) (int64, error)
}

// BookingStore persists bookings, seats and the audit trail
type BookingStore interface {
	CreateBooking(ctx context.Context, booking *models.Booking) error
	GetBookingByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	TransitionBooking(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)
	GetExpiredPendingBookings(ctx context.Context, limit int) ([]models.Booking, error)
	GetUserBookings(ctx context.Context, userID uuid.UUID, statuses []string, limit, offset int) ([]models.Booking, error)
	AppendBookingHistory(ctx context.Context, h *models.BookingHistory) error
	GetBookingHistory(ctx context.Context, bookingID uuid.UUID) ([]models.BookingHistory, error)
	CreateSeats(ctx context.Context, eventID uuid.UUID, seats []models.Seat) error
	GetSeatsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Seat, error)
	ListEventSeats(ctx context.Context, eventID uuid.UUID) ([]models.Seat, error)
	TransitionSeats(ctx context.Context, ids []uuid.UUID, from, to string) (int64, error)
	CreateSeatBookings(ctx context.Context, bookingID uuid.UUID, seatIDs []uuid.UUID) error
	GetBookingSeatIDs(ctx context.Context, bookingID uuid.UUID) ([]uuid.UUID, error)
	ReleaseStaleHeldSeats(ctx context.Context, cutoff time.Time) (int64, error)
}

// LeaseStore provides TTL-bounded seat holds and resource locks
type LeaseStore interface {
	AcquireLock(ctx context.Context, resource, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource, holder string) error
	HoldSeats(ctx context.Context, seatIDs []string, holder string, ttl time.Duration) (bool, error)
	ReleaseHolds(ctx context.Context, seatIDs []string, holder string) error
	ExtendHolds(ctx context.Context, seatIDs []string, holder string, ttl time.Duration) (bool, error)
	PlaceOfferReserve(ctx context.Context, entryID string, qty int, ttl time.Duration) (bool, error)
	TakeOfferReserve(ctx context.Context, entryID string) (bool, error)
}

// Publisher emits domain events to the broker
type Publisher interface {
	PublishBookingCreated(ctx context.Context, event *models.BookingCreatedEvent) error
	PublishBookingConfirmed(ctx context.Context, event *models.BookingConfirmedEvent) error
	PublishBookingCancelled(ctx context.Context, event *models.BookingCancelledEvent) error
	PublishBookingExpired(ctx context.Context, event *models.BookingExpiredEvent) error
	PublishCapacityReleased(ctx context.Context, event *models.CapacityReleasedEvent) error
	PublishWaitlistOffered(ctx context.Context, event *models.WaitlistOfferedEvent) error
	PublishWaitlistOfferExpired(ctx context.Context, event *models.WaitlistOfferExpiredEvent) error
}

// Notifier hands messages to the external at-least-once dispatcher.
// Fire-and-forget: failures are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// Config holds the coordinator's tunables
type Config struct {
	// HoldWindow is how long a PENDING booking (and its seat holds) lives
	// before the reaper expires it
	HoldWindow time.Duration
	// OfferWindow is the acceptance window for waitlist offers
	OfferWindow time.Duration
	// MaxQuantity caps tickets per booking
	MaxQuantity int
	// MaxRetryAttempts bounds CAS retries on version conflicts
	MaxRetryAttempts int
	// RetryBaseDelay and RetryMaxDelay shape the jittered backoff
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// LockTTL is the lease on seat and promotion locks
	LockTTL time.Duration
	// LockRetries and LockRetryDelay bound lock acquisition before the
	// caller fails fast
	LockRetries    int
	LockRetryDelay time.Duration
}

// DefaultConfig returns conservative defaults
func DefaultConfig() Config {
	return Config{
		HoldWindow:       15 * time.Minute,
		OfferWindow:      24 * time.Hour,
		MaxQuantity:      10,
		MaxRetryAttempts: 3,
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxDelay:    time.Second,
		LockTTL:          30 * time.Second,
		LockRetries:      3,
		LockRetryDelay:   50 * time.Millisecond,
	}
}

// BookingService coordinates holds, the capacity ledger and the booking
// state machine
type BookingService struct {
	store     BookingStore
	ledger    Ledger
	leases    LeaseStore
	publisher Publisher
	notifier  Notifier
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewBookingService creates a new booking service
func NewBookingService(
	store BookingStore,
	ledger Ledger,
	leases LeaseStore,
	publisher Publisher,
	notifier Notifier,
	cfg Config,
) *BookingService {
	return &BookingService{
		store:     store,
		ledger:    ledger,
		leases:    leases,
		publisher: publisher,
		notifier:  notifier,
		cfg:       cfg,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// SeatSpec describes one seat to generate at event creation
type SeatSpec struct {
	Section string `json:"section" binding:"required"`
	Row     string `json:"row" binding:"required"`
	Number  int    `json:"number" binding:"required,min=1"`
	Price   int64  `json:"price"`
}

// CreateEventRequest represents a request to create an event
type CreateEventRequest struct {
	Name          string     `json:"name" binding:"required"`
	Venue         string     `json:"venue"`
	EventDate     time.Time  `json:"event_date" binding:"required"`
	Price         int64      `json:"price"`
	TotalCapacity int        `json:"total_capacity" binding:"required,min=1"`
	Seats         []SeatSpec `json:"seats,omitempty"`
}

// CreateEvent creates an event with its ledger initialized to full capacity,
// generating the seat map when seats are specified
func (s *BookingService) CreateEvent(ctx context.Context, req *CreateEventRequest) (*models.Event, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.CreateEvent")
	defer span.End()

	if req.EventDate.Before(s.now()) {
		return nil, fmt.Errorf("%w: event date must be in the future", ErrValidation)
	}
	if len(req.Seats) > 0 && len(req.Seats) != req.TotalCapacity {
		return nil, fmt.Errorf("%w: seat count must match total capacity", ErrValidation)
	}

	event := &models.Event{
		Name:             req.Name,
		Venue:            req.Venue,
		EventDate:        req.EventDate,
		Price:            req.Price,
		TotalCapacity:    req.TotalCapacity,
		HasSeatSelection: len(req.Seats) > 0,
		IsActive:         true,
	}
	if err := s.ledger.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	if len(req.Seats) > 0 {
		seats := make([]models.Seat, len(req.Seats))
		for i, spec := range req.Seats {
			price := spec.Price
			if price == 0 {
				price = req.Price
			}
			seats[i] = models.Seat{
				EventID: event.ID,
				Section: spec.Section,
				Row:     spec.Row,
				Number:  spec.Number,
				Price:   price,
			}
		}
		if err := s.store.CreateSeats(ctx, event.ID, seats); err != nil {
			return nil, fmt.Errorf("failed to create seats: %w", err)
		}
	}

	s.logger.Info("Event created",
		zap.String("event_id", event.ID.String()),
		zap.Int("capacity", event.TotalCapacity),
		zap.Bool("seat_selection", event.HasSeatSelection))
	return event, nil
}

// CreateBookingRequest represents a request to create a booking
type CreateBookingRequest struct {
	UserID   uuid.UUID   `json:"user_id" binding:"required"`
	EventID  uuid.UUID   `json:"event_id" binding:"required"`
	Quantity int         `json:"quantity" binding:"required,min=1"`
	SeatIDs  []uuid.UUID `json:"seat_ids,omitempty"`
}

// CreateBooking reserves capacity (and optionally specific seats) and
// persists a PENDING booking. The caller confirms it later or the reaper
// expires it.
func (s *BookingService) CreateBooking(ctx context.Context, req *CreateBookingRequest) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.CreateBooking")
	defer span.End()

	event, err := s.validateRequest(ctx, req)
	if err != nil {
		util.BookingsFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	holder := uuid.New().String()

	var seats []models.Seat
	if len(req.SeatIDs) > 0 {
		seats, err = s.reserveSeats(ctx, event, req.SeatIDs, holder)
		if err != nil {
			util.BookingsFailedTotal.WithLabelValues("seat_unavailable").Inc()
			return nil, err
		}
		defer s.releaseSeatLocks(req.SeatIDs, holder)
	}

	totalAmount := event.Price * int64(req.Quantity)
	if len(seats) > 0 {
		totalAmount = 0
		for _, seat := range seats {
			totalAmount += seat.Price
		}
	}

	if err := s.decrementWithRetry(ctx, event.ID, req.Quantity, event.Version); err != nil {
		s.rollbackSeatReservation(ctx, req.SeatIDs, holder)
		return nil, err
	}

	expiresAt := s.now().Add(s.cfg.HoldWindow)
	booking := &models.Booking{
		UserID:      req.UserID,
		EventID:     req.EventID,
		Quantity:    req.Quantity,
		TotalAmount: totalAmount,
		Status:      models.BookingStatusPending,
		ExpiresAt:   &expiresAt,
	}

	if err := s.store.CreateBooking(ctx, booking); err != nil {
		util.BookingsFailedTotal.WithLabelValues("db_error").Inc()
		s.compensateCapacity(ctx, req.EventID, req.Quantity)
		s.rollbackSeatReservation(ctx, req.SeatIDs, holder)
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	if len(req.SeatIDs) > 0 {
		if err := s.commitSeats(ctx, booking, req.SeatIDs, holder); err != nil {
			s.compensateCapacity(ctx, req.EventID, req.Quantity)
			if _, terr := s.store.TransitionBooking(ctx, booking.ID,
				[]string{models.BookingStatusPending}, models.BookingStatusCancelled); terr != nil {
				s.logger.Error("Failed to cancel booking after seat commit failure",
					zap.String("booking_id", booking.ID.String()), zap.Error(terr))
			}
			return nil, err
		}
	}

	s.appendHistory(ctx, booking.ID, models.HistoryActionCreated,
		fmt.Sprintf("Booking created for %d tickets", req.Quantity))

	util.BookingsCreatedTotal.Inc()
	s.logger.Info("Booking created",
		zap.String("booking_id", booking.ID.String()),
		zap.String("event_id", req.EventID.String()),
		zap.Int("quantity", req.Quantity))

	createdEvent := &models.BookingCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeBookingCreated),
		BookingID:   booking.ID,
		UserID:      booking.UserID,
		TicketEvent: booking.EventID,
		Quantity:    booking.Quantity,
		SeatIDs:     req.SeatIDs,
		ExpiresAt:   expiresAt,
	}
	if err := s.publisher.PublishBookingCreated(ctx, createdEvent); err != nil {
		s.logger.Error("Failed to publish BookingCreated event", zap.Error(err))
	}

	return booking, nil
}

// ConfirmBooking commits a pending booking, e.g. after payment clears.
// Guarded: only PENDING bookings inside their hold window can be confirmed.
func (s *BookingService) ConfirmBooking(ctx context.Context, bookingID uuid.UUID, paymentRef string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.ConfirmBooking")
	defer span.End()

	booking, err := s.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.BookingStatusPending {
		return nil, fmt.Errorf("%w: cannot confirm %s booking", ErrInvalidBookingState, booking.Status)
	}
	if booking.IsExpired(s.now()) {
		return nil, ErrBookingExpired
	}

	ok, err := s.store.TransitionBooking(ctx, bookingID,
		[]string{models.BookingStatusPending}, models.BookingStatusConfirmed)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race against the reaper or a concurrent cancel.
		return nil, fmt.Errorf("%w: booking left pending state", ErrInvalidBookingState)
	}

	booking.Status = models.BookingStatusConfirmed
	booking.ExpiresAt = nil

	details := "Booking confirmed"
	if paymentRef != "" {
		details = fmt.Sprintf("Booking confirmed with payment reference %s", paymentRef)
	}
	s.appendHistory(ctx, bookingID, models.HistoryActionConfirmed, details)

	util.BookingsConfirmedTotal.Inc()
	s.logger.Info("Booking confirmed", zap.String("booking_id", bookingID.String()))

	confirmedEvent := &models.BookingConfirmedEvent{
		BaseEvent:  models.NewBaseEvent(models.EventTypeBookingConfirmed),
		BookingID:  bookingID,
		UserID:     booking.UserID,
		PaymentRef: paymentRef,
	}
	if err := s.publisher.PublishBookingConfirmed(ctx, confirmedEvent); err != nil {
		s.logger.Error("Failed to publish BookingConfirmed event", zap.Error(err))
	}
	s.notify(ctx, booking.UserID, models.NotifyBookingConfirmed,
		"Booking confirmed", fmt.Sprintf("Your booking %s is confirmed.", bookingID))

	return booking, nil
}

// CancelBooking cancels a pending or confirmed booking and returns its
// capacity to the ledger. Cancelling an already-terminal booking is rejected
// and never increments capacity twice.
func (s *BookingService) CancelBooking(ctx context.Context, bookingID uuid.UUID, reason string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.CancelBooking")
	defer span.End()

	booking, err := s.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	ok, err := s.store.TransitionBooking(ctx, bookingID,
		[]string{models.BookingStatusPending, models.BookingStatusConfirmed},
		models.BookingStatusCancelled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: cannot cancel %s booking", ErrInvalidBookingState, booking.Status)
	}

	booking.Status = models.BookingStatusCancelled
	booking.ExpiresAt = nil

	s.reclaimCapacity(ctx, booking)

	details := "Booking cancelled"
	if reason != "" {
		details = fmt.Sprintf("Booking cancelled - %s", reason)
	}
	s.appendHistory(ctx, bookingID, models.HistoryActionCancelled, details)

	util.BookingsCancelledTotal.Inc()
	s.logger.Info("Booking cancelled",
		zap.String("booking_id", bookingID.String()),
		zap.String("reason", reason))

	cancelledEvent := &models.BookingCancelledEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeBookingCancelled),
		BookingID: bookingID,
		Reason:    reason,
	}
	if err := s.publisher.PublishBookingCancelled(ctx, cancelledEvent); err != nil {
		s.logger.Error("Failed to publish BookingCancelled event", zap.Error(err))
	}
	s.notify(ctx, booking.UserID, models.NotifyBookingCancelled,
		"Booking cancelled", fmt.Sprintf("Your booking %s was cancelled.", bookingID))

	return booking, nil
}

// ExpireBooking force-transitions a stale pending booking. Safe to call
// concurrently or redundantly: only the worker that wins the conditional
// transition reclaims capacity, so the increment happens exactly once.
func (s *BookingService) ExpireBooking(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.ExpireBooking")
	defer span.End()

	booking, err := s.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		return false, err
	}

	ok, err := s.store.TransitionBooking(ctx, bookingID,
		[]string{models.BookingStatusPending}, models.BookingStatusExpired)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	s.reclaimCapacity(ctx, booking)
	s.appendHistory(ctx, bookingID, models.HistoryActionExpired, "Booking expired due to timeout")

	util.BookingsExpiredTotal.Inc()
	s.logger.Info("Booking expired", zap.String("booking_id", bookingID.String()))

	expiredEvent := &models.BookingExpiredEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeBookingExpired),
		BookingID: bookingID,
	}
	if err := s.publisher.PublishBookingExpired(ctx, expiredEvent); err != nil {
		s.logger.Error("Failed to publish BookingExpired event", zap.Error(err))
	}

	return true, nil
}

// ExpireDueBookings sweeps pending bookings whose hold window elapsed.
// Returns how many this worker actually expired.
func (s *BookingService) ExpireDueBookings(ctx context.Context, limit int) (int, error) {
	due, err := s.store.GetExpiredPendingBookings(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired bookings: %w", err)
	}

	expired := 0
	for _, booking := range due {
		won, err := s.ExpireBooking(ctx, booking.ID)
		if err != nil {
			s.logger.Error("Failed to expire booking",
				zap.String("booking_id", booking.ID.String()), zap.Error(err))
			continue
		}
		if won {
			expired++
		}
	}
	return expired, nil
}

// ReleaseStaleSeats frees seats stuck in HELD since before the cutoff,
// covering crashes between placing a hold and committing the booking
func (s *BookingService) ReleaseStaleSeats(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.store.ReleaseStaleHeldSeats(ctx, cutoff)
}

// GetBooking retrieves a booking with its seats
func (s *BookingService) GetBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, []uuid.UUID, error) {
	booking, err := s.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	seatIDs, err := s.store.GetBookingSeatIDs(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	return booking, seatIDs, nil
}

// GetUserBookings retrieves a user's bookings, newest first
func (s *BookingService) GetUserBookings(ctx context.Context, userID uuid.UUID, statuses []string, limit, offset int) ([]models.Booking, error) {
	return s.store.GetUserBookings(ctx, userID, statuses, limit, offset)
}

// GetBookingHistory retrieves the audit trail for a booking
func (s *BookingService) GetBookingHistory(ctx context.Context, bookingID uuid.UUID) ([]models.BookingHistory, error) {
	return s.store.GetBookingHistory(ctx, bookingID)
}

// GetCapacity reads the live availability and ledger version for an event
func (s *BookingService) GetCapacity(ctx context.Context, eventID uuid.UUID) (int, int64, error) {
	return s.ledger.GetCapacity(ctx, eventID)
}

// Receipt is the printable summary for a booking
type Receipt struct {
	Reference   string        `json:"reference"`
	BookingID   uuid.UUID     `json:"booking_id"`
	EventName   string        `json:"event_name"`
	Venue       string        `json:"venue"`
	EventDate   time.Time     `json:"event_date"`
	Status      string        `json:"status"`
	Quantity    int           `json:"quantity"`
	Seats       []models.Seat `json:"seats,omitempty"`
	TotalAmount int64         `json:"total_amount"`
	IssuedAt    time.Time     `json:"issued_at"`
}

// GetReceipt builds the receipt for a booking
func (s *BookingService) GetReceipt(ctx context.Context, bookingID uuid.UUID) (*Receipt, error) {
	booking, err := s.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	event, err := s.ledger.GetEvent(ctx, booking.EventID)
	if err != nil {
		return nil, err
	}

	var seats []models.Seat
	seatIDs, err := s.store.GetBookingSeatIDs(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if len(seatIDs) > 0 {
		seats, err = s.store.GetSeatsByIDs(ctx, seatIDs)
		if err != nil {
			return nil, err
		}
	}

	return &Receipt{
		Reference:   "EVT-" + bookingID.String()[:8],
		BookingID:   bookingID,
		EventName:   event.Name,
		Venue:       event.Venue,
		EventDate:   event.EventDate,
		Status:      booking.Status,
		Quantity:    booking.Quantity,
		Seats:       seats,
		TotalAmount: booking.TotalAmount,
		IssuedAt:    s.now(),
	}, nil
}

// SeatMap summarizes the seat layout and availability for an event
type SeatMap struct {
	EventID        uuid.UUID     `json:"event_id"`
	Seats          []models.Seat `json:"seats"`
	TotalSeats     int           `json:"total_seats"`
	AvailableSeats int           `json:"available_seats"`
	HeldSeats      int           `json:"held_seats"`
	BookedSeats    int           `json:"booked_seats"`
}

// GetSeatMap retrieves the seat map with availability aggregates
func (s *BookingService) GetSeatMap(ctx context.Context, eventID uuid.UUID) (*SeatMap, error) {
	seats, err := s.store.ListEventSeats(ctx, eventID)
	if err != nil {
		return nil, err
	}

	sm := &SeatMap{EventID: eventID, Seats: seats, TotalSeats: len(seats)}
	for _, seat := range seats {
		switch seat.Status {
		case models.SeatStatusAvailable:
			sm.AvailableSeats++
		case models.SeatStatusHeld:
			sm.HeldSeats++
		case models.SeatStatusBooked:
			sm.BookedSeats++
		}
	}
	return sm, nil
}

// decrementWithRetry runs the bounded CAS loop against the ledger. Version
// conflicts are retried with jittered backoff; a genuine sell-out, or an
// exhausted retry budget, surfaces as ErrCapacityExceeded.
func (s *BookingService) decrementWithRetry(ctx context.Context, eventID uuid.UUID, qty int, version int64) error {
	start := time.Now()
	defer func() {
		util.CapacityDecrementLatency.Observe(time.Since(start).Seconds())
	}()

	for attempt := 0; attempt < s.cfg.MaxRetryAttempts; attempt++ {
		update, err := s.ledger.TryDecrementCapacity(ctx, eventID, qty, version)
		if err != nil {
			return fmt.Errorf("ledger decrement failed: %w", err)
		}

		switch update.Outcome {
		case models.CapacityCommitted:
			return nil
		case models.CapacityInsufficient:
			util.BookingsFailedTotal.WithLabelValues("sold_out").Inc()
			return ErrCapacityExceeded
		case models.CapacityConflict:
			util.CapacityConflictsTotal.Inc()
			version = update.NewVersion
			if attempt < s.cfg.MaxRetryAttempts-1 {
				if err := s.backoff(ctx, attempt); err != nil {
					return err
				}
			}
		}
	}

	// Repeated conflicts are treated conservatively as contention-induced
	// unavailability rather than an error in the caller's request.
	util.BookingsFailedTotal.WithLabelValues("contention").Inc()
	return ErrCapacityExceeded
}

func (s *BookingService) backoff(ctx context.Context, attempt int) error {
	delay := s.cfg.RetryBaseDelay << uint(attempt)
	if delay > s.cfg.RetryMaxDelay {
		delay = s.cfg.RetryMaxDelay
	}
	half := delay / 2
	delay = half + time.Duration(rand.Int63n(int64(half)+1))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// reserveSeats locks the requested seats in sorted order, verifies them and
// places TTL holds. Fails fast without touching the ledger.
func (s *BookingService) reserveSeats(ctx context.Context, event *models.Event, seatIDs []uuid.UUID, holder string) ([]models.Seat, error) {
	if !event.HasSeatSelection {
		return nil, fmt.Errorf("%w: event does not support seat selection", ErrValidation)
	}

	// Locks are always taken in seat-id order so two overlapping multi-seat
	// requests cannot deadlock each other.
	sorted := make([]uuid.UUID, len(seatIDs))
	copy(sorted, seatIDs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})

	var locked []uuid.UUID
	for _, seatID := range sorted {
		acquired, err := s.acquireLockWithRetry(ctx, "seat:"+seatID.String(), holder)
		if err != nil || !acquired {
			s.releaseSeatLocksSubset(locked, holder)
			if err != nil {
				return nil, fmt.Errorf("seat lock acquisition failed: %w", err)
			}
			return nil, ErrSeatUnavailable
		}
		locked = append(locked, seatID)
	}

	seats, err := s.store.GetSeatsByIDs(ctx, seatIDs)
	if err != nil {
		s.releaseSeatLocksSubset(locked, holder)
		return nil, err
	}
	if len(seats) != len(seatIDs) {
		s.releaseSeatLocksSubset(locked, holder)
		return nil, fmt.Errorf("%w: unknown seat requested", ErrValidation)
	}
	for _, seat := range seats {
		if seat.EventID != event.ID {
			s.releaseSeatLocksSubset(locked, holder)
			return nil, fmt.Errorf("%w: seat does not belong to event", ErrValidation)
		}
		if seat.Status != models.SeatStatusAvailable {
			s.releaseSeatLocksSubset(locked, holder)
			return nil, ErrSeatUnavailable
		}
	}

	held, err := s.leases.HoldSeats(ctx, seatIDStrings(seatIDs), holder, s.cfg.HoldWindow)
	if err != nil {
		s.releaseSeatLocksSubset(locked, holder)
		return nil, fmt.Errorf("seat hold failed: %w", err)
	}
	if !held {
		s.releaseSeatLocksSubset(locked, holder)
		util.SeatHoldsRejectedTotal.Inc()
		return nil, ErrSeatUnavailable
	}
	util.SeatHoldsPlacedTotal.Add(float64(len(seatIDs)))

	n, err := s.store.TransitionSeats(ctx, seatIDs, models.SeatStatusAvailable, models.SeatStatusHeld)
	if err == nil && n != int64(len(seatIDs)) {
		err = ErrSeatUnavailable
	}
	if err != nil {
		// Revert any seats that did flip; the redis holds and locks are
		// still ours, so nobody else can have touched them.
		if _, rerr := s.store.TransitionSeats(ctx, seatIDs, models.SeatStatusHeld, models.SeatStatusAvailable); rerr != nil {
			s.logger.Error("Failed to revert seat hold transition", zap.Error(rerr))
		}
		if rerr := s.leases.ReleaseHolds(ctx, seatIDStrings(seatIDs), holder); rerr != nil {
			s.logger.Error("Failed to release seat holds", zap.Error(rerr))
		}
		s.releaseSeatLocksSubset(locked, holder)
		return nil, err
	}

	return seats, nil
}

// commitSeats flips held seats to booked and links them to the booking.
// The redis holds are destroyed on commit; the DB row is authoritative from
// here on.
func (s *BookingService) commitSeats(ctx context.Context, booking *models.Booking, seatIDs []uuid.UUID, holder string) error {
	n, err := s.store.TransitionSeats(ctx, seatIDs, models.SeatStatusHeld, models.SeatStatusBooked)
	if err != nil {
		return fmt.Errorf("failed to book seats: %w", err)
	}
	if n != int64(len(seatIDs)) {
		// Some holds lapsed and the reaper freed those seats. The subset
		// that did flip belongs to no booking yet; the seat locks are still
		// ours, so nobody else can own a BOOKED row here. Put it back.
		if n > 0 {
			s.revertBookedSeats(ctx, seatIDs, holder)
		}
		return ErrExpiredHold
	}

	if err := s.store.CreateSeatBookings(ctx, booking.ID, seatIDs); err != nil {
		s.revertBookedSeats(ctx, seatIDs, holder)
		return fmt.Errorf("failed to link seats to booking: %w", err)
	}

	if err := s.leases.ReleaseHolds(ctx, seatIDStrings(seatIDs), holder); err != nil {
		s.logger.Warn("Failed to release seat holds after commit", zap.Error(err))
	}
	return nil
}

// revertBookedSeats frees seats that reached BOOKED without a seat_bookings
// row, so they cannot be stranded outside the reaper's reach.
func (s *BookingService) revertBookedSeats(ctx context.Context, seatIDs []uuid.UUID, holder string) {
	if _, err := s.store.TransitionSeats(ctx, seatIDs, models.SeatStatusBooked, models.SeatStatusAvailable); err != nil {
		s.logger.Error("Failed to revert partially booked seats", zap.Error(err))
	}
	if err := s.leases.ReleaseHolds(ctx, seatIDStrings(seatIDs), holder); err != nil {
		s.logger.Warn("Failed to release seat holds", zap.Error(err))
	}
}

// rollbackSeatReservation undoes holds placed by a failed create. Idempotent
// against already-expired holds.
func (s *BookingService) rollbackSeatReservation(ctx context.Context, seatIDs []uuid.UUID, holder string) {
	if len(seatIDs) == 0 {
		return
	}
	if _, err := s.store.TransitionSeats(ctx, seatIDs, models.SeatStatusHeld, models.SeatStatusAvailable); err != nil {
		s.logger.Error("Failed to release held seats", zap.Error(err))
	}
	if err := s.leases.ReleaseHolds(ctx, seatIDStrings(seatIDs), holder); err != nil {
		s.logger.Error("Failed to release seat holds", zap.Error(err))
	}
}

// reclaimCapacity returns a booking's quantity to the ledger, frees its
// seats and signals the promoter.
func (s *BookingService) reclaimCapacity(ctx context.Context, booking *models.Booking) {
	if _, err := s.ledger.IncrementCapacity(ctx, booking.EventID, booking.Quantity); err != nil {
		s.logger.Error("Failed to return capacity to ledger",
			zap.String("booking_id", booking.ID.String()), zap.Error(err))
	}

	seatIDs, err := s.store.GetBookingSeatIDs(ctx, booking.ID)
	if err != nil {
		s.logger.Error("Failed to load booking seats", zap.Error(err))
	} else if len(seatIDs) > 0 {
		if _, err := s.store.TransitionSeats(ctx, seatIDs, models.SeatStatusBooked, models.SeatStatusAvailable); err != nil {
			s.logger.Error("Failed to release booked seats", zap.Error(err))
		}
	}

	releasedEvent := &models.CapacityReleasedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeCapacityReleased),
		TicketEvent: booking.EventID,
		Quantity:    booking.Quantity,
	}
	if err := s.publisher.PublishCapacityReleased(ctx, releasedEvent); err != nil {
		s.logger.Error("Failed to publish CapacityReleased event", zap.Error(err))
	}
}

func (s *BookingService) compensateCapacity(ctx context.Context, eventID uuid.UUID, qty int) {
	if _, err := s.ledger.IncrementCapacity(ctx, eventID, qty); err != nil {
		s.logger.Error("Failed to compensate ledger decrement",
			zap.String("event_id", eventID.String()), zap.Error(err))
	}
}

func (s *BookingService) validateRequest(ctx context.Context, req *CreateBookingRequest) (*models.Event, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if req.Quantity > s.cfg.MaxQuantity {
		return nil, fmt.Errorf("%w: cannot book more than %d tickets", ErrValidation, s.cfg.MaxQuantity)
	}
	if len(req.SeatIDs) > 0 && len(req.SeatIDs) != req.Quantity {
		return nil, fmt.Errorf("%w: number of selected seats must match quantity", ErrValidation)
	}

	event, err := s.ledger.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if !event.IsActive {
		return nil, fmt.Errorf("%w: event is not active", ErrValidation)
	}
	if event.EventDate.Before(s.now()) {
		return nil, fmt.Errorf("%w: cannot book tickets for past events", ErrValidation)
	}
	return event, nil
}

func (s *BookingService) acquireLockWithRetry(ctx context.Context, resource, holder string) (bool, error) {
	for attempt := 0; attempt < s.cfg.LockRetries; attempt++ {
		acquired, err := s.leases.AcquireLock(ctx, resource, holder, s.cfg.LockTTL)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.cfg.LockRetryDelay):
		}
	}
	return false, nil
}

func (s *BookingService) releaseSeatLocks(seatIDs []uuid.UUID, holder string) {
	s.releaseSeatLocksSubset(seatIDs, holder)
}

func (s *BookingService) releaseSeatLocksSubset(seatIDs []uuid.UUID, holder string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, seatID := range seatIDs {
		if err := s.leases.ReleaseLock(ctx, "seat:"+seatID.String(), holder); err != nil {
			s.logger.Warn("Failed to release seat lock",
				zap.String("seat_id", seatID.String()), zap.Error(err))
		}
	}
}

func (s *BookingService) appendHistory(ctx context.Context, bookingID uuid.UUID, action, details string) {
	h := &models.BookingHistory{BookingID: bookingID, Action: action, Details: details}
	if err := s.store.AppendBookingHistory(ctx, h); err != nil {
		s.logger.Error("Failed to append booking history",
			zap.String("booking_id", bookingID.String()), zap.Error(err))
	}
}

func (s *BookingService) notify(ctx context.Context, userID uuid.UUID, kind, subject, body string) {
	if s.notifier == nil {
		return
	}
	n := &models.Notification{
		BaseEvent: models.NewBaseEvent(kind),
		UserID:    userID,
		Kind:      kind,
		Subject:   subject,
		Body:      body,
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("Failed to dispatch notification", zap.Error(err))
	}
}

func seatIDStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
