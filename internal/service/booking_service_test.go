package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"evently/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bookingHarness struct {
	svc      *BookingService
	ledger   *memLedger
	store    *memBookingStore
	leases   *memLeases
	pub      *memPublisher
	notifier *memNotifier
}

func newBookingHarness() *bookingHarness {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.MaxRetryAttempts = 5
	cfg.LockRetryDelay = time.Millisecond

	h := &bookingHarness{
		ledger:   newMemLedger(),
		store:    newMemBookingStore(),
		leases:   newMemLeases(),
		pub:      newMemPublisher(),
		notifier: newMemNotifier(),
	}
	h.svc = NewBookingService(h.store, h.ledger, h.leases, h.pub, h.notifier, cfg)
	return h
}

func (h *bookingHarness) addEvent(capacity int) *models.Event {
	ev := &models.Event{
		ID:                uuid.New(),
		Name:              "Test Event",
		EventDate:         time.Now().Add(24 * time.Hour),
		Price:             5000,
		TotalCapacity:     capacity,
		AvailableCapacity: capacity,
		IsActive:          true,
	}
	h.ledger.addEvent(ev)
	return ev
}

func TestCreateBookingDecrementsCapacity(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(10)

	booking, err := h.svc.CreateBooking(context.Background(), &CreateBookingRequest{
		UserID:   uuid.New(),
		EventID:  ev.ID,
		Quantity: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, models.BookingStatusPending, booking.Status)
	assert.Equal(t, int64(15000), booking.TotalAmount)
	require.NotNil(t, booking.ExpiresAt)
	assert.Equal(t, 7, h.ledger.capacity(ev.ID))
}

func TestCreateBookingSoldOut(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(2)

	_, err := h.svc.CreateBooking(context.Background(), &CreateBookingRequest{
		UserID:   uuid.New(),
		EventID:  ev.ID,
		Quantity: 3,
	})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, h.ledger.capacity(ev.ID))
}

func TestCreateBookingValidation(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(100)
	ctx := context.Background()

	_, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: ev.ID, Quantity: 0,
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: ev.ID, Quantity: 11,
	})
	assert.ErrorIs(t, err, ErrValidation)

	past := h.addEvent(100)
	h.ledger.events[past.ID].EventDate = time.Now().Add(-time.Hour)
	_, err = h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: past.ID, Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrValidation)

	inactive := h.addEvent(100)
	h.ledger.events[inactive.ID].IsActive = false
	_, err = h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: inactive.ID, Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestConcurrentBookingsNeverOversell(t *testing.T) {
	h := newBookingHarness()
	const capacity = 20
	const contenders = 60
	ev := h.addEvent(capacity)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.CreateBooking(context.Background(), &CreateBookingRequest{
				UserID:   uuid.New(),
				EventID:  ev.ID,
				Quantity: 1,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	remaining := h.ledger.capacity(ev.ID)
	assert.GreaterOrEqual(t, remaining, 0, "capacity must never go negative")
	assert.LessOrEqual(t, succeeded, capacity)
	assert.Equal(t, capacity-succeeded, remaining,
		"every successful booking must account for exactly its quantity")
}

func TestConfirmBooking(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(10)
	ctx := context.Background()

	booking, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: ev.ID, Quantity: 2,
	})
	require.NoError(t, err)

	confirmed, err := h.svc.ConfirmBooking(ctx, booking.ID, "pay-123")
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusConfirmed, confirmed.Status)
	assert.Nil(t, confirmed.ExpiresAt)

	// Confirming again must fail; the state machine is terminal-once.
	_, err = h.svc.ConfirmBooking(ctx, booking.ID, "pay-123")
	assert.ErrorIs(t, err, ErrInvalidBookingState)
}

func TestConfirmExpiredBookingFails(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(10)
	ctx := context.Background()

	booking, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: ev.ID, Quantity: 1,
	})
	require.NoError(t, err)

	h.svc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

	_, err = h.svc.ConfirmBooking(ctx, booking.ID, "")
	assert.ErrorIs(t, err, ErrBookingExpired)
}

func TestCancelBookingReturnsCapacityOnce(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(10)
	ctx := context.Background()

	booking, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: ev.ID, Quantity: 4,
	})
	require.NoError(t, err)
	require.Equal(t, 6, h.ledger.capacity(ev.ID))

	cancelled, err := h.svc.CancelBooking(ctx, booking.ID, "changed plans")
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusCancelled, cancelled.Status)
	assert.Equal(t, 10, h.ledger.capacity(ev.ID))
	assert.Equal(t, 1, h.pub.countCapacityReleased())

	_, err = h.svc.CancelBooking(ctx, booking.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidBookingState)
	assert.Equal(t, 10, h.ledger.capacity(ev.ID), "second cancel must not return capacity again")
}

func TestCancelConfirmedBooking(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(10)
	ctx := context.Background()

	booking, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: ev.ID, Quantity: 2,
	})
	require.NoError(t, err)
	_, err = h.svc.ConfirmBooking(ctx, booking.ID, "pay-1")
	require.NoError(t, err)

	_, err = h.svc.CancelBooking(ctx, booking.ID, "refund")
	require.NoError(t, err)
	assert.Equal(t, 10, h.ledger.capacity(ev.ID))
}

func TestConcurrentExpiryReclaimsExactlyOnce(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(10)
	ctx := context.Background()

	booking, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: ev.ID, Quantity: 3,
	})
	require.NoError(t, err)
	require.Equal(t, 7, h.ledger.capacity(ev.ID))

	const reapers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, reapers)
	for i := 0; i < reapers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := h.svc.ExpireBooking(ctx, booking.ID)
			assert.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one reaper may win the expiry")
	assert.Equal(t, 10, h.ledger.capacity(ev.ID), "capacity returned exactly once")

	final, err := h.store.GetBookingByID(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusExpired, final.Status)
}

func TestExpiryVersusConfirmRace(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(10)
	ctx := context.Background()

	booking, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: ev.ID, Quantity: 1,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var confirmErr error
	var expired bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, confirmErr = h.svc.ConfirmBooking(ctx, booking.ID, "pay-race")
	}()
	go func() {
		defer wg.Done()
		expired, _ = h.svc.ExpireBooking(ctx, booking.ID)
	}()
	wg.Wait()

	final, err := h.store.GetBookingByID(ctx, booking.ID)
	require.NoError(t, err)

	if expired {
		assert.Error(t, confirmErr)
		assert.Equal(t, models.BookingStatusExpired, final.Status)
		assert.Equal(t, 10, h.ledger.capacity(ev.ID))
	} else {
		assert.NoError(t, confirmErr)
		assert.Equal(t, models.BookingStatusConfirmed, final.Status)
		assert.Equal(t, 9, h.ledger.capacity(ev.ID))
	}
}

func TestExpireDueBookings(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(10)
	ctx := context.Background()

	booking, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: ev.ID, Quantity: 2,
	})
	require.NoError(t, err)

	// Nothing is due yet.
	n, err := h.svc.ExpireDueBookings(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.store.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

	n, err = h.svc.ExpireDueBookings(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 10, h.ledger.capacity(ev.ID))

	final, err := h.store.GetBookingByID(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusExpired, final.Status)
}

func TestSeatBookingHappyPath(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(50)
	h.ledger.events[ev.ID].HasSeatSelection = true
	ctx := context.Background()

	seatA := &models.Seat{EventID: ev.ID, Section: "A", Row: "1", Number: 1, Price: 8000}
	seatB := &models.Seat{EventID: ev.ID, Section: "A", Row: "1", Number: 2, Price: 8000}
	h.store.addSeat(seatA)
	h.store.addSeat(seatB)

	booking, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID:   uuid.New(),
		EventID:  ev.ID,
		Quantity: 2,
		SeatIDs:  []uuid.UUID{seatA.ID, seatB.ID},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(16000), booking.TotalAmount, "seat pricing overrides the event price")
	assert.Equal(t, models.SeatStatusBooked, h.store.seatStatus(seatA.ID))
	assert.Equal(t, models.SeatStatusBooked, h.store.seatStatus(seatB.ID))
	assert.Equal(t, 48, h.ledger.capacity(ev.ID))

	seatIDs, err := h.store.GetBookingSeatIDs(ctx, booking.ID)
	require.NoError(t, err)
	assert.Len(t, seatIDs, 2)
}

func TestConcurrentSeatRequestsOneWinner(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(50)
	h.ledger.events[ev.ID].HasSeatSelection = true

	seat := &models.Seat{EventID: ev.ID, Section: "A", Row: "1", Number: 1, Price: 8000}
	h.store.addSeat(seat)

	const contenders = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.CreateBooking(context.Background(), &CreateBookingRequest{
				UserID:   uuid.New(),
				EventID:  ev.ID,
				Quantity: 1,
				SeatIDs:  []uuid.UUID{seat.ID},
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrSeatUnavailable)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "a seat can only be sold once")
	assert.Equal(t, models.SeatStatusBooked, h.store.seatStatus(seat.ID))
	assert.Equal(t, 49, h.ledger.capacity(ev.ID), "only the winner consumed capacity")
}

func TestSeatBookingRejectsTakenSeat(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(50)
	h.ledger.events[ev.ID].HasSeatSelection = true

	seat := &models.Seat{EventID: ev.ID, Section: "B", Row: "2", Number: 5, Price: 6000, Status: models.SeatStatusBooked}
	h.store.addSeat(seat)

	_, err := h.svc.CreateBooking(context.Background(), &CreateBookingRequest{
		UserID:   uuid.New(),
		EventID:  ev.ID,
		Quantity: 1,
		SeatIDs:  []uuid.UUID{seat.ID},
	})
	assert.ErrorIs(t, err, ErrSeatUnavailable)
	assert.Equal(t, 50, h.ledger.capacity(ev.ID))
}

func TestCancelSeatBookingFreesSeats(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(50)
	h.ledger.events[ev.ID].HasSeatSelection = true
	ctx := context.Background()

	seat := &models.Seat{EventID: ev.ID, Section: "A", Row: "1", Number: 3, Price: 7000}
	h.store.addSeat(seat)

	booking, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID:   uuid.New(),
		EventID:  ev.ID,
		Quantity: 1,
		SeatIDs:  []uuid.UUID{seat.ID},
	})
	require.NoError(t, err)

	_, err = h.svc.CancelBooking(ctx, booking.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.SeatStatusAvailable, h.store.seatStatus(seat.ID))
	assert.Equal(t, 50, h.ledger.capacity(ev.ID))
}

func TestPartialSeatCommitFreesFlippedSeats(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(50)
	h.ledger.events[ev.ID].HasSeatSelection = true
	ctx := context.Background()

	seatA := &models.Seat{EventID: ev.ID, Section: "A", Row: "1", Number: 1, Price: 8000}
	seatB := &models.Seat{EventID: ev.ID, Section: "A", Row: "1", Number: 2, Price: 8000}
	h.store.addSeat(seatA)
	h.store.addSeat(seatB)

	// One hold lapses between persisting the booking and the seat commit,
	// as if the stale-seat reaper freed it.
	h.store.afterCreateBooking = func() {
		_, err := h.store.TransitionSeats(ctx, []uuid.UUID{seatA.ID},
			models.SeatStatusHeld, models.SeatStatusAvailable)
		require.NoError(t, err)
	}

	_, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID:   uuid.New(),
		EventID:  ev.ID,
		Quantity: 2,
		SeatIDs:  []uuid.UUID{seatA.ID, seatB.ID},
	})
	assert.ErrorIs(t, err, ErrExpiredHold)

	assert.Equal(t, models.SeatStatusAvailable, h.store.seatStatus(seatA.ID))
	assert.Equal(t, models.SeatStatusAvailable, h.store.seatStatus(seatB.ID),
		"the seat that did flip is freed, not stranded in BOOKED without an owner")
	assert.Equal(t, 50, h.ledger.capacity(ev.ID))
}

func TestBookingHistoryTrail(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(10)
	ctx := context.Background()

	booking, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: ev.ID, Quantity: 1,
	})
	require.NoError(t, err)
	_, err = h.svc.ConfirmBooking(ctx, booking.ID, "pay-9")
	require.NoError(t, err)
	_, err = h.svc.CancelBooking(ctx, booking.ID, "refund")
	require.NoError(t, err)

	history, err := h.svc.GetBookingHistory(ctx, booking.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.HistoryActionCreated, history[0].Action)
	assert.Equal(t, models.HistoryActionConfirmed, history[1].Action)
	assert.Equal(t, models.HistoryActionCancelled, history[2].Action)
}

func TestCreateEventWithSeats(t *testing.T) {
	h := newBookingHarness()
	ctx := context.Background()

	event, err := h.svc.CreateEvent(ctx, &CreateEventRequest{
		Name:          "Small Hall",
		Venue:         "Studio B",
		EventDate:     time.Now().Add(72 * time.Hour),
		Price:         4000,
		TotalCapacity: 2,
		Seats: []SeatSpec{
			{Section: "A", Row: "1", Number: 1, Price: 6000},
			{Section: "A", Row: "1", Number: 2},
		},
	})
	require.NoError(t, err)

	assert.True(t, event.HasSeatSelection)
	assert.Equal(t, 2, h.ledger.capacity(event.ID))
	assert.Equal(t, int64(1), event.Version)

	seats, err := h.store.ListEventSeats(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, seats, 2)
	for _, seat := range seats {
		assert.Equal(t, models.SeatStatusAvailable, seat.Status)
		if seat.Number == 2 {
			assert.Equal(t, int64(4000), seat.Price, "unpriced seats inherit the event price")
		}
	}

	_, err = h.svc.CreateEvent(ctx, &CreateEventRequest{
		Name:          "Mismatch",
		EventDate:     time.Now().Add(time.Hour),
		TotalCapacity: 3,
		Seats:         []SeatSpec{{Section: "A", Row: "1", Number: 1}},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetReceipt(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(10)
	ctx := context.Background()

	booking, err := h.svc.CreateBooking(ctx, &CreateBookingRequest{
		UserID: uuid.New(), EventID: ev.ID, Quantity: 2,
	})
	require.NoError(t, err)

	receipt, err := h.svc.GetReceipt(ctx, booking.ID)
	require.NoError(t, err)

	assert.Equal(t, "EVT-"+booking.ID.String()[:8], receipt.Reference)
	assert.Equal(t, ev.Name, receipt.EventName)
	assert.Equal(t, 2, receipt.Quantity)
	assert.Equal(t, int64(10000), receipt.TotalAmount)
	assert.Equal(t, models.BookingStatusPending, receipt.Status)
}

func TestGetSeatMap(t *testing.T) {
	h := newBookingHarness()
	ev := h.addEvent(3)
	h.store.addSeat(&models.Seat{EventID: ev.ID, Section: "A", Row: "1", Number: 1, Status: models.SeatStatusAvailable})
	h.store.addSeat(&models.Seat{EventID: ev.ID, Section: "A", Row: "1", Number: 2, Status: models.SeatStatusHeld})
	h.store.addSeat(&models.Seat{EventID: ev.ID, Section: "A", Row: "1", Number: 3, Status: models.SeatStatusBooked})

	sm, err := h.svc.GetSeatMap(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sm.TotalSeats)
	assert.Equal(t, 1, sm.AvailableSeats)
	assert.Equal(t, 1, sm.HeldSeats)
	assert.Equal(t, 1, sm.BookedSeats)
}
