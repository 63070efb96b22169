package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"evently/internal/models"

	"github.com/google/uuid"
)

// In-memory doubles for the store, ledger, leases and broker. They keep the
// same conditional-update semantics as the real implementations so the
// concurrency behaviour under test is the real thing.

type memLedger struct {
	mu     sync.Mutex
	events map[uuid.UUID]*models.Event
}

func newMemLedger() *memLedger {
	return &memLedger{events: map[uuid.UUID]*models.Event{}}
}

func (m *memLedger) addEvent(ev *models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Version == 0 {
		ev.Version = 1
	}
	m.events[ev.ID] = ev
}

func (m *memLedger) CreateEvent(ctx context.Context, event *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.AvailableCapacity = event.TotalCapacity
	event.Version = 1
	cp := *event
	m.events[event.ID] = &cp
	return nil
}

func (m *memLedger) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event not found: %s", id)
	}
	cp := *ev
	return &cp, nil
}

func (m *memLedger) GetCapacity(ctx context.Context, eventID uuid.UUID) (int, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return 0, 0, fmt.Errorf("event not found: %s", eventID)
	}
	return ev.AvailableCapacity, ev.Version, nil
}

func (m *memLedger) TryDecrementCapacity(ctx context.Context, eventID uuid.UUID, qty int, expectedVersion int64) (models.CapacityUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return models.CapacityUpdate{}, fmt.Errorf("event not found: %s", eventID)
	}
	if ev.Version != expectedVersion {
		if ev.AvailableCapacity < qty {
			return models.CapacityUpdate{Outcome: models.CapacityInsufficient, NewVersion: ev.Version}, nil
		}
		return models.CapacityUpdate{Outcome: models.CapacityConflict, NewVersion: ev.Version}, nil
	}
	if ev.AvailableCapacity < qty {
		return models.CapacityUpdate{Outcome: models.CapacityInsufficient, NewVersion: ev.Version}, nil
	}
	ev.AvailableCapacity -= qty
	ev.Version++
	return models.CapacityUpdate{Outcome: models.CapacityCommitted, NewVersion: ev.Version}, nil
}

func (m *memLedger) IncrementCapacity(ctx context.Context, eventID uuid.UUID, qty int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return 0, fmt.Errorf("event not found: %s", eventID)
	}
	ev.AvailableCapacity += qty
	ev.Version++
	return ev.Version, nil
}

func (m *memLedger) capacity(eventID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[eventID].AvailableCapacity
}

type memBookingStore struct {
	mu           sync.Mutex
	bookings     map[uuid.UUID]*models.Booking
	seats        map[uuid.UUID]*models.Seat
	seatBookings map[uuid.UUID][]uuid.UUID
	history      map[uuid.UUID][]models.BookingHistory
	now          func() time.Time

	// afterCreateBooking, when set, runs outside the lock once the booking
	// row exists. Lets tests interleave work between persist and seat commit.
	afterCreateBooking func()
}

func newMemBookingStore() *memBookingStore {
	return &memBookingStore{
		bookings:     map[uuid.UUID]*models.Booking{},
		seats:        map[uuid.UUID]*models.Seat{},
		seatBookings: map[uuid.UUID][]uuid.UUID{},
		history:      map[uuid.UUID][]models.BookingHistory{},
		now:          time.Now,
	}
}

func (m *memBookingStore) addSeat(seat *models.Seat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seat.ID == uuid.Nil {
		seat.ID = uuid.New()
	}
	if seat.Status == "" {
		seat.Status = models.SeatStatusAvailable
	}
	m.seats[seat.ID] = seat
}

func (m *memBookingStore) CreateBooking(ctx context.Context, booking *models.Booking) error {
	m.mu.Lock()
	if booking.ID == uuid.Nil {
		booking.ID = uuid.New()
	}
	booking.Version = 1
	booking.CreatedAt = m.now()
	booking.UpdatedAt = booking.CreatedAt
	cp := *booking
	m.bookings[booking.ID] = &cp
	m.mu.Unlock()

	if m.afterCreateBooking != nil {
		m.afterCreateBooking()
	}
	return nil
}

func (m *memBookingStore) GetBookingByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking not found: %s", id)
	}
	cp := *b
	return &cp, nil
}

func (m *memBookingStore) TransitionBooking(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if b.Status == f {
			b.Status = to
			b.ExpiresAt = nil
			b.Version++
			b.UpdatedAt = m.now()
			return true, nil
		}
	}
	return false, nil
}

func (m *memBookingStore) GetExpiredPendingBookings(ctx context.Context, limit int) ([]models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Booking
	for _, b := range m.bookings {
		if b.Status == models.BookingStatusPending && b.ExpiresAt != nil && b.ExpiresAt.Before(m.now()) {
			out = append(out, *b)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memBookingStore) GetUserBookings(ctx context.Context, userID uuid.UUID, statuses []string, limit, offset int) ([]models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Booking
	for _, b := range m.bookings {
		if b.UserID != userID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if b.Status == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memBookingStore) AppendBookingHistory(ctx context.Context, h *models.BookingHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.CreatedAt = m.now()
	m.history[h.BookingID] = append(m.history[h.BookingID], *h)
	return nil
}

func (m *memBookingStore) GetBookingHistory(ctx context.Context, bookingID uuid.UUID) ([]models.BookingHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.BookingHistory(nil), m.history[bookingID]...), nil
}

func (m *memBookingStore) CreateSeats(ctx context.Context, eventID uuid.UUID, seats []models.Seat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range seats {
		if seats[i].ID == uuid.Nil {
			seats[i].ID = uuid.New()
		}
		seats[i].EventID = eventID
		if seats[i].Status == "" {
			seats[i].Status = models.SeatStatusAvailable
		}
		cp := seats[i]
		m.seats[cp.ID] = &cp
	}
	return nil
}

func (m *memBookingStore) GetSeatsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Seat
	for _, id := range ids {
		if seat, ok := m.seats[id]; ok {
			out = append(out, *seat)
		}
	}
	return out, nil
}

func (m *memBookingStore) ListEventSeats(ctx context.Context, eventID uuid.UUID) ([]models.Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Seat
	for _, seat := range m.seats {
		if seat.EventID == eventID {
			out = append(out, *seat)
		}
	}
	return out, nil
}

func (m *memBookingStore) TransitionSeats(ctx context.Context, ids []uuid.UUID, from, to string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if seat, ok := m.seats[id]; ok && seat.Status == from {
			seat.Status = to
			seat.Version++
			seat.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *memBookingStore) CreateSeatBookings(ctx context.Context, bookingID uuid.UUID, seatIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seatBookings[bookingID] = append(m.seatBookings[bookingID], seatIDs...)
	return nil
}

func (m *memBookingStore) GetBookingSeatIDs(ctx context.Context, bookingID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.seatBookings[bookingID]...), nil
}

func (m *memBookingStore) ReleaseStaleHeldSeats(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, seat := range m.seats {
		if seat.Status == models.SeatStatusHeld && seat.UpdatedAt.Before(cutoff) {
			seat.Status = models.SeatStatusAvailable
			seat.Version++
			n++
		}
	}
	return n, nil
}

func (m *memBookingStore) seatStatus(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seats[id].Status
}

type memWaitlistStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*models.WaitlistEntry
	now     func() time.Time

	// beforeGet, when set, runs outside the lock ahead of each entry read.
	// Lets tests interleave work between a service's read and its next write.
	beforeGet func()
}

func newMemWaitlistStore() *memWaitlistStore {
	return &memWaitlistStore{
		entries: map[uuid.UUID]*models.WaitlistEntry{},
		now:     time.Now,
	}
}

func (m *memWaitlistStore) CreateWaitlistEntry(ctx context.Context, entry *models.WaitlistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxPos := 0
	for _, e := range m.entries {
		if e.EventID == entry.EventID && e.Position > maxPos {
			maxPos = e.Position
		}
		if e.EventID == entry.EventID && e.UserID == entry.UserID &&
			(e.Status == models.WaitlistStatusWaiting || e.Status == models.WaitlistStatusOffered) {
			return fmt.Errorf("duplicate waitlist entry for user %s", entry.UserID)
		}
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.Position = maxPos + 1
	entry.CreatedAt = m.now()
	entry.UpdatedAt = entry.CreatedAt
	cp := *entry
	m.entries[entry.ID] = &cp
	return nil
}

func (m *memWaitlistStore) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*models.WaitlistEntry, error) {
	if m.beforeGet != nil {
		m.beforeGet()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("waitlist entry not found: %s", id)
	}
	cp := *e
	return &cp, nil
}

func (m *memWaitlistStore) GetUserWaitlistEntry(ctx context.Context, userID, eventID uuid.UUID) (*models.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.UserID == userID && e.EventID == eventID &&
			(e.Status == models.WaitlistStatusWaiting || e.Status == models.WaitlistStatusOffered) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memWaitlistStore) WaitingEntries(ctx context.Context, eventID uuid.UUID) ([]models.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WaitlistEntry
	for _, e := range m.entries {
		if e.EventID == eventID && e.Status == models.WaitlistStatusWaiting {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memWaitlistStore) GetEventWaitlist(ctx context.Context, eventID uuid.UUID, limit, offset int) ([]models.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WaitlistEntry
	for _, e := range m.entries {
		if e.EventID == eventID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memWaitlistStore) MarkEntryOffered(ctx context.Context, id uuid.UUID, offerExpiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != models.WaitlistStatusWaiting {
		return false, nil
	}
	e.Status = models.WaitlistStatusOffered
	exp := offerExpiresAt
	e.OfferExpiresAt = &exp
	e.UpdatedAt = m.now()
	return true, nil
}

func (m *memWaitlistStore) TransitionWaitlistEntry(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	e.OfferExpiresAt = nil
	e.UpdatedAt = m.now()
	return true, nil
}

func (m *memWaitlistStore) GetLapsedOffers(ctx context.Context, limit int) ([]models.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WaitlistEntry
	for _, e := range m.entries {
		if e.Status == models.WaitlistStatusOffered && e.OfferExpiresAt != nil && e.OfferExpiresAt.Before(m.now()) {
			out = append(out, *e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memWaitlistStore) DeleteWaitlistEntry(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *memWaitlistStore) CloseWaitlistRanks(ctx context.Context, eventID uuid.UUID, removedPosition int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.EventID == eventID && e.Position > removedPosition &&
			(e.Status == models.WaitlistStatusWaiting || e.Status == models.WaitlistStatusOffered) {
			e.Position--
		}
	}
	return nil
}

type memLeases struct {
	mu       sync.Mutex
	locks    map[string]string
	holds    map[string]string
	reserves map[string]int
}

func newMemLeases() *memLeases {
	return &memLeases{
		locks:    map[string]string{},
		holds:    map[string]string{},
		reserves: map[string]int{},
	}
}

func (m *memLeases) AcquireLock(ctx context.Context, resource, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.locks[resource]; taken {
		return false, nil
	}
	m.locks[resource] = holder
	return true, nil
}

func (m *memLeases) ReleaseLock(ctx context.Context, resource, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[resource] == holder {
		delete(m.locks, resource)
	}
	return nil
}

func (m *memLeases) HoldSeats(ctx context.Context, seatIDs []string, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range seatIDs {
		if owner, taken := m.holds[id]; taken && owner != holder {
			return false, nil
		}
	}
	for _, id := range seatIDs {
		m.holds[id] = holder
	}
	return true, nil
}

func (m *memLeases) ReleaseHolds(ctx context.Context, seatIDs []string, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range seatIDs {
		if m.holds[id] == holder {
			delete(m.holds, id)
		}
	}
	return nil
}

func (m *memLeases) ExtendHolds(ctx context.Context, seatIDs []string, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range seatIDs {
		if m.holds[id] != holder {
			return false, nil
		}
	}
	return true, nil
}

func (m *memLeases) PlaceOfferReserve(ctx context.Context, entryID string, qty int, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reserves[entryID]; ok {
		return false, nil
	}
	m.reserves[entryID] = qty
	return true, nil
}

func (m *memLeases) TakeOfferReserve(ctx context.Context, entryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reserves[entryID]; !ok {
		return false, nil
	}
	delete(m.reserves, entryID)
	return true, nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func newMemPublisher() *memPublisher {
	return &memPublisher{}
}

func (m *memPublisher) record(event interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memPublisher) PublishBookingCreated(ctx context.Context, event *models.BookingCreatedEvent) error {
	return m.record(event)
}

func (m *memPublisher) PublishBookingConfirmed(ctx context.Context, event *models.BookingConfirmedEvent) error {
	return m.record(event)
}

func (m *memPublisher) PublishBookingCancelled(ctx context.Context, event *models.BookingCancelledEvent) error {
	return m.record(event)
}

func (m *memPublisher) PublishBookingExpired(ctx context.Context, event *models.BookingExpiredEvent) error {
	return m.record(event)
}

func (m *memPublisher) PublishCapacityReleased(ctx context.Context, event *models.CapacityReleasedEvent) error {
	return m.record(event)
}

func (m *memPublisher) PublishWaitlistOffered(ctx context.Context, event *models.WaitlistOfferedEvent) error {
	return m.record(event)
}

func (m *memPublisher) PublishWaitlistOfferExpired(ctx context.Context, event *models.WaitlistOfferExpiredEvent) error {
	return m.record(event)
}

func (m *memPublisher) countCapacityReleased() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if _, ok := e.(*models.CapacityReleasedEvent); ok {
			n++
		}
	}
	return n
}

type memNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func newMemNotifier() *memNotifier {
	return &memNotifier{}
}

func (m *memNotifier) Notify(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *n)
	return nil
}
