package service

import (
	"context"
	"fmt"
	"time"

	"evently/internal/models"
	"evently/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WaitlistStore persists waitlist entries and their FIFO positions
type WaitlistStore interface {
	CreateWaitlistEntry(ctx context.Context, entry *models.WaitlistEntry) error
	GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*models.WaitlistEntry, error)
	GetUserWaitlistEntry(ctx context.Context, userID, eventID uuid.UUID) (*models.WaitlistEntry, error)
	WaitingEntries(ctx context.Context, eventID uuid.UUID) ([]models.WaitlistEntry, error)
	GetEventWaitlist(ctx context.Context, eventID uuid.UUID, limit, offset int) ([]models.WaitlistEntry, error)
	MarkEntryOffered(ctx context.Context, id uuid.UUID, offerExpiresAt time.Time) (bool, error)
	TransitionWaitlistEntry(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	GetLapsedOffers(ctx context.Context, limit int) ([]models.WaitlistEntry, error)
	DeleteWaitlistEntry(ctx context.Context, id uuid.UUID) error
	CloseWaitlistRanks(ctx context.Context, eventID uuid.UUID, removedPosition int) error
}

// WaitlistService runs the waitlist: joins, FIFO promotion when capacity
// frees up, time-boxed offers and their claims
type WaitlistService struct {
	waitlist  WaitlistStore
	bookings  BookingStore
	ledger    Ledger
	leases    LeaseStore
	publisher Publisher
	notifier  Notifier
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewWaitlistService creates a new waitlist service
func NewWaitlistService(
	waitlist WaitlistStore,
	bookings BookingStore,
	ledger Ledger,
	leases LeaseStore,
	publisher Publisher,
	notifier Notifier,
	cfg Config,
) *WaitlistService {
	return &WaitlistService{
		waitlist:  waitlist,
		bookings:  bookings,
		ledger:    ledger,
		leases:    leases,
		publisher: publisher,
		notifier:  notifier,
		cfg:       cfg,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// JoinWaitlistRequest represents a request to join an event's waitlist
type JoinWaitlistRequest struct {
	UserID   uuid.UUID `json:"user_id" binding:"required"`
	EventID  uuid.UUID `json:"event_id" binding:"required"`
	Quantity int       `json:"quantity" binding:"required,min=1"`
}

// JoinWaitlist enrolls a user at the tail of a sold-out event's waitlist
func (s *WaitlistService) JoinWaitlist(ctx context.Context, req *JoinWaitlistRequest) (*models.WaitlistEntry, error) {
	ctx, span := util.StartSpan(ctx, "WaitlistService.JoinWaitlist")
	defer span.End()

	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if req.Quantity > s.cfg.MaxQuantity {
		return nil, fmt.Errorf("%w: cannot request more than %d tickets", ErrValidation, s.cfg.MaxQuantity)
	}

	event, err := s.ledger.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if !event.IsActive {
		return nil, fmt.Errorf("%w: event is not active", ErrValidation)
	}
	if event.AvailableCapacity > 0 {
		return nil, ErrEventNotSoldOut
	}

	existing, err := s.waitlist.GetUserWaitlistEntry(ctx, req.UserID, req.EventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyOnWaitlist
	}

	entry := &models.WaitlistEntry{
		UserID:            req.UserID,
		EventID:           req.EventID,
		RequestedQuantity: req.Quantity,
		Status:            models.WaitlistStatusWaiting,
	}
	if err := s.waitlist.CreateWaitlistEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to join waitlist: %w", err)
	}

	util.WaitlistJoinsTotal.Inc()
	s.logger.Info("User joined waitlist",
		zap.String("entry_id", entry.ID.String()),
		zap.String("event_id", req.EventID.String()),
		zap.Int("position", entry.Position))

	return entry, nil
}

// LeaveWaitlist removes a user's entry. Leaving while holding an offer
// returns the offered capacity to the ledger.
func (s *WaitlistService) LeaveWaitlist(ctx context.Context, entryID, userID uuid.UUID) error {
	ctx, span := util.StartSpan(ctx, "WaitlistService.LeaveWaitlist")
	defer span.End()

	entry, err := s.waitlist.GetWaitlistEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.UserID != userID {
		return fmt.Errorf("%w: entry belongs to another user", ErrValidation)
	}

	// A promoter can flip the entry WAITING -> OFFERED between our read and
	// the removal, moving its quantity out of the ledger. Settle the entry
	// with conditional transitions so exactly one path accounts for the
	// capacity before the row disappears.
	won, err := s.waitlist.TransitionWaitlistEntry(ctx, entryID,
		models.WaitlistStatusWaiting, models.WaitlistStatusExpired)
	if err != nil {
		return err
	}
	if !won {
		entry, err = s.waitlist.GetWaitlistEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status == models.WaitlistStatusOffered {
			// Only the winner of the transition returns the capacity; the
			// offer reaper may be racing us for this entry.
			won, err := s.waitlist.TransitionWaitlistEntry(ctx, entryID,
				models.WaitlistStatusOffered, models.WaitlistStatusExpired)
			if err != nil {
				return err
			}
			if won {
				s.reclaimOffer(ctx, entry)
			}
		}
	}

	if err := s.waitlist.DeleteWaitlistEntry(ctx, entryID); err != nil {
		return fmt.Errorf("failed to leave waitlist: %w", err)
	}
	if err := s.waitlist.CloseWaitlistRanks(ctx, entry.EventID, entry.Position); err != nil {
		s.logger.Error("Failed to close waitlist ranks",
			zap.String("event_id", entry.EventID.String()), zap.Error(err))
	}

	s.logger.Info("User left waitlist",
		zap.String("entry_id", entryID.String()),
		zap.String("event_id", entry.EventID.String()))
	return nil
}

// GetPosition returns a user's live waitlist entry for an event, or nil
func (s *WaitlistService) GetPosition(ctx context.Context, userID, eventID uuid.UUID) (*models.WaitlistEntry, error) {
	return s.waitlist.GetUserWaitlistEntry(ctx, userID, eventID)
}

// GetEventWaitlist lists an event's waitlist in position order
func (s *WaitlistService) GetEventWaitlist(ctx context.Context, eventID uuid.UUID, limit, offset int) ([]models.WaitlistEntry, error) {
	return s.waitlist.GetEventWaitlist(ctx, eventID, limit, offset)
}

// PromoteForEvent walks the WAITING queue in position order and extends
// offers while freed capacity lasts. Entries whose requested quantity does
// not fit the remaining capacity are skipped, not blocked on. A per-event
// lock serializes promoters so a batch of releases cannot over-offer.
func (s *WaitlistService) PromoteForEvent(ctx context.Context, eventID uuid.UUID) (int, error) {
	ctx, span := util.StartSpan(ctx, "WaitlistService.PromoteForEvent")
	defer span.End()

	holder := uuid.New().String()
	resource := "promotion:" + eventID.String()
	var acquired bool
	for attempt := 0; attempt < s.cfg.LockRetries; attempt++ {
		var err error
		acquired, err = s.leases.AcquireLock(ctx, resource, holder, s.cfg.LockTTL)
		if err != nil {
			return 0, fmt.Errorf("promotion lock failed: %w", err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(s.cfg.LockRetryDelay):
		}
	}
	if !acquired {
		// The in-flight promoter read its capacity snapshot before this
		// trigger's release landed. Surface the busyness so the consumer
		// redelivers the trigger instead of dropping it.
		return 0, ErrPromotionInProgress
	}
	defer func() {
		if err := s.leases.ReleaseLock(context.Background(), resource, holder); err != nil {
			s.logger.Warn("Failed to release promotion lock", zap.Error(err))
		}
	}()

	entries, err := s.waitlist.WaitingEntries(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("failed to list waiting entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	available, version, err := s.ledger.GetCapacity(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("failed to read capacity: %w", err)
	}

	promoted := 0
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if available <= 0 {
			break
		}
		if entry.RequestedQuantity > available {
			continue
		}

		update, err := s.ledger.TryDecrementCapacity(ctx, eventID, entry.RequestedQuantity, version)
		if err != nil {
			return promoted, fmt.Errorf("failed to reserve offer capacity: %w", err)
		}
		switch update.Outcome {
		case models.CapacityConflict:
			// A booking slipped in alongside the promotion; re-read and
			// re-evaluate the same entry against fresh numbers.
			util.CapacityConflictsTotal.Inc()
			available, version, err = s.ledger.GetCapacity(ctx, eventID)
			if err != nil {
				return promoted, err
			}
			i--
			continue
		case models.CapacityInsufficient:
			available = 0
			continue
		}
		version = update.NewVersion
		available -= entry.RequestedQuantity

		if err := s.extendOffer(ctx, &entry); err != nil {
			s.logger.Error("Failed to extend waitlist offer",
				zap.String("entry_id", entry.ID.String()), zap.Error(err))
			// Give the reserved quantity back; the entry stays WAITING.
			if _, ierr := s.ledger.IncrementCapacity(ctx, eventID, entry.RequestedQuantity); ierr != nil {
				s.logger.Error("Failed to return offer capacity", zap.Error(ierr))
			}
			available += entry.RequestedQuantity
			continue
		}
		promoted++
	}

	if promoted > 0 {
		s.logger.Info("Waitlist promotion complete",
			zap.String("event_id", eventID.String()),
			zap.Int("promoted", promoted))
	}
	return promoted, nil
}

// extendOffer marks an entry OFFERED with a deadline and places the redis
// reserve marker whose TTL mirrors the acceptance window.
func (s *WaitlistService) extendOffer(ctx context.Context, entry *models.WaitlistEntry) error {
	offerExpiresAt := s.now().Add(s.cfg.OfferWindow)

	ok, err := s.waitlist.MarkEntryOffered(ctx, entry.ID, offerExpiresAt)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entry %s left waiting state", entry.ID)
	}

	if _, err := s.leases.PlaceOfferReserve(ctx, entry.ID.String(),
		entry.RequestedQuantity, s.cfg.OfferWindow); err != nil {
		s.logger.Warn("Failed to place offer reserve marker",
			zap.String("entry_id", entry.ID.String()), zap.Error(err))
	}

	entry.Status = models.WaitlistStatusOffered
	entry.OfferExpiresAt = &offerExpiresAt

	util.WaitlistOffersTotal.Inc()
	offeredEvent := &models.WaitlistOfferedEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeWaitlistOffered),
		EntryID:        entry.ID,
		UserID:         entry.UserID,
		TicketEvent:    entry.EventID,
		Quantity:       entry.RequestedQuantity,
		OfferExpiresAt: offerExpiresAt,
	}
	if err := s.publisher.PublishWaitlistOffered(ctx, offeredEvent); err != nil {
		s.logger.Error("Failed to publish WaitlistOffered event", zap.Error(err))
	}
	s.notifyUser(ctx, entry.UserID, models.NotifyWaitlistOffer,
		"Tickets available",
		fmt.Sprintf("%d ticket(s) are being held for you until %s.",
			entry.RequestedQuantity, offerExpiresAt.Format(time.RFC3339)))

	return nil
}

// ClaimOffer converts an open offer into a pending booking. The offered
// capacity was already taken out of the ledger at promotion time, so no
// further decrement happens here.
func (s *WaitlistService) ClaimOffer(ctx context.Context, entryID, userID uuid.UUID) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "WaitlistService.ClaimOffer")
	defer span.End()

	entry, err := s.waitlist.GetWaitlistEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.UserID != userID {
		return nil, fmt.Errorf("%w: offer belongs to another user", ErrValidation)
	}
	if entry.Status != models.WaitlistStatusOffered {
		return nil, fmt.Errorf("%w: entry is %s", ErrInvalidOfferState, entry.Status)
	}
	if entry.OfferExpiresAt != nil && s.now().After(*entry.OfferExpiresAt) {
		return nil, ErrOfferExpired
	}

	// Taking the reserve marker is atomic; it decides the race between a
	// claim and the offer reaper firing at the deadline.
	taken, err := s.leases.TakeOfferReserve(ctx, entryID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to take offer reserve: %w", err)
	}
	if !taken {
		return nil, ErrOfferExpired
	}

	won, err := s.waitlist.TransitionWaitlistEntry(ctx, entryID,
		models.WaitlistStatusOffered, models.WaitlistStatusFulfilled)
	if err != nil {
		return nil, err
	}
	if !won {
		// The reaper expired the offer first and already returned the
		// capacity. Do not add it back a second time.
		return nil, ErrOfferExpired
	}

	event, err := s.ledger.GetEvent(ctx, entry.EventID)
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().Add(s.cfg.HoldWindow)
	booking := &models.Booking{
		UserID:      entry.UserID,
		EventID:     entry.EventID,
		Quantity:    entry.RequestedQuantity,
		TotalAmount: event.Price * int64(entry.RequestedQuantity),
		Status:      models.BookingStatusPending,
		ExpiresAt:   &expiresAt,
	}
	if err := s.bookings.CreateBooking(ctx, booking); err != nil {
		// The entry is FULFILLED but no booking exists; hand the capacity
		// back rather than strand it.
		if _, ierr := s.ledger.IncrementCapacity(ctx, entry.EventID, entry.RequestedQuantity); ierr != nil {
			s.logger.Error("Failed to return claimed capacity", zap.Error(ierr))
		}
		return nil, fmt.Errorf("failed to create booking from offer: %w", err)
	}

	h := &models.BookingHistory{
		BookingID: booking.ID,
		Action:    models.HistoryActionCreated,
		Details:   fmt.Sprintf("Booking created from waitlist offer %s", entryID),
	}
	if err := s.bookings.AppendBookingHistory(ctx, h); err != nil {
		s.logger.Error("Failed to append booking history", zap.Error(err))
	}

	if err := s.waitlist.CloseWaitlistRanks(ctx, entry.EventID, entry.Position); err != nil {
		s.logger.Error("Failed to close waitlist ranks", zap.Error(err))
	}

	util.WaitlistOffersClaimedTotal.Inc()
	util.BookingsCreatedTotal.Inc()
	s.logger.Info("Waitlist offer claimed",
		zap.String("entry_id", entryID.String()),
		zap.String("booking_id", booking.ID.String()))

	createdEvent := &models.BookingCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeBookingCreated),
		BookingID:   booking.ID,
		UserID:      booking.UserID,
		TicketEvent: booking.EventID,
		Quantity:    booking.Quantity,
		ExpiresAt:   expiresAt,
	}
	if err := s.publisher.PublishBookingCreated(ctx, createdEvent); err != nil {
		s.logger.Error("Failed to publish BookingCreated event", zap.Error(err))
	}

	return booking, nil
}

// ExpireOffers sweeps offers whose acceptance window lapsed. The worker that
// wins each conditional transition returns the capacity exactly once and
// republishes it for the next entry in line.
func (s *WaitlistService) ExpireOffers(ctx context.Context, limit int) (int, error) {
	lapsed, err := s.waitlist.GetLapsedOffers(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list lapsed offers: %w", err)
	}

	expired := 0
	for _, entry := range lapsed {
		won, err := s.waitlist.TransitionWaitlistEntry(ctx, entry.ID,
			models.WaitlistStatusOffered, models.WaitlistStatusExpired)
		if err != nil {
			s.logger.Error("Failed to expire waitlist offer",
				zap.String("entry_id", entry.ID.String()), zap.Error(err))
			continue
		}
		if !won {
			continue
		}

		s.reclaimOffer(ctx, &entry)
		if err := s.waitlist.CloseWaitlistRanks(ctx, entry.EventID, entry.Position); err != nil {
			s.logger.Error("Failed to close waitlist ranks", zap.Error(err))
		}

		util.WaitlistOffersExpiredTotal.Inc()
		s.logger.Info("Waitlist offer expired",
			zap.String("entry_id", entry.ID.String()),
			zap.String("event_id", entry.EventID.String()))

		expiredEvent := &models.WaitlistOfferExpiredEvent{
			BaseEvent:   models.NewBaseEvent(models.EventTypeWaitlistOfferExpired),
			EntryID:     entry.ID,
			TicketEvent: entry.EventID,
			Quantity:    entry.RequestedQuantity,
		}
		if err := s.publisher.PublishWaitlistOfferExpired(ctx, expiredEvent); err != nil {
			s.logger.Error("Failed to publish WaitlistOfferExpired event", zap.Error(err))
		}
		expired++
	}
	return expired, nil
}

// reclaimOffer returns an unclaimed offer's capacity to the ledger and
// announces the release so the promotion worker can offer it onward.
func (s *WaitlistService) reclaimOffer(ctx context.Context, entry *models.WaitlistEntry) {
	// Best effort; the marker's TTL has usually destroyed it already.
	if _, err := s.leases.TakeOfferReserve(ctx, entry.ID.String()); err != nil {
		s.logger.Warn("Failed to clear offer reserve marker", zap.Error(err))
	}

	if _, err := s.ledger.IncrementCapacity(ctx, entry.EventID, entry.RequestedQuantity); err != nil {
		s.logger.Error("Failed to return offer capacity",
			zap.String("entry_id", entry.ID.String()), zap.Error(err))
		return
	}

	releasedEvent := &models.CapacityReleasedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeCapacityReleased),
		TicketEvent: entry.EventID,
		Quantity:    entry.RequestedQuantity,
	}
	if err := s.publisher.PublishCapacityReleased(ctx, releasedEvent); err != nil {
		s.logger.Error("Failed to publish CapacityReleased event", zap.Error(err))
	}
}

func (s *WaitlistService) notifyUser(ctx context.Context, userID uuid.UUID, kind, subject, body string) {
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
