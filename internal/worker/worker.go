package worker

import (
	"context"
	"log"
	"time"

	"evently/internal/broker"
	"evently/internal/models"
	"evently/internal/service"

	"github.com/google/uuid"
)

// PromotionWorker consumes CapacityReleased events and drives waitlist
// promotion for the affected ticket events
type PromotionWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	waitlist     *service.WaitlistService
}

// NewPromotionWorker creates a new promotion worker
func NewPromotionWorker(
	consumer *broker.Consumer,
	waitlist *service.WaitlistService,
) *PromotionWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnCapacityReleased(func(ctx context.Context, event *models.CapacityReleasedEvent) error {
		promoted, err := waitlist.PromoteForEvent(ctx, event.TicketEvent)
		if err != nil {
			return err
		}
		if promoted > 0 {
			log.Printf("Promoted %d waitlist entries for event %s", promoted, event.TicketEvent)
		}
		return nil
	})

	return &PromotionWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		waitlist:     waitlist,
	}
}

// Start starts the worker
func (w *PromotionWorker) Start(ctx context.Context) error {
	log.Println("Starting promotion worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PromotionWorker) Stop() error {
	log.Println("Stopping promotion worker...")
	return w.consumer.Close()
}

// Reaper periodically expires stale pending bookings and lapsed waitlist
// offers. Multiple instances can run at once; the conditional transitions in
// the services make each expiry land exactly once.
type Reaper struct {
	bookings  *service.BookingService
	waitlist  *service.WaitlistService
	interval  time.Duration
	batchSize int
	holdTTL   time.Duration
}

// NewReaper creates a new reaper
func NewReaper(
	bookings *service.BookingService,
	waitlist *service.WaitlistService,
	interval time.Duration,
	batchSize int,
	holdTTL time.Duration,
) *Reaper {
	return &Reaper{
		bookings:  bookings,
		waitlist:  waitlist,
		interval:  interval,
		batchSize: batchSize,
		holdTTL:   holdTTL,
	}
}

// Start runs the sweep loop until the context is cancelled
func (r *Reaper) Start(ctx context.Context) error {
	log.Printf("Starting reaper: interval=%s, batch=%d", r.interval, r.batchSize)

	// One sweep up front so a restart clears backlog immediately.
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Reaper context cancelled, stopping...")
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	expired, err := r.bookings.ExpireDueBookings(ctx, r.batchSize)
	if err != nil {
		log.Printf("Reaper: failed to expire bookings: %v", err)
	} else if expired > 0 {
		log.Printf("Reaper: expired %d bookings", expired)
	}

	lapsed, err := r.waitlist.ExpireOffers(ctx, r.batchSize)
	if err != nil {
		log.Printf("Reaper: failed to expire waitlist offers: %v", err)
	} else if lapsed > 0 {
		log.Printf("Reaper: expired %d waitlist offers", lapsed)
	}

	r.releaseStaleSeats(ctx)
}

// releaseStaleSeats frees seats stuck in HELD after a crash between placing
// the hold and committing the booking. The cutoff is twice the hold TTL so a
// live booking in flight is never touched.
func (r *Reaper) releaseStaleSeats(ctx context.Context) {
	cutoff := time.Now().Add(-2 * r.holdTTL)
	released, err := r.bookings.ReleaseStaleSeats(ctx, cutoff)
	if err != nil {
		log.Printf("Reaper: failed to release stale held seats: %v", err)
		return
	}
	if released > 0 {
		log.Printf("Reaper: released %d stale held seats", released)
	}
}

// PromoteEventNow is a manual trigger, useful for operational tooling when a
// promotion needs forcing outside the event stream
func (w *PromotionWorker) PromoteEventNow(ctx context.Context, eventID uuid.UUID) (int, error) {
	return w.waitlist.PromoteForEvent(ctx, eventID)
}
