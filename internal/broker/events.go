package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"evently/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishBookingCreated publishes BookingCreated event
func (ep *EventPublisher) PublishBookingCreated(ctx context.Context, event *models.BookingCreatedEvent) error {
	key := fmt.Sprintf("booking-%s", event.BookingID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishBookingConfirmed publishes BookingConfirmed event
func (ep *EventPublisher) PublishBookingConfirmed(ctx context.Context, event *models.BookingConfirmedEvent) error {
	key := fmt.Sprintf("booking-%s", event.BookingID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishBookingCancelled publishes BookingCancelled event
func (ep *EventPublisher) PublishBookingCancelled(ctx context.Context, event *models.BookingCancelledEvent) error {
	key := fmt.Sprintf("booking-%s", event.BookingID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishBookingExpired publishes BookingExpired event
func (ep *EventPublisher) PublishBookingExpired(ctx context.Context, event *models.BookingExpiredEvent) error {
	key := fmt.Sprintf("booking-%s", event.BookingID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishCapacityReleased publishes CapacityReleased event. Keyed by the
// ticket event so releases for one event land on one partition, in order.
func (ep *EventPublisher) PublishCapacityReleased(ctx context.Context, event *models.CapacityReleasedEvent) error {
	key := fmt.Sprintf("event-%s", event.TicketEvent)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishWaitlistOffered publishes WaitlistOffered event
func (ep *EventPublisher) PublishWaitlistOffered(ctx context.Context, event *models.WaitlistOfferedEvent) error {
	key := fmt.Sprintf("event-%s", event.TicketEvent)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishWaitlistOfferExpired publishes WaitlistOfferExpired event
func (ep *EventPublisher) PublishWaitlistOfferExpired(ctx context.Context, event *models.WaitlistOfferExpiredEvent) error {
	key := fmt.Sprintf("event-%s", event.TicketEvent)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onCapacityReleased func(context.Context, *models.CapacityReleasedEvent) error
	onBookingExpired   func(context.Context, *models.BookingExpiredEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnCapacityReleased registers a handler for CapacityReleased events
func (eh *EventHandler) OnCapacityReleased(handler func(context.Context, *models.CapacityReleasedEvent) error) {
	eh.onCapacityReleased = handler
}

// OnBookingExpired registers a handler for BookingExpired events
func (eh *EventHandler) OnBookingExpired(handler func(context.Context, *models.BookingExpiredEvent) error) {
	eh.onBookingExpired = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	log.Printf("Handling event: type=%s, id=%s", baseEvent.EventType, baseEvent.EventID)

	switch baseEvent.EventType {
	case models.EventTypeCapacityReleased:
		if eh.onCapacityReleased != nil {
			var event models.CapacityReleasedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CapacityReleased event: %w", err)
			}
			return eh.onCapacityReleased(ctx, &event)
		}

	case models.EventTypeBookingExpired:
		if eh.onBookingExpired != nil {
			var event models.BookingExpiredEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal BookingExpired event: %w", err)
			}
			return eh.onBookingExpired(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}

// NotificationDispatcher fans notifications out to a dedicated topic for the
// downstream delivery service. Publishing is best effort; callers never block
// a booking on it.
type NotificationDispatcher struct {
	producer *Producer
}

// NewNotificationDispatcher creates a new notification dispatcher
func NewNotificationDispatcher(producer *Producer) *NotificationDispatcher {
	return &NotificationDispatcher{producer: producer}
}

// Notify publishes a notification keyed by recipient
func (nd *NotificationDispatcher) Notify(ctx context.Context, n *models.Notification) error {
	key := fmt.Sprintf("user-%s", n.UserID)
	return nd.producer.PublishEvent(ctx, key, n)
}
