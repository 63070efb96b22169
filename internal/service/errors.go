package service

import "errors"

// Business outcomes surfaced to callers as typed errors. Transient contention
// (version conflicts, brief lock busyness) is absorbed inside the coordinator's
// retry loop and never reaches a caller directly; everything below is a caller
// fault, a terminal rejection for the current request, or a retry-delivery
// signal for the event consumer.
var (
	// ErrValidation marks a caller fault; never retried by the core
	ErrValidation = errors.New("validation failed")

	// ErrCapacityExceeded means the event is sold out, or contention exhausted
	// the retry budget. Terminal; callers may join the waitlist instead.
	ErrCapacityExceeded = errors.New("booking capacity exceeded")

	// ErrSeatUnavailable means a requested seat is held or booked by someone else
	ErrSeatUnavailable = errors.New("seat unavailable")

	// ErrExpiredHold means a seat hold vanished before commit; re-request
	ErrExpiredHold = errors.New("seat hold expired before commit")

	// ErrBookingExpired rejects confirmation of a booking past its hold window
	ErrBookingExpired = errors.New("booking expired")

	// ErrInvalidBookingState rejects a transition out of a terminal state
	ErrInvalidBookingState = errors.New("invalid booking state")

	// ErrEventNotSoldOut rejects waitlist joins while capacity could satisfy
	// the request directly
	ErrEventNotSoldOut = errors.New("event has available capacity")

	// ErrAlreadyOnWaitlist rejects duplicate waitlist enrollment
	ErrAlreadyOnWaitlist = errors.New("already on waitlist")

	// ErrOfferExpired rejects claims against a lapsed waitlist offer
	ErrOfferExpired = errors.New("waitlist offer expired")

	// ErrInvalidOfferState rejects claims against an entry not currently offered
	ErrInvalidOfferState = errors.New("invalid waitlist offer state")

	// ErrPromotionInProgress means another promoter holds the per-event lock.
	// The event-stream consumer treats it as retryable and redelivers the
	// trigger rather than committing it.
	ErrPromotionInProgress = errors.New("waitlist promotion already in progress")
)
