package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"evently/internal/service"
	"evently/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	bookingService  *service.BookingService
	waitlistService *service.WaitlistService
}

// NewHandler creates a new HTTP handler
func NewHandler(bookingService *service.BookingService, waitlistService *service.WaitlistService) *Handler {
	return &Handler{
		bookingService:  bookingService,
		waitlistService: waitlistService,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/bookings", h.createBooking)
		v1.GET("/bookings/:id", h.getBooking)
		v1.POST("/bookings/:id/confirm", h.confirmBooking)
		v1.POST("/bookings/:id/cancel", h.cancelBooking)
		v1.GET("/bookings/:id/history", h.getBookingHistory)
		v1.GET("/bookings/:id/receipt", h.getReceipt)
		v1.GET("/users/:id/bookings", h.getUserBookings)

		v1.POST("/events", h.createEvent)
		v1.GET("/events/:id/capacity", h.getCapacity)
		v1.GET("/events/:id/seats", h.getSeatMap)
		v1.GET("/events/:id/waitlist", h.getEventWaitlist)

		v1.POST("/waitlist", h.joinWaitlist)
		v1.DELETE("/waitlist/:id", h.leaveWaitlist)
		v1.POST("/waitlist/:id/claim", h.claimOffer)
		v1.GET("/waitlist/position", h.getWaitlistPosition)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createBooking handles booking creation
func (h *Handler) createBooking(c *gin.Context) {
	var req service.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_ERROR",
			"details": err.Error(),
		})
		return
	}

	booking, err := h.bookingService.CreateBooking(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, booking)
}

// getBooking handles get booking by ID
func (h *Handler) getBooking(c *gin.Context) {
	bookingID, ok := parseID(c, "id")
	if !ok {
		return
	}

	booking, seatIDs, err := h.bookingService.GetBooking(c.Request.Context(), bookingID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "BOOKING_NOT_FOUND",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"booking":  booking,
		"seat_ids": seatIDs,
	})
}

type confirmRequest struct {
	PaymentRef string `json:"payment_ref"`
}

// confirmBooking confirms a pending booking
func (h *Handler) confirmBooking(c *gin.Context) {
	bookingID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req confirmRequest
	_ = c.ShouldBindJSON(&req)

	booking, err := h.bookingService.ConfirmBooking(c.Request.Context(), bookingID, req.PaymentRef)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, booking)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelBooking cancels a pending or confirmed booking
func (h *Handler) cancelBooking(c *gin.Context) {
	bookingID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	booking, err := h.bookingService.CancelBooking(c.Request.Context(), bookingID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, booking)
}

// getBookingHistory returns the audit trail for a booking
func (h *Handler) getBookingHistory(c *gin.Context) {
	bookingID, ok := parseID(c, "id")
	if !ok {
		return
	}

	history, err := h.bookingService.GetBookingHistory(c.Request.Context(), bookingID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": history})
}

// getReceipt returns the printable summary for a booking
func (h *Handler) getReceipt(c *gin.Context) {
	bookingID, ok := parseID(c, "id")
	if !ok {
		return
	}

	receipt, err := h.bookingService.GetReceipt(c.Request.Context(), bookingID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "BOOKING_NOT_FOUND",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, receipt)
}

// createEvent creates an event and, optionally, its seat map
func (h *Handler) createEvent(c *gin.Context) {
	var req service.CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_ERROR",
			"details": err.Error(),
		})
		return
	}

	event, err := h.bookingService.CreateEvent(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, event)
}

// getUserBookings lists a user's bookings, newest first
func (h *Handler) getUserBookings(c *gin.Context) {
	userID, ok := parseID(c, "id")
	if !ok {
		return
	}

	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)
	var statuses []string
	if s := c.Query("status"); s != "" {
		statuses = []string{s}
	}

	bookings, err := h.bookingService.GetUserBookings(c.Request.Context(), userID, statuses, limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bookings": bookings})
}

// getCapacity returns the live availability for an event
func (h *Handler) getCapacity(c *gin.Context) {
	eventID, ok := parseID(c, "id")
	if !ok {
		return
	}

	available, version, err := h.bookingService.GetCapacity(c.Request.Context(), eventID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "EVENT_NOT_FOUND",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event_id":           eventID,
		"available_capacity": available,
		"version":            version,
	})
}

// getSeatMap returns the seat layout with availability aggregates
func (h *Handler) getSeatMap(c *gin.Context) {
	eventID, ok := parseID(c, "id")
	if !ok {
		return
	}

	seatMap, err := h.bookingService.GetSeatMap(c.Request.Context(), eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, seatMap)
}

// getEventWaitlist lists an event's waitlist in position order
func (h *Handler) getEventWaitlist(c *gin.Context) {
	eventID, ok := parseID(c, "id")
	if !ok {
		return
	}

	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	entries, err := h.waitlistService.GetEventWaitlist(c.Request.Context(), eventID, limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"waitlist": entries})
}

// joinWaitlist enrolls a user on a sold-out event's waitlist
func (h *Handler) joinWaitlist(c *gin.Context) {
	var req service.JoinWaitlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_ERROR",
			"details": err.Error(),
		})
		return
	}

	entry, err := h.waitlistService.JoinWaitlist(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, entry)
}

// leaveWaitlist removes a waitlist entry
func (h *Handler) leaveWaitlist(c *gin.Context) {
	entryID, ok := parseID(c, "id")
	if !ok {
		return
	}
	userID, ok := parseUserQuery(c)
	if !ok {
		return
	}

	if err := h.waitlistService.LeaveWaitlist(c.Request.Context(), entryID, userID); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// claimOffer converts an open waitlist offer into a pending booking
func (h *Handler) claimOffer(c *gin.Context) {
	entryID, ok := parseID(c, "id")
	if !ok {
		return
	}
	userID, ok := parseUserQuery(c)
	if !ok {
		return
	}

	booking, err := h.waitlistService.ClaimOffer(c.Request.Context(), entryID, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, booking)
}

// getWaitlistPosition returns a user's live entry for an event
func (h *Handler) getWaitlistPosition(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "details": "invalid user_id"})
		return
	}
	eventID, err := uuid.Parse(c.Query("event_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "details": "invalid event_id"})
		return
	}

	entry, err := h.waitlistService.GetPosition(c.Request.Context(), userID, eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_ON_WAITLIST"})
		return
	}

	c.JSON(http.StatusOK, entry)
}

// respondError maps domain errors to HTTP status and stable error codes
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "details": err.Error()})
	case errors.Is(err, service.ErrCapacityExceeded):
		c.JSON(http.StatusBadRequest, gin.H{"error": "BOOKING_CAPACITY_EXCEEDED", "details": err.Error()})
	case errors.Is(err, service.ErrSeatUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "SEAT_ALREADY_TAKEN", "details": err.Error()})
	case errors.Is(err, service.ErrExpiredHold):
		c.JSON(http.StatusConflict, gin.H{"error": "HOLD_EXPIRED", "details": err.Error()})
	case errors.Is(err, service.ErrBookingExpired):
		c.JSON(http.StatusConflict, gin.H{"error": "BOOKING_EXPIRED", "details": err.Error()})
	case errors.Is(err, service.ErrInvalidBookingState):
		c.JSON(http.StatusConflict, gin.H{"error": "INVALID_BOOKING_STATE", "details": err.Error()})
	case errors.Is(err, service.ErrEventNotSoldOut):
		c.JSON(http.StatusBadRequest, gin.H{"error": "EVENT_NOT_SOLD_OUT", "details": err.Error()})
	case errors.Is(err, service.ErrAlreadyOnWaitlist):
		c.JSON(http.StatusConflict, gin.H{"error": "ALREADY_ON_WAITLIST", "details": err.Error()})
	case errors.Is(err, service.ErrOfferExpired):
		c.JSON(http.StatusConflict, gin.H{"error": "OFFER_EXPIRED", "details": err.Error()})
	case errors.Is(err, service.ErrInvalidOfferState):
		c.JSON(http.StatusConflict, gin.H{"error": "INVALID_OFFER_STATE", "details": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "details": err.Error()})
	}
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "details": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func parseUserQuery(c *gin.Context) (uuid.UUID, bool) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "details": "invalid user_id"})
		return uuid.Nil, false
	}
	return userID, true
}

func intQuery(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
