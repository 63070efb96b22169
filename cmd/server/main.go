package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evently/config"
	"evently/internal/api"
	"evently/internal/broker"
	"evently/internal/redisclient"
	"evently/internal/service"
	"evently/internal/store"
	"evently/internal/util"
	"evently/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting evently")

	tp, err := util.InitTracer("evently", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	bookingProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicBooking)
	defer bookingProducer.Close()
	notificationProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notificationProducer.Close()
	log.Println("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(bookingProducer)
	notifier := broker.NewNotificationDispatcher(notificationProducer)

	svcCfg := service.Config{
		HoldWindow:       time.Duration(cfg.Business.HoldWindowSeconds) * time.Second,
		OfferWindow:      time.Duration(cfg.Business.OfferWindowSeconds) * time.Second,
		MaxQuantity:      cfg.Business.MaxQuantity,
		MaxRetryAttempts: cfg.Business.MaxRetryAttempts,
		RetryBaseDelay:   time.Duration(cfg.Business.RetryBaseDelayMillis) * time.Millisecond,
		RetryMaxDelay:    time.Duration(cfg.Business.RetryMaxDelayMillis) * time.Millisecond,
		LockTTL:          time.Duration(cfg.Business.LockTTLSeconds) * time.Second,
		LockRetries:      cfg.Business.LockRetries,
		LockRetryDelay:   time.Duration(cfg.Business.LockRetryDelayMillis) * time.Millisecond,
	}

	bookingService := service.NewBookingService(db, db, redisClient, eventPublisher, notifier, svcCfg)
	waitlistService := service.NewWaitlistService(db, db, db, redisClient, eventPublisher, notifier, svcCfg)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	promotionConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicBooking, cfg.Kafka.ConsumerGroup)
	promotionWorker := worker.NewPromotionWorker(promotionConsumer, waitlistService)
	go func() {
		if err := promotionWorker.Start(workerCtx); err != nil {
			log.Printf("Promotion worker error: %v", err)
		}
	}()

	reaper := worker.NewReaper(
		bookingService,
		waitlistService,
		time.Duration(cfg.Business.ReaperIntervalSeconds)*time.Second,
		cfg.Business.ReaperBatchSize,
		svcCfg.HoldWindow,
	)
	go func() {
		if err := reaper.Start(workerCtx); err != nil {
			log.Printf("Reaper error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(bookingService, waitlistService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	promotionWorker.Stop()

	log.Println("Server exited")
}
