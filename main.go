package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dosematic/api"
	"dosematic/config"
	"dosematic/log"
	"dosematic/services"

	"go.uber.org/zap"
)

func main() {
	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	clock := services.RealClock{}
	backend := services.NewBackendClient(logger, cfg.BackendURL)

	issuer := services.NewCommandIssuer(backend, cfg.CommandTimeout, logger)
	monitor := services.NewDeviceMonitor(services.MonitorConfig{
		DeviceID:         cfg.DeviceID,
		GracePeriod:      cfg.WakeGracePeriod,
		TailThreshold:    cfg.WakeTailThreshold,
		TransitionBuffer: cfg.TransitionBuffer,
	}, issuer, clock, logger)

	// Optional integrations
	var notifiers []services.TransitionNotifier
	var alerter services.HeartbeatAlerter

	var telegramService *services.TelegramService
	if cfg.TelegramEnabled() {
		telegramService, err = services.NewTelegramService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram service", zap.Error(err))
		}
		notifiers = append(notifiers, telegramService)
		alerter = telegramService
	}

	var statePublisher *services.StatePublisher
	if cfg.MQTTEnabled() {
		statePublisher, err = services.NewStatePublisher(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize MQTT publisher", zap.Error(err))
		}
		defer statePublisher.Close()
		notifiers = append(notifiers, statePublisher)
	}

	var rabbitMQService *services.RabbitMQService
	if cfg.RabbitMQEnabled() {
		rabbitMQService, err = services.NewRabbitMQService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize RabbitMQ service", zap.Error(err))
		}
		defer rabbitMQService.Close()
		notifiers = append(notifiers, rabbitMQService)
	}

	var batchWriter *services.BatchWriterService
	if cfg.FirebaseEnabled() {
		firebaseService, err := services.NewFirebaseService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Firebase service", zap.Error(err))
		}
		defer firebaseService.Close()

		batchWriter = services.NewBatchWriterService(firebaseService, cfg.FirebaseBatchSize,
			time.Duration(cfg.FirebaseBatchTimeout)*time.Second, logger)
		notifiers = append(notifiers, firebaseService, batchWriter)
	}

	healthCheck := services.NewHealthCheckService(cfg.DeviceID, cfg.HeartbeatStaleAfter, alerter, clock, logger)
	poller := services.NewHeartbeatPoller(backend, clock, cfg.PollInterval, cfg.StatusTimeout, logger, monitor, healthCheck)
	dispatcher := services.NewTransitionDispatcher(logger, notifiers...)

	apiHandler := api.NewAPI(monitor, services.NewEventLogService(backend, logger), logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(apiHandler),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * cfg.CommandTimeout,
	}

	logger.Info("Dosematic monitor started",
		zap.String("backend_url", cfg.BackendURL),
		zap.String("device_id", cfg.DeviceID),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Duration("wake_grace_period", cfg.WakeGracePeriod),
		zap.Duration("wake_tail_threshold", cfg.WakeTailThreshold),
		zap.Int("notifiers", len(notifiers)),
	)

	if telegramService != nil {
		if err := telegramService.SendStartupMessage(cfg.DeviceID); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}

	// Create context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() { monitor.Run(ctx) })
	run(func() { poller.Run(ctx) })
	run(func() { healthCheck.Start(ctx) })
	run(func() { dispatcher.Start(ctx, monitor.Transitions()) })
	if batchWriter != nil {
		run(func() { batchWriter.Start(ctx) })
	}
	if rabbitMQService != nil {
		run(func() {
			if err := rabbitMQService.ConsumeCommands(ctx, monitor); err != nil {
				logger.Error("RabbitMQ command consumer stopped", zap.Error(err))
			}
		})
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping services")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", zap.Error(err))
	}

	// Wait for cleanup to complete or timeout
	cleanupDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(cleanupDone)
	}()

	select {
	case <-cleanupDone:
		logger.Info("Cleanup completed successfully")
	case <-time.After(5 * time.Second):
		logger.Warn("Cleanup timeout, forcing exit")
	}

	logger.Info("Dosematic monitor stopped")
}
