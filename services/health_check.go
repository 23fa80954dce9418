package services

import (
	"context"
	"sync"
	"time"

	"dosematic/models"

	"go.uber.org/zap"
)

// HeartbeatAlerter sends staleness notices
type HeartbeatAlerter interface {
	SendHeartbeatStaleAlert(deviceID string, lastSuccess time.Time, staleFor time.Duration, health models.HeartbeatHealth) error
	SendHeartbeatRecoveryAlert(deviceID string, downDuration time.Duration) error
}

// heartbeatAlert is a queued stale or recovery notice
type heartbeatAlert struct {
	recovered    bool
	health       models.HeartbeatHealth
	staleFor     time.Duration
	downDuration time.Duration
}

// HealthCheckService watches poll outcomes and raises an alert when no
// heartbeat has succeeded for too long. It does not influence DeviceState.
// Alerts are queued and sent from Start's goroutine, never from the caller.
type HealthCheckService struct {
	alerter    HeartbeatAlerter
	clock      Clock
	staleAfter time.Duration
	logger     *zap.Logger
	alerts     chan heartbeatAlert

	mu     sync.RWMutex
	health models.HeartbeatHealth
}

var _ HeartbeatSink = (*HealthCheckService)(nil)

// NewHealthCheckService creates a heartbeat health watcher. alerter may be nil.
func NewHealthCheckService(deviceID string, staleAfter time.Duration, alerter HeartbeatAlerter, clock Clock, logger *zap.Logger) *HealthCheckService {
	return &HealthCheckService{
		alerter:    alerter,
		clock:      clock,
		staleAfter: staleAfter,
		logger:     logger,
		alerts:     make(chan heartbeatAlert, 8),
		health: models.HeartbeatHealth{
			DeviceID:    deviceID,
			LastSuccess: clock.Now(),
			Status:      models.HeartbeatHealthy,
		},
	}
}

// Start runs the staleness checker until ctx is cancelled
func (h *HealthCheckService) Start(ctx context.Context) {
	interval := h.staleAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := h.clock.Ticker(interval)
	defer ticker.Stop()

	h.logger.Info("Heartbeat staleness checker started", zap.Duration("stale_after", h.staleAfter))

	go h.deliverAlerts(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Heartbeat staleness checker stopped")
			return
		case <-ticker.Chan():
			h.checkStaleness()
		}
	}
}

// RecordHeartbeat marks the device healthy and queues a recovery alert if it
// had gone stale
func (h *HealthCheckService) RecordHeartbeat(heartbeat models.ObservedHeartbeat) {
	h.mu.Lock()

	now := h.clock.Now()
	wasStale := h.health.Status == models.HeartbeatStale

	h.health.LastSuccess = now
	h.health.LastError = ""
	h.health.ConsecutiveFailures = 0
	h.health.Status = models.HeartbeatHealthy

	if !wasStale {
		h.mu.Unlock()
		return
	}

	h.health.Status = models.HeartbeatRecovered
	alert := heartbeatAlert{
		recovered:    true,
		health:       h.health,
		downDuration: now.Sub(h.health.StaleAt),
	}
	h.mu.Unlock()

	h.logger.Info("Heartbeats recovered",
		zap.String("device_id", alert.health.DeviceID),
		zap.Duration("down_duration", alert.downDuration))
	h.enqueue(alert)
}

// RecordPollFailure counts a failed poll
func (h *HealthCheckService) RecordPollFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.ConsecutiveFailures++
	h.health.LastError = err.Error()
}

// checkStaleness flags the device once the last success is too old
func (h *HealthCheckService) checkStaleness() {
	h.mu.Lock()

	if h.health.Status == models.HeartbeatStale {
		h.mu.Unlock()
		return
	}

	now := h.clock.Now()
	sinceSuccess := now.Sub(h.health.LastSuccess)
	if sinceSuccess <= h.staleAfter {
		h.mu.Unlock()
		return
	}

	h.health.Status = models.HeartbeatStale
	h.health.StaleAt = now
	alert := heartbeatAlert{health: h.health, staleFor: sinceSuccess}
	h.mu.Unlock()

	h.logger.Warn("Heartbeats stale",
		zap.String("device_id", alert.health.DeviceID),
		zap.Time("last_success", alert.health.LastSuccess),
		zap.Duration("since_success", sinceSuccess),
		zap.Int("consecutive_failures", alert.health.ConsecutiveFailures))
	h.enqueue(alert)
}

// enqueue hands an alert to the delivery goroutine without blocking
func (h *HealthCheckService) enqueue(alert heartbeatAlert) {
	if h.alerter == nil {
		return
	}

	select {
	case h.alerts <- alert:
	default:
		h.logger.Warn("Alert queue full, dropping heartbeat alert",
			zap.String("device_id", alert.health.DeviceID),
			zap.Bool("recovered", alert.recovered))
	}
}

// deliverAlerts sends queued alerts until ctx is cancelled
func (h *HealthCheckService) deliverAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-h.alerts:
			h.send(alert)
		}
	}
}

func (h *HealthCheckService) send(alert heartbeatAlert) {
	var err error
	if alert.recovered {
		err = h.alerter.SendHeartbeatRecoveryAlert(alert.health.DeviceID, alert.downDuration)
	} else {
		err = h.alerter.SendHeartbeatStaleAlert(alert.health.DeviceID, alert.health.LastSuccess, alert.staleFor, alert.health)
	}
	if err != nil {
		h.logger.Error("Failed to send heartbeat alert",
			zap.String("device_id", alert.health.DeviceID),
			zap.Bool("recovered", alert.recovered),
			zap.Error(err))
	}
}

// Health returns a copy of the current heartbeat health
func (h *HealthCheckService) Health() models.HeartbeatHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health
}
