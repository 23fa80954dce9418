package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dosematic/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeAlerter struct {
	mu         sync.Mutex
	stale      []time.Duration
	recoveries []time.Duration

	// block, when set, holds every send until closed
	block chan struct{}
}

func (a *fakeAlerter) SendHeartbeatStaleAlert(_ string, _ time.Time, staleFor time.Duration, _ models.HeartbeatHealth) error {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stale = append(a.stale, staleFor)
	return nil
}

func (a *fakeAlerter) SendHeartbeatRecoveryAlert(_ string, downDuration time.Duration) error {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recoveries = append(a.recoveries, downDuration)
	return nil
}

func (a *fakeAlerter) Stale() []time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Duration(nil), a.stale...)
}

func (a *fakeAlerter) Recoveries() []time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Duration(nil), a.recoveries...)
}

// startHealthCheck runs the checker until the test ends
func startHealthCheck(t *testing.T, h *HealthCheckService) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestHealthCheckStaleAndRecovery(t *testing.T) {
	clock := newFakeClock()
	alerter := &fakeAlerter{}
	health := NewHealthCheckService("esp32-test", time.Minute, alerter, clock, zaptest.NewLogger(t))
	startHealthCheck(t, health)

	clock.Advance(30 * time.Second)
	health.checkStaleness()
	assert.Equal(t, models.HeartbeatHealthy, health.Health().Status)

	health.RecordPollFailure(errors.New("timeout"))
	health.RecordPollFailure(errors.New("timeout"))
	clock.Advance(31 * time.Second)
	health.checkStaleness()
	health.checkStaleness()

	require.Eventually(t, func() bool { return len(alerter.Stale()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 61*time.Second, alerter.Stale()[0])

	current := health.Health()
	assert.Equal(t, models.HeartbeatStale, current.Status)
	assert.Equal(t, 2, current.ConsecutiveFailures)
	assert.Equal(t, "timeout", current.LastError)

	clock.Advance(9 * time.Second)
	health.RecordHeartbeat(heartbeat(true, true, clock.Now()))

	require.Eventually(t, func() bool { return len(alerter.Recoveries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 9*time.Second, alerter.Recoveries()[0])
	assert.Len(t, alerter.Stale(), 1, "one alert per outage")

	current = health.Health()
	assert.Equal(t, models.HeartbeatRecovered, current.Status)
	assert.Zero(t, current.ConsecutiveFailures)
	assert.Empty(t, current.LastError)
}

func TestHealthCheckWithoutAlerter(t *testing.T) {
	clock := newFakeClock()
	health := NewHealthCheckService("esp32-test", time.Minute, nil, clock, zaptest.NewLogger(t))

	clock.Advance(2 * time.Minute)
	health.checkStaleness()
	assert.Equal(t, models.HeartbeatStale, health.Health().Status)

	health.RecordHeartbeat(heartbeat(true, false, clock.Now()))
	assert.Equal(t, models.HeartbeatRecovered, health.Health().Status)
}

func TestHealthCheckHeartbeatKeepsHealthy(t *testing.T) {
	clock := newFakeClock()
	alerter := &fakeAlerter{}
	health := NewHealthCheckService("esp32-test", time.Minute, alerter, clock, zaptest.NewLogger(t))

	for i := 0; i < 10; i++ {
		clock.Advance(20 * time.Second)
		health.RecordHeartbeat(heartbeat(true, false, clock.Now()))
		health.checkStaleness()
	}

	assert.Empty(t, health.alerts)
	assert.Equal(t, models.HeartbeatHealthy, health.Health().Status)
}

func TestHealthCheckBlockedAlerterDoesNotStallPolling(t *testing.T) {
	clock := newFakeClock()
	alerter := &fakeAlerter{block: make(chan struct{})}
	t.Cleanup(func() { close(alerter.block) })

	health := NewHealthCheckService("esp32-test", time.Minute, alerter, clock, zaptest.NewLogger(t))
	startHealthCheck(t, health)

	clock.Advance(2 * time.Minute)
	health.checkStaleness()
	require.Equal(t, models.HeartbeatStale, health.Health().Status)

	source := onlineSource()
	sink := &recordingSink{}
	poller := NewHeartbeatPoller(source, clock, 5*time.Second, time.Second, zaptest.NewLogger(t), health, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// first poll recovers the device and queues a recovery alert that never completes
	require.Eventually(t, func() bool { return len(sink.Heartbeats()) == 1 }, time.Second, 5*time.Millisecond)

	for i := 2; i <= 5; i++ {
		require.Eventually(t, func() bool { return !poller.inFlight.Load() }, time.Second, 5*time.Millisecond)
		clock.Advance(5 * time.Second)
		require.Eventually(t, func() bool { return len(sink.Heartbeats()) == i }, time.Second, 5*time.Millisecond)
	}

	assert.Equal(t, 5, source.Calls())
	assert.Zero(t, poller.SkippedTicks())
	assert.Equal(t, models.HeartbeatHealthy, health.Health().Status)
}
