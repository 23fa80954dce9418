package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"dosematic/models"

	"go.uber.org/zap"
)

// HeartbeatSink receives the outcome of every status poll
type HeartbeatSink interface {
	RecordHeartbeat(heartbeat models.ObservedHeartbeat)
	RecordPollFailure(err error)
}

// HeartbeatPoller reads the device status immediately and then on a fixed
// interval. At most one read is in flight: a tick that fires while a read is
// still running is skipped, not queued.
type HeartbeatPoller struct {
	source   StatusSource
	clock    Clock
	interval time.Duration
	timeout  time.Duration
	sinks    []HeartbeatSink
	logger   *zap.Logger

	inFlight atomic.Bool
	skipped  atomic.Int64
	wg       sync.WaitGroup
}

// NewHeartbeatPoller creates a poller that reports to the given sinks
func NewHeartbeatPoller(source StatusSource, clock Clock, interval, timeout time.Duration, logger *zap.Logger, sinks ...HeartbeatSink) *HeartbeatPoller {
	return &HeartbeatPoller{
		source:   source,
		clock:    clock,
		interval: interval,
		timeout:  timeout,
		sinks:    sinks,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled, then waits for the in-flight read
func (p *HeartbeatPoller) Run(ctx context.Context) {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Starting heartbeat poller",
		zap.Duration("interval", p.interval),
		zap.Duration("timeout", p.timeout))

	p.trigger(ctx)

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Info("Heartbeat poller stopped", zap.Int64("skipped_ticks", p.skipped.Load()))
			return
		case <-ticker.Chan():
			p.trigger(ctx)
		}
	}
}

// trigger starts a poll unless one is already running. It reports whether a
// poll was started.
func (p *HeartbeatPoller) trigger(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		p.logger.Debug("Skipping heartbeat tick, previous poll still in flight")
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Store(false)
		p.poll(ctx)
	}()
	return true
}

// poll performs one bounded status read and hands the result to the sinks
func (p *HeartbeatPoller) poll(ctx context.Context) {
	issuedAt := p.clock.Now()

	pollCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, err := p.source.GetStatus(pollCtx)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		err = asTransient("get status", err)

		p.logger.Warn("Heartbeat poll failed, keeping previous heartbeat", zap.Error(err))
		for _, sink := range p.sinks {
			sink.RecordPollFailure(err)
		}
		return
	}

	heartbeat := models.ObservedHeartbeat{
		CommandedEnabled: status.CommandedEnabled,
		Online:           status.Online,
		FetchedAt:        issuedAt,
	}

	p.logger.Debug("Heartbeat received",
		zap.Bool("esp32_enabled", heartbeat.CommandedEnabled),
		zap.Bool("online", heartbeat.Online),
		zap.Time("fetched_at", heartbeat.FetchedAt))

	for _, sink := range p.sinks {
		sink.RecordHeartbeat(heartbeat)
	}
}

// SkippedTicks returns how many ticks were debounced
func (p *HeartbeatPoller) SkippedTicks() int64 {
	return p.skipped.Load()
}
