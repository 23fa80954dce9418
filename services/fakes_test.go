package services

import (
	"context"
	"sync"
	"time"

	"dosematic/models"
)

// fakeClock is a manually advanced Clock. Tickers fire when Advance crosses
// their next deadline.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Ticker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     c.now.Add(d),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves time forward and fires due tickers
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := append([]*fakeTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, t := range tickers {
		t.fire(now)
	}
}

func (c *fakeClock) TickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

type fakeTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *fakeTicker) Chan() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || now.Before(t.next) {
		return
	}
	for !now.Before(t.next) {
		t.next = t.next.Add(t.interval)
	}

	// like time.Ticker, a slow reader loses ticks
	select {
	case t.ch <- now:
	default:
	}
}

// fakeStatusSource answers GetStatus through fn
type fakeStatusSource struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context) (*models.DeviceStatus, error)
}

func (s *fakeStatusSource) GetStatus(ctx context.Context) (*models.DeviceStatus, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(ctx)
}

func (s *fakeStatusSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeController answers SetPower through fn
type fakeController struct {
	mu      sync.Mutex
	actions []models.PowerAction
	fn      func(ctx context.Context, action models.PowerAction) (*models.PowerAck, error)
}

func (c *fakeController) SetPower(ctx context.Context, action models.PowerAction) (*models.PowerAck, error) {
	c.mu.Lock()
	c.actions = append(c.actions, action)
	c.mu.Unlock()
	return c.fn(ctx, action)
}

func (c *fakeController) Actions() []models.PowerAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.PowerAction(nil), c.actions...)
}

// acceptingController acknowledges every action the way the backend does
func acceptingController() *fakeController {
	return &fakeController{
		fn: func(_ context.Context, action models.PowerAction) (*models.PowerAck, error) {
			return &models.PowerAck{Success: true, CommandedEnabled: action == models.PowerOn}, nil
		},
	}
}

// recordingSink collects poll outcomes
type recordingSink struct {
	mu         sync.Mutex
	heartbeats []models.ObservedHeartbeat
	failures   []error
}

func (s *recordingSink) RecordHeartbeat(heartbeat models.ObservedHeartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, heartbeat)
}

func (s *recordingSink) RecordPollFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
}

func (s *recordingSink) Heartbeats() []models.ObservedHeartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ObservedHeartbeat(nil), s.heartbeats...)
}

func (s *recordingSink) Failures() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.failures...)
}

func heartbeat(enabled, online bool, at time.Time) models.ObservedHeartbeat {
	return models.ObservedHeartbeat{CommandedEnabled: enabled, Online: online, FetchedAt: at}
}
