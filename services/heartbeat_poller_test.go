package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"dosematic/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func onlineSource() *fakeStatusSource {
	return &fakeStatusSource{
		fn: func(context.Context) (*models.DeviceStatus, error) {
			return &models.DeviceStatus{CommandedEnabled: true, Online: true}, nil
		},
	}
}

func TestHeartbeatPollerPollsImmediately(t *testing.T) {
	clock := newFakeClock()
	source := onlineSource()
	sink := &recordingSink{}
	poller := NewHeartbeatPoller(source, clock, 5*time.Second, time.Second, zaptest.NewLogger(t), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(sink.Heartbeats()) == 1 }, time.Second, 5*time.Millisecond)

	got := sink.Heartbeats()[0]
	assert.True(t, got.CommandedEnabled)
	assert.True(t, got.Online)
	assert.Equal(t, clock.Now(), got.FetchedAt)

	cancel()
	<-done
}

func TestHeartbeatPollerPollsOnEveryTick(t *testing.T) {
	clock := newFakeClock()
	source := onlineSource()
	sink := &recordingSink{}
	poller := NewHeartbeatPoller(source, clock, 5*time.Second, time.Second, zaptest.NewLogger(t), sink)

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

	require.Eventually(t, func() bool { return clock.TickerCount() == 1 && source.Calls() == 1 }, time.Second, 5*time.Millisecond)

	for i := 2; i <= 4; i++ {
		// wait for the previous read to finish so the tick is not debounced
		require.Eventually(t, func() bool {
			return len(sink.Heartbeats()) == i-1 && !poller.inFlight.Load()
		}, time.Second, 5*time.Millisecond)
		clock.Advance(5 * time.Second)
		require.Eventually(t, func() bool { return source.Calls() == i }, time.Second, 5*time.Millisecond)
	}
}

func TestHeartbeatPollerSkipsTickWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	source := &fakeStatusSource{
		fn: func(context.Context) (*models.DeviceStatus, error) {
			<-release
			return &models.DeviceStatus{CommandedEnabled: true}, nil
		},
	}
	sink := &recordingSink{}
	poller := NewHeartbeatPoller(source, newFakeClock(), 5*time.Second, time.Minute, zaptest.NewLogger(t), sink)
	ctx := context.Background()

	require.True(t, poller.trigger(ctx))
	assert.False(t, poller.trigger(ctx))
	assert.False(t, poller.trigger(ctx))
	assert.Equal(t, int64(2), poller.SkippedTicks())

	close(release)
	require.Eventually(t, func() bool { return len(sink.Heartbeats()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !poller.inFlight.Load() }, time.Second, 5*time.Millisecond)

	assert.True(t, poller.trigger(ctx))
	poller.wg.Wait()
	assert.Equal(t, 2, source.Calls())
}

func TestHeartbeatPollerFailureKeepsHeartbeat(t *testing.T) {
	source := &fakeStatusSource{
		fn: func(context.Context) (*models.DeviceStatus, error) {
			return nil, errors.New("connection reset by peer")
		},
	}
	sink := &recordingSink{}
	poller := NewHeartbeatPoller(source, newFakeClock(), 5*time.Second, time.Second, zaptest.NewLogger(t), sink)

	poller.poll(context.Background())

	assert.Empty(t, sink.Heartbeats())
	require.Len(t, sink.Failures(), 1)

	var transient *TransientError
	assert.ErrorAs(t, sink.Failures()[0], &transient)
}

func TestHeartbeatPollerKeepsRejection(t *testing.T) {
	rejection := &RejectedError{Op: "get status", Reason: "404 Not Found"}
	source := &fakeStatusSource{
		fn: func(context.Context) (*models.DeviceStatus, error) {
			return nil, rejection
		},
	}
	sink := &recordingSink{}
	poller := NewHeartbeatPoller(source, newFakeClock(), 5*time.Second, time.Second, zaptest.NewLogger(t), sink)

	poller.poll(context.Background())

	require.Len(t, sink.Failures(), 1)
	assert.Same(t, rejection, sink.Failures()[0])
}

func TestHeartbeatPollerTimeoutIsTransient(t *testing.T) {
	source := &fakeStatusSource{
		fn: func(ctx context.Context) (*models.DeviceStatus, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	sink := &recordingSink{}
	poller := NewHeartbeatPoller(source, newFakeClock(), 5*time.Second, 10*time.Millisecond, zaptest.NewLogger(t), sink)

	poller.poll(context.Background())

	require.Len(t, sink.Failures(), 1)
	err := sink.Failures()[0]
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsRetryable(err))
}

func TestHeartbeatPollerIgnoresShutdown(t *testing.T) {
	source := &fakeStatusSource{
		fn: func(ctx context.Context) (*models.DeviceStatus, error) {
			return nil, ctx.Err()
		},
	}
	sink := &recordingSink{}
	poller := NewHeartbeatPoller(source, newFakeClock(), 5*time.Second, time.Second, zaptest.NewLogger(t), sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	poller.poll(ctx)

	assert.Empty(t, sink.Failures())
	assert.Empty(t, sink.Heartbeats())
}

func TestHeartbeatPollerFetchedAtIsIssueTime(t *testing.T) {
	clock := newFakeClock()
	issuedAt := clock.Now()
	source := &fakeStatusSource{
		fn: func(context.Context) (*models.DeviceStatus, error) {
			clock.Advance(3 * time.Second)
			return &models.DeviceStatus{CommandedEnabled: true, Online: true}, nil
		},
	}
	sink := &recordingSink{}
	poller := NewHeartbeatPoller(source, clock, 5*time.Second, time.Second, zaptest.NewLogger(t), sink)

	poller.poll(context.Background())

	require.Len(t, sink.Heartbeats(), 1)
	assert.Equal(t, issuedAt, sink.Heartbeats()[0].FetchedAt)
}
