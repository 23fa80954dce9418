package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dosematic/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTelegramSender struct {
	mu       sync.Mutex
	messages []tgbotapi.MessageConfig
	err      error

	// block, when set, holds every send until closed
	block chan struct{}
}

func (s *fakeTelegramSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		s.messages = append(s.messages, msg)
	}
	return tgbotapi.Message{}, s.err
}

func (s *fakeTelegramSender) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	texts := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		texts = append(texts, m.Text)
	}
	return texts
}

func transition(from, to models.DeviceState, at time.Time) models.StateTransition {
	return models.StateTransition{
		ID:        "t-1",
		DeviceID:  "esp32-test",
		From:      from,
		To:        to,
		Cause:     models.CauseHeartbeat,
		Timestamp: at,
	}
}

func TestTelegramNotifyTransition(t *testing.T) {
	clock := newFakeClock()
	sender := &fakeTelegramSender{}
	ts := newTelegramService(sender, 42, clock, zaptest.NewLogger(t))

	err := ts.NotifyTransition(context.Background(), transition(models.StateOffline(), models.StateOnline(), clock.Now()))
	require.NoError(t, err)

	require.Len(t, sender.messages, 1)
	msg := sender.messages[0]
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, "HTML", msg.ParseMode)
	assert.Contains(t, msg.Text, "DEVICE ONLINE")
	assert.Contains(t, msg.Text, "OFFLINE → ONLINE")
}

func TestTelegramSkipsCountdownTicks(t *testing.T) {
	clock := newFakeClock()
	sender := &fakeTelegramSender{}
	ts := newTelegramService(sender, 42, clock, zaptest.NewLogger(t))

	err := ts.NotifyTransition(context.Background(), transition(models.StateWakingUp(30), models.StateWakingUp(29), clock.Now()))
	require.NoError(t, err)
	assert.Empty(t, sender.Texts())
}

func TestTelegramThrottlesPerTargetState(t *testing.T) {
	clock := newFakeClock()
	sender := &fakeTelegramSender{}
	ts := newTelegramService(sender, 42, clock, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, ts.NotifyTransition(ctx, transition(models.StateOffline(), models.StateOnline(), clock.Now())))
	require.NoError(t, ts.NotifyTransition(ctx, transition(models.StateOnline(), models.StateOffline(), clock.Now())))

	clock.Advance(5 * time.Second)
	require.NoError(t, ts.NotifyTransition(ctx, transition(models.StateOffline(), models.StateOnline(), clock.Now())))
	assert.Len(t, sender.Texts(), 2, "second ONLINE alert within the window is throttled")

	clock.Advance(15 * time.Second)
	require.NoError(t, ts.NotifyTransition(ctx, transition(models.StateOffline(), models.StateOnline(), clock.Now())))
	assert.Len(t, sender.Texts(), 3)
}

func TestTelegramSendError(t *testing.T) {
	clock := newFakeClock()
	sender := &fakeTelegramSender{err: errors.New("Too Many Requests")}
	ts := newTelegramService(sender, 42, clock, zaptest.NewLogger(t))

	err := ts.NotifyTransition(context.Background(), transition(models.StateOffline(), models.StateOnline(), clock.Now()))
	assert.Error(t, err)
}

func TestTelegramNotifyHonoursDeadline(t *testing.T) {
	clock := newFakeClock()
	sender := &fakeTelegramSender{block: make(chan struct{})}
	t.Cleanup(func() { close(sender.block) })
	ts := newTelegramService(sender, 42, clock, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := ts.NotifyTransition(ctx, transition(models.StateOffline(), models.StateOnline(), clock.Now()))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTelegramHangingSendDoesNotBlockDispatcher(t *testing.T) {
	clock := newFakeClock()
	sender := &fakeTelegramSender{block: make(chan struct{})}
	t.Cleanup(func() { close(sender.block) })

	telegram := newTelegramService(sender, 42, clock, zaptest.NewLogger(t))
	mirror := &recordingNotifier{name: "mirror"}
	dispatcher := NewTransitionDispatcher(zaptest.NewLogger(t), telegram, mirror)
	dispatcher.timeout = 20 * time.Millisecond

	ch := make(chan models.StateTransition, 3)
	ch <- transition(models.StateOffline(), models.StateWakingUp(30), clock.Now())
	ch <- transition(models.StateWakingUp(3), models.StateOnline(), clock.Now())
	ch <- transition(models.StateOnline(), models.StateOffline(), clock.Now())
	close(ch)

	done := make(chan struct{})
	go func() {
		dispatcher.Start(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher stuck behind a hanging telegram send")
	}

	assert.Equal(t, 3, mirror.Count())
}

func TestTelegramHeartbeatAlerts(t *testing.T) {
	clock := newFakeClock()
	sender := &fakeTelegramSender{}
	ts := newTelegramService(sender, 42, clock, zaptest.NewLogger(t))

	health := models.HeartbeatHealth{ConsecutiveFailures: 12, LastError: "get status: transient failure: EOF"}
	require.NoError(t, ts.SendHeartbeatStaleAlert("esp32-test", clock.Now(), 90*time.Second, health))
	require.NoError(t, ts.SendHeartbeatRecoveryAlert("esp32-test", 3*time.Minute))

	texts := sender.Texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "DEVICE STATUS UNAVAILABLE")
	assert.Contains(t, texts[0], "1 min 30 sec")
	assert.Contains(t, texts[0], "12")
	assert.Contains(t, texts[1], "DEVICE STATUS RESTORED")
	assert.Contains(t, texts[1], "3 min 0 sec")
}

func TestFormatTransitionMessage(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		to   models.DeviceState
		want []string
	}{
		{name: "online", to: models.StateOnline(), want: []string{"DEVICE ONLINE"}},
		{name: "offline", to: models.StateOffline(), want: []string{"DEVICE OFFLINE"}},
		{name: "waking", to: models.StateWakingUp(30), want: []string{"DEVICE WAKING UP", "Waiting up to 30 seconds", "WAKING_UP(30)"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := formatTransitionMessage(transition(models.StateOffline(), tt.to, at))
			for _, want := range tt.want {
				assert.Contains(t, msg, want)
			}
			assert.Contains(t, msg, "2024-03-01 09:00:00")
			assert.Contains(t, msg, "esp32-test")
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{in: 45 * time.Second, want: "45 seconds"},
		{in: 2*time.Minute + 5*time.Second, want: "2 min 5 sec"},
		{in: 3*time.Hour + 20*time.Minute, want: "3 hr 20 min"},
		{in: 50 * time.Hour, want: "2 days 2 hr"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}
