package services

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"dosematic/config"
	"dosematic/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// telegramSender is the part of tgbotapi.BotAPI the service uses
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

const telegramRequestTimeout = 15 * time.Second

type TelegramService struct {
	bot            telegramSender
	chatID         int64
	clock          Clock
	throttle       time.Duration
	lastAlertTimes map[models.Reachability]time.Time // Track last alert time per target state
	mu             sync.Mutex
	logger         *zap.Logger
}

var (
	_ TransitionNotifier = (*TelegramService)(nil)
	_ HeartbeatAlerter   = (*TelegramService)(nil)
)

func NewTelegramService(cfg *config.Config, logger *zap.Logger) (*TelegramService, error) {
	// tgbotapi's default client has no timeout; a hung request must not pin a caller
	client := &http.Client{Timeout: telegramRequestTimeout}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.TelegramBotToken, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	ts := newTelegramService(bot, chatID, RealClock{}, logger)

	// Test Telegram connection with retry
	if err := ts.testConnection(bot); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}

	return ts, nil
}

func newTelegramService(bot telegramSender, chatID int64, clock Clock, logger *zap.Logger) *TelegramService {
	return &TelegramService{
		bot:            bot,
		chatID:         chatID,
		clock:          clock,
		throttle:       15 * time.Second,
		lastAlertTimes: make(map[models.Reachability]time.Time),
		logger:         logger,
	}
}

// testConnection tests Telegram connection with retry logic
func (ts *TelegramService) testConnection(bot *tgbotapi.BotAPI) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ts.logger.Info("Testing Telegram connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		_, err := bot.GetMe()
		if err == nil {
			ts.logger.Info("Telegram connection successful")
			return nil
		}

		ts.logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

func (ts *TelegramService) Name() string {
	return "telegram"
}

// NotifyTransition sends an alert when the device changes reachability.
// Countdown ticks are not sent and repeated alerts for the same target state
// are throttled.
func (ts *TelegramService) NotifyTransition(ctx context.Context, transition models.StateTransition) error {
	if transition.IsCountdownTick() {
		return nil
	}

	if ts.shouldThrottle(transition.To.Reachability) {
		ts.logger.Debug("Throttling transition alert", zap.Stringer("to", transition.To))
		return nil
	}

	if err := ts.sendHTMLContext(ctx, formatTransitionMessage(transition)); err != nil {
		return fmt.Errorf("error sending transition alert: %w", err)
	}

	ts.logger.Info("Sent transition alert",
		zap.String("device_id", transition.DeviceID),
		zap.Stringer("to", transition.To))
	return nil
}

// shouldThrottle records the alert time and reports whether an alert for the
// same state was sent within the throttle window
func (ts *TelegramService) shouldThrottle(state models.Reachability) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.clock.Now()
	if last, ok := ts.lastAlertTimes[state]; ok && now.Sub(last) < ts.throttle {
		return true
	}
	ts.lastAlertTimes[state] = now
	return false
}

// SendStatusMessage sends a general status message
func (ts *TelegramService) SendStatusMessage(message string) error {
	return ts.sendHTML(message)
}

// SendStartupMessage sends a message when the service starts
func (ts *TelegramService) SendStartupMessage(deviceID string) error {
	message := "🟢 <b>Dosematic Monitor Started</b>\n\n" +
		fmt.Sprintf("📱 Watching device <b>%s</b>\n", deviceID) +
		"🤖 Telegram notifications active\n\n" +
		"✅ System is ready and operational!"

	return ts.SendStatusMessage(message)
}

// SendHeartbeatStaleAlert sends an alert when no status read has succeeded for too long
func (ts *TelegramService) SendHeartbeatStaleAlert(deviceID string, lastSuccess time.Time, staleFor time.Duration, health models.HeartbeatHealth) error {
	var sb strings.Builder

	sb.WriteString("⚠️ <b>DEVICE STATUS UNAVAILABLE</b> ⚠️\n\n")
	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", deviceID))
	sb.WriteString(fmt.Sprintf("🕐 <b>Last Heartbeat:</b> %s\n", lastSuccess.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Stale For:</b> %s\n", formatDuration(staleFor)))
	sb.WriteString(fmt.Sprintf("🔁 <b>Failed Polls:</b> %d\n", health.ConsecutiveFailures))
	if health.LastError != "" {
		sb.WriteString(fmt.Sprintf("❌ <b>Last Error:</b> %s\n", health.LastError))
	}
	sb.WriteString("\n💡 The displayed status is the last known one until the backend answers again.")

	if err := ts.sendHTML(sb.String()); err != nil {
		return fmt.Errorf("error sending heartbeat stale alert: %w", err)
	}

	ts.logger.Info("Sent heartbeat stale alert",
		zap.String("device_id", deviceID),
		zap.Duration("stale_for", staleFor))
	return nil
}

// SendHeartbeatRecoveryAlert sends an alert when status reads succeed again
func (ts *TelegramService) SendHeartbeatRecoveryAlert(deviceID string, downDuration time.Duration) error {
	var sb strings.Builder

	sb.WriteString("✅ <b>DEVICE STATUS RESTORED</b> ✅\n\n")
	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", deviceID))
	sb.WriteString(fmt.Sprintf("🕐 <b>Recovery Time:</b> %s\n", ts.clock.Now().Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Downtime:</b> %s", formatDuration(downDuration)))

	if err := ts.sendHTML(sb.String()); err != nil {
		return fmt.Errorf("error sending heartbeat recovery alert: %w", err)
	}

	ts.logger.Info("Sent heartbeat recovery alert",
		zap.String("device_id", deviceID),
		zap.Duration("down_duration", downDuration))
	return nil
}

// sendHTMLContext returns when the send completes or ctx is done, whichever
// comes first. An abandoned send finishes in the background.
func (ts *TelegramService) sendHTMLContext(ctx context.Context, text string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- ts.sendHTML(text)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ts *TelegramService) sendHTML(text string) error {
	msg := tgbotapi.NewMessage(ts.chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	_, err := ts.bot.Send(msg)
	return err
}

// formatTransitionMessage creates a mobile-friendly transition alert
func formatTransitionMessage(transition models.StateTransition) string {
	var sb strings.Builder

	switch transition.To.Reachability {
	case models.Online:
		sb.WriteString("🟢 <b>DEVICE ONLINE</b>\n\n")
	case models.WakingUp:
		sb.WriteString("🟡 <b>DEVICE WAKING UP</b>\n\n")
	default:
		sb.WriteString("🔴 <b>DEVICE OFFLINE</b>\n\n")
	}

	sb.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", transition.DeviceID))
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n", transition.Timestamp.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("🔀 <b>Change:</b> %s → %s\n", transition.From, transition.To))
	sb.WriteString(fmt.Sprintf("📌 <b>Cause:</b> %s", transition.Cause))

	if transition.To.Reachability == models.WakingUp {
		sb.WriteString(fmt.Sprintf("\n⏳ Waiting up to %d seconds for the first heartbeat", transition.To.SecondsRemaining))
	}

	return sb.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hr", days, hours)
}
