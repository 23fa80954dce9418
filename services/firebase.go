package services

import (
	"context"
	"fmt"
	"time"

	"dosematic/config"
	"dosematic/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// TransitionWriter persists batches of transitions
type TransitionWriter interface {
	WriteBatch(ctx context.Context, batch []models.StateTransition) error
}

// FirebaseService mirrors the current device state into the Realtime
// Database and stores the transition history
type FirebaseService struct {
	client *db.Client
	config *config.Config
	logger *zap.Logger
}

var (
	_ TransitionNotifier = (*FirebaseService)(nil)
	_ TransitionWriter   = (*FirebaseService)(nil)
)

// deviceStateRecord is the document kept at device-state/<device_id>
type deviceStateRecord struct {
	State            models.Reachability    `json:"state"`
	SecondsRemaining int                    `json:"seconds_remaining"`
	Cause            models.TransitionCause `json:"cause"`
	UpdatedAt        string                 `json:"updated_at"`
}

func NewFirebaseService(cfg *config.Config, logger *zap.Logger) (*FirebaseService, error) {
	ctx := context.Background()

	// Parse the service account JSON from environment variable
	serviceAccountJSON := []byte(cfg.FirebaseServiceAccountJSON)

	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}

	opt := option.WithCredentialsJSON(serviceAccountJSON)
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	fs := &FirebaseService{
		client: client,
		config: cfg,
		logger: logger,
	}

	// Test Firebase connection with retry
	if err := fs.testConnection(ctx); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return fs, nil
}

// testConnection tests Firebase connection with retry logic
func (fs *FirebaseService) testConnection(ctx context.Context) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		fs.logger.Info("Testing Firebase connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		var data interface{}
		err := fs.client.NewRef(fs.statePath()).Get(ctx, &data)
		if err == nil {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

func (fs *FirebaseService) statePath() string {
	return "device-state/" + fs.config.DeviceID
}

func (fs *FirebaseService) transitionsPath() string {
	return "device-transitions/" + fs.config.DeviceID
}

func (fs *FirebaseService) Name() string {
	return "firebase"
}

// NotifyTransition overwrites the mirrored current state. Countdown ticks
// are not mirrored to keep write volume down.
func (fs *FirebaseService) NotifyTransition(ctx context.Context, transition models.StateTransition) error {
	if transition.IsCountdownTick() {
		return nil
	}

	record := deviceStateRecord{
		State:            transition.To.Reachability,
		SecondsRemaining: transition.To.SecondsRemaining,
		Cause:            transition.Cause,
		UpdatedAt:        transition.Timestamp.Format(time.RFC3339),
	}

	if err := fs.client.NewRef(fs.statePath()).Set(ctx, record); err != nil {
		return fmt.Errorf("error writing device state: %w", err)
	}
	return nil
}

// WriteBatch stores transitions keyed by their ID in a single multi-path update
func (fs *FirebaseService) WriteBatch(ctx context.Context, batch []models.StateTransition) error {
	if len(batch) == 0 {
		return nil
	}

	updates := make(map[string]interface{}, len(batch))
	for _, transition := range batch {
		updates[transition.ID] = transition
	}

	if err := fs.client.NewRef(fs.transitionsPath()).Update(ctx, updates); err != nil {
		return fmt.Errorf("error writing transitions: %w", err)
	}

	fs.logger.Debug("Wrote transitions to Firebase", zap.Int("count", len(batch)))
	return nil
}

// Close closes the Firebase connection
func (fs *FirebaseService) Close() error {
	fs.logger.Info("Closing Firebase service")
	// Firebase client doesn't require explicit closing but we log it
	return nil
}
