package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"dosematic/models"

	"go.uber.org/zap"
)

// StatusSource reads the device's commanded flag and online flag
type StatusSource interface {
	GetStatus(ctx context.Context) (*models.DeviceStatus, error)
}

// PowerController sends power commands to the device
type PowerController interface {
	SetPower(ctx context.Context, action models.PowerAction) (*models.PowerAck, error)
}

// EventStore exposes the externally stored detection log
type EventStore interface {
	ListEvents(ctx context.Context) ([]models.EventLog, error)
	DeleteSession(ctx context.Context, sessionID int) error
}

// BackendClient talks to the dosematic backend over HTTP
type BackendClient struct {
	logger     *zap.Logger
	baseURL    string
	httpClient *http.Client
}

var (
	_ StatusSource    = (*BackendClient)(nil)
	_ PowerController = (*BackendClient)(nil)
	_ EventStore      = (*BackendClient)(nil)
)

// NewBackendClient creates a backend client. Per-call deadlines come from the
// caller's context; the client timeout is a backstop.
func NewBackendClient(logger *zap.Logger, baseURL string) *BackendClient {
	return &BackendClient{
		logger:  logger,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetStatus reads GET /esp32/status
func (b *BackendClient) GetStatus(ctx context.Context) (*models.DeviceStatus, error) {
	var status models.DeviceStatus
	if err := b.do(ctx, "get status", http.MethodGet, "/esp32/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SetPower sends POST /esp32/control. An ack with success=false is a rejection.
func (b *BackendClient) SetPower(ctx context.Context, action models.PowerAction) (*models.PowerAck, error) {
	var ack models.PowerAck
	if err := b.do(ctx, "set power", http.MethodPost, "/esp32/control", models.PowerCommand{Action: action}, &ack); err != nil {
		return nil, err
	}

	if !ack.Success {
		return nil, &RejectedError{Op: "set power", Reason: "backend reported success=false"}
	}

	b.logger.Info("Power command acknowledged",
		zap.String("action", string(action)),
		zap.Bool("esp32_enabled", ack.CommandedEnabled),
	)
	return &ack, nil
}

// ListEvents reads GET /logs
func (b *BackendClient) ListEvents(ctx context.Context) ([]models.EventLog, error) {
	var events []models.EventLog
	if err := b.do(ctx, "list events", http.MethodGet, "/logs", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// DeleteSession sends DELETE /logs/session/{id}
func (b *BackendClient) DeleteSession(ctx context.Context, sessionID int) error {
	var result models.DeleteSessionResult
	path := "/logs/session/" + strconv.Itoa(sessionID)
	if err := b.do(ctx, "delete session", http.MethodDelete, path, nil, &result); err != nil {
		return err
	}

	if !result.Success {
		return &RejectedError{Op: "delete session", Reason: fmt.Sprintf("session %d not deleted", sessionID)}
	}
	return nil
}

// do performs a JSON round trip. Transport errors, timeouts and 5xx map to
// TransientError; other non-2xx statuses map to RejectedError.
func (b *BackendClient) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal payload: %w", op, err)
		}
		reader = bytes.NewBuffer(jsonData)
	}

	endpoint := b.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Dosematic-Monitor/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		// shutdown, not a device problem
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &TransientError{Op: op, Err: fmt.Errorf("backend returned %s", resp.Status)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logger.Warn("Backend refused request",
			zap.String("op", op),
			zap.String("url", endpoint),
			zap.Int("status_code", resp.StatusCode),
		)
		return &RejectedError{Op: op, Reason: resp.Status}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
