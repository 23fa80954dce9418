package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"dosematic/models"
	"dosematic/services"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// DeviceController is the reachability surface exposed to the UI
type DeviceController interface {
	Snapshot() models.DeviceSnapshot
	TurnOn(ctx context.Context) (models.DeviceState, error)
	TurnOff(ctx context.Context) (models.DeviceState, error)
}

// EventLog is the grouped detection log
type EventLog interface {
	Sessions(ctx context.Context) ([]models.SessionGroup, error)
	DeleteSession(ctx context.Context, sessionID int) error
}

// API holds the handler dependencies
type API struct {
	Device DeviceController
	Events EventLog
	logger *zap.Logger
}

func NewAPI(device DeviceController, events EventLog, logger *zap.Logger) *API {
	return &API{
		Device: device,
		Events: events,
		logger: logger,
	}
}

// errorResponse tells the UI whether the action can be offered again
type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

type powerRequest struct {
	Action string `json:"action"`
}

// GetDevice handles GET /api/v1/device
func (a *API) GetDevice(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Device.Snapshot())
}

// SetPower handles POST /api/v1/device/power
func (a *API) SetPower(w http.ResponseWriter, r *http.Request) {
	var req powerRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error(), false)
		return
	}
	defer r.Body.Close()

	action, err := models.ParsePowerAction(req.Action)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error(), false)
		return
	}

	var state models.DeviceState
	if action == models.PowerOn {
		state, err = a.Device.TurnOn(r.Context())
	} else {
		state, err = a.Device.TurnOff(r.Context())
	}
	if err != nil {
		a.logger.Warn("Power request failed", zap.String("action", string(action)), zap.Error(err))
		a.writeError(w, statusForCommandError(err), err.Error(), services.IsRetryable(err))
		return
	}

	a.logger.Info("Power request applied", zap.String("action", string(action)), zap.Stringer("state", state))
	a.writeJSON(w, http.StatusOK, a.Device.Snapshot())
}

// statusForCommandError maps command failures onto HTTP statuses
func statusForCommandError(err error) int {
	var rejected *services.RejectedError
	var transient *services.TransientError

	switch {
	case errors.Is(err, services.ErrActionDisabled), errors.Is(err, services.ErrCommandInFlight):
		return http.StatusConflict
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.As(err, &transient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ListEvents handles GET /api/v1/events
func (a *API) ListEvents(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.Events.Sessions(r.Context())
	if err != nil {
		a.logger.Error("Failed to list events", zap.Error(err))
		a.writeError(w, http.StatusBadGateway, "Failed to retrieve events", services.IsRetryable(err))
		return
	}
	a.writeJSON(w, http.StatusOK, sessions)
}

// DeleteSession handles DELETE /api/v1/events/sessions/{sessionId}
func (a *API) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.Atoi(chi.URLParam(r, "sessionId"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid sessionId in URL path", false)
		return
	}

	if err := a.Events.DeleteSession(r.Context(), sessionID); err != nil {
		a.logger.Error("Failed to delete session", zap.Int("session", sessionID), zap.Error(err))

		var rejected *services.RejectedError
		if errors.As(err, &rejected) {
			a.writeError(w, http.StatusUnprocessableEntity, "Failed to delete session", false)
			return
		}
		a.writeError(w, http.StatusBadGateway, "Failed to delete session", services.IsRetryable(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Healthz handles GET /healthz
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) writeError(w http.ResponseWriter, status int, message string, retryable bool) {
	a.writeJSON(w, status, errorResponse{Error: message, Retryable: retryable})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("Failed to encode response", zap.Error(err))
	}
}
