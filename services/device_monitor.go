package services

import (
	"context"
	"sync"
	"time"

	"dosematic/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MonitorConfig holds the reachability policy of a DeviceMonitor
type MonitorConfig struct {
	DeviceID         string
	GracePeriod      time.Duration
	TailThreshold    time.Duration
	TransitionBuffer int
}

// DeviceMonitor owns the three mutable inputs of reachability (commanded
// state, latest heartbeat, wake window) behind one mutex. Everything else is
// derived from them by the Reconciler on every poll result, countdown tick,
// command acknowledgment and read.
type DeviceMonitor struct {
	config     MonitorConfig
	issuer     *CommandIssuer
	reconciler *Reconciler
	window     *WakeWindowTracker
	clock      Clock
	logger     *zap.Logger

	mu             sync.Mutex
	commanded      models.CommandedState
	commandedKnown bool
	observed       *models.ObservedHeartbeat
	state          models.DeviceState
	commandBusy    bool

	transitions chan models.StateTransition
}

var _ HeartbeatSink = (*DeviceMonitor)(nil)

// NewDeviceMonitor creates a monitor that starts DISABLED and OFFLINE until
// the first heartbeat or command says otherwise
func NewDeviceMonitor(cfg MonitorConfig, issuer *CommandIssuer, clock Clock, logger *zap.Logger) *DeviceMonitor {
	if cfg.TransitionBuffer <= 0 {
		cfg.TransitionBuffer = 64
	}

	return &DeviceMonitor{
		config:      cfg,
		issuer:      issuer,
		reconciler:  NewReconciler(cfg.TailThreshold),
		window:      NewWakeWindowTracker(clock),
		clock:       clock,
		logger:      logger.With(zap.String("device_id", cfg.DeviceID)),
		commanded:   models.CommandedDisabled,
		state:       models.StateOffline(),
		transitions: make(chan models.StateTransition, cfg.TransitionBuffer),
	}
}

// Run drives the one-second countdown until ctx is cancelled
func (m *DeviceMonitor) Run(ctx context.Context) {
	ticker := m.clock.Ticker(time.Second)
	defer ticker.Stop()

	m.logger.Info("Device monitor started",
		zap.Duration("grace_period", m.config.GracePeriod),
		zap.Duration("tail_threshold", m.config.TailThreshold))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Device monitor stopped")
			return
		case <-ticker.Chan():
			m.Tick()
		}
	}
}

// Tick re-evaluates the state after time has passed
func (m *DeviceMonitor) Tick() models.DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(models.CauseCountdown)
}

// Transitions streams every change of the reconciled state. Changes are
// dropped when the consumer falls behind the buffer.
func (m *DeviceMonitor) Transitions() <-chan models.StateTransition {
	return m.transitions
}

// State returns the current reconciled state
func (m *DeviceMonitor) State() models.DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(models.CauseCountdown)
}

// Snapshot returns the state together with the inputs and the actions the UI
// may currently offer
func (m *DeviceMonitor) Snapshot() models.DeviceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.refreshLocked(models.CauseCountdown)

	snapshot := models.DeviceSnapshot{
		DeviceID:    m.config.DeviceID,
		State:       state,
		Commanded:   m.commanded,
		CanTurnOn:   !m.commandBusy && state.Reachability != models.WakingUp,
		CanTurnOff:  !m.commandBusy,
		CommandBusy: m.commandBusy,
	}
	if m.observed != nil {
		heartbeat := *m.observed
		snapshot.LastHeartbeat = &heartbeat
	}
	return snapshot
}

// RecordHeartbeat stores a successful poll result
func (m *DeviceMonitor) RecordHeartbeat(heartbeat models.ObservedHeartbeat) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reported := models.CommandedStateFromFlag(heartbeat.CommandedEnabled)
	switch {
	case !m.commandedKnown:
		m.commanded = reported
		m.commandedKnown = true
		m.logger.Info("Commanded state seeded from heartbeat", zap.String("commanded", string(reported)))
	case reported != m.commanded:
		m.logger.Warn("Device reports a different commanded state",
			zap.String("commanded", string(m.commanded)),
			zap.String("reported", string(reported)))
	}

	m.observed = &heartbeat
	m.refreshLocked(models.CauseHeartbeat)
}

// RecordPollFailure keeps the previous heartbeat; the failure is only logged
// by the poller
func (m *DeviceMonitor) RecordPollFailure(err error) {}

// TurnOn commands the device on and opens the wake window
func (m *DeviceMonitor) TurnOn(ctx context.Context) (models.DeviceState, error) {
	return m.issue(ctx, models.PowerOn)
}

// TurnOff commands the device off, clearing any wake window
func (m *DeviceMonitor) TurnOff(ctx context.Context) (models.DeviceState, error) {
	return m.issue(ctx, models.PowerOff)
}

// Issue dispatches an action by value
func (m *DeviceMonitor) Issue(ctx context.Context, action models.PowerAction) (models.DeviceState, error) {
	return m.issue(ctx, action)
}

func (m *DeviceMonitor) issue(ctx context.Context, action models.PowerAction) (models.DeviceState, error) {
	if err := m.beginCommand(action); err != nil {
		m.logger.Info("Power command refused", zap.String("action", string(action)), zap.Error(err))
		return models.DeviceState{}, err
	}
	defer m.endCommand()

	ack, err := m.issuer.Issue(ctx, action)
	if err != nil {
		return models.DeviceState{}, err
	}

	return m.applyAck(action, ack), nil
}

// beginCommand reserves the single command slot
func (m *DeviceMonitor) beginCommand(action models.PowerAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.commandBusy {
		return ErrCommandInFlight
	}
	state := m.refreshLocked(models.CauseCountdown)
	if action == models.PowerOn && state.Reachability == models.WakingUp {
		return ErrActionDisabled
	}

	m.commandBusy = true
	return nil
}

func (m *DeviceMonitor) endCommand() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commandBusy = false
}

// applyAck applies an acknowledged command in one critical section so no
// heartbeat can be interleaved inside the transition
func (m *DeviceMonitor) applyAck(action models.PowerAction, ack *models.PowerAck) models.DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commanded = models.CommandedStateFromFlag(ack.CommandedEnabled)
	m.commandedKnown = true

	switch action {
	case models.PowerOn:
		// never show ONLINE optimistically; the window takes it from OFFLINE
		m.window.Disarm()
		m.window.Arm(m.config.GracePeriod)
	case models.PowerOff:
		m.window.Disarm()
	}

	state := m.refreshLocked(models.CauseCommand)
	m.logger.Info("Power command applied",
		zap.String("action", string(action)),
		zap.String("commanded", string(m.commanded)),
		zap.Stringer("state", state))
	return state
}

// refreshLocked reconciles and emits a transition when the state changed.
// Callers hold m.mu.
func (m *DeviceMonitor) refreshLocked(cause models.TransitionCause) models.DeviceState {
	next := m.reconciler.Reconcile(m.commanded, m.observed, m.window)
	if next == m.state {
		return next
	}

	transition := models.StateTransition{
		ID:        uuid.NewString(),
		DeviceID:  m.config.DeviceID,
		From:      m.state,
		To:        next,
		Cause:     cause,
		Timestamp: m.clock.Now(),
	}
	m.state = next

	if !transition.IsCountdownTick() {
		m.logger.Info("Device state changed",
			zap.Stringer("from", transition.From),
			zap.Stringer("to", transition.To),
			zap.String("cause", string(cause)))
	}

	select {
	case m.transitions <- transition:
	default:
		m.logger.Warn("Transition buffer full, dropping transition",
			zap.Stringer("to", transition.To))
	}
	return next
}
