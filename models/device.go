package models

import (
	"fmt"
	"time"
)

// CommandedState is the last power instruction acknowledged by the backend,
// not the device's actual status
type CommandedState string

const (
	CommandedEnabled  CommandedState = "enabled"
	CommandedDisabled CommandedState = "disabled"
)

// CommandedStateFromFlag maps the backend's esp32Enabled flag
func CommandedStateFromFlag(enabled bool) CommandedState {
	if enabled {
		return CommandedEnabled
	}
	return CommandedDisabled
}

// PowerAction is an operator power command
type PowerAction string

const (
	PowerOn  PowerAction = "on"
	PowerOff PowerAction = "off"
)

// ParsePowerAction validates an action received from the API or a queue
func ParsePowerAction(s string) (PowerAction, error) {
	switch PowerAction(s) {
	case PowerOn, PowerOff:
		return PowerAction(s), nil
	default:
		return "", fmt.Errorf("unknown power action %q", s)
	}
}

// DeviceStatus is the raw status read from the backend
type DeviceStatus struct {
	CommandedEnabled bool `json:"esp32Enabled"`
	Online           bool `json:"online"`
}

// PowerCommand is the body of a power control request
type PowerCommand struct {
	Action PowerAction `json:"action"`
}

// PowerAck is the backend's answer to a power control request
type PowerAck struct {
	Success          bool `json:"success"`
	CommandedEnabled bool `json:"esp32Enabled"`
}

// ObservedHeartbeat is the latest successful status read
type ObservedHeartbeat struct {
	CommandedEnabled bool      `json:"esp32_enabled"`
	Online           bool      `json:"online"`
	FetchedAt        time.Time `json:"fetched_at"`
}

// Reachability is the kind of a DeviceState
type Reachability string

const (
	Online   Reachability = "ONLINE"
	WakingUp Reachability = "WAKING_UP"
	Offline  Reachability = "OFFLINE"
)

// DeviceState is the reconciled, authoritative device status.
// SecondsRemaining is only meaningful for WakingUp.
type DeviceState struct {
	Reachability     Reachability `json:"state"`
	SecondsRemaining int          `json:"seconds_remaining,omitempty"`
}

func StateOnline() DeviceState  { return DeviceState{Reachability: Online} }
func StateOffline() DeviceState { return DeviceState{Reachability: Offline} }

func StateWakingUp(secondsRemaining int) DeviceState {
	return DeviceState{Reachability: WakingUp, SecondsRemaining: secondsRemaining}
}

func (s DeviceState) String() string {
	if s.Reachability == WakingUp {
		return fmt.Sprintf("%s(%d)", s.Reachability, s.SecondsRemaining)
	}
	return string(s.Reachability)
}

// TransitionCause names the event that produced a state change
type TransitionCause string

const (
	CauseHeartbeat TransitionCause = "heartbeat"
	CauseCountdown TransitionCause = "countdown"
	CauseCommand   TransitionCause = "command"
)

// StateTransition records a change of the reconciled DeviceState
type StateTransition struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id"`
	From      DeviceState     `json:"from"`
	To        DeviceState     `json:"to"`
	Cause     TransitionCause `json:"cause"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsCountdownTick reports whether the transition only moved the wake countdown
func (t StateTransition) IsCountdownTick() bool {
	return t.From.Reachability == WakingUp && t.To.Reachability == WakingUp
}

// DeviceSnapshot is the full view handed to the UI layer
type DeviceSnapshot struct {
	DeviceID      string             `json:"device_id"`
	State         DeviceState        `json:"device_state"`
	Commanded     CommandedState     `json:"commanded"`
	LastHeartbeat *ObservedHeartbeat `json:"last_heartbeat,omitempty"`
	CanTurnOn     bool               `json:"can_turn_on"`
	CanTurnOff    bool               `json:"can_turn_off"`
	CommandBusy   bool               `json:"command_busy"`
}
