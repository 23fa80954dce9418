package models

import "time"

// EventLog is a single detection record from the dispenser
type EventLog struct {
	Session   int    `json:"session"`
	Cycle     int    `json:"cycle"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Time converts the unix-seconds timestamp
func (e EventLog) Time() time.Time {
	return time.Unix(e.Timestamp, 0)
}

// SessionGroup holds all events of one dispensing session
type SessionGroup struct {
	Session int        `json:"session"`
	Cycles  int        `json:"cycles"`
	Events  []EventLog `json:"events"`
}

// DeleteSessionResult is the backend's answer to a session deletion
type DeleteSessionResult struct {
	Success bool `json:"success"`
}
