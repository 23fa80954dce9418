package models

import (
	"time"
)

// HeartbeatHealthStatus represents whether status reads are still succeeding
type HeartbeatHealthStatus string

const (
	HeartbeatHealthy   HeartbeatHealthStatus = "healthy"
	HeartbeatStale     HeartbeatHealthStatus = "stale"
	HeartbeatRecovered HeartbeatHealthStatus = "recovered"
)

// HeartbeatHealth tracks the poll outcomes for a device. It never feeds the
// reconciled DeviceState; it only drives staleness notices.
type HeartbeatHealth struct {
	DeviceID            string
	LastSuccess         time.Time
	LastError           string
	ConsecutiveFailures int
	Status              HeartbeatHealthStatus
	StaleAt             time.Time // When heartbeats went stale (if applicable)
}
