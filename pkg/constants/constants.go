// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPongWait is how long a signaling peer may stay silent
	WebSocketPongWait = 60 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = (WebSocketPongWait * 9) / 10

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize caps inbound signaling frames
	WebSocketMaxMessageSize = 64 * 1024

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	MaxConnLifetime   = 1 * time.Hour
	MaxConnIdleTime   = 30 * time.Minute
	HealthCheckPeriod = 1 * time.Minute
)

// Call engine constants
const (
	// CallIDPrefix is prepended to the appointment id to derive the call id
	CallIDPrefix = "call_"

	// MaxAppointmentIDLength bounds appointment identifiers accepted by the broker
	MaxAppointmentIDLength = 64

	// StreamTokenAudience is the audience claim of signaling tokens
	StreamTokenAudience = "telecare-stream"

	// AccessTokenAudience is the audience claim of API access tokens
	AccessTokenAudience = "telecare-api"

	// ParticipantSnapshotBuffer is the per-subscriber snapshot channel depth
	ParticipantSnapshotBuffer = 8

	// PushTokenExpiry is how long an appointment keeps its registered devices
	PushTokenExpiry = 30 * 24 * time.Hour
)
