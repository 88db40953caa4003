// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between the HTTP boundary, the
// execution engine and the room reaper.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Execution caps the wall-clock time of a single code execution.
const Execution = 5 * time.Second

// EmptyRoomTTL is how long a room with no members is kept for reconnection.
const EmptyRoomTTL = 10 * time.Minute

// ReapInterval is how often the registry is swept for expired empty rooms.
const ReapInterval = time.Minute

// OutboundWrite limits a single WebSocket frame write to a slow client.
const OutboundWrite = 10 * time.Second
