package server

import "time"

// Config holds HTTP server settings.
type Config struct {
	// Addr is the listen address for the API and stream endpoints.
	Addr string
	// StreamBuffer is the per-viewer frame channel depth. A viewer that
	// falls further behind than this loses frames, not the connection.
	StreamBuffer int
	// KeepAlive is how long a stream endpoint waits for a frame before
	// emitting a placeholder to keep the connection open.
	KeepAlive time.Duration
	// WriteWait bounds a single WebSocket write.
	WriteWait time.Duration
	// PingInterval is the WebSocket keepalive ping period.
	PingInterval time.Duration
}

// DefaultConfig returns the standard server settings.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		StreamBuffer: 8,
		KeepAlive:    5 * time.Second,
		WriteWait:    10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}
