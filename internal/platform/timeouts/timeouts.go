// Package timeouts defines shared timeout constants used across the service.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful
// shutdown.
const Shutdown = 5 * time.Second

// WebSocketWrite bounds a single outbound frame write to a connection.
const WebSocketWrite = 10 * time.Second

// StoreCall caps a single durable store call issued on behalf of a
// connection whose own context may already be gone.
const StoreCall = 5 * time.Second
