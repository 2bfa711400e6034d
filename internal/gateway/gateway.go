// Package gateway defines the transport interface for receiving
// platform events and the supervisor that keeps a transport running.
package gateway

import "context"

// Gateway is an event transport (websocket gateway or webhook server).
// Exactly one transport runs per process.
type Gateway interface {
	// Start launches the transport's event loop and blocks until the
	// transport exits or the context is canceled. Returns an error only
	// on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight events should drain before
	// returning.
	Stop(ctx context.Context) error
}
