// Package gateway defines the entry points that accept run requests.
package gateway

import "context"

// Gateway accepts run requests from one surface, such as the HTTP API or
// the interactive console.
type Gateway interface {
	// Start blocks until the gateway exits or ctx is canceled. It returns
	// an error only on failure.
	Start(ctx context.Context) error

	// Stop shuts down gracefully. ctx carries the deadline for draining
	// in-flight requests.
	Stop(ctx context.Context) error
}
