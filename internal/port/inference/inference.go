// Package inference defines the text-inference port.
package inference

import "context"

// Client is the port interface for an unreliable, slow text-inference
// backend. Callers always define a deterministic fallback path.
type Client interface {
	// Invoke sends a prompt and returns the raw response text.
	Invoke(ctx context.Context, prompt string) (string, error)
}
