// Package engine defines the boundary to the external conversational-agent
// engine. The rest of the system only ever sees this package's types; the
// concrete SDK lives behind an adapter (see engine/anthropic) that maps the
// vendor's event union into the closed message set defined here.
package engine

import (
	"context"
)

// Request describes one logical prompt submission to the engine.
type Request struct {
	Prompt           string
	SessionID        string // empty: the adapter assigns one
	Model            string
	SystemPrompt     string
	WorkingDirectory string
	PermissionMode   string
	AllowedTools     []string
	DisallowedTools  []string
	MaxTurns         int
}

// Engine is an opaque asynchronous executor: one call yields a finite stream
// of typed messages ending in a Result, or fails.
type Engine interface {
	// Stream starts an execution. The returned Stream must be closed by
	// the caller on every path; Close releases the underlying call's
	// resources.
	Stream(ctx context.Context, req Request) (Stream, error)

	// Configured reports whether the engine has working credentials.
	// Used for readiness reporting only.
	Configured() bool
}

// Stream is a finite, non-restartable sequence of engine messages.
type Stream interface {
	// Recv returns the next message. It returns io.EOF after the terminal
	// message, or an *Error describing why the stream broke.
	Recv() (Message, error)

	// Close releases the underlying call's resources. Safe to call more
	// than once and concurrently with Recv.
	Close() error
}
