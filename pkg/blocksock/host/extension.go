// Package host is a minimal visual-programming host for block extensions.
//
// A Runtime keeps a registry of extensions, dispatches block invocations to
// them and runs scripts when hat blocks fire. Scripts, start actions and
// anything submitted through Do run one at a time on the event bus
// goroutine, so from a script's point of view the host is single-threaded.
package host

import (
	"context"

	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/blocks"
)

// Extension is a block extension the runtime can load.
type Extension interface {
	// Info returns the extension's manifest.
	Info() blocks.Manifest

	// Invoke runs the block with the given opcode.
	Invoke(ctx context.Context, opcode string, args blocks.Args) (any, error)
}

// Attacher is implemented by extensions that need the host environment.
// An error from Attach aborts registration.
type Attacher interface {
	Attach(env Environment) error
}

// Shutdowner is implemented by extensions that hold resources which must be
// released when the runtime stops.
type Shutdowner interface {
	Shutdown() error
}

// Environment is the part of the runtime an extension may call back into.
type Environment interface {
	// Unsandboxed reports whether extensions may perform network I/O.
	Unsandboxed() bool

	// StartHats fires every script attached to the hat block with the given
	// qualified opcode whose fields match. It does not wait for the scripts.
	StartHats(ctx context.Context, hatOpcode string, fields map[string]string) error

	Logger() *zap.Logger
}

// Hat describes one firing of a hat block. It is the payload scripts receive.
type Hat struct {
	Opcode string
	Fields map[string]string
}

// Script is run each time a matching hat fires.
type Script func(ctx context.Context, hat Hat) error
