// Package webhooks implements the Webhooks block extension. Its only block
// opens a socket to a URL and keeps the handle; nothing is ever sent or
// received on it.
package webhooks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/blocks"
	"github.com/tsarna/blocksock/pkg/blocksock/transport"
)

// ID is the extension id the host registers the adapter under.
const ID = "webhooks"

func newManifest() blocks.Manifest {
	return blocks.Manifest{
		ID:   ID,
		Name: "Webhooks",
		Blocks: []blocks.Block{
			{
				Opcode:    "connect",
				BlockType: blocks.BlockTypeCommand,
				Text:      "Connect to [URL]",
				Arguments: map[string]blocks.Argument{
					"URL": {Type: blocks.ArgumentTypeString},
				},
			},
		},
	}
}

// ExtensionBuilder provides a fluent interface for creating the extension.
type ExtensionBuilder struct {
	dialer transport.Dialer
	logger *zap.Logger
}

func NewExtension() *ExtensionBuilder {
	return &ExtensionBuilder{
		logger: zap.NewNop(),
	}
}

func (b *ExtensionBuilder) WithDialer(dialer transport.Dialer) *ExtensionBuilder {
	b.dialer = dialer
	return b
}

func (b *ExtensionBuilder) WithLogger(logger *zap.Logger) *ExtensionBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *ExtensionBuilder) Build() (*Extension, error) {
	dialer := b.dialer
	if dialer == nil {
		var err error
		dialer, err = transport.NewDialer().WithLogger(b.logger).Build()
		if err != nil {
			return nil, err
		}
	}

	e := &Extension{
		manifest: newManifest(),
		dialer:   dialer,
		logger:   b.logger,
	}
	e.handlers = blocks.HandlerMap{
		"connect": func(ctx context.Context, args blocks.Args) (any, error) {
			return nil, e.Connect(ctx, args.String("URL"))
		},
	}

	return e, nil
}

// Extension is the Webhooks block extension.
type Extension struct {
	manifest blocks.Manifest
	handlers blocks.HandlerMap
	dialer   transport.Dialer
	logger   *zap.Logger

	mu     sync.Mutex
	socket transport.Socket
}

// Info returns a copy of the extension's manifest.
func (e *Extension) Info() blocks.Manifest {
	return e.manifest.Clone()
}

func (e *Extension) Invoke(ctx context.Context, opcode string, args blocks.Args) (any, error) {
	return e.handlers.Call(ctx, opcode, args)
}

// Connect opens a socket to url and keeps it, replacing any socket held
// from an earlier call. The replaced socket is left open.
func (e *Extension) Connect(ctx context.Context, url string) error {
	e.logger.Info("Connecting to webhook", zap.String("url", url))

	socket, err := e.dialer.Open(url, transport.NopListener)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.socket = socket
	e.mu.Unlock()

	return nil
}

// Handle returns the most recently opened socket, or nil.
func (e *Extension) Handle() transport.Socket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.socket
}

// Shutdown closes the held socket, if any.
func (e *Extension) Shutdown() error {
	e.mu.Lock()
	socket := e.socket
	e.socket = nil
	e.mu.Unlock()

	if socket == nil {
		return nil
	}
	return socket.Close()
}
