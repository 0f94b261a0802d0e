// Package websockets implements the Websockets block extension: one socket
// per extension instance, blocks to connect, send and close, a reporter for
// the last received message or close reason, and an event hat fired for
// every socket event.
package websockets

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/blocks"
	"github.com/tsarna/blocksock/pkg/blocksock/host"
	"github.com/tsarna/blocksock/pkg/blocksock/o11y"
	"github.com/tsarna/blocksock/pkg/blocksock/transport"
)

// ErrSandboxed is returned by Attach when the host does not allow network
// access.
var ErrSandboxed = errors.New("Websockets needs to be ran in unsandboxed mode.")

// ExtensionBuilder provides a fluent interface for creating the extension.
type ExtensionBuilder struct {
	dialer               transport.Dialer
	logger               *zap.Logger
	releaseOnRemoteClose bool
	metricsProvider      o11y.MetricsProvider
}

// NewExtension creates an ExtensionBuilder.
func NewExtension() *ExtensionBuilder {
	return &ExtensionBuilder{
		logger: zap.NewNop(),
	}
}

// WithDialer sets the dialer used by connect. By default a coder/websocket
// dialer is used.
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

// WithReleaseOnRemoteClose makes a close event from the current socket clear
// the handle, so a later connect opens a new socket. Without it the handle is
// only cleared by the close block, and connect stays a no-op after the peer
// hangs up.
func (b *ExtensionBuilder) WithReleaseOnRemoteClose(release bool) *ExtensionBuilder {
	b.releaseOnRemoteClose = release
	return b
}

func (b *ExtensionBuilder) WithMetrics(provider o11y.MetricsProvider) *ExtensionBuilder {
	b.metricsProvider = provider
	return b
}

// Build creates the extension.
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
		manifest:             newManifest(),
		dialer:               dialer,
		logger:               b.logger,
		releaseOnRemoteClose: b.releaseOnRemoteClose,
		values:               make(map[string]string, 2),
	}

	e.handlers = blocks.HandlerMap{
		"connect":   e.connectBlock,
		"send":      e.sendBlock,
		"close":     e.closeBlock,
		"lastValue": e.lastValueBlock,
		"whenEvent": e.whenEventBlock,
	}

	if b.metricsProvider != nil {
		e.eventCounter = b.metricsProvider.Counter("websockets_events_total")
		e.sendCounter = b.metricsProvider.Counter("websockets_sends_total")
	}

	return e, nil
}

// Extension is the Websockets block extension. It is safe for concurrent use:
// socket events arrive on the transport's goroutines while blocks run on the
// host's.
type Extension struct {
	manifest             blocks.Manifest
	handlers             blocks.HandlerMap
	dialer               transport.Dialer
	logger               *zap.Logger
	releaseOnRemoteClose bool

	eventCounter o11y.Counter
	sendCounter  o11y.Counter

	mu         sync.Mutex
	env        host.Environment
	socket     transport.Socket
	connecting bool
	// released is set when the socket being opened reports close before
	// Open returns.
	released transport.Socket
	values   map[string]string
}

// Info returns a copy of the extension's manifest.
func (e *Extension) Info() blocks.Manifest {
	return e.manifest.Clone()
}

func (e *Extension) Invoke(ctx context.Context, opcode string, args blocks.Args) (any, error) {
	return e.handlers.Call(ctx, opcode, args)
}

// Attach binds the extension to the host. It refuses sandboxed hosts.
func (e *Extension) Attach(env host.Environment) error {
	if !env.Unsandboxed() {
		return ErrSandboxed
	}

	e.mu.Lock()
	e.env = env
	e.mu.Unlock()

	return nil
}

// Connect opens a socket to url unless one is already held or being opened,
// in which case it does nothing. Errors opening the socket are returned as
// is. The dialer may deliver events before Open returns.
func (e *Extension) Connect(ctx context.Context, url string) error {
	e.mu.Lock()
	if e.socket != nil || e.connecting {
		e.mu.Unlock()
		e.logger.Debug("Already connected, ignoring connect", zap.String("url", url))
		return nil
	}
	e.connecting = true
	e.mu.Unlock()

	socket, err := e.dialer.Open(url, e.onEvent)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.connecting = false
	released := e.released
	e.released = nil
	if err != nil {
		return err
	}

	e.logger.Info("Connecting", zap.String("url", url), zap.String("socket", socket.ID()))
	if released != nil && released == socket {
		return nil
	}
	e.socket = socket
	return nil
}

// Send transmits text over the held socket. Without a socket it does
// nothing.
func (e *Extension) Send(ctx context.Context, text string) error {
	e.mu.Lock()
	socket := e.socket
	e.mu.Unlock()

	if socket == nil {
		return nil
	}

	if e.sendCounter != nil {
		e.sendCounter.Add(ctx, 1)
	}

	return socket.Send(ctx, text)
}

// Close asks the held socket to close and forgets it. The socket's close
// event is still delivered later.
func (e *Extension) Close() error {
	e.mu.Lock()
	socket := e.socket
	e.socket = nil
	e.mu.Unlock()

	if socket == nil {
		return nil
	}

	e.logger.Debug("Closing", zap.String("socket", socket.ID()))
	return socket.Close()
}

// LastValue returns the most recent value stored under key, KeyData or
// KeyReason. The second result is false if no such event has been seen.
func (e *Extension) LastValue(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	value, ok := e.values[key]
	return value, ok
}

// Handle returns the held socket, or nil.
func (e *Extension) Handle() transport.Socket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.socket
}

// Shutdown closes the held socket, if any.
func (e *Extension) Shutdown() error {
	return e.Close()
}

func (e *Extension) onEvent(ev transport.Event) {
	e.mu.Lock()
	switch ev.Type {
	case transport.EventMessage:
		e.values[KeyData] = ev.Data
	case transport.EventClose:
		e.values[KeyReason] = ev.Reason
		if e.releaseOnRemoteClose {
			if e.socket != nil && e.socket == ev.Socket {
				e.socket = nil
			} else if e.socket == nil && e.connecting {
				e.released = ev.Socket
			}
		}
	}
	env := e.env
	e.mu.Unlock()

	ctx := context.Background()

	if e.eventCounter != nil {
		e.eventCounter.Add(ctx, 1, o11y.Label{Key: "type", Value: string(ev.Type)})
	}

	switch ev.Type {
	case transport.EventError:
		e.logger.Warn("Websocket error", zap.Error(ev.Err))
	case transport.EventClose:
		e.logger.Info("Websocket closed",
			zap.Int("code", ev.Code), zap.String("reason", ev.Reason), zap.Bool("clean", ev.WasClean))
	default:
		e.logger.Debug("Websocket event", zap.String("type", string(ev.Type)))
	}

	if env == nil {
		return
	}

	if err := env.StartHats(ctx, HatOpcode, map[string]string{EventField: string(ev.Type)}); err != nil {
		e.logger.Warn("Failed to start hats", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (e *Extension) connectBlock(ctx context.Context, args blocks.Args) (any, error) {
	return nil, e.Connect(ctx, args.String("URL"))
}

func (e *Extension) sendBlock(ctx context.Context, args blocks.Args) (any, error) {
	return nil, e.Send(ctx, args.String("TXT"))
}

func (e *Extension) closeBlock(ctx context.Context, args blocks.Args) (any, error) {
	return nil, e.Close()
}

// lastValueBlock reports nil for a key with no value yet.
func (e *Extension) lastValueBlock(ctx context.Context, args blocks.Args) (any, error) {
	value, ok := e.LastValue(args.String("VAL"))
	if !ok {
		return nil, nil
	}
	return value, nil
}

// whenEventBlock is fired through the host; running it directly does nothing.
func (e *Extension) whenEventBlock(ctx context.Context, args blocks.Args) (any, error) {
	return nil, nil
}
