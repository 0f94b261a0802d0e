package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tsarna/blocksock/pkg/blocksock/blocks"
	"github.com/tsarna/blocksock/pkg/blocksock/bus"
	"github.com/tsarna/blocksock/pkg/blocksock/o11y"
)

// RuntimeBuilder provides a fluent interface for creating a Runtime.
type RuntimeBuilder struct {
	logger          *zap.Logger
	sandboxed       bool
	bufferSize      int
	hatLogLevel     *zapcore.Level
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewRuntime creates a RuntimeBuilder. Runtimes are unsandboxed unless
// WithSandboxed(true) is given.
func NewRuntime() *RuntimeBuilder {
	return &RuntimeBuilder{
		bufferSize: 1000,
	}
}

func (b *RuntimeBuilder) WithLogger(logger *zap.Logger) *RuntimeBuilder {
	b.logger = logger
	return b
}

// WithSandboxed controls whether extensions are denied network access.
func (b *RuntimeBuilder) WithSandboxed(sandboxed bool) *RuntimeBuilder {
	b.sandboxed = sandboxed
	return b
}

// WithBufferSize sets how many hat firings may be queued before StartHats
// waits for scripts to catch up.
func (b *RuntimeBuilder) WithBufferSize(size int) *RuntimeBuilder {
	b.bufferSize = size
	return b
}

// WithHatLogging logs every hat firing at level.
func (b *RuntimeBuilder) WithHatLogging(level zapcore.Level) *RuntimeBuilder {
	b.hatLogLevel = &level
	return b
}

func (b *RuntimeBuilder) WithMetrics(provider o11y.MetricsProvider) *RuntimeBuilder {
	b.metricsProvider = provider
	return b
}

func (b *RuntimeBuilder) WithTracing(provider o11y.TracingProvider) *RuntimeBuilder {
	b.tracingProvider = provider
	return b
}

// Build creates the Runtime. It must be started before hats fire.
func (b *RuntimeBuilder) Build() (*Runtime, error) {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	eventBus, err := bus.NewEventBus().
		WithName("hats").
		WithLogger(logger).
		WithBufferSize(b.bufferSize).
		WithMetrics(b.metricsProvider).
		WithTracing(b.tracingProvider).
		Build()
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		logger:          logger,
		sandboxed:       b.sandboxed,
		bus:             eventBus,
		extensions:      make(map[string]Extension),
		attaching:       make(map[string]struct{}),
		tracingProvider: b.tracingProvider,
	}
	r.runner = &runner{}
	if b.hatLogLevel != nil {
		r.hatLogger = bus.NewLoggingSubscriber(nil, logger, *b.hatLogLevel, "hats")
	}

	if b.metricsProvider != nil {
		r.invocations = b.metricsProvider.Counter("host_invocations_total")
		r.invocationErrors = b.metricsProvider.Counter("host_invocation_errors_total")
		r.hatsStarted = b.metricsProvider.Counter("host_hats_started_total")
		r.scriptRuns = b.metricsProvider.Counter("host_script_runs_total")
	}

	return r, nil
}

// Runtime hosts block extensions. It implements Environment.
type Runtime struct {
	logger    *zap.Logger
	sandboxed bool
	bus       bus.EventBus
	runner    *runner
	hatLogger bus.Subscriber

	mu         sync.RWMutex
	order      []string
	extensions map[string]Extension
	attaching  map[string]struct{}
	started    bool
	pending    []pendingScript

	tracingProvider  o11y.TracingProvider
	invocations      o11y.Counter
	invocationErrors o11y.Counter
	hatsStarted      o11y.Counter
	scriptRuns       o11y.Counter
}

func (r *Runtime) Unsandboxed() bool {
	return !r.sandboxed
}

func (r *Runtime) Logger() *zap.Logger {
	return r.logger
}

// Register adds an extension. Extension IDs are unique; registering a second
// extension with the same ID fails. If the extension implements Attacher it
// is attached before being added, and an Attach error fails registration.
func (r *Runtime) Register(ext Extension) error {
	manifest := ext.Info()
	if err := blocks.Validate(manifest); err != nil {
		return fmt.Errorf("extension %q: %w", manifest.ID, err)
	}

	r.mu.Lock()
	_, exists := r.extensions[manifest.ID]
	_, attaching := r.attaching[manifest.ID]
	if exists || attaching {
		r.mu.Unlock()
		return fmt.Errorf("extension %q is already registered", manifest.ID)
	}
	r.attaching[manifest.ID] = struct{}{}
	r.mu.Unlock()

	var attachErr error
	if attacher, ok := ext.(Attacher); ok {
		attachErr = attacher.Attach(r)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.attaching, manifest.ID)
	if attachErr != nil {
		return fmt.Errorf("extension %q: %w", manifest.ID, attachErr)
	}
	r.extensions[manifest.ID] = ext
	r.order = append(r.order, manifest.ID)

	r.logger.Info("Registered extension", zap.String("id", manifest.ID), zap.String("name", manifest.Name))
	return nil
}

// Extension returns the extension registered under id.
func (r *Runtime) Extension(id string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext, ok := r.extensions[id]
	return ext, ok
}

// Manifests returns the manifests of all registered extensions in
// registration order.
func (r *Runtime) Manifests() []blocks.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	manifests := make([]blocks.Manifest, 0, len(r.order))
	for _, id := range r.order {
		manifests = append(manifests, r.extensions[id].Info())
	}
	return manifests
}

// Invoke runs a block of a registered extension. The opcode must be declared
// in the extension's manifest.
func (r *Runtime) Invoke(ctx context.Context, extensionID, opcode string, args blocks.Args) (any, error) {
	ext, ok := r.Extension(extensionID)
	if !ok {
		return nil, fmt.Errorf("unknown extension %q", extensionID)
	}

	if _, ok := ext.Info().Block(opcode); !ok {
		return nil, fmt.Errorf("extension %q has no block %q", extensionID, opcode)
	}

	labels := []o11y.Label{{Key: "extension", Value: extensionID}, {Key: "opcode", Value: opcode}}

	var span o11y.Span
	if r.tracingProvider != nil {
		ctx, span = r.tracingProvider.StartSpan(ctx, "host.invoke")
		defer span.End()
		span.SetAttributes(labels...)
	}

	if r.invocations != nil {
		r.invocations.Add(ctx, 1, labels...)
	}

	r.logger.Debug("Invoking block", zap.String("extension", extensionID), zap.String("opcode", opcode))

	result, err := ext.Invoke(ctx, opcode, args)
	if err != nil {
		if r.invocationErrors != nil {
			r.invocationErrors.Add(ctx, 1, labels...)
		}
		if span != nil {
			span.SetStatus(o11y.SpanStatusError, err.Error())
		}
		return nil, err
	}

	if span != nil {
		span.SetStatus(o11y.SpanStatusOK, "")
	}

	return result, nil
}

// hatKeys returns the sorted argument names of the hat block with the given
// qualified opcode.
func (r *Runtime) hatKeys(hatOpcode string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		manifest := r.extensions[id].Info()
		for _, block := range manifest.Blocks {
			if !block.IsTrigger() || manifest.QualifiedOpcode(block.Opcode) != hatOpcode {
				continue
			}

			keys := make([]string, 0, len(block.Arguments))
			for name := range block.Arguments {
				keys = append(keys, name)
			}
			sort.Strings(keys)
			return keys, nil
		}
	}

	return nil, fmt.Errorf("unknown hat %q", hatOpcode)
}

// StartHats queues the hat for every matching script and returns without
// waiting for them to run. If the queue is full it waits for room until ctx
// is done. Called from a script, it never waits: the hat is dropped with an
// error instead, since only the script goroutine can make room.
func (r *Runtime) StartHats(ctx context.Context, hatOpcode string, fields map[string]string) error {
	keys, err := r.hatKeys(hatOpcode)
	if err != nil {
		return err
	}

	if r.hatsStarted != nil {
		r.hatsStarted.Add(ctx, 1, o11y.Label{Key: "hat", Value: hatOpcode})
	}

	hat := Hat{Opcode: hatOpcode, Fields: make(map[string]string, len(fields))}
	for k, v := range fields {
		hat.Fields[k] = v
	}

	topic := hatTopic(hatOpcode, keys, fields, "")
	if onScriptGoroutine(ctx) {
		return r.bus.Publish(ctx, topic, hat)
	}
	return r.bus.PublishWait(ctx, topic, hat)
}

// When attaches a script to a hat. Fields restrict which firings run the
// script; a field that is absent or empty matches any value. Scripts
// attached before Start are subscribed when the runtime starts.
// It must not be called from a script.
func (r *Runtime) When(ctx context.Context, name, hatOpcode string, fields map[string]string, script Script) error {
	keys, err := r.hatKeys(hatOpcode)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(keys))
	for _, key := range keys {
		known[key] = true
	}
	for key := range fields {
		if !known[key] {
			return fmt.Errorf("hat %q has no field %q", hatOpcode, key)
		}
	}

	sub := &scriptSubscriber{
		name:   name,
		script: script,
		logger: r.logger.With(zap.String("script", name)),
		runs:   r.scriptRuns,
	}

	topic := hatTopic(hatOpcode, keys, fields, "+")
	r.logger.Debug("Attaching script", zap.String("script", name), zap.String("topic", topic))

	r.mu.Lock()
	if !r.started {
		r.pending = append(r.pending, pendingScript{topic: topic, subscriber: sub})
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return r.bus.Subscribe(ctx, sub, topic)
}

// Do runs fn on the script goroutine and waits for it to finish. Called
// from a script or from inside another Do, it runs fn directly.
func (r *Runtime) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if onScriptGoroutine(ctx) {
		return fn(ctx)
	}
	return r.bus.PublishSync(ctx, runTopic, runRequest(fn))
}

// Start starts the script goroutine.
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime already started")
	}
	if err := r.bus.Start(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.started = true
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	// Scripts may call back into the runtime as soon as they are
	// subscribed, so the lock is not held here.
	ctx := context.Background()
	err := r.bus.Subscribe(ctx, r.runner, runTopic)
	if err == nil && r.hatLogger != nil {
		err = r.bus.Subscribe(ctx, r.hatLogger, hatsTopicPrefix+"#")
	}
	for _, p := range pending {
		if err != nil {
			break
		}
		err = r.bus.Subscribe(ctx, p.subscriber, p.topic)
	}

	if err != nil {
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
		_ = r.bus.Stop()
		return err
	}

	return nil
}

// Stop stops running scripts and shuts down every extension that
// implements Shutdowner, in reverse registration order. A script that is
// running when Stop is called is allowed to finish.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	started := r.started
	r.started = false
	order := append([]string(nil), r.order...)
	extensions := make([]Extension, len(order))
	for i, id := range order {
		extensions[i] = r.extensions[id]
	}
	r.mu.Unlock()

	var errs []error
	if started {
		if err := r.bus.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	for i := len(extensions) - 1; i >= 0; i-- {
		if s, ok := extensions[i].(Shutdowner); ok {
			id := order[i]
			if err := s.Shutdown(); err != nil {
				r.logger.Warn("Extension shutdown failed", zap.String("id", id), zap.Error(err))
				errs = append(errs, fmt.Errorf("extension %q: %w", id, err))
			}
		}
	}

	return errors.Join(errs...)
}

type scriptGoroutineKey struct{}

// onScriptGoroutine reports whether ctx belongs to a script or a Do call.
func onScriptGoroutine(ctx context.Context) bool {
	on, _ := ctx.Value(scriptGoroutineKey{}).(bool)
	return on
}

type scriptSubscriber struct {
	bus.BaseSubscriber
	name   string
	script Script
	logger *zap.Logger
	runs   o11y.Counter
}

func (s *scriptSubscriber) OnEvent(ctx context.Context, topic string, message any) error {
	hat, ok := message.(Hat)
	if !ok {
		return nil
	}

	ctx = context.WithValue(ctx, scriptGoroutineKey{}, true)

	if s.runs != nil {
		s.runs.Add(ctx, 1, o11y.Label{Key: "script", Value: s.name})
	}

	if err := s.script(ctx, hat); err != nil {
		s.logger.Error("Script failed", zap.String("hat", hat.Opcode), zap.Error(err))
		return err
	}

	return nil
}

type pendingScript struct {
	topic      string
	subscriber *scriptSubscriber
}

type runRequest func(ctx context.Context) error

type runner struct {
	bus.BaseSubscriber
}

func (r *runner) OnEvent(ctx context.Context, topic string, message any) error {
	fn, ok := message.(runRequest)
	if !ok {
		return nil
	}
	return fn(context.WithValue(ctx, scriptGoroutineKey{}, true))
}
