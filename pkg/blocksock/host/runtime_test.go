package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tsarna/blocksock/pkg/blocksock/blocks"
	"github.com/tsarna/blocksock/pkg/blocksock/o11y"
)

type fakeExtension struct {
	id        string
	attachErr error
	env       Environment

	mu       sync.Mutex
	calls    []string
	shutdown int
}

func (f *fakeExtension) Info() blocks.Manifest {
	return blocks.Manifest{
		ID:   f.id,
		Name: "Fake",
		Blocks: []blocks.Block{
			{
				Opcode:    "echo",
				BlockType: blocks.BlockTypeReporter,
				Text:      "echo [TXT]",
				Arguments: map[string]blocks.Argument{"TXT": {Type: blocks.ArgumentTypeString}},
			},
			{
				Opcode:    "fail",
				BlockType: blocks.BlockTypeCommand,
				Text:      "fail",
			},
			{
				Opcode:          "whenThing",
				BlockType:       blocks.BlockTypeEvent,
				Text:            "when [KIND] [SIZE]",
				IsEdgeActivated: blocks.Bool(false),
				Arguments: map[string]blocks.Argument{
					"KIND": {Type: blocks.ArgumentTypeString},
					"SIZE": {Type: blocks.ArgumentTypeString},
				},
			},
		},
	}
}

func (f *fakeExtension) Invoke(ctx context.Context, opcode string, args blocks.Args) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opcode)
	f.mu.Unlock()

	switch opcode {
	case "echo":
		return args.String("TXT"), nil
	case "fail":
		return nil, errors.New("failed on purpose")
	}
	return nil, nil
}

func (f *fakeExtension) Attach(env Environment) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.env = env
	return nil
}

func (f *fakeExtension) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown++
	return nil
}

func newRuntime(t *testing.T, metrics o11y.MetricsProvider) *Runtime {
	t.Helper()

	r, err := NewRuntime().WithLogger(zap.NewNop()).WithMetrics(metrics).Build()
	require.NoError(t, err)
	return r
}

func TestRegister(t *testing.T) {
	r := newRuntime(t, nil)

	ext := &fakeExtension{id: "fake"}
	require.NoError(t, r.Register(ext))
	assert.Same(t, r, ext.env, "extension is attached to the runtime")

	err := r.Register(&fakeExtension{id: "fake"})
	assert.ErrorContains(t, err, "already registered")

	got, ok := r.Extension("fake")
	assert.True(t, ok)
	assert.Same(t, ext, got)

	_, ok = r.Extension("missing")
	assert.False(t, ok)
}

func TestRegisterAttachFailure(t *testing.T) {
	r := newRuntime(t, nil)

	refused := errors.New("refused")
	err := r.Register(&fakeExtension{id: "fake", attachErr: refused})
	assert.ErrorIs(t, err, refused)
	assert.ErrorContains(t, err, `extension "fake"`)

	_, ok := r.Extension("fake")
	assert.False(t, ok, "failed extensions are not registered")
}

func TestRegisterInvalidManifest(t *testing.T) {
	r := newRuntime(t, nil)
	assert.Error(t, r.Register(&fakeExtension{id: "Not Valid"}))
}

type slowAttachExtension struct {
	fakeExtension
	attaching chan struct{}
	release   chan struct{}
}

func (s *slowAttachExtension) Attach(env Environment) error {
	close(s.attaching)
	<-s.release
	return s.fakeExtension.Attach(env)
}

func TestRegisterReservesIDWhileAttaching(t *testing.T) {
	r := newRuntime(t, nil)

	first := &slowAttachExtension{
		fakeExtension: fakeExtension{id: "fake"},
		attaching:     make(chan struct{}),
		release:       make(chan struct{}),
	}

	registered := make(chan error, 1)
	go func() {
		registered <- r.Register(first)
	}()
	<-first.attaching

	second := &fakeExtension{id: "fake"}
	assert.ErrorContains(t, r.Register(second), "already registered")
	assert.Nil(t, second.env, "a duplicate is never attached")

	_, ok := r.Extension("fake")
	assert.False(t, ok, "not visible until attached")

	close(first.release)
	require.NoError(t, <-registered)

	got, ok := r.Extension("fake")
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestRegisterAfterFailedAttach(t *testing.T) {
	r := newRuntime(t, nil)

	require.Error(t, r.Register(&fakeExtension{id: "fake", attachErr: errors.New("refused")}))
	assert.NoError(t, r.Register(&fakeExtension{id: "fake"}), "a failed attach releases the ID")
}

func TestSandboxed(t *testing.T) {
	r := newRuntime(t, nil)
	assert.True(t, r.Unsandboxed())

	sandboxed, err := NewRuntime().WithSandboxed(true).Build()
	require.NoError(t, err)
	assert.False(t, sandboxed.Unsandboxed())
	assert.NotNil(t, sandboxed.Logger())
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()
	metrics := o11y.NewMemoryMetrics()
	r := newRuntime(t, metrics)
	require.NoError(t, r.Register(&fakeExtension{id: "fake"}))

	got, err := r.Invoke(ctx, "fake", "echo", blocks.Args{"TXT": 42})
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	_, err = r.Invoke(ctx, "fake", "fail", nil)
	assert.EqualError(t, err, "failed on purpose")

	_, err = r.Invoke(ctx, "nope", "echo", nil)
	assert.ErrorContains(t, err, `unknown extension "nope"`)

	_, err = r.Invoke(ctx, "fake", "nope", nil)
	assert.ErrorContains(t, err, `has no block "nope"`)

	ext := o11y.Label{Key: "extension", Value: "fake"}
	assert.Equal(t, int64(1), metrics.CounterValue("host_invocations_total", ext, o11y.Label{Key: "opcode", Value: "echo"}))
	assert.Equal(t, int64(1), metrics.CounterValue("host_invocation_errors_total", ext, o11y.Label{Key: "opcode", Value: "fail"}))
}

func TestManifestsInRegistrationOrder(t *testing.T) {
	r := newRuntime(t, nil)
	require.NoError(t, r.Register(&fakeExtension{id: "zeta"}))
	require.NoError(t, r.Register(&fakeExtension{id: "alpha"}))

	manifests := r.Manifests()
	require.Len(t, manifests, 2)
	assert.Equal(t, "zeta", manifests[0].ID)
	assert.Equal(t, "alpha", manifests[1].ID)
}

type hatLog struct {
	mu   sync.Mutex
	hats []string
}

func (h *hatLog) script(name string) Script {
	return func(ctx context.Context, hat Hat) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.hats = append(h.hats, name+":"+hat.Fields["KIND"]+"/"+hat.Fields["SIZE"])
		return nil
	}
}

func (h *hatLog) get() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.hats))
	copy(out, h.hats)
	return out
}

func TestStartHatsRunsMatchingScripts(t *testing.T) {
	ctx := context.Background()
	metrics := o11y.NewMemoryMetrics()
	r := newRuntime(t, metrics)
	require.NoError(t, r.Register(&fakeExtension{id: "fake"}))
	require.NoError(t, r.Start())
	defer r.Stop()

	log := &hatLog{}
	require.NoError(t, r.When(ctx, "any", "fake_whenThing", nil, log.script("any")))
	require.NoError(t, r.When(ctx, "open", "fake_whenThing", map[string]string{"KIND": "open"}, log.script("open")))
	require.NoError(t, r.When(ctx, "big-close", "fake_whenThing", map[string]string{"KIND": "close", "SIZE": "big"}, log.script("big-close")))

	require.NoError(t, r.StartHats(ctx, "fake_whenThing", map[string]string{"KIND": "open", "SIZE": "small"}))
	require.NoError(t, r.StartHats(ctx, "fake_whenThing", map[string]string{"KIND": "close", "SIZE": "big"}))
	require.NoError(t, r.StartHats(ctx, "fake_whenThing", map[string]string{"KIND": "a/b#c+", "SIZE": "x"}))

	// Do is queued behind the hats, so they have all run once it returns.
	require.NoError(t, r.Do(ctx, func(ctx context.Context) error { return nil }))

	assert.Equal(t, []string{
		"any:open/small", "open:open/small",
		"any:close/big", "big-close:close/big",
		"any:a/b#c+/x",
	}, log.get())

	assert.Equal(t, int64(3), metrics.CounterValue("host_hats_started_total", o11y.Label{Key: "hat", Value: "fake_whenThing"}))
	assert.Equal(t, int64(3), metrics.CounterValue("host_script_runs_total", o11y.Label{Key: "script", Value: "any"}))
}

func TestStartHatsErrors(t *testing.T) {
	ctx := context.Background()
	r := newRuntime(t, nil)
	require.NoError(t, r.Register(&fakeExtension{id: "fake"}))

	assert.ErrorContains(t, r.StartHats(ctx, "fake_echo", nil), "unknown hat")
	assert.Error(t, r.StartHats(ctx, "fake_whenThing", nil), "not started")

	require.NoError(t, r.Start())
	defer r.Stop()

	noop := func(context.Context, Hat) error { return nil }
	assert.ErrorContains(t, r.When(ctx, "x", "fake_whenThing", map[string]string{"COLOR": "red"}, noop), `no field "COLOR"`)
	assert.ErrorContains(t, r.When(ctx, "x", "missing_hat", nil, noop), "unknown hat")
}

func TestWhenBeforeStart(t *testing.T) {
	ctx := context.Background()
	r := newRuntime(t, nil)
	require.NoError(t, r.Register(&fakeExtension{id: "fake"}))

	log := &hatLog{}
	require.NoError(t, r.When(ctx, "early", "fake_whenThing", map[string]string{"KIND": "k"}, log.script("early")))

	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, r.StartHats(ctx, "fake_whenThing", map[string]string{"KIND": "k", "SIZE": "s"}))
	require.NoError(t, r.Do(ctx, func(ctx context.Context) error { return nil }))

	assert.Equal(t, []string{"early:k/s"}, log.get())
}

func TestHatLogging(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)

	r, err := NewRuntime().WithLogger(zap.New(core)).WithHatLogging(zapcore.InfoLevel).Build()
	require.NoError(t, err)
	require.NoError(t, r.Register(&fakeExtension{id: "fake"}))
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, r.StartHats(ctx, "fake_whenThing", map[string]string{"KIND": "open"}))
	require.NoError(t, r.Do(ctx, func(ctx context.Context) error { return nil }))

	events := logs.FilterMessage("Event").FilterField(zap.String("topic", "hats/fake_whenThing/open/%")).All()
	require.Len(t, events, 1)
	assert.Equal(t, zapcore.InfoLevel, events[0].Level)
}

func TestScriptsAreSerialized(t *testing.T) {
	ctx := context.Background()
	r := newRuntime(t, nil)
	require.NoError(t, r.Register(&fakeExtension{id: "fake"}))
	require.NoError(t, r.Start())
	defer r.Stop()

	var mu sync.Mutex
	running, maxRunning := 0, 0
	script := func(ctx context.Context, hat Hat) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}
	require.NoError(t, r.When(ctx, "a", "fake_whenThing", nil, script))
	require.NoError(t, r.When(ctx, "b", "fake_whenThing", nil, script))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.StartHats(ctx, "fake_whenThing", map[string]string{"KIND": "k"}))
		}()
	}
	wg.Wait()
	require.NoError(t, r.Do(ctx, func(ctx context.Context) error { return nil }))

	assert.Equal(t, 1, maxRunning)
}

func TestDoReturnsError(t *testing.T) {
	r := newRuntime(t, nil)
	require.NoError(t, r.Start())
	defer r.Stop()

	boom := errors.New("boom")
	assert.ErrorIs(t, r.Do(context.Background(), func(ctx context.Context) error { return boom }), boom)
}

func TestStartStop(t *testing.T) {
	r := newRuntime(t, nil)
	ext := &fakeExtension{id: "fake"}
	require.NoError(t, r.Register(ext))

	require.NoError(t, r.Start())
	assert.Error(t, r.Start())

	require.NoError(t, r.Stop())
	assert.Equal(t, 1, ext.shutdown)

	// Stopping an already stopped runtime still shuts extensions down.
	require.NoError(t, r.Stop())
	assert.Equal(t, 2, ext.shutdown)
}

func TestStopWhileScriptCallsRuntime(t *testing.T) {
	ctx := context.Background()
	r := newRuntime(t, nil)
	ext := &fakeExtension{id: "fake"}
	require.NoError(t, r.Register(ext))

	entered := make(chan struct{})
	var echoed any
	require.NoError(t, r.When(ctx, "slow", "fake_whenThing", nil, func(ctx context.Context, hat Hat) error {
		close(entered)
		time.Sleep(50 * time.Millisecond)

		var err error
		echoed, err = r.Invoke(ctx, "fake", "echo", blocks.Args{"TXT": "still here"})
		if err != nil {
			return err
		}
		_, _ = r.Extension("fake")
		_ = r.Manifests()
		return nil
	}))

	require.NoError(t, r.Start())
	require.NoError(t, r.StartHats(ctx, "fake_whenThing", map[string]string{"KIND": "k"}))
	<-entered

	stopped := make(chan error, 1)
	go func() {
		stopped <- r.Stop()
	}()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a script was calling the runtime")
	}

	assert.Equal(t, "still here", echoed, "the running script finishes")
	assert.Equal(t, 1, ext.shutdown)
}

func TestStartHatsWaitsWhenQueueIsFull(t *testing.T) {
	ctx := context.Background()
	r, err := NewRuntime().WithLogger(zap.NewNop()).WithBufferSize(4).Build()
	require.NoError(t, err)
	require.NoError(t, r.Register(&fakeExtension{id: "fake"}))

	var mu sync.Mutex
	runs := 0
	require.NoError(t, r.When(ctx, "count", "fake_whenThing", nil, func(ctx context.Context, hat Hat) error {
		time.Sleep(100 * time.Microsecond)
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	}))

	require.NoError(t, r.Start())
	defer r.Stop()

	const burst = 200
	for i := 0; i < burst; i++ {
		require.NoError(t, r.StartHats(ctx, "fake_whenThing", map[string]string{"KIND": "k"}))
	}
	require.NoError(t, r.Do(ctx, func(ctx context.Context) error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, burst, runs, "no hat is dropped")
}

func TestStartHatsWaitHonorsContext(t *testing.T) {
	ctx := context.Background()
	r, err := NewRuntime().WithLogger(zap.NewNop()).WithBufferSize(1).Build()
	require.NoError(t, err)
	require.NoError(t, r.Register(&fakeExtension{id: "fake"}))

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, r.When(ctx, "blocked", "fake_whenThing", nil, func(ctx context.Context, hat Hat) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}))

	require.NoError(t, r.Start())
	defer r.Stop()
	defer close(release)

	require.NoError(t, r.StartHats(ctx, "fake_whenThing", nil))
	<-entered
	require.NoError(t, r.StartHats(ctx, "fake_whenThing", nil))

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.StartHats(timeoutCtx, "fake_whenThing", nil), context.DeadlineExceeded)
}

func TestScriptsCanFireHatsAndDo(t *testing.T) {
	ctx := context.Background()
	r, err := NewRuntime().WithLogger(zap.NewNop()).WithBufferSize(1).Build()
	require.NoError(t, err)
	require.NoError(t, r.Register(&fakeExtension{id: "fake"}))

	log := &hatLog{}
	done := make(chan struct{})
	require.NoError(t, r.When(ctx, "chained", "fake_whenThing", map[string]string{"KIND": "first"}, func(ctx context.Context, hat Hat) error {
		defer close(done)
		// The queue holds one hat, so the second one from this script is
		// refused rather than waited for.
		assert.NoError(t, r.StartHats(ctx, "fake_whenThing", map[string]string{"KIND": "second"}))
		assert.Error(t, r.StartHats(ctx, "fake_whenThing", map[string]string{"KIND": "third"}))
		return r.Do(ctx, func(ctx context.Context) error { return nil })
	}))
	require.NoError(t, r.When(ctx, "log", "fake_whenThing", nil, log.script("log")))

	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, r.StartHats(ctx, "fake_whenThing", map[string]string{"KIND": "first"}))
	<-done
	require.NoError(t, r.Do(ctx, func(ctx context.Context) error { return nil }))

	assert.Equal(t, []string{"log:first/", "log:second/"}, log.get())
}

func TestHatTopic(t *testing.T) {
	keys := []string{"A", "B"}

	assert.Equal(t, "hats/x_y/1/2", hatTopic("x_y", keys, map[string]string{"A": "1", "B": "2"}, ""))
	assert.Equal(t, "hats/x_y/1/+", hatTopic("x_y", keys, map[string]string{"A": "1"}, "+"))
	assert.Equal(t, "hats/x_y/+/+", hatTopic("x_y", keys, nil, "+"))
	assert.Equal(t, "hats/x_y/a%2Fb/%2B%23%25", hatTopic("x_y", keys, map[string]string{"A": "a/b", "B": "+#%"}, ""))
	assert.Equal(t, "hats/x_y", hatTopic("x_y", nil, nil, "+"))
	assert.Equal(t, "hats/x_y/1/%", hatTopic("x_y", keys, map[string]string{"A": "1"}, ""))
	assert.Equal(t, "hats/x_y/%25/%", hatTopic("x_y", keys, map[string]string{"A": "%", "B": ""}, ""))
}
