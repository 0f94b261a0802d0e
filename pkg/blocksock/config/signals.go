package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/config/platform"
)

type SignalsDefinition struct {
	SigHup   hcl.Expression `hcl:"SIGHUP,optional"`
	SigInfo  hcl.Expression `hcl:"SIGINFO,optional"`
	SigUsr1  hcl.Expression `hcl:"SIGUSR1,optional"`
	SigUsr2  hcl.Expression `hcl:"SIGUSR2,optional"`
	DefRange hcl.Range      `hcl:",def_range"`
}

type SignalsBlockHandler struct {
	BlockHandlerBase
}

func NewSignalsBlockHandler() *SignalsBlockHandler {
	return &SignalsBlockHandler{}
}

func (h *SignalsBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	signalsDef := SignalsDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &signalsDef)
	if diags.HasErrors() {
		return diags
	}

	diags = diags.Extend(config.SetSignalAction("SIGHUP", signalsDef.SigHup))
	diags = diags.Extend(config.SetSignalAction("SIGINFO", signalsDef.SigInfo))
	diags = diags.Extend(config.SetSignalAction("SIGUSR1", signalsDef.SigUsr1))
	diags = diags.Extend(config.SetSignalAction("SIGUSR2", signalsDef.SigUsr2))

	return diags
}

// SignalActionHandler runs actions when the process receives signals. The
// actions run on the script goroutine.
type SignalActionHandler struct {
	logger  *zap.Logger
	runtime func() actionRunner
	actions map[platform.Signal]signalAction
	added   bool

	mu      sync.Mutex
	sigChan chan os.Signal
	cancel  context.CancelFunc
	done    chan struct{}
}

type signalAction struct {
	name   string
	action hcl.Expression
	parent *hcl.EvalContext
}

// actionRunner is the part of the runtime signal actions need.
type actionRunner interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewSignalActionHandler(logger *zap.Logger, runtime func() actionRunner) *SignalActionHandler {
	return &SignalActionHandler{
		logger:  logger,
		runtime: runtime,
		actions: make(map[platform.Signal]signalAction),
	}
}

// SetSignalAction binds action to the named signal. Unset expressions are
// ignored.
func (config *Config) SetSignalAction(sigName string, action hcl.Expression) hcl.Diagnostics {
	if !IsExpressionProvided(action) {
		return nil
	}

	signalNum := platform.SignalNum(sigName)
	if signalNum == 0 {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid signal name",
			Detail:   fmt.Sprintf("Signal %s is not available on this platform", sigName),
			Subject:  action.Range().Ptr(),
		}}
	}

	sa := config.SigActions
	if _, ok := sa.actions[signalNum]; ok {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Signal already defined",
			Detail:   fmt.Sprintf("Signal %s already defined", sigName),
			Subject:  action.Range().Ptr(),
		}}
	}

	sa.actions[signalNum] = signalAction{
		name:   sigName,
		action: action,
		parent: config.evalCtx,
	}

	if !sa.added {
		config.Logger.Debug("Adding signal action handler to startables")
		sa.added = true
		config.Startables = append(config.Startables, sa)
	}

	return nil
}

func (sa *SignalActionHandler) Start() error {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	if sa.cancel != nil {
		return fmt.Errorf("signal handler already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sa.cancel = cancel
	sa.done = make(chan struct{})
	sa.sigChan = make(chan os.Signal, 16)

	for sig := range sa.actions {
		signal.Notify(sa.sigChan, sig)
	}

	go sa.loop(ctx, sa.sigChan, sa.done)
	return nil
}

func (sa *SignalActionHandler) Stop() error {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	if sa.cancel == nil {
		return nil
	}

	signal.Stop(sa.sigChan)
	sa.cancel()
	<-sa.done

	sa.cancel = nil
	return nil
}

func (sa *SignalActionHandler) loop(ctx context.Context, sigChan <-chan os.Signal, done chan<- struct{}) {
	defer close(done)
	sa.logger.Debug("Signal notification goroutine started")

	for {
		select {
		case sig := <-sigChan:
			sa.handle(ctx, platform.FromOsSignal(sig))
		case <-ctx.Done():
			return
		}
	}
}

func (sa *SignalActionHandler) handle(ctx context.Context, sig platform.Signal) {
	action, ok := sa.actions[sig]
	if !ok {
		sa.logger.Error("No action for signal", zap.Stringer("signal", sig))
		return
	}

	sa.logger.Debug("Signal received", zap.String("signal", action.name))

	err := sa.runtime().Do(ctx, func(ctx context.Context) error {
		evalCtx := NewContext(ctx).
			WithStringAttribute("signal", action.name).
			WithAttribute("signal_num", cty.NumberIntVal(int64(sig))).
			BuildEvalContext(action.parent)

		value, diags := action.action.Value(evalCtx)
		if diags.HasErrors() {
			return diags
		}

		sa.logger.Debug("Signal action executed", zap.String("signal", action.name), zap.String("result", formatResult(value)))
		return nil
	})
	if err != nil {
		sa.logger.Error("Error executing signal action", zap.String("signal", action.name), zap.Error(err))
	}
}
