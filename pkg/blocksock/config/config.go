// Package config loads a blocksock project from HCL (.bsk) files and wires
// it into a host runtime: which extensions are loaded and how, which
// scripts run when hats fire, and what runs at startup, on a schedule or on
// a signal.
package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/robfig/cron/v3"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/config/functions"
	"github.com/tsarna/blocksock/pkg/blocksock/host"
	"github.com/tsarna/blocksock/pkg/blocksock/o11y"
	"github.com/tsarna/blocksock/pkg/blocksock/transport"
)

type ConfigBuilder struct {
	logger          *zap.Logger
	sources         []any
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
	dialer          transport.Dialer
}

type Startable interface {
	Start() error
}

type Stoppable interface {
	Stop() error
}

type Config struct {
	Logger    *zap.Logger
	Functions map[string]function.Function
	Constants map[string]cty.Value
	evalCtx   *hcl.EvalContext

	Runtime      *host.Runtime
	Startables   []Startable
	StartActions []*StartAction
	Crons        map[string]*cron.Cron
	SigActions   *SignalActionHandler

	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
	dialer          transport.Dialer
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		sources: make([]any, 0),
	}
}

func (c *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	c.logger = logger
	return c
}

// WithSources adds configuration sources: file or directory paths, []byte
// contents or an embed.FS.
func (c *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	c.sources = append(c.sources, sources...)
	return c
}

func (c *ConfigBuilder) WithMetrics(provider o11y.MetricsProvider) *ConfigBuilder {
	c.metricsProvider = provider
	return c
}

func (c *ConfigBuilder) WithTracing(provider o11y.TracingProvider) *ConfigBuilder {
	c.tracingProvider = provider
	return c
}

// WithDialer makes every extension use dialer instead of the one its
// extension block describes.
func (c *ConfigBuilder) WithDialer(dialer transport.Dialer) *ConfigBuilder {
	c.dialer = dialer
	return c
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	logger := cb.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	config := &Config{
		Logger:          logger,
		Constants:       make(map[string]cty.Value),
		Crons:           make(map[string]*cron.Cron),
		metricsProvider: cb.metricsProvider,
		tracingProvider: cb.tracingProvider,
		dialer:          cb.dialer,
	}
	config.SigActions = NewSignalActionHandler(logger, func() actionRunner {
		return config.Runtime
	})

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	userFuncs, nonFunctionBodies, addDiags := functions.ExtractUserFunctions(bodies, func() *hcl.EvalContext {
		return config.evalCtx
	})
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Functions, addDiags = config.GetFunctions(userFuncs)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	blocks, addDiags := cb.GetBlocks(nonFunctionBodies)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Constants["env"] = GetEnvObject()

	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: config.Constants,
	}

	handlers := GetBlockHandlers()

	for _, block := range blocks {
		if handler, ok := handlers.Get(block.Type); ok {
			diags = diags.Extend(handler.Preprocess(block))
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	for _, handler := range handlers {
		diags = diags.Extend(handler.FinishPreprocessing(config))
		if diags.HasErrors() {
			return nil, diags
		}
	}

	for _, block := range blocks {
		if handler, ok := handlers.Get(block.Type); ok {
			diags = diags.Extend(handler.Process(config, block))
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	for _, handler := range handlers {
		diags = diags.Extend(handler.FinishProcessing(config))
	}
	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Info("Config built successfully")

	return config, diags
}

// GetFunctions returns the function library available to expressions, with
// the user's functions added. User functions may not shadow built-ins.
func (c *Config) GetFunctions(userFuncs map[string]function.Function) (map[string]function.Function, hcl.Diagnostics) {
	funcs := functions.GetStandardLibraryFunctions()
	diags := hcl.Diagnostics{}

	for name, function := range functions.GetLogFunctions(c.Logger) {
		funcs[name] = function
	}

	funcs["jq"] = functions.JqFunc
	funcs["typeof"] = functions.TypeOfFunc
	funcs["error"] = functions.ErrorFunc
	funcs["call"] = CallFunction(c)
	funcs["last"] = LastFunction(c)

	for name, function := range userFuncs {
		if _, exists := funcs[name]; exists {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate function",
				Detail:   fmt.Sprintf("Function %s is reserved and can't be overridden", name),
			})
			continue
		}
		funcs[name] = function
	}

	return funcs, diags
}

// Start starts the runtime, then the schedules and signal handlers, then
// runs every start block in the order they were declared.
func (c *Config) Start(ctx context.Context) error {
	if err := c.Runtime.Start(); err != nil {
		return err
	}

	for _, startable := range c.Startables {
		if err := startable.Start(); err != nil {
			return err
		}
	}

	for _, action := range c.StartActions {
		if err := c.Runtime.Do(ctx, action.Run); err != nil {
			c.Logger.Error("Start action failed", zap.String("start", action.name), zap.Error(err))
		}
	}

	return nil
}

// Stop stops what Start started, in reverse order.
func (c *Config) Stop() error {
	for i := len(c.Startables) - 1; i >= 0; i-- {
		if stoppable, ok := c.Startables[i].(Stoppable); ok {
			if err := stoppable.Stop(); err != nil {
				c.Logger.Warn("Error stopping", zap.Error(err))
			}
		}
	}

	return c.Runtime.Stop()
}

type errorlessStartable interface {
	Start()
}

func NewErrorlessStartable(startable errorlessStartable) Startable {
	return &ErrorlessStartable{startable: startable}
}

type ErrorlessStartable struct {
	startable errorlessStartable
}

func (e ErrorlessStartable) Start() error {
	e.startable.Start()
	return nil
}
