package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tsarna/blocksock/pkg/blocksock/host"
)

// HostDefinition configures the runtime. The block is optional; without it
// the runtime is unsandboxed.
type HostDefinition struct {
	Unsandboxed *bool     `hcl:"unsandboxed,optional"`
	QueueSize   *int      `hcl:"queue_size,optional"`
	LogHats     bool      `hcl:"log_hats,optional"`
	DefRange    hcl.Range `hcl:",def_range"`
}

type HostBlockHandler struct {
	BlockHandlerBase

	block *hcl.Block
}

func NewHostBlockHandler() *HostBlockHandler {
	return &HostBlockHandler{}
}

func (h *HostBlockHandler) Preprocess(block *hcl.Block) hcl.Diagnostics {
	if h.block != nil {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Duplicate host block",
			Detail:   "Only one host block may be defined, the first is at " + h.block.DefRange.String(),
			Subject:  &block.DefRange,
		}}
	}

	h.block = block
	return nil
}

func (h *HostBlockHandler) FinishPreprocessing(config *Config) hcl.Diagnostics {
	hostDef := HostDefinition{}
	if h.block != nil {
		diags := gohcl.DecodeBody(h.block.Body, config.evalCtx, &hostDef)
		if diags.HasErrors() {
			return diags
		}
		hostDef.DefRange = h.block.DefRange
	}

	unsandboxed := hostDef.Unsandboxed == nil || *hostDef.Unsandboxed

	builder := host.NewRuntime().
		WithLogger(config.Logger).
		WithSandboxed(!unsandboxed).
		WithMetrics(config.metricsProvider).
		WithTracing(config.tracingProvider)

	if hostDef.QueueSize != nil {
		if *hostDef.QueueSize <= 0 {
			return hcl.Diagnostics{&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid queue size",
				Detail:   "queue_size must be positive",
				Subject:  &hostDef.DefRange,
			}}
		}
		builder = builder.WithBufferSize(*hostDef.QueueSize)
	}

	if hostDef.LogHats {
		builder = builder.WithHatLogging(zapcore.InfoLevel)
	}

	runtime, err := builder.Build()
	if err != nil {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Failed to create runtime",
			Detail:   err.Error(),
		}}
	}

	config.Runtime = runtime
	config.Logger.Debug("Runtime created", zap.Bool("unsandboxed", unsandboxed))

	return nil
}
