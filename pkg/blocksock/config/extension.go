package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/host"
	"github.com/tsarna/blocksock/pkg/blocksock/transport"
	"github.com/tsarna/blocksock/pkg/blocksock/webhooks"
	"github.com/tsarna/blocksock/pkg/blocksock/websockets"
)

// ExtensionDefinition configures one of the built-in extensions. Both are
// loaded by default; a block is only needed to change their settings or to
// disable one.
type ExtensionDefinition struct {
	ID                   string         `hcl:"id,label"`
	Disabled             bool           `hcl:"disabled,optional"`
	Transport            *string        `hcl:"transport,optional"`
	DialTimeout          hcl.Expression `hcl:"dial_timeout,optional"`
	WriteTimeout         hcl.Expression `hcl:"write_timeout,optional"`
	CloseTimeout         hcl.Expression `hcl:"close_timeout,optional"`
	ReadLimit            *int64         `hcl:"read_limit,optional"`
	ReleaseOnRemoteClose bool           `hcl:"release_on_remote_close,optional"`
	DefRange             hcl.Range      `hcl:",def_range"`
}

type extensionFactory func(config *Config, def *ExtensionDefinition, dialer transport.Dialer, logger *zap.Logger) (host.Extension, error)

// extensionFactories are listed in registration order.
var extensionFactories = []struct {
	id      string
	factory extensionFactory
}{
	{webhooks.ID, newWebhooksExtension},
	{websockets.ID, newWebsocketsExtension},
}

func newWebhooksExtension(config *Config, def *ExtensionDefinition, dialer transport.Dialer, logger *zap.Logger) (host.Extension, error) {
	return webhooks.NewExtension().
		WithDialer(dialer).
		WithLogger(logger).
		Build()
}

func newWebsocketsExtension(config *Config, def *ExtensionDefinition, dialer transport.Dialer, logger *zap.Logger) (host.Extension, error) {
	return websockets.NewExtension().
		WithDialer(dialer).
		WithLogger(logger).
		WithReleaseOnRemoteClose(def.ReleaseOnRemoteClose).
		WithMetrics(config.metricsProvider).
		Build()
}

type ExtensionBlockHandler struct {
	BlockHandlerBase

	blocks map[string]*hcl.Block
}

func NewExtensionBlockHandler() *ExtensionBlockHandler {
	return &ExtensionBlockHandler{
		blocks: make(map[string]*hcl.Block),
	}
}

func (h *ExtensionBlockHandler) Preprocess(block *hcl.Block) hcl.Diagnostics {
	id := block.Labels[0]

	known := false
	for _, f := range extensionFactories {
		if f.id == id {
			known = true
			break
		}
	}
	if !known {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Unknown extension",
			Detail:   fmt.Sprintf("There is no extension %q, expected %q or %q", id, webhooks.ID, websockets.ID),
			Subject:  &block.LabelRanges[0],
		}}
	}

	if previous, exists := h.blocks[id]; exists {
		return hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Duplicate extension block",
			Detail:   fmt.Sprintf("Extension %s is already configured at %s", id, previous.DefRange),
			Subject:  &block.DefRange,
		}}
	}

	h.blocks[id] = block
	return nil
}

func (h *ExtensionBlockHandler) FinishPreprocessing(config *Config) hcl.Diagnostics {
	var diags hcl.Diagnostics

	for _, f := range extensionFactories {
		def := &ExtensionDefinition{ID: f.id}
		var subject *hcl.Range

		if block, ok := h.blocks[f.id]; ok {
			diags = diags.Extend(gohcl.DecodeBody(block.Body, config.evalCtx, def))
			if diags.HasErrors() {
				return diags
			}
			def.DefRange = block.DefRange
			subject = &block.DefRange
		}

		if def.Disabled {
			config.Logger.Info("Extension disabled", zap.String("id", f.id))
			continue
		}

		logger := config.Logger.With(zap.String("extension", f.id))

		dialer, dialerDiags := config.buildDialer(def, logger)
		diags = diags.Extend(dialerDiags)
		if dialerDiags.HasErrors() {
			return diags
		}

		ext, err := f.factory(config, def, dialer, logger)
		if err == nil {
			err = config.Runtime.Register(ext)
		}
		if err != nil {
			return diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to load extension",
				Detail:   err.Error(),
				Subject:  subject,
			})
		}
	}

	return diags
}

func (c *Config) buildDialer(def *ExtensionDefinition, logger *zap.Logger) (transport.Dialer, hcl.Diagnostics) {
	if c.dialer != nil {
		return c.dialer, nil
	}

	var diags hcl.Diagnostics
	builder := transport.NewDialer().WithLogger(logger)

	if def.Transport != nil {
		builder = builder.WithDriver(*def.Transport)
	}
	if def.ReadLimit != nil {
		builder = builder.WithReadLimit(*def.ReadLimit)
	}

	dialTimeout, addDiags := c.optionalDuration(def.DialTimeout)
	diags = diags.Extend(addDiags)
	writeTimeout, addDiags := c.optionalDuration(def.WriteTimeout)
	diags = diags.Extend(addDiags)
	closeTimeout, addDiags := c.optionalDuration(def.CloseTimeout)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	dialer, err := builder.
		WithDialTimeout(dialTimeout).
		WithWriteTimeout(writeTimeout).
		WithCloseTimeout(closeTimeout).
		Build()
	if err != nil {
		return nil, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid transport",
			Detail:   err.Error(),
			Subject:  def.DefRange.Ptr(),
		})
	}

	return dialer, diags
}
