package config

import (
	"context"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

// StartDefinition is an action run once the runtime has started, like a
// green flag script.
type StartDefinition struct {
	Name   string         `hcl:"name,label"`
	Action hcl.Expression `hcl:"action"`
}

type StartBlockHandler struct {
	BlockHandlerBase
}

func NewStartBlockHandler() *StartBlockHandler {
	return &StartBlockHandler{}
}

func (h *StartBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	startDef := StartDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &startDef)
	if diags.HasErrors() {
		return diags
	}

	config.StartActions = append(config.StartActions, &StartAction{
		config: config,
		name:   block.Labels[0],
		action: startDef.Action,
	})

	return diags
}

type StartAction struct {
	config *Config
	name   string
	action hcl.Expression
}

func (a *StartAction) Run(ctx context.Context) error {
	evalCtx := NewContext(ctx).
		WithStringAttribute("start", a.name).
		BuildEvalContext(a.config.evalCtx)

	value, diags := a.action.Value(evalCtx)
	if diags.HasErrors() {
		return diags
	}

	a.config.Logger.Debug("Action executed", zap.String("start", a.name), zap.String("result", formatResult(value)))
	return nil
}

func formatResult(value cty.Value) string {
	if value.IsNull() {
		return "null"
	}
	if !value.IsWhollyKnown() {
		return "(unknown)"
	}
	return value.GoString()
}
