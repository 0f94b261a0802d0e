package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/host"
)

// WhenDefinition attaches an action to a hat block. The action sees ctx.hat,
// ctx.fields and ctx.script.
type WhenDefinition struct {
	Name     string            `hcl:"name,label"`
	Hat      string            `hcl:"hat"`
	Fields   map[string]string `hcl:"fields,optional"`
	Action   hcl.Expression    `hcl:"action"`
	DefRange hcl.Range         `hcl:",def_range"`
}

type WhenBlockHandler struct {
	BlockHandlerBase
}

func NewWhenBlockHandler() *WhenBlockHandler {
	return &WhenBlockHandler{}
}

func (h *WhenBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	whenDef := WhenDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &whenDef)
	if diags.HasErrors() {
		return diags
	}
	whenDef.Name = block.Labels[0]
	whenDef.DefRange = block.DefRange

	script := &WhenAction{
		config: config,
		name:   whenDef.Name,
		action: whenDef.Action,
	}

	err := config.Runtime.When(context.Background(), whenDef.Name, whenDef.Hat, whenDef.Fields, script.Run)
	if err != nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid when block",
			Detail:   fmt.Sprintf("Cannot attach %s: %s", whenDef.Name, err),
			Subject:  &whenDef.DefRange,
		})
	}

	return diags
}

type WhenAction struct {
	config *Config
	name   string
	action hcl.Expression
}

func (a *WhenAction) Run(ctx context.Context, hat host.Hat) error {
	evalCtx := NewContext(ctx).
		WithStringAttribute("hat", hat.Opcode).
		WithStringMapAttribute("fields", hat.Fields).
		WithStringAttribute("script", a.name).
		BuildEvalContext(a.config.evalCtx)

	value, diags := a.action.Value(evalCtx)
	if diags.HasErrors() {
		return diags
	}

	a.config.Logger.Debug("Action executed", zap.String("when", a.name), zap.String("result", formatResult(value)))
	return nil
}
