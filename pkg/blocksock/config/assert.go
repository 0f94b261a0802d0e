package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"go.uber.org/zap"
)

// AssertDefinition fails the build when its condition is false. Conditions
// are evaluated once constants and extensions are set up, so they can check
// both, e.g. that last("data") is still null before anything connected.
type AssertDefinition struct {
	Name      string         `hcl:"name,label"`
	Condition hcl.Expression `hcl:"condition"`
	Message   hcl.Expression `hcl:"message,optional"`
	DefRange  hcl.Range      `hcl:",def_range"`
}

type AssertBlockHandler struct {
	BlockHandlerBase
}

func NewAssertBlockHandler() *AssertBlockHandler {
	return &AssertBlockHandler{}
}

func (h *AssertBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	def := AssertDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}
	def.Name = block.Labels[0]
	def.DefRange = block.DefRange

	ok, condDiags := evalCondition(def.Condition, config.evalCtx)
	if condDiags.HasErrors() {
		return condDiags
	}
	if ok {
		return nil
	}

	detail := fmt.Sprintf("Assertion %s failed", def.Name)
	if IsExpressionProvided(def.Message) {
		var message string
		if msgDiags := gohcl.DecodeExpression(def.Message, config.evalCtx, &message); msgDiags.HasErrors() {
			return msgDiags
		}
		detail += ": " + message
	}

	config.Logger.Error("Assertion failed", zap.String("assert", def.Name), zap.String("location", def.DefRange.String()))

	return hcl.Diagnostics{&hcl.Diagnostic{
		Severity:   hcl.DiagError,
		Summary:    "Assertion failed",
		Detail:     detail,
		Subject:    def.Condition.Range().Ptr(),
		Context:    def.DefRange.Ptr(),
		Expression: def.Condition,
	}}
}

// evalCondition requires expr to be a known, non-null bool.
func evalCondition(expr hcl.Expression, evalCtx *hcl.EvalContext) (bool, hcl.Diagnostics) {
	value, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return false, diags
	}

	invalid := func(detail string) (bool, hcl.Diagnostics) {
		return false, hcl.Diagnostics{&hcl.Diagnostic{
			Severity:    hcl.DiagError,
			Summary:     "Invalid assert condition",
			Detail:      detail,
			Subject:     expr.Range().Ptr(),
			Expression:  expr,
			EvalContext: evalCtx,
		}}
	}

	if value.IsNull() {
		return invalid("The condition is null.")
	}
	if !value.IsKnown() {
		return invalid("The condition cannot be determined while loading the configuration.")
	}

	value, err := convert.Convert(value, cty.Bool)
	if err != nil {
		return invalid(fmt.Sprintf("The condition must be a bool: %s.", err))
	}

	return value.True(), nil
}
