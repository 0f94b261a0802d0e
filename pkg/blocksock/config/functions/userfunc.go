package functions

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/userfunc"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/zclconf/go-cty/cty/function"
)

var jqBlockSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "jq", LabelNames: []string{"name"}},
	},
}

type jqDefinition struct {
	Query string `hcl:"query"`
}

// ExtractUserFunctions pulls function and jq blocks out of bodies and
// returns the functions they define along with what is left of each body.
// getCtx is called when a user function runs, so it may refer to functions
// and constants that are only known later.
func ExtractUserFunctions(bodies []hcl.Body, getCtx func() *hcl.EvalContext) (map[string]function.Function, []hcl.Body, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	remainingBodies := make([]hcl.Body, 0, len(bodies))
	allFuncs := make(map[string]function.Function)

	add := func(name string, fn function.Function, rng *hcl.Range) {
		if _, exists := allFuncs[name]; exists {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate function",
				Detail:   fmt.Sprintf("Function %s is already defined", name),
				Subject:  rng,
			})
			return
		}
		allFuncs[name] = fn
	}

	for _, body := range bodies {
		funcs, remaining, funcDiags := userfunc.DecodeUserFunctions(body, "function", getCtx)
		diags = diags.Extend(funcDiags)
		if funcDiags.HasErrors() {
			return nil, nil, diags
		}
		for name, fn := range funcs {
			add(name, fn, nil)
		}

		content, remaining, jqDiags := remaining.PartialContent(jqBlockSchema)
		diags = diags.Extend(jqDiags)
		if jqDiags.HasErrors() {
			return nil, nil, diags
		}
		for _, block := range content.Blocks {
			def := jqDefinition{}
			if decodeDiags := gohcl.DecodeBody(block.Body, nil, &def); decodeDiags.HasErrors() {
				diags = diags.Extend(decodeDiags)
				continue
			}

			fn, err := MakeJqFunc(def.Query)
			if err != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid jq function",
					Detail:   err.Error(),
					Subject:  &block.DefRange,
				})
				continue
			}
			add(block.Labels[0], fn, &block.DefRange)
		}

		remainingBodies = append(remainingBodies, remaining)
	}

	if diags.HasErrors() {
		return nil, nil, diags
	}

	return allFuncs, remainingBodies, diags
}
