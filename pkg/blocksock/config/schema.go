package config

import (
	"github.com/hashicorp/hcl/v2"
)

// Schema returns the top-level body schema: one block type per handler.
// function and jq blocks are removed from bodies before it is applied.
func (h BlockHandlers) Schema() *hcl.BodySchema {
	schema := &hcl.BodySchema{
		Blocks: make([]hcl.BlockHeaderSchema, 0, len(h)),
	}
	for _, handler := range h {
		schema.Blocks = append(schema.Blocks, hcl.BlockHeaderSchema{
			Type:       handler.blockType,
			LabelNames: handler.labels,
		})
	}
	return schema
}

var configSchema = GetBlockHandlers().Schema()
