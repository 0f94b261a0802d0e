package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaFollowsHandlers(t *testing.T) {
	handlers := GetBlockHandlers()
	schema := handlers.Schema()

	require.Len(t, schema.Blocks, len(handlers))
	for i, block := range schema.Blocks {
		assert.Equal(t, handlers[i].blockType, block.Type)
	}

	labels := map[string][]string{}
	for _, block := range schema.Blocks {
		labels[block.Type] = block.LabelNames
	}
	assert.Empty(t, labels["host"])
	assert.Equal(t, []string{"id"}, labels["extension"])
	assert.Equal(t, []string{"name"}, labels["when"])
}

func TestSchemaRejectsUnknownBlocks(t *testing.T) {
	tests := map[string]string{
		"unknown block type": "bus \"main\" {}\n",
		"unexpected label":   "host \"main\" {}\n",
		"missing label":      "when {\n  hat = \"websockets_whenEvent\"\n  action = 1\n}\n",
	}

	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, diags := NewConfig().WithSources([]byte(src)).Build()
			assert.True(t, diags.HasErrors())
		})
	}
}
