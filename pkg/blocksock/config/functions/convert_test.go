package functions

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestCtyToAny(t *testing.T) {
	val := cty.ObjectVal(map[string]cty.Value{
		"url":    cty.StringVal("ws://example"),
		"retry":  cty.NumberIntVal(3),
		"ratio":  cty.NumberFloatVal(0.5),
		"secure": cty.False,
		"tags":   cty.ListVal([]cty.Value{cty.StringVal("a"), cty.StringVal("b")}),
		"extra":  cty.NullVal(cty.String),
	})

	got, err := CtyToAny(val)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"url":    "ws://example",
		"retry":  3,
		"ratio":  0.5,
		"secure": false,
		"tags":   []any{"a", "b"},
		"extra":  nil,
	}, got)
}

func TestCtyToAnyUnknown(t *testing.T) {
	_, err := CtyToAny(cty.UnknownVal(cty.String))
	assert.Error(t, err)
}

func TestAnyToCty(t *testing.T) {
	got, err := AnyToCty(map[string]any{
		"name":  "sprite",
		"x":     10,
		"y":     int64(-4),
		"big":   new(big.Int).Lsh(big.NewInt(1), 70),
		"speed": 2.5,
		"costumes": []any{
			"cat", true, nil,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "sprite", got.GetAttr("name").AsString())
	assert.True(t, got.GetAttr("x").RawEquals(cty.NumberIntVal(10)))
	assert.True(t, got.GetAttr("y").RawEquals(cty.NumberIntVal(-4)))
	assert.True(t, got.GetAttr("speed").RawEquals(cty.NumberFloatVal(2.5)))

	bigVal, _ := got.GetAttr("big").AsBigFloat().Int(nil)
	assert.Equal(t, 0, bigVal.Cmp(new(big.Int).Lsh(big.NewInt(1), 70)))

	costumes := got.GetAttr("costumes")
	assert.True(t, costumes.Type().IsTupleType())
	assert.Equal(t, 3, costumes.LengthInt())
	assert.True(t, costumes.Index(cty.NumberIntVal(2)).IsNull())
}

func TestAnyToCtyUnsupported(t *testing.T) {
	_, err := AnyToCty(make(chan int))
	assert.Error(t, err)
}
