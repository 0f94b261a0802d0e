package config

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/tsarna/blocksock/pkg/blocksock/blocks"
	"github.com/tsarna/blocksock/pkg/blocksock/config/functions"
	"github.com/tsarna/blocksock/pkg/blocksock/websockets"
)

// CallFunction returns call(ctx, extension, opcode, args), which runs a block
// the way a script would. args is an object keyed by argument name and may
// be null. Commands return null; reporters return their value.
func CallFunction(config *Config) function.Function {
	return function.New(&function.Spec{
		Description: "Runs a block of a loaded extension",
		Params: []function.Parameter{
			{Name: "ctx", Type: cty.DynamicPseudoType},
			{Name: "extension", Type: cty.String},
			{Name: "opcode", Type: cty.String},
			{Name: "args", Type: cty.DynamicPseudoType, AllowNull: true},
		},
		Type: function.StaticReturnType(cty.DynamicPseudoType),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			ctx, err := GetContextFromObject(args[0])
			if err != nil {
				return cty.NilVal, err
			}

			blockArgs, err := toBlockArgs(args[3])
			if err != nil {
				return cty.NilVal, err
			}

			result, err := config.Runtime.Invoke(ctx, args[1].AsString(), args[2].AsString(), blockArgs)
			if err != nil {
				return cty.NilVal, err
			}

			return functions.AnyToCty(result)
		},
	})
}

func toBlockArgs(val cty.Value) (blocks.Args, error) {
	if val.IsNull() {
		return blocks.Args{}, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("block arguments must be an object, got %s", val.Type().FriendlyName())
	}

	converted, err := functions.CtyToAny(val)
	if err != nil {
		return nil, err
	}

	return blocks.Args(converted.(map[string]any)), nil
}

// LastFunction returns last(key), the websockets last-value cache lookup.
// It yields null when nothing is cached under key or the websockets
// extension is disabled.
func LastFunction(config *Config) function.Function {
	return function.New(&function.Spec{
		Description: "Returns the last websocket value stored under key",
		Params: []function.Parameter{
			{Name: "key", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			ext, ok := config.Runtime.Extension(websockets.ID)
			if !ok {
				return cty.NullVal(cty.String), nil
			}

			ws, ok := ext.(*websockets.Extension)
			if !ok {
				return cty.NullVal(cty.String), nil
			}

			value, ok := ws.LastValue(args[0].AsString())
			if !ok {
				return cty.NullVal(cty.String), nil
			}
			return cty.StringVal(value), nil
		},
	})
}
