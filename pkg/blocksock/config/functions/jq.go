package functions

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/itchyny/gojq"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// JqFunc runs a jq query: jq(query, input). String inputs holding JSON are
// decoded first, so jq(".temp", last("data")) picks a field out of the last
// websocket message. A single result is returned as is, several become a
// tuple and none yields null.
var JqFunc = function.New(&function.Spec{
	Description: "Runs a jq query against a value or a JSON string",
	Params: []function.Parameter{
		{Name: "query", Type: cty.String},
		{Name: "input", Type: cty.DynamicPseudoType, AllowNull: true},
	},
	Type: function.StaticReturnType(cty.DynamicPseudoType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		code, err := compileJq(args[0].AsString())
		if err != nil {
			return cty.NilVal, err
		}
		return runJq(code, args[1])
	},
})

// MakeJqFunc returns a function of one argument that runs a fixed query.
func MakeJqFunc(query string) (function.Function, error) {
	code, err := compileJq(query)
	if err != nil {
		return function.Function{}, err
	}

	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "input", Type: cty.DynamicPseudoType, AllowNull: true},
		},
		Type: function.StaticReturnType(cty.DynamicPseudoType),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			return runJq(code, args[0])
		},
	}), nil
}

func compileJq(query string) (*gojq.Code, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq query %q: %w", query, err)
	}

	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq query %q: %w", query, err)
	}

	return code, nil
}

func runJq(code *gojq.Code, input cty.Value) (cty.Value, error) {
	in, err := jqInput(input)
	if err != nil {
		return cty.NilVal, err
	}

	var results []any
	iter := code.RunWithContext(context.Background(), in)
	for {
		result, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := result.(error); isErr {
			return cty.NilVal, fmt.Errorf("jq: %w", err)
		}
		results = append(results, result)
	}

	switch len(results) {
	case 0:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case 1:
		return AnyToCty(results[0])
	default:
		return AnyToCty(results)
	}
}

func jqInput(val cty.Value) (any, error) {
	if !val.IsNull() && val.IsKnown() && val.Type() == cty.String {
		var decoded any
		if err := json.Unmarshal([]byte(val.AsString()), &decoded); err == nil {
			return decoded, nil
		}
		return val.AsString(), nil
	}

	return CtyToAny(val)
}
