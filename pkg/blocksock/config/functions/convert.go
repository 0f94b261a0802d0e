package functions

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/zclconf/go-cty/cty"
)

// CtyToAny converts a cty value to plain Go values: nil, string, bool,
// int or float64, []any and map[string]any. The result can be fed to gojq
// as is.
func CtyToAny(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty == cty.Number:
		if i, accuracy := val.AsBigFloat().Int64(); accuracy == big.Exact && int64(int(i)) == i {
			return int(i), nil
		}
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty.IsObjectType() || ty.IsMapType():
		result := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			converted, err := CtyToAny(elem)
			if err != nil {
				return nil, fmt.Errorf("failed to convert %s: %w", key.AsString(), err)
			}
			result[key.AsString()] = converted
		}
		return result, nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		result := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			converted, err := CtyToAny(elem)
			if err != nil {
				return nil, err
			}
			result = append(result, converted)
		}
		return result, nil
	case ty.IsCapsuleType():
		return val.EncapsulatedValue(), nil
	}

	return nil, fmt.Errorf("cannot convert value of type %s", ty.FriendlyName())
}

// AnyToCty converts plain Go values, as produced by JSON decoding or block
// reporters, to cty. Slices become tuples and maps become objects so mixed
// element types are preserved.
func AnyToCty(v any) (cty.Value, error) {
	switch val := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case cty.Value:
		return val, nil
	case string:
		return cty.StringVal(val), nil
	case []byte:
		return cty.StringVal(string(val)), nil
	case bool:
		return cty.BoolVal(val), nil
	case int:
		return cty.NumberIntVal(int64(val)), nil
	case int64:
		return cty.NumberIntVal(val), nil
	case uint64:
		return cty.NumberUIntVal(val), nil
	case float64:
		return cty.NumberFloatVal(val), nil
	case *big.Int:
		return cty.NumberVal(new(big.Float).SetInt(val)), nil
	case []any:
		elems := make([]cty.Value, len(val))
		for i, elem := range val {
			converted, err := AnyToCty(elem)
			if err != nil {
				return cty.NilVal, fmt.Errorf("element %d: %w", i, err)
			}
			elems[i] = converted
		}
		return cty.TupleVal(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		attrs := make(map[string]cty.Value, len(val))
		for _, k := range keys {
			converted, err := AnyToCty(val[k])
			if err != nil {
				return cty.NilVal, fmt.Errorf("attribute %s: %w", k, err)
			}
			attrs[k] = converted
		}
		return cty.ObjectVal(attrs), nil
	case fmt.Stringer:
		return cty.StringVal(val.String()), nil
	}

	return cty.NilVal, fmt.Errorf("cannot convert %T to a cty value", v)
}
