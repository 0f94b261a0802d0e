package blocks

import (
	"context"
	"fmt"
	"strconv"
)

// Args carries the argument values of one block invocation, keyed by
// placeholder name.
type Args map[string]any

// String returns the named argument coerced to a string the way the host
// renders values. Missing arguments yield "".
func (a Args) String(name string) string {
	return ToString(a[name])
}

// ToString coerces an argument or reporter value to its string form.
func ToString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Handler runs one block. Command blocks return a nil value.
type Handler func(ctx context.Context, args Args) (any, error)

// HandlerMap maps opcodes to handlers.
type HandlerMap map[string]Handler

// Call runs the handler registered for opcode.
func (h HandlerMap) Call(ctx context.Context, opcode string, args Args) (any, error) {
	handler, ok := h[opcode]
	if !ok {
		return nil, fmt.Errorf("no handler for opcode %q", opcode)
	}
	return handler(ctx, args)
}
