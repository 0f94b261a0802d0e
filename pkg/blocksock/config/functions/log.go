package functions

import (
	"fmt"
	"math/big"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GetLogFunctions returns log_debug, log_info, log_warn, log_error and
// log_msg bound to logger. Each returns true once the message is logged; with
// a nil logger they log nothing and return false.
func GetLogFunctions(logger *zap.Logger) map[string]function.Function {
	return map[string]function.Function{
		"log_debug": makeLogFunc(logger, zapcore.DebugLevel),
		"log_info":  makeLogFunc(logger, zapcore.InfoLevel),
		"log_warn":  makeLogFunc(logger, zapcore.WarnLevel),
		"log_error": makeLogFunc(logger, zapcore.ErrorLevel),
		"log_msg":   makeLogLevelFunc(logger),
	}
}

func makeLogFunc(logger *zap.Logger, level zapcore.Level) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "message", Type: cty.String},
		},
		VarParam: &function.Parameter{
			Name:      "fields",
			Type:      cty.DynamicPseudoType,
			AllowNull: true,
		},
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			if logger == nil {
				return cty.False, nil
			}
			logger.Log(level, args[0].AsString(), argsToFields(args[1:])...)
			return cty.True, nil
		},
	})
}

// makeLogLevelFunc takes the level as its first argument. Unknown levels log
// at info.
func makeLogLevelFunc(logger *zap.Logger) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "level", Type: cty.String},
			{Name: "message", Type: cty.String},
		},
		VarParam: &function.Parameter{
			Name:      "fields",
			Type:      cty.DynamicPseudoType,
			AllowNull: true,
		},
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			if logger == nil {
				return cty.False, nil
			}

			level, err := zapcore.ParseLevel(args[0].AsString())
			if err != nil || level > zapcore.ErrorLevel {
				level = zapcore.InfoLevel
			}

			logger.Log(level, args[1].AsString(), argsToFields(args[2:])...)
			return cty.True, nil
		},
	})
}

// argsToFields names fields $1, $2... unless the only argument is a non-empty
// object or map, whose keys are used instead.
func argsToFields(args []cty.Value) []zap.Field {
	if len(args) == 1 && !args[0].IsNull() && args[0].IsKnown() &&
		(args[0].Type().IsMapType() || args[0].Type().IsObjectType()) && args[0].LengthInt() > 0 {
		fields := make([]zap.Field, 0, args[0].LengthInt())
		for it := args[0].ElementIterator(); it.Next(); {
			key, val := it.Element()
			fields = append(fields, valueField(key.AsString(), val))
		}
		return fields
	}

	fields := make([]zap.Field, 0, len(args))
	for i, arg := range args {
		fields = append(fields, valueField(fmt.Sprintf("$%d", i+1), arg))
	}
	return fields
}

func valueField(key string, val cty.Value) zap.Field {
	switch {
	case val.IsNull():
		return zap.String(key, "<null>")
	case !val.IsKnown():
		return zap.String(key, "<unknown>")
	case val.Type() == cty.String:
		return zap.String(key, val.AsString())
	case val.Type() == cty.Bool:
		return zap.Bool(key, val.True())
	case val.Type() == cty.Number:
		bf := val.AsBigFloat()
		if i, accuracy := bf.Int64(); accuracy == big.Exact {
			return zap.Int64(key, i)
		}
		f, _ := bf.Float64()
		return zap.Float64(key, f)
	}
	return zap.String(key, val.GoString())
}
