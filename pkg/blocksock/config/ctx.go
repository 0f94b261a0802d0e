package config

import (
	"context"
	"fmt"
	"reflect"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// ContextCapsuleType carries a context.Context through cty so functions like
// call can pick it up from the ctx variable.
var ContextCapsuleType = cty.CapsuleWithOps("_context", reflect.TypeOf((*context.Context)(nil)).Elem(), &cty.CapsuleOps{
	GoString: func(val interface{}) string {
		return fmt.Sprintf("_ctx(%p)", val)
	},
	TypeGoString: func(_ reflect.Type) string {
		return "_ctx"
	},
})

func NewContextCapsule(ctx context.Context) cty.Value {
	return cty.CapsuleVal(ContextCapsuleType, &ctx)
}

func GetContextFromCapsule(val cty.Value) (context.Context, error) {
	if val.Type() != ContextCapsuleType {
		return nil, fmt.Errorf("expected context capsule, got %s", val.Type().FriendlyName())
	}

	ctx, ok := val.EncapsulatedValue().(*context.Context)
	if !ok {
		return nil, fmt.Errorf("encapsulated value is not a context, got %T", val.EncapsulatedValue())
	}
	return *ctx, nil
}

// GetContextFromObject extracts the context from a ctx object built by
// ContextObjectBuilder.
func GetContextFromObject(obj cty.Value) (context.Context, error) {
	if obj.IsNull() || !obj.Type().IsObjectType() {
		return nil, fmt.Errorf("expected ctx object, got %s", obj.Type().FriendlyName())
	}
	if !obj.Type().HasAttribute("_ctx") {
		return nil, fmt.Errorf("object is not a ctx object")
	}

	return GetContextFromCapsule(obj.GetAttr("_ctx"))
}

// ContextObjectBuilder builds the ctx variable an action is evaluated with.
type ContextObjectBuilder struct {
	ctx        context.Context
	attributes map[string]cty.Value
}

func NewContext(ctx context.Context) *ContextObjectBuilder {
	return &ContextObjectBuilder{
		ctx:        ctx,
		attributes: make(map[string]cty.Value),
	}
}

func (b *ContextObjectBuilder) WithAttribute(name string, value cty.Value) *ContextObjectBuilder {
	b.attributes[name] = value
	return b
}

func (b *ContextObjectBuilder) WithStringAttribute(name string, value string) *ContextObjectBuilder {
	b.attributes[name] = cty.StringVal(value)
	return b
}

// WithStringMapAttribute adds a map(string) attribute; nil and empty maps
// become an empty map.
func (b *ContextObjectBuilder) WithStringMapAttribute(name string, values map[string]string) *ContextObjectBuilder {
	if len(values) == 0 {
		b.attributes[name] = cty.MapValEmpty(cty.String)
		return b
	}

	m := make(map[string]cty.Value, len(values))
	for k, v := range values {
		m[k] = cty.StringVal(v)
	}
	b.attributes[name] = cty.MapVal(m)
	return b
}

func (b *ContextObjectBuilder) Build() cty.Value {
	b.attributes["_ctx"] = NewContextCapsule(b.ctx)
	return cty.ObjectVal(b.attributes)
}

// BuildEvalContext returns a child of parent with ctx bound.
func (b *ContextObjectBuilder) BuildEvalContext(parent *hcl.EvalContext) *hcl.EvalContext {
	evalCtx := parent.NewChild()
	evalCtx.Variables = map[string]cty.Value{
		"ctx": b.Build(),
	}
	return evalCtx
}
