package hclgraph

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/gridflow/internal/task"
)

// refMarker prefixes the strings the ref and part functions produce.
// The NUL byte keeps them out of the space of ordinary user strings.
const refMarker = "\x00gridflow:ref:"

// refFunc lets grid authors reference another task by name.
var refFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		return cty.StringVal(refMarker + args[0].AsString()), nil
	},
})

// partFunc references one partition of a generate stage.
var partFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
		{Name: "part", Type: cty.Number},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		part, _ := args[1].AsBigFloat().Int64()
		return cty.StringVal(fmt.Sprintf("%s(%s, %d)", refMarker, args[0].AsString(), part)), nil
	},
})

// evalContext builds the evaluation context grid expressions run in.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"ref":  refFunc,
			"part": partFunc,
		},
	}
}

// evalExpr evaluates an HCL expression and converts the result into a
// task expression. Marker strings become references, containers recurse.
func evalExpr(expr hcl.Expression) (*task.Task, error) {
	v, diags := expr.Value(evalContext())
	if diags.HasErrors() {
		return nil, diags
	}
	return ctyToTask(v)
}

func ctyToTask(v cty.Value) (*task.Task, error) {
	if v.IsNull() || !v.IsKnown() {
		return task.Literal(nil), nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		s := v.AsString()
		if strings.HasPrefix(s, refMarker) {
			k, err := task.ParseKey(strings.TrimPrefix(s, refMarker))
			if err != nil {
				return nil, err
			}
			return task.Ref(k), nil
		}
		return task.Literal(s), nil
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return task.Literal(f), nil
	case ty == cty.Bool:
		return task.Literal(v.True()), nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		var items []*task.Task
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			t, err := ctyToTask(ev)
			if err != nil {
				return nil, err
			}
			items = append(items, t)
		}
		return task.List(items...), nil
	case ty.IsObjectType() || ty.IsMapType():
		fields := make(map[string]*task.Task)
		for it := v.ElementIterator(); it.Next(); {
			kv, ev := it.Element()
			t, err := ctyToTask(ev)
			if err != nil {
				return nil, err
			}
			fields[kv.AsString()] = t
		}
		return task.MapOf(fields), nil
	default:
		return nil, fmt.Errorf("unsupported value type %s in grid expression", ty.FriendlyName())
	}
}
