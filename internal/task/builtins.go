package task

import (
	"context"
	"fmt"
	"strings"
)

// Builtins is the arithmetic/collection module registered by default in
// the CLI and used throughout the tests.
type Builtins struct{}

// Register implements the Module interface.
func (Builtins) Register(r *Registry) {
	r.Register("identity", func(_ context.Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("identity expects 1 argument, got %d", len(args))
		}
		return args[0], nil
	})
	r.Register("inc", func(_ context.Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("inc expects 1 argument, got %d", len(args))
		}
		n, err := asFloat(args[0])
		if err != nil {
			return nil, err
		}
		return n + 1, nil
	})
	r.Register("add", func(_ context.Context, args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("add expects 2 arguments, got %d", len(args))
		}
		a, err := asFloat(args[0])
		if err != nil {
			return nil, err
		}
		b, err := asFloat(args[1])
		if err != nil {
			return nil, err
		}
		return a + b, nil
	})
	r.Register("mul", func(_ context.Context, args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("mul expects 2 arguments, got %d", len(args))
		}
		a, err := asFloat(args[0])
		if err != nil {
			return nil, err
		}
		b, err := asFloat(args[1])
		if err != nil {
			return nil, err
		}
		return a * b, nil
	})
	r.Register("sum", func(_ context.Context, args []any) (any, error) {
		var total float64
		for _, arg := range flattenArgs(args) {
			n, err := asFloat(arg)
			if err != nil {
				return nil, err
			}
			total += n
		}
		return total, nil
	})
	r.Register("concat", func(_ context.Context, args []any) (any, error) {
		var b strings.Builder
		for _, arg := range flattenArgs(args) {
			fmt.Fprintf(&b, "%v", arg)
		}
		return b.String(), nil
	})
	r.Register("first", func(_ context.Context, args []any) (any, error) {
		flat := flattenArgs(args)
		if len(flat) == 0 {
			return nil, fmt.Errorf("first expects at least 1 argument")
		}
		return flat[0], nil
	})
}

// flattenArgs splats one level of []any so that list-valued results can
// feed variadic builtins directly.
func flattenArgs(args []any) []any {
	out := make([]any, 0, len(args))
	for _, arg := range args {
		if nested, ok := arg.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, arg)
	}
	return out
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}
