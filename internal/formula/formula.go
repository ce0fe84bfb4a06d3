// Package formula analiza y evalúa las expresiones de los campos fórmula.
//
// Una fórmula es una expresión HCL cuyas variables raíz son ids de campos de la
// misma tabla, por ejemplo `price * qty` o `upper(name)`.
package formula

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

var (
	// ErrInvalidExpression indica que la expresión no se puede parsear.
	ErrInvalidExpression = errors.New("invalid formula expression")
	// ErrEvaluation indica que la expresión es válida pero falló con los datos dados.
	ErrEvaluation = errors.New("formula evaluation failed")
)

const filename = "formula"

var functions = map[string]function.Function{
	"upper":    stdlib.UpperFunc,
	"lower":    stdlib.LowerFunc,
	"abs":      stdlib.AbsoluteFunc,
	"max":      stdlib.MaxFunc,
	"min":      stdlib.MinFunc,
	"floor":    stdlib.FloorFunc,
	"ceil":     stdlib.CeilFunc,
	"strlen":   stdlib.StrlenFunc,
	"format":   stdlib.FormatFunc,
	"coalesce": stdlib.CoalesceFunc,
	"join":     stdlib.JoinFunc,
}

func parse(expr string) (hclsyntax.Expression, error) {
	parsed, diags := hclsyntax.ParseExpression([]byte(expr), filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidExpression, diags.Error())
	}
	return parsed, nil
}

// References devuelve los ids de campo referenciados, ordenados y sin duplicados.
func References(expr string) ([]string, error) {
	parsed, err := parse(expr)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, traversal := range parsed.Variables() {
		seen[traversal.RootName()] = struct{}{}
	}

	refs := make([]string, 0, len(seen))
	for name := range seen {
		refs = append(refs, name)
	}
	sort.Strings(refs)
	return refs, nil
}

// Evaluate evalúa la expresión con los valores de entrada indicados.
// Las referencias sin valor se tratan como null.
func Evaluate(expr string, inputs map[string]any) (any, error) {
	parsed, err := parse(expr)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]cty.Value, len(inputs))
	for _, traversal := range parsed.Variables() {
		name := traversal.RootName()
		if _, done := vars[name]; done {
			continue
		}
		v, err := toCty(inputs[name])
		if err != nil {
			return nil, fmt.Errorf("%w: input %q: %v", ErrEvaluation, name, err)
		}
		vars[name] = v
	}

	ctx := &hcl.EvalContext{Variables: vars, Functions: functions}
	out, diags := parsed.Value(ctx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrEvaluation, diags.Error())
	}
	return fromCty(out)
}

// toCty convierte un valor nativo (como los que devuelve encoding/json) a cty.
func toCty(v any) (cty.Value, error) {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(t), nil
	case bool:
		return cty.BoolVal(t), nil
	case float64:
		return cty.NumberFloatVal(t), nil
	case float32:
		return cty.NumberFloatVal(float64(t)), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case int32:
		return cty.NumberIntVal(int64(t)), nil
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, 0, len(t))
		for _, e := range t {
			ev, err := toCty(e)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, ev)
		}
		return cty.TupleVal(elems), nil
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, e := range t {
			ev, err := toCty(e)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = ev
		}
		return cty.ObjectVal(attrs), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported value type %T", v)
	}
}

// fromCty convierte el resultado a su forma nativa; los números siempre son float64.
func fromCty(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, e := it.Element()
			native, err := fromCty(e)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		it := v.ElementIterator()
		for it.Next() {
			k, e := it.Element()
			native, err := fromCty(e)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", k.AsString(), err)
			}
			out[k.AsString()] = native
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported result type %s", ty.FriendlyName())
	}
}
