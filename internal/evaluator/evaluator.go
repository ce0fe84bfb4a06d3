// Package evaluator calcula el valor de un campo calculado a partir de su
// registro y, para lookups y rollups, de los registros enlazados.
package evaluator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/davicafu/fieldflow/internal/formula"
	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	recordDomain "github.com/davicafu/fieldflow/internal/record/domain"
)

// Compute evalúa def para rec. linked son los registros a los que apunta el
// campo link de def, en cualquier orden; se ignora para fórmulas.
//
// Una fórmula que falla con los datos actuales produce null junto con un
// error de datos (ver IsDataError): el valor se escribe igual y quien llama
// decide cómo registrarlo. Una expresión que no se puede parsear es estructural.
func Compute(def graphDomain.FieldDefinition, rec recordDomain.Record, linked []recordDomain.Record) (any, error) {
	switch spec := def.Spec.(type) {
	case graphDomain.FormulaSpec:
		out, err := formula.Evaluate(spec.Expression, rec.Fields)
		if errors.Is(err, formula.ErrEvaluation) {
			return nil, fmt.Errorf("%s record %s: %w", def.Key(), rec.ID, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", graphDomain.ErrInvalidField, def.Key(), err)
		}
		return out, nil

	case graphDomain.LookupSpec:
		return Lookup(spec.ForeignFieldID, linked), nil

	case graphDomain.RollupSpec:
		return Rollup(spec.Aggregation, values(spec.ForeignFieldID, linked))

	default:
		return nil, fmt.Errorf("%w: %s is not computed", graphDomain.ErrInvalidField, def.Key())
	}
}

// IsDataError indica que Compute falló por los datos del registro y el valor
// resultante es null. No es motivo para reintentar.
func IsDataError(err error) bool {
	return errors.Is(err, formula.ErrEvaluation)
}

// values aplana los valores no nulos del campo foráneo, ordenando los registros
// por id para que el resultado no dependa del orden de lectura.
func values(fieldID string, linked []recordDomain.Record) []any {
	sorted := append([]recordDomain.Record(nil), linked...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var out []any
	for _, r := range sorted {
		switch v := r.Fields[fieldID].(type) {
		case nil:
		case []any:
			for _, e := range v {
				if e != nil {
					out = append(out, e)
				}
			}
		default:
			out = append(out, v)
		}
	}
	return out
}

// Lookup devuelve la lista de valores del campo foráneo, o null si no hay ninguno.
func Lookup(foreignFieldID string, linked []recordDomain.Record) any {
	out := values(foreignFieldID, linked)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Rollup agrega vals. sum y count devuelven 0 sobre el conjunto vacío; avg,
// min y max devuelven null. Los valores no numéricos se ignoran salvo en concat.
func Rollup(agg graphDomain.Aggregation, vals []any) (any, error) {
	if agg == graphDomain.AggConcat {
		parts := make([]string, 0, len(vals))
		for _, v := range vals {
			parts = append(parts, fmt.Sprint(v))
		}
		return strings.Join(parts, ", "), nil
	}
	if agg == graphDomain.AggCount {
		return float64(len(vals)), nil
	}

	var nums []float64
	for _, v := range vals {
		if f, ok := toFloat(v); ok {
			nums = append(nums, f)
		}
	}

	switch agg {
	case graphDomain.AggSum:
		sum := 0.0
		for _, f := range nums {
			sum += f
		}
		return sum, nil
	case graphDomain.AggAvg, graphDomain.AggMin, graphDomain.AggMax:
		if len(nums) == 0 {
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown aggregation %q", graphDomain.ErrInvalidField, agg)
	}

	acc := nums[0]
	for _, f := range nums[1:] {
		switch agg {
		case graphDomain.AggAvg:
			acc += f
		case graphDomain.AggMin:
			acc = math.Min(acc, f)
		case graphDomain.AggMax:
			acc = math.Max(acc, f)
		}
	}
	if agg == graphDomain.AggAvg {
		acc /= float64(len(nums))
	}
	return acc, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
