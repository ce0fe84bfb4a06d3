// Package domain contiene el resultado de explain y la evaluación de
// complejidad de un plan. Todo aquí es puro: no toca almacenamiento.
package domain

import (
	"fmt"
	"strings"

	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
)

// Options controla qué secciones se devuelven.
type Options struct {
	Analyze      bool `json:"analyze"`
	IncludeSQL   bool `json:"includeSql"`
	IncludeGraph bool `json:"includeGraph"`
	IncludeLocks bool `json:"includeLocks"`
}

// DefaultOptions: todo salvo analyze.
func DefaultOptions() Options {
	return Options{IncludeSQL: true, IncludeGraph: true, IncludeLocks: true}
}

// Operation es la sentencia equivalente a un paso del plan.
type Operation struct {
	Step       int    `json:"step"`
	TableID    string `json:"tableId"`
	FieldID    string `json:"fieldId"`
	SQL        string `json:"sql"`
	Records    int    `json:"records"`
	AllRecords bool   `json:"allRecords"`
}

type LockMode string

const (
	LockRow   LockMode = "row"
	LockTable LockMode = "table"
)

// LockScope es la huella de bloqueo del plan sobre una tabla.
type LockScope struct {
	TableID string   `json:"tableId"`
	Mode    LockMode `json:"mode"`
	Rows    int      `json:"rows,omitempty"`
	Fields  []string `json:"fields"`
}

// StepAnalysis es la medición de un paso en el dry-run.
type StepAnalysis struct {
	TableID    string  `json:"tableId"`
	FieldID    string  `json:"fieldId"`
	Records    int     `json:"records"`
	Written    int     `json:"written"`
	DurationMs float64 `json:"durationMs"`
}

// Analysis resume el dry-run. RolledBack es siempre true.
type Analysis struct {
	Steps       []StepAnalysis `json:"steps"`
	RowsWritten int            `json:"rowsWritten"`
	DurationMs  float64        `json:"durationMs"`
	RolledBack  bool           `json:"rolledBack"`
	Error       string         `json:"error,omitempty"`
}

// ExplainResult es la respuesta de explain. Las secciones opcionales quedan a
// nil cuando no se piden.
type ExplainResult struct {
	BaseID       string               `json:"baseId"`
	PlanHash     string               `json:"planHash"`
	GraphVersion int64                `json:"graphVersion"`
	Coarsened    bool                 `json:"coarsened"`
	Steps        []plannerDomain.Step `json:"steps"`
	Edges        []graphDomain.Edge   `json:"edges,omitempty"`
	Operations   []Operation          `json:"operations,omitempty"`
	Locks        []LockScope          `json:"locks,omitempty"`
	Complexity   ComplexityAssessment `json:"complexity"`
	Analysis     *Analysis            `json:"analysis,omitempty"`
}

// Operations traduce cada paso a la sentencia de actualización que ejecutaría.
func Operations(g *graphDomain.Graph, plan *plannerDomain.ExecutionPlan) []Operation {
	ops := make([]Operation, 0, len(plan.Steps))
	for i, s := range plan.Steps {
		def, _ := g.Field(s.Key())
		where := "TRUE"
		if !s.AllRecords {
			where = fmt.Sprintf("id IN (%s)", quoteList(s.RecordIDs))
		}
		ops = append(ops, Operation{
			Step:       i + 1,
			TableID:    s.TableID,
			FieldID:    s.FieldID,
			SQL:        fmt.Sprintf("UPDATE %q SET %q = %s WHERE %s", s.TableID, s.FieldID, renderExpr(g, def), where),
			Records:    len(s.RecordIDs),
			AllRecords: s.AllRecords,
		})
	}
	return ops
}

func renderExpr(g *graphDomain.Graph, def graphDomain.FieldDefinition) string {
	switch spec := def.Spec.(type) {
	case graphDomain.FormulaSpec:
		return spec.Expression
	case graphDomain.LookupSpec:
		return fmt.Sprintf("LOOKUP(%s -> %s.%s)", spec.LinkFieldID, foreignTable(g, def.TableID, spec.LinkFieldID), spec.ForeignFieldID)
	case graphDomain.RollupSpec:
		return fmt.Sprintf("%s(%s -> %s.%s)", strings.ToUpper(string(spec.Aggregation)), spec.LinkFieldID,
			foreignTable(g, def.TableID, spec.LinkFieldID), spec.ForeignFieldID)
	default:
		return "NULL"
	}
}

func foreignTable(g *graphDomain.Graph, tableID, linkFieldID string) string {
	def, ok := g.Field(graphDomain.NodeKey{TableID: tableID, FieldID: linkFieldID})
	if !ok {
		return "?"
	}
	if link, ok := def.Spec.(graphDomain.LinkSpec); ok {
		return link.ForeignTableID
	}
	return "?"
}

// maxQuotedIDs limita cuántos ids se listan en una sentencia.
const maxQuotedIDs = 10

func quoteList(ids []string) string {
	shown := ids
	if len(shown) > maxQuotedIDs {
		shown = shown[:maxQuotedIDs]
	}
	parts := make([]string, 0, len(shown)+1)
	for _, id := range shown {
		parts = append(parts, "'"+strings.ReplaceAll(id, "'", "''")+"'")
	}
	if len(ids) > len(shown) {
		parts = append(parts, fmt.Sprintf("... +%d", len(ids)-len(shown)))
	}
	return strings.Join(parts, ", ")
}

// Locks agrupa los pasos por tabla: una tabla con algún paso sobre todos los
// registros se bloquea entera; si no, sólo las filas distintas que se tocan.
func Locks(plan *plannerDomain.ExecutionPlan) []LockScope {
	type acc struct {
		all    bool
		rows   map[string]struct{}
		fields []string
	}
	byTable := make(map[string]*acc)
	for _, s := range plan.Steps {
		a := byTable[s.TableID]
		if a == nil {
			a = &acc{rows: make(map[string]struct{})}
			byTable[s.TableID] = a
		}
		a.fields = append(a.fields, s.FieldID)
		if s.AllRecords {
			a.all = true
			continue
		}
		for _, id := range s.RecordIDs {
			a.rows[id] = struct{}{}
		}
	}

	out := make([]LockScope, 0, len(byTable))
	for _, tableID := range plan.Tables() {
		a := byTable[tableID]
		scope := LockScope{TableID: tableID, Mode: LockRow, Rows: len(a.rows), Fields: a.fields}
		if a.all {
			scope.Mode, scope.Rows = LockTable, 0
		}
		out = append(out, scope)
	}
	return out
}
