package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/fieldflow/internal/evaluator"
	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	"github.com/davicafu/fieldflow/internal/outbox/domain"
	plannerApp "github.com/davicafu/fieldflow/internal/planner/application"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	recordDomain "github.com/davicafu/fieldflow/internal/record/domain"
	"github.com/davicafu/fieldflow/internal/shared/infra/platform/metrics"
	"github.com/davicafu/fieldflow/internal/shared/infra/utils"
	"go.uber.org/zap"
)

// readBatchSize acota cuántos registros se leen y escriben por lote.
const readBatchSize = 500

// GraphProvider entrega el grafo vigente de una base.
type GraphProvider interface {
	CurrentGraph(ctx context.Context, baseID string) (*graphDomain.Graph, error)
}

// StepTrace describe lo que hizo un paso del plan. DataErrors cuenta los
// registros cuya fórmula falló con sus datos y quedaron en null.
type StepTrace struct {
	TableID        string        `json:"tableId"`
	FieldID        string        `json:"fieldId"`
	Kind           string        `json:"kind"`
	Records        int           `json:"records"`
	Written        int           `json:"written"`
	DataErrors     int           `json:"dataErrors,omitempty"`
	FirstDataError string        `json:"firstDataError,omitempty"`
	Duration       time.Duration `json:"durationNs"`
}

// RunTrace es la traza de una ejecución; se guarda en el dead-letter si falla.
type RunTrace struct {
	PlanHash     string      `json:"planHash"`
	GraphVersion int64       `json:"graphVersion"`
	Stale        bool        `json:"stale"`
	Coarsened    bool        `json:"coarsened"`
	Steps        []StepTrace `json:"steps"`
	FailedStep   string      `json:"failedStep,omitempty"`
}

// RowsWritten suma las filas escritas por todos los pasos.
func (t *RunTrace) RowsWritten() int {
	n := 0
	for _, s := range t.Steps {
		n += s.Written
	}
	return n
}

// Data convierte la traza al formato libre del dead-letter.
func (t *RunTrace) Data() map[string]any {
	steps := make([]any, 0, len(t.Steps))
	for _, s := range t.Steps {
		step := map[string]any{
			"step":       s.TableID + "." + s.FieldID,
			"kind":       s.Kind,
			"records":    s.Records,
			"written":    s.Written,
			"durationMs": s.Duration.Milliseconds(),
		}
		if s.DataErrors > 0 {
			step["dataErrors"] = s.DataErrors
			step["firstDataError"] = s.FirstDataError
		}
		steps = append(steps, step)
	}
	data := map[string]any{
		"planHash":     t.PlanHash,
		"graphVersion": t.GraphVersion,
		"stale":        t.Stale,
		"coarsened":    t.Coarsened,
		"steps":        steps,
	}
	if t.FailedStep != "" {
		data["failedStep"] = t.FailedStep
	}
	return data
}

// Executor reconstruye el plan de una tarea contra el grafo vigente y lo ejecuta.
type Executor struct {
	graphs  GraphProvider
	planner *plannerApp.Planner
	records recordDomain.RecordStore
	log     *zap.Logger
}

func NewExecutor(graphs GraphProvider, planner *plannerApp.Planner, records recordDomain.RecordStore, log *zap.Logger) *Executor {
	return &Executor{graphs: graphs, planner: planner, records: records, log: log}
}

// Execute ejecuta la tarea. Los errores estructurales (tabla o campo que ya no
// existen, plan mal formado, semilla inválida) salen marcados como fatales.
func (e *Executor) Execute(ctx context.Context, task *domain.OutboxTask, seedRecordIDs []string) (*RunTrace, error) {
	trace := &RunTrace{PlanHash: task.PlanHash, GraphVersion: task.GraphVersion}

	g, err := e.graphs.CurrentGraph(ctx, task.BaseID)
	if err != nil {
		return trace, fmt.Errorf("load graph %s: %w", task.BaseID, err)
	}
	trace.GraphVersion = g.Version()
	if g.Version() != task.GraphVersion {
		trace.Stale = true
		e.log.Info("♻️ Plan obsoleto, se reconstruye con el grafo vigente",
			zap.String("task_id", task.ID.String()),
			zap.Int64("planned_version", task.GraphVersion),
			zap.Int64("current_version", g.Version()))
	}

	plan, err := e.planner.Plan(ctx, g, task.Seed(seedRecordIDs), e.records)
	if err != nil {
		if errors.Is(err, plannerDomain.ErrInvalidSeed) {
			return trace, domain.Fatal(err)
		}
		return trace, err
	}
	trace.Coarsened = plan.Coarsened

	err = RunPlan(ctx, g, plan, e.records, trace)
	for _, st := range trace.Steps {
		if st.DataErrors > 0 {
			e.log.Debug("🧮 Fórmula sin valor para algunos registros",
				zap.String("task_id", task.ID.String()),
				zap.String("step", st.TableID+"."+st.FieldID),
				zap.Int("records", st.DataErrors),
				zap.String("first_error", st.FirstDataError))
		}
	}
	return trace, err
}

// RunPlan ejecuta los pasos en orden sobre store y va rellenando trace.
// Lo usan tanto el worker como el dry-run de explain.
func RunPlan(ctx context.Context, g *graphDomain.Graph, plan *plannerDomain.ExecutionPlan, store recordDomain.RecordStore, trace *RunTrace) error {
	if err := plan.Validate(); err != nil {
		return err
	}

	for _, step := range plan.Steps {
		started := time.Now()
		st, err := runStep(ctx, g, step, store)
		st.Duration = time.Since(started)
		trace.Steps = append(trace.Steps, st)
		metrics.StepDuration.WithLabelValues(string(step.Kind)).Observe(st.Duration.Seconds())
		if err != nil {
			trace.FailedStep = step.Key().String()
			return fmt.Errorf("step %s: %w", step.Key(), err)
		}
	}
	return nil
}

func runStep(ctx context.Context, g *graphDomain.Graph, step plannerDomain.Step, store recordDomain.RecordStore) (StepTrace, error) {
	st := StepTrace{TableID: step.TableID, FieldID: step.FieldID, Kind: string(step.Kind)}

	def, ok := g.Field(step.Key())
	if !ok {
		return st, fmt.Errorf("%w: field %s", graphDomain.ErrUnknownReference, step.Key())
	}

	var foreignTable, linkFieldID string
	switch spec := def.Spec.(type) {
	case graphDomain.LookupSpec:
		linkFieldID = spec.LinkFieldID
	case graphDomain.RollupSpec:
		linkFieldID = spec.LinkFieldID
	}
	if linkFieldID != "" {
		linkDef, ok := g.Field(graphDomain.NodeKey{TableID: step.TableID, FieldID: linkFieldID})
		link, isLink := linkDef.Spec.(graphDomain.LinkSpec)
		if !ok || !isLink {
			return st, fmt.Errorf("%w: link %s.%s", graphDomain.ErrUnknownReference, step.TableID, linkFieldID)
		}
		foreignTable = link.ForeignTableID
	}

	ids := step.RecordIDs
	if step.AllRecords {
		var err error
		if ids, err = store.ListRecordIDs(ctx, step.TableID); err != nil {
			return st, err
		}
	}

	for _, chunk := range utils.Chunk(ids, readBatchSize) {
		recs, err := store.GetRecords(ctx, step.TableID, chunk)
		if err != nil {
			return st, err
		}
		st.Records += len(recs)

		foreign, err := loadLinked(ctx, store, foreignTable, linkFieldID, recs)
		if err != nil {
			return st, err
		}

		values := make(map[string]any, len(recs))
		for _, r := range recs {
			var linked []recordDomain.Record
			for _, id := range recordDomain.LinkIDs(r.Fields[linkFieldID]) {
				if f, ok := foreign[id]; ok {
					linked = append(linked, f)
				}
			}
			v, err := evaluator.Compute(def, r, linked)
			if evaluator.IsDataError(err) {
				if st.DataErrors == 0 {
					st.FirstDataError = err.Error()
				}
				st.DataErrors++
			} else if err != nil {
				return st, err
			}
			values[r.ID] = v
		}

		n, err := store.WriteFieldValues(ctx, step.TableID, step.FieldID, values)
		if err != nil {
			return st, err
		}
		st.Written += n
	}
	return st, nil
}

// loadLinked lee de una vez los registros foráneos que enlaza el lote.
func loadLinked(ctx context.Context, store recordDomain.RecordStore, foreignTable, linkFieldID string, recs []recordDomain.Record) (map[string]recordDomain.Record, error) {
	if foreignTable == "" {
		return nil, nil
	}
	var ids []string
	for _, r := range recs {
		ids = append(ids, recordDomain.LinkIDs(r.Fields[linkFieldID])...)
	}
	ids = utils.SortedUnique(ids)

	out := make(map[string]recordDomain.Record, len(ids))
	for _, chunk := range utils.Chunk(ids, readBatchSize) {
		linked, err := store.GetRecords(ctx, foreignTable, chunk)
		if err != nil {
			return nil, err
		}
		for _, l := range linked {
			out[l.ID] = l
		}
	}
	return out, nil
}
