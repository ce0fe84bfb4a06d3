package application

import (
	"context"
	"errors"
	"time"

	"github.com/davicafu/fieldflow/internal/explain/domain"
	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	outboxApp "github.com/davicafu/fieldflow/internal/outbox/application"
	outboxDomain "github.com/davicafu/fieldflow/internal/outbox/domain"
	plannerApp "github.com/davicafu/fieldflow/internal/planner/application"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	recordDomain "github.com/davicafu/fieldflow/internal/record/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskReader es lo que explain necesita del outbox para inspeccionar una tarea.
type TaskReader interface {
	GetTask(ctx context.Context, id uuid.UUID) (*outboxDomain.OutboxTask, error)
	Seeds(ctx context.Context, taskID uuid.UUID) ([]string, error)
}

// ExplainService reconstruye planes y los describe sin escribir nada.
type ExplainService struct {
	graphs  outboxApp.GraphProvider
	planner *plannerApp.Planner
	records recordDomain.RecordStore
	tasks   TaskReader
	log     *zap.Logger
}

func NewExplainService(graphs outboxApp.GraphProvider, planner *plannerApp.Planner, records recordDomain.RecordStore, tasks TaskReader, log *zap.Logger) *ExplainService {
	return &ExplainService{graphs: graphs, planner: planner, records: records, tasks: tasks, log: log}
}

// ExplainSeed describe el plan que produciría el cambio.
func (s *ExplainService) ExplainSeed(ctx context.Context, seed plannerDomain.ChangeSeed, opts domain.Options) (*domain.ExplainResult, error) {
	g, err := s.graphs.CurrentGraph(ctx, seed.BaseID)
	if err != nil {
		return nil, err
	}
	plan, err := s.planner.Plan(ctx, g, seed, s.records)
	if err != nil {
		return nil, err
	}
	return s.explain(ctx, g, plan, opts)
}

// ExplainTask describe el plan de una tarea existente contra el grafo vigente.
func (s *ExplainService) ExplainTask(ctx context.Context, id uuid.UUID, opts domain.Options) (*domain.ExplainResult, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	seeds, err := s.tasks.Seeds(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ExplainSeed(ctx, task.Seed(seeds), opts)
}

func (s *ExplainService) explain(ctx context.Context, g *graphDomain.Graph, plan *plannerDomain.ExecutionPlan, opts domain.Options) (*domain.ExplainResult, error) {
	res := &domain.ExplainResult{
		BaseID:       plan.BaseID,
		PlanHash:     plan.Hash,
		GraphVersion: plan.GraphVersion,
		Coarsened:    plan.Coarsened,
		Steps:        plan.Steps,
		Complexity:   domain.Assess(plan),
	}
	if opts.IncludeGraph {
		res.Edges = plan.Edges
	}
	if opts.IncludeSQL {
		res.Operations = domain.Operations(g, plan)
	}
	if opts.IncludeLocks {
		res.Locks = domain.Locks(plan)
	}

	if opts.Analyze {
		analysis, err := s.analyze(ctx, g, plan)
		if err != nil {
			return nil, err
		}
		res.Analysis = analysis
	}

	s.log.Debug("🔎 Explain generado",
		zap.String("base_id", plan.BaseID),
		zap.String("plan_hash", plan.Hash),
		zap.Int("steps", len(plan.Steps)),
		zap.String("level", string(res.Complexity.Level)))
	return res, nil
}

// analyze ejecuta el plan dentro de una transacción que siempre se deshace.
// Un fallo de un paso se informa en el análisis, no como error.
func (s *ExplainService) analyze(ctx context.Context, g *graphDomain.Graph, plan *plannerDomain.ExecutionPlan) (*domain.Analysis, error) {
	runner, ok := s.records.(recordDomain.DryRunner)
	if !ok {
		return nil, recordDomain.ErrDryRunUnsupported
	}

	trace := &outboxApp.RunTrace{PlanHash: plan.Hash, GraphVersion: plan.GraphVersion}
	var stepErr error
	started := time.Now()
	err := runner.DryRun(ctx, func(ctx context.Context, store recordDomain.RecordStore) error {
		stepErr = outboxApp.RunPlan(ctx, g, plan, store, trace)
		return stepErr
	})
	elapsed := time.Since(started)
	if err != nil && !errors.Is(err, stepErr) {
		return nil, err
	}

	analysis := &domain.Analysis{
		Steps:       make([]domain.StepAnalysis, 0, len(trace.Steps)),
		RowsWritten: trace.RowsWritten(),
		DurationMs:  ms(elapsed),
		RolledBack:  true,
	}
	for _, st := range trace.Steps {
		analysis.Steps = append(analysis.Steps, domain.StepAnalysis{
			TableID:    st.TableID,
			FieldID:    st.FieldID,
			Records:    st.Records,
			Written:    st.Written,
			DurationMs: ms(st.Duration),
		})
	}
	if stepErr != nil {
		analysis.Error = stepErr.Error()
	}
	return analysis, nil
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
