package application

import (
	"context"

	plannerApp "github.com/davicafu/fieldflow/internal/planner/application"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher despierta al worker sin esperar a que termine.
type Dispatcher interface {
	Dispatch()
}

// SubmitResult describe qué hizo Submit con un cambio. Skipped indica que
// ningún campo calculado depende de él y no se encoló nada.
type SubmitResult struct {
	TaskID   uuid.UUID `json:"taskId,omitempty"`
	PlanHash string    `json:"planHash"`
	Merged   bool      `json:"merged"`
	Skipped  bool      `json:"skipped"`
}

// ChangeService es la entrada de cambios: valida la semilla contra el grafo,
// calcula el planHash y la encola. La expansión de registros se hace al
// ejecutar, no en el camino de escritura.
type ChangeService struct {
	graphs     GraphProvider
	planner    *plannerApp.Planner
	enqueuer   *Enqueuer
	dispatcher Dispatcher
	log        *zap.Logger
}

func NewChangeService(graphs GraphProvider, planner *plannerApp.Planner, enqueuer *Enqueuer, dispatcher Dispatcher, log *zap.Logger) *ChangeService {
	return &ChangeService{
		graphs:     graphs,
		planner:    planner,
		enqueuer:   enqueuer,
		dispatcher: dispatcher,
		log:        log,
	}
}

func (s *ChangeService) Submit(ctx context.Context, seed plannerDomain.ChangeSeed) (SubmitResult, error) {
	g, err := s.graphs.CurrentGraph(ctx, seed.BaseID)
	if err != nil {
		return SubmitResult{}, err
	}

	_, visited, err := s.planner.Closure(g, seed)
	if err != nil {
		return SubmitResult{}, err
	}

	result := SubmitResult{PlanHash: plannerDomain.PlanHash(seed.BaseID, seed.ChangeType, seed.SeedIDs(), g.Version())}

	computed := false
	for _, k := range visited {
		if def, ok := g.Field(k); ok && def.Computed() {
			computed = true
			break
		}
	}
	if !computed {
		result.Skipped = true
		s.log.Debug("Cambio sin campos calculados afectados",
			zap.String("base_id", seed.BaseID),
			zap.String("table_id", seed.TableID))
		return result, nil
	}

	res, err := s.enqueuer.Enqueue(ctx, seed, result.PlanHash, g.Version())
	if err != nil {
		return result, err
	}
	result.TaskID, result.Merged = res.TaskID, res.Merged

	if s.dispatcher != nil {
		s.dispatcher.Dispatch()
	}
	return result, nil
}
