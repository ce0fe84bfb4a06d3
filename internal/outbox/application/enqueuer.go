package application

import (
	"context"
	"strconv"
	"time"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	"github.com/davicafu/fieldflow/internal/shared/infra/platform/metrics"
	"go.uber.org/zap"
)

// Enqueuer persiste cambios semilla como tareas del outbox.
type Enqueuer struct {
	repo        domain.OutboxRepository
	maxAttempts int
	now         func() time.Time
	log         *zap.Logger
}

func NewEnqueuer(repo domain.OutboxRepository, maxAttempts int, log *zap.Logger) *Enqueuer {
	return &Enqueuer{
		repo:        repo,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log,
	}
}

// WithClock sustituye el reloj; pensado para tests.
func (e *Enqueuer) WithClock(now func() time.Time) *Enqueuer {
	e.now = now
	return e
}

// Enqueue guarda la semilla con su planHash. Si ya hay una tarea pendiente
// con el mismo hash las semillas se fusionan en ella.
func (e *Enqueuer) Enqueue(ctx context.Context, seed plannerDomain.ChangeSeed, planHash string, graphVersion int64) (domain.EnqueueResult, error) {
	task := domain.NewTask(seed, planHash, graphVersion, e.maxAttempts, e.now())

	res, err := e.repo.Enqueue(ctx, task, seed.SeedIDs())
	if err != nil {
		e.log.Error("Failed to enqueue change", zap.String("plan_hash", planHash), zap.Error(err))
		return res, err
	}
	metrics.TasksEnqueued.WithLabelValues(strconv.FormatBool(res.Merged)).Inc()

	e.log.Info("📥 Cambio encolado",
		zap.String("task_id", res.TaskID.String()),
		zap.String("plan_hash", planHash),
		zap.Bool("merged", res.Merged),
		zap.Int("new_seeds", res.NewSeeds))
	return res, nil
}
