package application

import (
	"context"
	"time"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	sharedQuery "github.com/davicafu/fieldflow/internal/shared/infra/platform/query"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OperatorService agrupa las acciones de operador sobre el outbox.
type OperatorService struct {
	repo   domain.OutboxRepository
	worker *Worker
	sink   domain.EventSink
	now    func() time.Time
	log    *zap.Logger
}

func NewOperatorService(repo domain.OutboxRepository, worker *Worker, sink domain.EventSink, log *zap.Logger) *OperatorService {
	return &OperatorService{
		repo:   repo,
		worker: worker,
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log,
	}
}

// WithClock sustituye el reloj; pensado para tests.
func (s *OperatorService) WithClock(now func() time.Time) *OperatorService {
	s.now = now
	return s
}

func (s *OperatorService) ListTasks(ctx context.Context, p sharedQuery.OffsetPagination) ([]domain.TaskSummary, error) {
	return s.repo.ListTasks(ctx, p)
}

func (s *OperatorService) GetTask(ctx context.Context, id uuid.UUID) (*domain.OutboxTask, error) {
	return s.repo.GetTask(ctx, id)
}

// RetryNow adelanta la tarea y libera su lock. Si estaba en proceso se avisa
// con taskCancelled. El worker se despierta cuando el cambio ya está confirmado.
func (s *OperatorService) RetryNow(ctx context.Context, id uuid.UUID) (*domain.OutboxTask, error) {
	previous, err := s.repo.RetryNow(ctx, id, s.now())
	if err != nil {
		return nil, err
	}

	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if previous == domain.StatusProcessing && s.sink != nil {
		if err := s.sink.Emit(ctx, domain.NewTaskEvent(domain.TaskCancelled, task, "", s.now())); err != nil {
			s.log.Warn("⚠️ No se pudo emitir taskCancelled", zap.String("task_id", id.String()), zap.Error(err))
		}
	}

	s.log.Info("⏩ Reintento inmediato solicitado",
		zap.String("task_id", id.String()),
		zap.String("previous_status", string(previous)))
	if s.worker != nil {
		s.worker.Dispatch()
	}
	return task, nil
}

// RunNow ejecuta una pasada síncrona del worker a petición del operador.
func (s *OperatorService) RunNow(ctx context.Context, limit int) (RunSummary, error) {
	return s.worker.RunOnce(ctx, s.worker.WorkerID(), limit)
}
