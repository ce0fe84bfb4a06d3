package application

import (
	"context"
	"time"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	sharedQuery "github.com/davicafu/fieldflow/internal/shared/infra/platform/query"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeadLetterService expone el dead-letter a los operadores.
type DeadLetterService struct {
	repo        domain.DeadLetterRepository
	dispatcher  Dispatcher
	maxAttempts int
	now         func() time.Time
	log         *zap.Logger
}

func NewDeadLetterService(repo domain.DeadLetterRepository, dispatcher Dispatcher, maxAttempts int, log *zap.Logger) *DeadLetterService {
	return &DeadLetterService{
		repo:        repo,
		dispatcher:  dispatcher,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log,
	}
}

// WithClock sustituye el reloj; pensado para tests.
func (s *DeadLetterService) WithClock(now func() time.Time) *DeadLetterService {
	s.now = now
	return s
}

func (s *DeadLetterService) List(ctx context.Context, p sharedQuery.OffsetPagination) ([]domain.DeadLetterEntry, error) {
	return s.repo.ListDeadLetters(ctx, p)
}

func (s *DeadLetterService) Get(ctx context.Context, id uuid.UUID) (*domain.DeadLetterEntry, error) {
	return s.repo.GetDeadLetter(ctx, id)
}

// Delete descarta la entrada. Devuelve ErrDeadLetterNotFound si no existe.
func (s *DeadLetterService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeleteDeadLetter(ctx, id); err != nil {
		return err
	}
	s.log.Info("🗑️ Entrada de dead-letter descartada", zap.String("task_id", id.String()))
	return nil
}

// Retry crea una tarea nueva (id nuevo, attempts=0) a partir de la instantánea
// y borra la entrada. El id original nunca vuelve a la cola.
func (s *DeadLetterService) Retry(ctx context.Context, id uuid.UUID) (*domain.OutboxTask, error) {
	entry, err := s.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}

	task := domain.NewTask(entry.Seed(nil), entry.PlanHash, entry.GraphVersion, s.maxAttempts, s.now())
	if err := s.repo.RequeueDeadLetter(ctx, id, task, entry.SeedRecordIDs); err != nil {
		return nil, err
	}

	s.log.Info("🔁 Dead-letter reencolado",
		zap.String("dead_letter_id", id.String()),
		zap.String("task_id", task.ID.String()),
		zap.String("plan_hash", task.PlanHash))
	if s.dispatcher != nil {
		s.dispatcher.Dispatch()
	}
	return task, nil
}
