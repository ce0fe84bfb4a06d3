package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	sharedQuery "github.com/davicafu/fieldflow/internal/shared/infra/platform/query"
	"github.com/davicafu/fieldflow/internal/shared/infra/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// InMemoryOutboxRepo simula OutboxRepository y DeadLetterRepository con las
// mismas reglas que los repos SQL: merge sólo en pendientes sin lock ni
// intentos, claim condicional y transiciones que exigen el lease exacto.
type InMemoryOutboxRepo struct {
	Tasks       map[uuid.UUID]*domain.OutboxTask
	TaskSeeds   map[uuid.UUID][]string
	DeadLetters map[uuid.UUID]domain.DeadLetterEntry
	// FailClaims hace fallar Claim mientras sea > 0.
	FailClaims int
	ClaimErr   error
	// FailSeeds hace fallar Seeds mientras sea > 0.
	FailSeeds int
	SeedsErr  error
	mu        sync.Mutex
}

var (
	_ domain.OutboxRepository     = (*InMemoryOutboxRepo)(nil)
	_ domain.DeadLetterRepository = (*InMemoryOutboxRepo)(nil)
)

func NewInMemoryOutboxRepo() *InMemoryOutboxRepo {
	return &InMemoryOutboxRepo{
		Tasks:       make(map[uuid.UUID]*domain.OutboxTask),
		TaskSeeds:   make(map[uuid.UUID][]string),
		DeadLetters: make(map[uuid.UUID]domain.DeadLetterEntry),
	}
}

// Task devuelve una copia de la tarea o nil.
func (r *InMemoryOutboxRepo) Task(id uuid.UUID) *domain.OutboxTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tasks[id]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

func (r *InMemoryOutboxRepo) Enqueue(ctx context.Context, task *domain.OutboxTask, seedRecordIDs []string) (domain.EnqueueResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidate *domain.OutboxTask
	for _, t := range r.Tasks {
		if t.PlanHash == task.PlanHash && t.BaseID == task.BaseID && t.SeedTableID == task.SeedTableID &&
			t.Status == domain.StatusPending && t.LockedBy == nil && t.Attempts == 0 {
			if candidate == nil || t.CreatedAt.Before(candidate.CreatedAt) {
				candidate = t
			}
		}
	}

	if candidate == nil {
		c := *task
		c.Status = domain.StatusPending
		c.ChangedFieldIDs = utils.SortedUnique(task.ChangedFieldIDs)
		r.Tasks[c.ID] = &c
		r.TaskSeeds[c.ID] = utils.SortedUnique(seedRecordIDs)
		return domain.EnqueueResult{TaskID: c.ID, NewSeeds: len(r.TaskSeeds[c.ID])}, nil
	}

	candidate.ChangedFieldIDs = utils.SortedUnique(append(candidate.ChangedFieldIDs, task.ChangedFieldIDs...))
	candidate.UpdatedAt = task.UpdatedAt
	before := len(r.TaskSeeds[candidate.ID])
	r.TaskSeeds[candidate.ID] = utils.SortedUnique(append(r.TaskSeeds[candidate.ID], seedRecordIDs...))
	return domain.EnqueueResult{TaskID: candidate.ID, Merged: true, NewSeeds: len(r.TaskSeeds[candidate.ID]) - before}, nil
}

func (r *InMemoryOutboxRepo) Claim(ctx context.Context, req domain.ClaimRequest) ([]*domain.OutboxTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailClaims > 0 {
		r.FailClaims--
		return nil, r.ClaimErr
	}

	cutoff := req.LeaseCutoff()
	var due []*domain.OutboxTask
	for _, t := range r.Tasks {
		pendingDue := t.Status == domain.StatusPending && !t.NextRunAt.After(req.Now)
		leaseExpired := t.Status == domain.StatusProcessing && t.LockedAt != nil && !t.LockedAt.After(cutoff)
		if pendingDue || leaseExpired {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].NextRunAt.Before(due[j].NextRunAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if req.Limit > 0 && len(due) > req.Limit {
		due = due[:req.Limit]
	}

	out := make([]*domain.OutboxTask, 0, len(due))
	for _, t := range due {
		if t.Status == domain.StatusProcessing {
			t.Attempts++
		}
		worker, at := req.WorkerID, req.Now
		t.Status = domain.StatusProcessing
		t.LockedBy, t.LockedAt, t.UpdatedAt = &worker, &at, req.Now
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

func (r *InMemoryOutboxRepo) Seeds(ctx context.Context, taskID uuid.UUID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailSeeds > 0 {
		r.FailSeeds--
		return nil, r.SeedsErr
	}
	return append([]string(nil), r.TaskSeeds[taskID]...), nil
}

// ownedLocked exige que la tarea siga con el mismo lease. Llamar con mu tomado.
func (r *InMemoryOutboxRepo) ownedLocked(id uuid.UUID, lease domain.Lease) (*domain.OutboxTask, error) {
	t, ok := r.Tasks[id]
	if !ok || t.Status != domain.StatusProcessing || !t.Lease().Same(lease) {
		return nil, domain.ErrLockLost
	}
	return t, nil
}

func (r *InMemoryOutboxRepo) Complete(ctx context.Context, taskID uuid.UUID, lease domain.Lease, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.ownedLocked(taskID, lease); err != nil {
		return err
	}
	delete(r.Tasks, taskID)
	delete(r.TaskSeeds, taskID)
	return nil
}

func (r *InMemoryOutboxRepo) Reschedule(ctx context.Context, task *domain.OutboxTask, lease domain.Lease, nextRunAt, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.ownedLocked(task.ID, lease)
	if err != nil {
		return err
	}
	t.Status = domain.StatusPending
	t.Attempts = task.Attempts
	t.LastError = task.LastError
	t.NextRunAt, t.UpdatedAt = nextRunAt, now
	t.LockedAt, t.LockedBy = nil, nil
	return nil
}

func (r *InMemoryOutboxRepo) PromoteToDeadLetter(ctx context.Context, entry domain.DeadLetterEntry, lease domain.Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.ownedLocked(entry.ID, lease); err != nil {
		return err
	}
	delete(r.Tasks, entry.ID)
	delete(r.TaskSeeds, entry.ID)
	r.DeadLetters[entry.ID] = entry
	return nil
}

func (r *InMemoryOutboxRepo) GetTask(ctx context.Context, id uuid.UUID) (*domain.OutboxTask, error) {
	if t := r.Task(id); t != nil {
		return t, nil
	}
	return nil, domain.ErrTaskNotFound
}

func (r *InMemoryOutboxRepo) ListTasks(ctx context.Context, p sharedQuery.OffsetPagination) ([]domain.TaskSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TaskSummary, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		out = append(out, domain.TaskSummary{OutboxTask: *t, SeedCount: len(r.TaskSeeds[t.ID])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, p), nil
}

func (r *InMemoryOutboxRepo) RetryNow(ctx context.Context, id uuid.UUID, now time.Time) (domain.TaskStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tasks[id]
	if !ok || (t.Status != domain.StatusPending && t.Status != domain.StatusProcessing) {
		return "", domain.ErrTaskNotFound
	}
	previous := t.Status
	if previous == domain.StatusProcessing {
		t.Attempts++
	}
	t.Status = domain.StatusPending
	t.NextRunAt, t.UpdatedAt = now, now
	t.LockedAt, t.LockedBy = nil, nil
	return previous, nil
}

func (r *InMemoryOutboxRepo) ListDeadLetters(ctx context.Context, p sharedQuery.OffsetPagination) ([]domain.DeadLetterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DeadLetterEntry, 0, len(r.DeadLetters))
	for _, e := range r.DeadLetters {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	return paginate(out, p), nil
}

func (r *InMemoryOutboxRepo) GetDeadLetter(ctx context.Context, id uuid.UUID) (*domain.DeadLetterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.DeadLetters[id]
	if !ok {
		return nil, domain.ErrDeadLetterNotFound
	}
	return &e, nil
}

func (r *InMemoryOutboxRepo) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.DeadLetters[id]; !ok {
		return domain.ErrDeadLetterNotFound
	}
	delete(r.DeadLetters, id)
	return nil
}

func (r *InMemoryOutboxRepo) RequeueDeadLetter(ctx context.Context, id uuid.UUID, task *domain.OutboxTask, seedRecordIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.DeadLetters[id]; !ok {
		return domain.ErrDeadLetterNotFound
	}
	delete(r.DeadLetters, id)
	c := *task
	r.Tasks[c.ID] = &c
	r.TaskSeeds[c.ID] = utils.SortedUnique(seedRecordIDs)
	return nil
}

func paginate[T any](items []T, p sharedQuery.OffsetPagination) []T {
	p = p.Normalize()
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

// RecordingSink guarda los eventos de tarea emitidos.
type RecordingSink struct {
	Events []domain.TaskEvent
	mu     sync.Mutex
}

func (s *RecordingSink) Emit(ctx context.Context, evt domain.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, evt)
	return nil
}

// Types devuelve los tipos de evento en orden de emisión.
func (s *RecordingSink) Types() []domain.TaskEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TaskEventType, 0, len(s.Events))
	for _, e := range s.Events {
		out = append(out, e.Type)
	}
	return out
}

// CountingDispatcher cuenta las llamadas a Dispatch.
type CountingDispatcher struct {
	Calls int
	mu    sync.Mutex
}

func (d *CountingDispatcher) Dispatch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
}

// MockPublisher simula un publisher del bus.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event interface{}) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockRunLogger simula el historial de ejecuciones.
type MockRunLogger struct {
	mock.Mock
}

func (m *MockRunLogger) LogRuns(ctx context.Context, runs []domain.RunRecord) error {
	args := m.Called(ctx, runs)
	return args.Error(0)
}

// MockEventSink simula el destino de eventos de tarea.
type MockEventSink struct {
	mock.Mock
}

func (m *MockEventSink) Emit(ctx context.Context, evt domain.TaskEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}
