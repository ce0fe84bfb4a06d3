package domain

import (
	"time"

	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	sharedBus "github.com/davicafu/fieldflow/internal/shared/infra/platform/bus"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusDone       TaskStatus = "done"
	StatusFailed     TaskStatus = "failed"
)

// OutboxTask es un plan de recálculo pendiente de ejecutar.
type OutboxTask struct {
	ID              uuid.UUID                `json:"id"`
	BaseID          string                   `json:"baseId"`
	SeedTableID     string                   `json:"seedTableId"`
	Status          TaskStatus               `json:"status"`
	ChangeType      plannerDomain.ChangeType `json:"changeType"`
	ChangedFieldIDs []string                 `json:"changedFieldIds,omitempty"`
	Attempts        int                      `json:"attempts"`
	MaxAttempts     int                      `json:"maxAttempts"`
	LastError       *string                  `json:"lastError,omitempty"`
	PlanHash        string                   `json:"planHash"`
	RunID           string                   `json:"runId"`
	GraphVersion    int64                    `json:"graphVersion"`
	CreatedAt       time.Time                `json:"createdAt"`
	UpdatedAt       time.Time                `json:"updatedAt"`
	NextRunAt       time.Time                `json:"nextRunAt"`
	LockedAt        *time.Time               `json:"lockedAt,omitempty"`
	LockedBy        *string                  `json:"lockedBy,omitempty"`
}

func (t *OutboxTask) PartitionKey() string {
	return t.BaseID
}

var _ sharedBus.Keyer = (*OutboxTask)(nil)

// NewTask crea una tarea pendiente, lista para ejecutarse en now.
func NewTask(seed plannerDomain.ChangeSeed, planHash string, graphVersion int64, maxAttempts int, now time.Time) *OutboxTask {
	return &OutboxTask{
		ID:              uuid.New(),
		BaseID:          seed.BaseID,
		SeedTableID:     seed.TableID,
		Status:          StatusPending,
		ChangeType:      seed.ChangeType,
		ChangedFieldIDs: seed.FieldIDs,
		MaxAttempts:     maxAttempts,
		PlanHash:        planHash,
		RunID:           uuid.NewString(),
		GraphVersion:    graphVersion,
		CreatedAt:       now,
		UpdatedAt:       now,
		NextRunAt:       now,
	}
}

// Seed reconstruye el cambio semilla a partir de la tarea y sus registros.
func (t *OutboxTask) Seed(recordIDs []string) plannerDomain.ChangeSeed {
	return plannerDomain.ChangeSeed{
		BaseID:     t.BaseID,
		TableID:    t.SeedTableID,
		ChangeType: t.ChangeType,
		RecordIDs:  recordIDs,
		FieldIDs:   t.ChangedFieldIDs,
	}
}

// Lease es una posesión concreta de la tarea. Un mismo worker puede volver a
// reclamarla tras expirar su lease; LockedAt distingue una posesión de otra.
type Lease struct {
	WorkerID string
	LockedAt time.Time
}

// Lease devuelve la posesión con la que se reclamó la tarea.
func (t *OutboxTask) Lease() Lease {
	var l Lease
	if t.LockedBy != nil {
		l.WorkerID = *t.LockedBy
	}
	if t.LockedAt != nil {
		l.LockedAt = *t.LockedAt
	}
	return l
}

// Same compara dos leases sin depender de la ubicación de los instantes.
func (l Lease) Same(o Lease) bool {
	return l.WorkerID == o.WorkerID && l.LockedAt.Equal(o.LockedAt)
}

// Exhausted indica que la tarea no admite más intentos.
func (t *OutboxTask) Exhausted() bool {
	return t.Attempts >= t.MaxAttempts
}

// SetError guarda el último error.
func (t *OutboxTask) SetError(err error) {
	if err == nil {
		t.LastError = nil
		return
	}
	msg := err.Error()
	t.LastError = &msg
}

// OutboxTaskSeed relaciona una tarea con uno de sus registros semilla.
type OutboxTaskSeed struct {
	TaskID   uuid.UUID `json:"taskId"`
	TableID  string    `json:"tableId"`
	RecordID string    `json:"recordId"`
}

// TaskSummary es una fila del listado de operadores.
type TaskSummary struct {
	OutboxTask
	SeedCount int `json:"seedCount"`
}

// DeadLetterEntry conserva una tarea agotada o fatal. Su ID es el de la tarea
// original; un reintento crea siempre una tarea nueva.
type DeadLetterEntry struct {
	OutboxTask
	FailedAt      time.Time      `json:"failedAt"`
	SeedRecordIDs []string       `json:"seedRecordIds"`
	TraceData     map[string]any `json:"traceData,omitempty"`
}

func (e *DeadLetterEntry) SeedCount() int {
	return len(e.SeedRecordIDs)
}

// NewDeadLetterEntry congela la tarea en estado failed.
func NewDeadLetterEntry(task OutboxTask, seeds []string, trace map[string]any, now time.Time) DeadLetterEntry {
	task.Status = StatusFailed
	task.LockedAt = nil
	task.LockedBy = nil
	task.UpdatedAt = now
	return DeadLetterEntry{
		OutboxTask:    task,
		FailedAt:      now,
		SeedRecordIDs: append([]string(nil), seeds...),
		TraceData:     trace,
	}
}
