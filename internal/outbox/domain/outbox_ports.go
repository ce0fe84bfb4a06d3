package domain

import (
	"context"
	"time"

	sharedQuery "github.com/davicafu/fieldflow/internal/shared/infra/platform/query"
	"github.com/google/uuid"
)

// ---------- Interfaces (Ports) ----------

// ClaimRequest agrupa los parámetros del claim. El lease viaja explícito en
// cada llamada; no hay estado global.
type ClaimRequest struct {
	WorkerID     string
	Now          time.Time
	LeaseTimeout time.Duration
	Limit        int
}

// LeaseCutoff es el instante a partir del cual un lock se considera abandonado.
func (r ClaimRequest) LeaseCutoff() time.Time {
	return r.Now.Add(-r.LeaseTimeout)
}

type EnqueueResult struct {
	TaskID   uuid.UUID
	Merged   bool
	NewSeeds int
}

// OutboxRepository es el almacén durable de tareas: la única fuente de verdad
// y el único mecanismo de coordinación entre workers.
type OutboxRepository interface {
	// Enqueue inserta la tarea y sus semillas en una transacción. Si existe una
	// tarea pendiente, sin lock y sin intentos con el mismo planHash, base y
	// tabla semilla, fusiona en ella las semillas y los campos cambiados. Una
	// tarea en backoff nunca es destino de la fusión.
	Enqueue(ctx context.Context, task *OutboxTask, seedRecordIDs []string) (EnqueueResult, error)

	// Claim reclama hasta Limit tareas con una actualización condicional por
	// fila: pendientes vencidas o en proceso con el lease expirado. Reclamar un
	// lease expirado incrementa attempts.
	Claim(ctx context.Context, req ClaimRequest) ([]*OutboxTask, error)

	// Seeds devuelve los ids de registros semilla de la tarea.
	Seeds(ctx context.Context, taskID uuid.UUID) ([]string, error)

	// Las transiciones siguientes sólo aplican si la fila conserva exactamente
	// el lease (locked_by y locked_at) con el que se reclamó. Si no, deben
	// devolver ErrLockLost.

	// Complete elimina la tarea y sus semillas.
	Complete(ctx context.Context, taskID uuid.UUID, lease Lease, now time.Time) error

	// Reschedule devuelve la tarea a pending con task.Attempts, task.LastError y
	// nextRunAt, y limpia el lock.
	Reschedule(ctx context.Context, task *OutboxTask, lease Lease, nextRunAt, now time.Time) error

	// PromoteToDeadLetter mueve la tarea a dead-letter en una transacción.
	PromoteToDeadLetter(ctx context.Context, entry DeadLetterEntry, lease Lease) error

	// GetTask debe devolver ErrTaskNotFound si no existe.
	GetTask(ctx context.Context, id uuid.UUID) (*OutboxTask, error)

	// ListTasks lista las tareas de la más nueva a la más antigua.
	ListTasks(ctx context.Context, p sharedQuery.OffsetPagination) ([]TaskSummary, error)

	// RetryNow pone nextRunAt=now y limpia el lock. Sólo vale para pending o
	// processing; si estaba en proceso incrementa attempts. Devuelve el estado
	// previo o ErrTaskNotFound.
	RetryNow(ctx context.Context, id uuid.UUID, now time.Time) (TaskStatus, error)
}

// DeadLetterRepository es el depósito de tareas agotadas. Sólo admite
// inserción (vía PromoteToDeadLetter), borrado y reencolado.
type DeadLetterRepository interface {
	// ListDeadLetters lista de la más nueva a la más antigua.
	ListDeadLetters(ctx context.Context, p sharedQuery.OffsetPagination) ([]DeadLetterEntry, error)

	// GetDeadLetter debe devolver ErrDeadLetterNotFound si no existe.
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetterEntry, error)

	// DeleteDeadLetter debe devolver ErrDeadLetterNotFound si no existe.
	DeleteDeadLetter(ctx context.Context, id uuid.UUID) error

	// RequeueDeadLetter inserta task con las semillas dadas y elimina la
	// entrada en una transacción.
	RequeueDeadLetter(ctx context.Context, id uuid.UUID, task *OutboxTask, seedRecordIDs []string) error
}

// Outcome es el resultado de procesar una tarea reclamada.
type Outcome string

const (
	OutcomeDone       Outcome = "done"
	OutcomeRetry      Outcome = "retry"
	OutcomeDeadLetter Outcome = "dead_letter"
	OutcomeLockLost   Outcome = "lock_lost"

	// OutcomeAbandoned: la transición falló; el lease liberará la tarea.
	OutcomeAbandoned Outcome = "abandoned"
)

// RunRecord resume una ejecución de tarea para analítica.
type RunRecord struct {
	TaskID      uuid.UUID
	BaseID      string
	PlanHash    string
	RunID       string
	WorkerID    string
	Outcome     Outcome
	Attempts    int
	Steps       int
	RowsWritten int
	Stale       bool
	Error       string
	Duration    time.Duration
	FinishedAt  time.Time
}

// RunLogger persiste el historial de ejecuciones. Es opcional y nunca bloquea
// al worker.
type RunLogger interface {
	LogRuns(ctx context.Context, runs []RunRecord) error
}
