package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	"github.com/davicafu/fieldflow/internal/shared/infra/platform/metrics"
	"github.com/davicafu/fieldflow/internal/shared/infra/utils"
	"go.uber.org/zap"
)

const (
	runLogAttempts   = 3
	runLogRetryDelay = 500 * time.Millisecond
)

// WorkerConfig es la identidad y el ritmo de un worker. Se pasa explícita a
// cada claim; no hay estado global.
type WorkerConfig struct {
	WorkerID     string
	PollInterval time.Duration
	BatchLimit   int
	LeaseTimeout time.Duration
}

// RunSummary resume una pasada de RunOnce.
type RunSummary struct {
	Claimed      int `json:"claimed"`
	Done         int `json:"done"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"deadLettered"`
	LockLost     int `json:"lockLost"`
	Abandoned    int `json:"abandoned"`
}

// Worker reclama tareas del outbox y ejecuta sus planes.
type Worker struct {
	repo     domain.OutboxRepository
	executor *Executor
	sink     domain.EventSink
	runLog   domain.RunLogger
	policy   domain.BackoffPolicy
	cfg      WorkerConfig
	now      func() time.Time
	dispatch chan struct{}
	log      *zap.Logger
}

func NewWorker(
	repo domain.OutboxRepository,
	executor *Executor,
	sink domain.EventSink,
	runLog domain.RunLogger,
	policy domain.BackoffPolicy,
	cfg WorkerConfig,
	log *zap.Logger,
) *Worker {
	return &Worker{
		repo:     repo,
		executor: executor,
		sink:     sink,
		runLog:   runLog,
		policy:   policy,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		dispatch: make(chan struct{}, 1),
		log:      log,
	}
}

// WithClock sustituye el reloj; pensado para tests.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

func (w *Worker) WorkerID() string { return w.cfg.WorkerID }

// Dispatch pide una pasada inmediata sin bloquear. Si ya hay una pendiente
// la señal se descarta.
func (w *Worker) Dispatch() {
	select {
	case w.dispatch <- struct{}{}:
	default:
	}
}

// Start inicia el bucle de polling del worker.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.log.Info("🚀 Outbox worker iniciado",
		zap.String("worker_id", w.cfg.WorkerID),
		zap.Duration("interval", w.cfg.PollInterval),
		zap.Duration("lease_timeout", w.cfg.LeaseTimeout))

	for {
		select {
		case <-ctx.Done():
			w.log.Info("🛑 Outbox worker detenido.", zap.String("worker_id", w.cfg.WorkerID))
			return
		case <-ticker.C:
		case <-w.dispatch:
		}
		if _, err := w.RunOnce(ctx, w.cfg.WorkerID, w.cfg.BatchLimit); err != nil {
			w.log.Warn("⚠️ Error al reclamar tareas", zap.Error(err))
		}
	}
}

// RunOnce reclama hasta limit tareas y las procesa de forma síncrona. Es el
// único punto de entrada: lo usan el bucle de fondo y la ejecución manual.
func (w *Worker) RunOnce(ctx context.Context, workerID string, limit int) (RunSummary, error) {
	var summary RunSummary

	claimed, err := w.repo.Claim(ctx, domain.ClaimRequest{
		WorkerID:     workerID,
		Now:          w.now(),
		LeaseTimeout: w.cfg.LeaseTimeout,
		Limit:        limit,
	})
	summary.Claimed = len(claimed)
	metrics.TasksClaimed.Add(float64(len(claimed)))
	if err != nil {
		return summary, err
	}
	if len(claimed) == 0 {
		return summary, nil
	}
	w.log.Info(fmt.Sprintf("📬 %d tareas reclamadas", len(claimed)), zap.String("worker_id", workerID))

	runs := make([]domain.RunRecord, 0, len(claimed))
	for _, task := range claimed {
		run := w.process(ctx, workerID, task)
		metrics.TaskOutcomes.WithLabelValues(string(run.Outcome)).Inc()
		switch run.Outcome {
		case domain.OutcomeDone:
			summary.Done++
		case domain.OutcomeRetry:
			summary.Retried++
		case domain.OutcomeDeadLetter:
			summary.DeadLettered++
		case domain.OutcomeLockLost:
			summary.LockLost++
		case domain.OutcomeAbandoned:
			summary.Abandoned++
		}
		runs = append(runs, run)
	}

	w.logRuns(runs)
	return summary, nil
}

func (w *Worker) process(ctx context.Context, workerID string, task *domain.OutboxTask) domain.RunRecord {
	started := w.now()
	run := domain.RunRecord{
		TaskID:   task.ID,
		BaseID:   task.BaseID,
		PlanHash: task.PlanHash,
		RunID:    task.RunID,
		WorkerID: workerID,
	}
	finish := func(outcome domain.Outcome) domain.RunRecord {
		run.Outcome = outcome
		run.Attempts = task.Attempts
		if task.LastError != nil {
			run.Error = *task.LastError
		}
		run.FinishedAt = w.now()
		run.Duration = run.FinishedAt.Sub(started)
		return run
	}

	// Todas las transiciones van contra el lease de este claim, no sólo contra
	// el id del worker.
	lease := task.Lease()
	w.emit(ctx, domain.TaskProcessing, task, workerID)

	seeds, err := w.repo.Seeds(ctx, task.ID)
	if err != nil {
		return finish(w.postpone(ctx, lease, task, err))
	}

	// Un lease reclamado ya cuenta como intento: si con él se agotan, no se
	// vuelve a ejecutar.
	if task.Exhausted() {
		if task.LastError == nil {
			task.SetError(errors.New("lease expired with no attempts left"))
		}
		return finish(w.deadLetter(ctx, lease, task, seeds, nil))
	}

	trace, err := w.executor.Execute(ctx, task, seeds)
	if trace != nil {
		run.Steps = len(trace.Steps)
		run.RowsWritten = trace.RowsWritten()
		run.Stale = trace.Stale
	}
	if err != nil {
		return finish(w.fail(ctx, lease, task, seeds, trace, err))
	}

	if err := w.repo.Complete(ctx, task.ID, lease, w.now()); err != nil {
		return finish(w.lockLostOr(task, workerID, err, domain.OutcomeDone))
	}
	task.Status = domain.StatusDone
	w.emit(ctx, domain.TaskCompleted, task, workerID)
	w.log.Info("✅ Tarea completada",
		zap.String("task_id", task.ID.String()),
		zap.String("plan_hash", task.PlanHash),
		zap.Int("attempts", task.Attempts),
		zap.String("worker_id", workerID))
	return finish(domain.OutcomeDone)
}

// fail decide entre reintento y dead-letter.
func (w *Worker) fail(ctx context.Context, lease domain.Lease, task *domain.OutboxTask, seeds []string, trace *RunTrace, cause error) domain.Outcome {
	task.SetError(cause)

	if domain.IsFatal(cause) {
		w.log.Error("💀 Error fatal, la tarea pasa a dead-letter",
			zap.String("task_id", task.ID.String()),
			zap.String("plan_hash", task.PlanHash),
			zap.Error(cause))
		return w.deadLetter(ctx, lease, task, seeds, trace)
	}

	task.Attempts++
	if task.Exhausted() {
		w.log.Warn("⚠️ Intentos agotados",
			zap.String("task_id", task.ID.String()),
			zap.Int("attempts", task.Attempts),
			zap.Error(cause))
		return w.deadLetter(ctx, lease, task, seeds, trace)
	}

	next := w.now().Add(w.policy.Delay(task.Attempts))
	if err := w.repo.Reschedule(ctx, task, lease, next, w.now()); err != nil {
		return w.lockLostOr(task, lease.WorkerID, err, domain.OutcomeRetry)
	}
	w.log.Warn("🔁 Tarea reprogramada",
		zap.String("task_id", task.ID.String()),
		zap.Int("attempts", task.Attempts),
		zap.Time("next_run_at", next),
		zap.Error(cause))
	return domain.OutcomeRetry
}

// postpone devuelve la tarea a pending sin gastar un intento. Se usa cuando no
// se pudieron leer las semillas: sin ellas no hay snapshot para dead-letter.
func (w *Worker) postpone(ctx context.Context, lease domain.Lease, task *domain.OutboxTask, cause error) domain.Outcome {
	task.SetError(cause)
	next := w.now().Add(w.policy.Delay(task.Attempts + 1))
	if err := w.repo.Reschedule(ctx, task, lease, next, w.now()); err != nil {
		return w.lockLostOr(task, lease.WorkerID, err, domain.OutcomeRetry)
	}
	w.log.Warn("⏸️ No se pudieron leer las semillas, tarea aplazada",
		zap.String("task_id", task.ID.String()),
		zap.Int("attempts", task.Attempts),
		zap.Time("next_run_at", next),
		zap.Error(cause))
	return domain.OutcomeRetry
}

func (w *Worker) deadLetter(ctx context.Context, lease domain.Lease, task *domain.OutboxTask, seeds []string, trace *RunTrace) domain.Outcome {
	var data map[string]any
	if trace != nil {
		data = trace.Data()
	}
	entry := domain.NewDeadLetterEntry(*task, seeds, data, w.now())
	if err := w.repo.PromoteToDeadLetter(ctx, entry, lease); err != nil {
		return w.lockLostOr(task, lease.WorkerID, err, domain.OutcomeDeadLetter)
	}
	task.Status = domain.StatusFailed
	w.emit(ctx, domain.TaskFailed, task, lease.WorkerID)
	w.log.Error("🪦 Tarea movida a dead-letter",
		zap.String("task_id", task.ID.String()),
		zap.String("plan_hash", task.PlanHash),
		zap.Int("attempts", task.Attempts),
		zap.String("worker_id", lease.WorkerID))
	return domain.OutcomeDeadLetter
}

// lockLostOr registra un fallo de la transición. Si el lock ya no es nuestro
// otro worker se ocupa de la tarea; con cualquier otro error la tarea queda en
// processing hasta que expire el lease.
func (w *Worker) lockLostOr(task *domain.OutboxTask, workerID string, err error, intended domain.Outcome) domain.Outcome {
	if errors.Is(err, domain.ErrLockLost) {
		w.log.Warn("🔒 Lock perdido, otro worker tiene la tarea",
			zap.String("task_id", task.ID.String()),
			zap.String("worker_id", workerID))
		return domain.OutcomeLockLost
	}
	w.log.Error("❌ No se pudo registrar el resultado de la tarea",
		zap.String("task_id", task.ID.String()),
		zap.String("intended", string(intended)),
		zap.Error(err))
	return domain.OutcomeAbandoned
}

func (w *Worker) emit(ctx context.Context, typ domain.TaskEventType, task *domain.OutboxTask, workerID string) {
	if w.sink == nil {
		return
	}
	if err := w.sink.Emit(ctx, domain.NewTaskEvent(typ, task, workerID, w.now())); err != nil {
		w.log.Warn("⚠️ No se pudo emitir evento de tarea",
			zap.String("task_id", task.ID.String()),
			zap.String("type", string(typ)),
			zap.Error(err))
	}
}

// logRuns manda el historial en segundo plano, con un par de reintentos.
func (w *Worker) logRuns(runs []domain.RunRecord) {
	if w.runLog == nil || len(runs) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := utils.Retry(ctx, runLogAttempts, runLogRetryDelay, func() error {
			return w.runLog.LogRuns(ctx, runs)
		})
		if err != nil {
			w.log.Warn("⚠️ No se pudo registrar el historial de ejecuciones", zap.Error(err))
		}
	}()
}
