package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	sharedQuery "github.com/davicafu/fieldflow/internal/shared/infra/platform/query"
	"github.com/davicafu/fieldflow/internal/shared/infra/utils"
	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OutboxRepoPostgres implementa OutboxRepository y DeadLetterRepository.
// El claim es una sola sentencia con FOR UPDATE SKIP LOCKED, así que varios
// workers pueden reclamar en paralelo sin pisarse.
type OutboxRepoPostgres struct {
	db *sql.DB
}

var (
	_ domain.OutboxRepository     = (*OutboxRepoPostgres)(nil)
	_ domain.DeadLetterRepository = (*OutboxRepoPostgres)(nil)
)

func NewOutboxRepoPostgres(db *sql.DB) *OutboxRepoPostgres {
	return &OutboxRepoPostgres{db: db}
}

// InitPostgres crea el esquema del outbox si no existe.
func InitPostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox_tasks (
            id UUID PRIMARY KEY,
            base_id TEXT NOT NULL,
            seed_table_id TEXT NOT NULL,
            status TEXT NOT NULL,
            change_type TEXT NOT NULL,
            changed_field_ids JSONB NOT NULL DEFAULT '[]',
            attempts INT NOT NULL DEFAULT 0,
            max_attempts INT NOT NULL,
            last_error TEXT,
            plan_hash TEXT NOT NULL,
            run_id TEXT NOT NULL,
            graph_version BIGINT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL,
            next_run_at TIMESTAMPTZ NOT NULL,
            locked_at TIMESTAMPTZ,
            locked_by TEXT
        )`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_tasks_claim ON outbox_tasks (status, next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_tasks_plan_hash ON outbox_tasks (plan_hash) WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS outbox_task_seeds (
            task_id UUID NOT NULL REFERENCES outbox_tasks(id) ON DELETE CASCADE,
            table_id TEXT NOT NULL,
            record_id TEXT NOT NULL,
            PRIMARY KEY (task_id, record_id)
        )`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
            id UUID PRIMARY KEY,
            base_id TEXT NOT NULL,
            seed_table_id TEXT NOT NULL,
            status TEXT NOT NULL,
            change_type TEXT NOT NULL,
            changed_field_ids JSONB NOT NULL DEFAULT '[]',
            attempts INT NOT NULL,
            max_attempts INT NOT NULL,
            last_error TEXT,
            plan_hash TEXT NOT NULL,
            run_id TEXT NOT NULL,
            graph_version BIGINT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL,
            next_run_at TIMESTAMPTZ NOT NULL,
            failed_at TIMESTAMPTZ NOT NULL,
            seed_record_ids JSONB NOT NULL,
            trace_data JSONB NOT NULL DEFAULT '{}'
        )`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const taskColumns = `id, base_id, seed_table_id, status, change_type, changed_field_ids, attempts, max_attempts,
	last_error, plan_hash, run_id, graph_version, created_at, updated_at, next_run_at, locked_at, locked_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner, extra ...any) (*domain.OutboxTask, error) {
	var (
		t                   domain.OutboxTask
		changeType          string
		fields              []byte
		lastError, lockedBy sql.NullString
		lockedAt            sql.NullTime
	)
	dest := []any{&t.ID, &t.BaseID, &t.SeedTableID, &t.Status, &changeType, &fields, &t.Attempts, &t.MaxAttempts,
		&lastError, &t.PlanHash, &t.RunID, &t.GraphVersion, &t.CreatedAt, &t.UpdatedAt, &t.NextRunAt, &lockedAt, &lockedBy}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	t.ChangeType = plannerDomain.ChangeType(changeType)
	if err := json.Unmarshal(fields, &t.ChangedFieldIDs); err != nil {
		return nil, fmt.Errorf("invalid changed_field_ids in outbox row %s: %w", t.ID, err)
	}
	t.CreatedAt, t.UpdatedAt, t.NextRunAt = t.CreatedAt.UTC(), t.UpdatedAt.UTC(), t.NextRunAt.UTC()
	if lastError.Valid {
		t.LastError = &lastError.String
	}
	if lockedAt.Valid {
		at := lockedAt.Time.UTC()
		t.LockedAt = &at
	}
	if lockedBy.Valid {
		t.LockedBy = &lockedBy.String
	}
	return &t, nil
}

// withTx sigue el patrón de rollback diferido de los repositorios.
func (r *OutboxRepoPostgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, t *domain.OutboxTask) error {
	fields, err := json.Marshal(utils.SortedUnique(t.ChangedFieldIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal changed fields: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_tasks (`+taskColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NULL,NULL)`,
		t.ID, t.BaseID, t.SeedTableID, string(domain.StatusPending), string(t.ChangeType), fields,
		t.Attempts, t.MaxAttempts, t.LastError, t.PlanHash, t.RunID, t.GraphVersion,
		t.CreatedAt, t.UpdatedAt, t.NextRunAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox task: %w", err)
	}
	return nil
}

func insertSeedsTx(ctx context.Context, tx *sql.Tx, taskID uuid.UUID, tableID string, recordIDs []string) (int, error) {
	inserted := 0
	for _, rid := range utils.SortedUnique(recordIDs) {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO outbox_task_seeds (task_id, table_id, record_id) VALUES ($1,$2,$3)
			 ON CONFLICT (task_id, record_id) DO NOTHING`,
			taskID, tableID, rid)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert seed: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	return inserted, nil
}

// ------------------ Encolado ------------------

// Enqueue bloquea la candidata a fusión con FOR UPDATE para que un claim
// concurrente no la reclame a medio fusionar.
func (r *OutboxRepoPostgres) Enqueue(ctx context.Context, task *domain.OutboxTask, seedRecordIDs []string) (domain.EnqueueResult, error) {
	var result domain.EnqueueResult

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var (
			candidate uuid.UUID
			fields    []byte
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, changed_field_ids FROM outbox_tasks
			 WHERE plan_hash = $1 AND base_id = $2 AND seed_table_id = $3 AND status = 'pending' AND locked_by IS NULL
			   AND attempts = 0
			 ORDER BY created_at LIMIT 1 FOR UPDATE`,
			task.PlanHash, task.BaseID, task.SeedTableID,
		).Scan(&candidate, &fields)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := insertTaskTx(ctx, tx, task); err != nil {
				return err
			}
			n, err := insertSeedsTx(ctx, tx, task.ID, task.SeedTableID, seedRecordIDs)
			result = domain.EnqueueResult{TaskID: task.ID, NewSeeds: n}
			return err
		case err != nil:
			return err
		}

		var existing []string
		if err := json.Unmarshal(fields, &existing); err != nil {
			return fmt.Errorf("invalid changed_field_ids in outbox row %s: %w", candidate, err)
		}
		merged, _ := json.Marshal(utils.SortedUnique(append(existing, task.ChangedFieldIDs...)))

		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_tasks SET changed_field_ids = $1, updated_at = $2 WHERE id = $3`,
			merged, task.UpdatedAt, candidate); err != nil {
			return err
		}
		n, err := insertSeedsTx(ctx, tx, candidate, task.SeedTableID, seedRecordIDs)
		result = domain.EnqueueResult{TaskID: candidate, Merged: true, NewSeeds: n}
		return err
	})
	return result, err
}

// ------------------ Claim ------------------

func (r *OutboxRepoPostgres) Claim(ctx context.Context, req domain.ClaimRequest) ([]*domain.OutboxTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE outbox_tasks t
		 SET status = 'processing', locked_by = $1, locked_at = $2, updated_at = $2,
		     attempts = t.attempts + CASE WHEN t.status = 'processing' THEN 1 ELSE 0 END
		 FROM (
		     SELECT id FROM outbox_tasks
		     WHERE (status = 'pending' AND next_run_at <= $2) OR (status = 'processing' AND locked_at <= $3)
		     ORDER BY next_run_at, created_at
		     LIMIT $4
		     FOR UPDATE SKIP LOCKED
		 ) c
		 WHERE t.id = c.id
		 RETURNING t.id, t.base_id, t.seed_table_id, t.status, t.change_type, t.changed_field_ids, t.attempts,
		     t.max_attempts, t.last_error, t.plan_hash, t.run_id, t.graph_version, t.created_at, t.updated_at,
		     t.next_run_at, t.locked_at, t.locked_by`,
		req.WorkerID, req.Now, req.LeaseCutoff(), req.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*domain.OutboxTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, t)
	}
	return claimed, rows.Err()
}

func (r *OutboxRepoPostgres) Seeds(ctx context.Context, taskID uuid.UUID) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT record_id FROM outbox_task_seeds WHERE task_id = $1 ORDER BY record_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ------------------ Transiciones del worker ------------------

func (r *OutboxRepoPostgres) Complete(ctx context.Context, taskID uuid.UUID, lease domain.Lease, now time.Time) error {
	// Las semillas caen por ON DELETE CASCADE.
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox_tasks WHERE id = $1 AND status = 'processing' AND locked_by = $2 AND locked_at = $3`,
		taskID, lease.WorkerID, lease.LockedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrLockLost
	}
	return nil
}

func (r *OutboxRepoPostgres) Reschedule(ctx context.Context, task *domain.OutboxTask, lease domain.Lease, nextRunAt, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_tasks
		 SET status = 'pending', attempts = $1, last_error = $2, next_run_at = $3, updated_at = $4,
		     locked_at = NULL, locked_by = NULL
		 WHERE id = $5 AND status = 'processing' AND locked_by = $6 AND locked_at = $7`,
		task.Attempts, task.LastError, nextRunAt, now, task.ID, lease.WorkerID, lease.LockedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrLockLost
	}
	return nil
}

func (r *OutboxRepoPostgres) PromoteToDeadLetter(ctx context.Context, entry domain.DeadLetterEntry, lease domain.Lease) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM outbox_tasks WHERE id = $1 AND status = 'processing' AND locked_by = $2 AND locked_at = $3`,
			entry.ID, lease.WorkerID, lease.LockedAt)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrLockLost
		}
		return insertDeadLetterTx(ctx, tx, entry)
	})
}

func insertDeadLetterTx(ctx context.Context, tx *sql.Tx, e domain.DeadLetterEntry) error {
	fields, _ := json.Marshal(utils.SortedUnique(e.ChangedFieldIDs))
	seeds, err := json.Marshal(e.SeedRecordIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal seed snapshot: %w", err)
	}
	if e.TraceData == nil {
		e.TraceData = map[string]any{}
	}
	trace, err := json.Marshal(e.TraceData)
	if err != nil {
		return fmt.Errorf("failed to marshal trace data: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO dead_letters (id, base_id, seed_table_id, status, change_type, changed_field_ids, attempts,
		     max_attempts, last_error, plan_hash, run_id, graph_version, created_at, updated_at, next_run_at,
		     failed_at, seed_record_ids, trace_data)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.ID, e.BaseID, e.SeedTableID, string(domain.StatusFailed), string(e.ChangeType), fields,
		e.Attempts, e.MaxAttempts, e.LastError, e.PlanHash, e.RunID, e.GraphVersion,
		e.CreatedAt, e.UpdatedAt, e.NextRunAt, e.FailedAt, seeds, trace)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// ------------------ Operadores ------------------

func (r *OutboxRepoPostgres) GetTask(ctx context.Context, id uuid.UUID) (*domain.OutboxTask, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM outbox_tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	return t, err
}

func (r *OutboxRepoPostgres) ListTasks(ctx context.Context, p sharedQuery.OffsetPagination) ([]domain.TaskSummary, error) {
	p = p.Normalize()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+`, (SELECT COUNT(*) FROM outbox_task_seeds s WHERE s.task_id = outbox_tasks.id)
		 FROM outbox_tasks ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskSummary
	for rows.Next() {
		var count int
		t, err := scanTask(rows, &count)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.TaskSummary{OutboxTask: *t, SeedCount: count})
	}
	return out, rows.Err()
}

func (r *OutboxRepoPostgres) RetryNow(ctx context.Context, id uuid.UUID, now time.Time) (domain.TaskStatus, error) {
	var previous domain.TaskStatus

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT status FROM outbox_tasks WHERE id = $1 FOR UPDATE`, id).Scan(&previous)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if previous != domain.StatusPending && previous != domain.StatusProcessing {
			return domain.ErrTaskNotFound
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE outbox_tasks
			 SET status = 'pending', next_run_at = $1, updated_at = $1, locked_at = NULL, locked_by = NULL,
			     attempts = attempts + CASE WHEN status = 'processing' THEN 1 ELSE 0 END
			 WHERE id = $2`,
			now, id)
		return err
	})
	return previous, err
}

// ------------------ Dead letter ------------------

const deadLetterColumns = `id, base_id, seed_table_id, status, change_type, changed_field_ids, attempts, max_attempts,
	last_error, plan_hash, run_id, graph_version, created_at, updated_at, next_run_at, NULL::timestamptz, NULL::text,
	failed_at, seed_record_ids, trace_data`

func scanDeadLetter(row rowScanner) (*domain.DeadLetterEntry, error) {
	var (
		failed       time.Time
		seeds, trace []byte
	)
	t, err := scanTask(row, &failed, &seeds, &trace)
	if err != nil {
		return nil, err
	}
	e := &domain.DeadLetterEntry{OutboxTask: *t, FailedAt: failed.UTC()}
	if err := json.Unmarshal(seeds, &e.SeedRecordIDs); err != nil {
		return nil, fmt.Errorf("invalid seed snapshot in dead letter %s: %w", t.ID, err)
	}
	if err := json.Unmarshal(trace, &e.TraceData); err != nil {
		return nil, fmt.Errorf("invalid trace data in dead letter %s: %w", t.ID, err)
	}
	return e, nil
}

func (r *OutboxRepoPostgres) ListDeadLetters(ctx context.Context, p sharedQuery.OffsetPagination) ([]domain.DeadLetterEntry, error) {
	p = p.Normalize()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY failed_at DESC, id DESC LIMIT $1 OFFSET $2`,
		p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *OutboxRepoPostgres) GetDeadLetter(ctx context.Context, id uuid.UUID) (*domain.DeadLetterEntry, error) {
	e, err := scanDeadLetter(r.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDeadLetterNotFound
	}
	return e, err
}

func (r *OutboxRepoPostgres) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDeadLetterNotFound
	}
	return nil
}

func (r *OutboxRepoPostgres) RequeueDeadLetter(ctx context.Context, id uuid.UUID, task *domain.OutboxTask, seedRecordIDs []string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrDeadLetterNotFound
		}
		if err := insertTaskTx(ctx, tx, task); err != nil {
			return err
		}
		_, err = insertSeedsTx(ctx, tx, task.ID, task.SeedTableID, seedRecordIDs)
		return err
	})
}
