package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	sharedSQLite "github.com/davicafu/fieldflow/internal/shared/infra/platform/db/sqlite"
	sharedQuery "github.com/davicafu/fieldflow/internal/shared/infra/platform/query"
	"github.com/davicafu/fieldflow/internal/shared/infra/utils"
	"github.com/google/uuid"
)

// OutboxRepoSQLite implementa OutboxRepository y DeadLetterRepository.
// Los instantes se guardan como nanosegundos Unix para comparar con enteros.
type OutboxRepoSQLite struct {
	db *sql.DB
}

var (
	_ domain.OutboxRepository     = (*OutboxRepoSQLite)(nil)
	_ domain.DeadLetterRepository = (*OutboxRepoSQLite)(nil)
)

func NewOutboxRepoSQLite(db *sql.DB) *OutboxRepoSQLite {
	return &OutboxRepoSQLite{db: db}
}

// ------------------ Inicialización de DB ------------------

// InitSQLite crea las tablas del outbox y del dead-letter si no existen.
func InitSQLite(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox_tasks (
            id TEXT PRIMARY KEY,
            base_id TEXT NOT NULL,
            seed_table_id TEXT NOT NULL,
            status TEXT NOT NULL,
            change_type TEXT NOT NULL,
            changed_field_ids TEXT NOT NULL DEFAULT '[]',
            attempts INTEGER NOT NULL DEFAULT 0,
            max_attempts INTEGER NOT NULL,
            last_error TEXT,
            plan_hash TEXT NOT NULL,
            run_id TEXT NOT NULL,
            graph_version INTEGER NOT NULL,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            next_run_at INTEGER NOT NULL,
            locked_at INTEGER,
            locked_by TEXT
        )`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_tasks_claim ON outbox_tasks (status, next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_tasks_plan_hash ON outbox_tasks (plan_hash)`,
		`CREATE TABLE IF NOT EXISTS outbox_task_seeds (
            task_id TEXT NOT NULL REFERENCES outbox_tasks(id) ON DELETE CASCADE,
            table_id TEXT NOT NULL,
            record_id TEXT NOT NULL,
            PRIMARY KEY (task_id, record_id)
        )`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
            id TEXT PRIMARY KEY,
            base_id TEXT NOT NULL,
            seed_table_id TEXT NOT NULL,
            status TEXT NOT NULL,
            change_type TEXT NOT NULL,
            changed_field_ids TEXT NOT NULL DEFAULT '[]',
            attempts INTEGER NOT NULL,
            max_attempts INTEGER NOT NULL,
            last_error TEXT,
            plan_hash TEXT NOT NULL,
            run_id TEXT NOT NULL,
            graph_version INTEGER NOT NULL,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            next_run_at INTEGER NOT NULL,
            failed_at INTEGER NOT NULL,
            seed_record_ids TEXT NOT NULL,
            trace_data TEXT NOT NULL DEFAULT '{}'
        )`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
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

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func scanTask(row rowScanner, extra ...any) (*domain.OutboxTask, error) {
	var (
		t                      domain.OutboxTask
		id, changeType, fields string
		lastError, lockedBy    sql.NullString
		created, updated, next int64
		lockedAt               sql.NullInt64
	)
	dest := []any{&id, &t.BaseID, &t.SeedTableID, &t.Status, &changeType, &fields, &t.Attempts, &t.MaxAttempts,
		&lastError, &t.PlanHash, &t.RunID, &t.GraphVersion, &created, &updated, &next, &lockedAt, &lockedBy}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID in outbox row: %w", err)
	}
	t.ID = parsed
	t.ChangeType = plannerDomain.ChangeType(changeType)
	if err := json.Unmarshal([]byte(fields), &t.ChangedFieldIDs); err != nil {
		return nil, fmt.Errorf("invalid changed_field_ids in outbox row %s: %w", id, err)
	}
	t.CreatedAt, t.UpdatedAt, t.NextRunAt = fromNanos(created), fromNanos(updated), fromNanos(next)
	if lastError.Valid {
		t.LastError = &lastError.String
	}
	if lockedAt.Valid {
		at := fromNanos(lockedAt.Int64)
		t.LockedAt = &at
	}
	if lockedBy.Valid {
		t.LockedBy = &lockedBy.String
	}
	return &t, nil
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, t *domain.OutboxTask) error {
	fields, err := json.Marshal(utils.SortedUnique(t.ChangedFieldIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal changed fields: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_tasks (`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULL,NULL)`,
		t.ID.String(), t.BaseID, t.SeedTableID, string(domain.StatusPending), string(t.ChangeType), string(fields),
		t.Attempts, t.MaxAttempts, t.LastError, t.PlanHash, t.RunID, t.GraphVersion,
		toNanos(t.CreatedAt), toNanos(t.UpdatedAt), toNanos(t.NextRunAt))
	if err != nil {
		return fmt.Errorf("failed to insert outbox task: %w", err)
	}
	return nil
}

// insertSeedsTx devuelve cuántas semillas eran nuevas.
func insertSeedsTx(ctx context.Context, tx *sql.Tx, taskID uuid.UUID, tableID string, recordIDs []string) (int, error) {
	inserted := 0
	for _, rid := range utils.SortedUnique(recordIDs) {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO outbox_task_seeds (task_id, table_id, record_id) VALUES (?,?,?)`,
			taskID.String(), tableID, rid)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert seed: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	return inserted, nil
}

// ------------------ Encolado ------------------

func (r *OutboxRepoSQLite) Enqueue(ctx context.Context, task *domain.OutboxTask, seedRecordIDs []string) (domain.EnqueueResult, error) {
	var result domain.EnqueueResult

	err := sharedSQLite.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var (
			candidate string
			fields    string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, changed_field_ids FROM outbox_tasks
			 WHERE plan_hash = ? AND base_id = ? AND seed_table_id = ? AND status = ? AND locked_by IS NULL
			   AND attempts = 0
			 ORDER BY created_at LIMIT 1`,
			task.PlanHash, task.BaseID, task.SeedTableID, string(domain.StatusPending),
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

		id, err := uuid.Parse(candidate)
		if err != nil {
			return fmt.Errorf("invalid UUID in outbox row: %w", err)
		}

		var existing []string
		if err := json.Unmarshal([]byte(fields), &existing); err != nil {
			return fmt.Errorf("invalid changed_field_ids in outbox row %s: %w", candidate, err)
		}
		merged, _ := json.Marshal(utils.SortedUnique(append(existing, task.ChangedFieldIDs...)))

		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_tasks SET changed_field_ids = ?, updated_at = ? WHERE id = ?`,
			string(merged), toNanos(task.UpdatedAt), candidate); err != nil {
			return err
		}
		n, err := insertSeedsTx(ctx, tx, id, task.SeedTableID, seedRecordIDs)
		result = domain.EnqueueResult{TaskID: id, Merged: true, NewSeeds: n}
		return err
	})
	return result, err
}

// ------------------ Claim ------------------

// Claim hace una actualización condicional por candidata. La misma condición
// del SELECT se repite en el UPDATE: si otro worker ganó la fila entre medias,
// RowsAffected es 0 y la candidata se descarta.
func (r *OutboxRepoSQLite) Claim(ctx context.Context, req domain.ClaimRequest) ([]*domain.OutboxTask, error) {
	now, cutoff := toNanos(req.Now), toNanos(req.LeaseCutoff())

	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM outbox_tasks
		 WHERE (status = 'pending' AND next_run_at <= ?) OR (status = 'processing' AND locked_at <= ?)
		 ORDER BY next_run_at, created_at LIMIT ?`,
		now, cutoff, req.Limit)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []*domain.OutboxTask
	for _, id := range candidates {
		res, err := r.db.ExecContext(ctx,
			`UPDATE outbox_tasks
			 SET status = 'processing', locked_by = ?, locked_at = ?, updated_at = ?,
			     attempts = attempts + CASE WHEN status = 'processing' THEN 1 ELSE 0 END
			 WHERE id = ? AND ((status = 'pending' AND next_run_at <= ?) OR (status = 'processing' AND locked_at <= ?))`,
			req.WorkerID, now, now, id, now, cutoff)
		if err != nil {
			return claimed, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}

		t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM outbox_tasks WHERE id = ?`, id))
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

func (r *OutboxRepoSQLite) Seeds(ctx context.Context, taskID uuid.UUID) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT record_id FROM outbox_task_seeds WHERE task_id = ? ORDER BY record_id`, taskID.String())
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

func (r *OutboxRepoSQLite) Complete(ctx context.Context, taskID uuid.UUID, lease domain.Lease, now time.Time) error {
	return sharedSQLite.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM outbox_tasks WHERE id = ? AND status = 'processing' AND locked_by = ? AND locked_at = ?`,
			taskID.String(), lease.WorkerID, toNanos(lease.LockedAt))
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrLockLost
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM outbox_task_seeds WHERE task_id = ?`, taskID.String())
		return err
	})
}

func (r *OutboxRepoSQLite) Reschedule(ctx context.Context, task *domain.OutboxTask, lease domain.Lease, nextRunAt, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_tasks
		 SET status = 'pending', attempts = ?, last_error = ?, next_run_at = ?, updated_at = ?,
		     locked_at = NULL, locked_by = NULL
		 WHERE id = ? AND status = 'processing' AND locked_by = ? AND locked_at = ?`,
		task.Attempts, task.LastError, toNanos(nextRunAt), toNanos(now), task.ID.String(),
		lease.WorkerID, toNanos(lease.LockedAt))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrLockLost
	}
	return nil
}

func (r *OutboxRepoSQLite) PromoteToDeadLetter(ctx context.Context, entry domain.DeadLetterEntry, lease domain.Lease) error {
	return sharedSQLite.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM outbox_tasks WHERE id = ? AND status = 'processing' AND locked_by = ? AND locked_at = ?`,
			entry.ID.String(), lease.WorkerID, toNanos(lease.LockedAt))
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrLockLost
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_task_seeds WHERE task_id = ?`, entry.ID.String()); err != nil {
			return err
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
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID.String(), e.BaseID, e.SeedTableID, string(domain.StatusFailed), string(e.ChangeType), string(fields),
		e.Attempts, e.MaxAttempts, e.LastError, e.PlanHash, e.RunID, e.GraphVersion,
		toNanos(e.CreatedAt), toNanos(e.UpdatedAt), toNanos(e.NextRunAt),
		toNanos(e.FailedAt), string(seeds), string(trace))
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// ------------------ Operadores ------------------

func (r *OutboxRepoSQLite) GetTask(ctx context.Context, id uuid.UUID) (*domain.OutboxTask, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM outbox_tasks WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	return t, err
}

func (r *OutboxRepoSQLite) ListTasks(ctx context.Context, p sharedQuery.OffsetPagination) ([]domain.TaskSummary, error) {
	p = p.Normalize()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+`, (SELECT COUNT(*) FROM outbox_task_seeds s WHERE s.task_id = outbox_tasks.id)
		 FROM outbox_tasks ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
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

func (r *OutboxRepoSQLite) RetryNow(ctx context.Context, id uuid.UUID, now time.Time) (domain.TaskStatus, error) {
	var previous domain.TaskStatus

	err := sharedSQLite.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT status FROM outbox_tasks WHERE id = ?`, id.String()).Scan(&previous)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if previous != domain.StatusPending && previous != domain.StatusProcessing {
			return domain.ErrTaskNotFound
		}

		// Soltar un lock sin completar exige contar el intento.
		_, err = tx.ExecContext(ctx,
			`UPDATE outbox_tasks
			 SET status = 'pending', next_run_at = ?, updated_at = ?, locked_at = NULL, locked_by = NULL,
			     attempts = attempts + CASE WHEN status = 'processing' THEN 1 ELSE 0 END
			 WHERE id = ?`,
			toNanos(now), toNanos(now), id.String())
		return err
	})
	return previous, err
}

// ------------------ Dead letter ------------------

const deadLetterColumns = `id, base_id, seed_table_id, status, change_type, changed_field_ids, attempts, max_attempts,
	last_error, plan_hash, run_id, graph_version, created_at, updated_at, next_run_at, NULL, NULL,
	failed_at, seed_record_ids, trace_data`

func scanDeadLetter(row rowScanner) (*domain.DeadLetterEntry, error) {
	var (
		failed       int64
		seeds, trace string
	)
	t, err := scanTask(row, &failed, &seeds, &trace)
	if err != nil {
		return nil, err
	}
	e := &domain.DeadLetterEntry{OutboxTask: *t, FailedAt: fromNanos(failed)}
	if err := json.Unmarshal([]byte(seeds), &e.SeedRecordIDs); err != nil {
		return nil, fmt.Errorf("invalid seed snapshot in dead letter %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(trace), &e.TraceData); err != nil {
		return nil, fmt.Errorf("invalid trace data in dead letter %s: %w", t.ID, err)
	}
	return e, nil
}

func (r *OutboxRepoSQLite) ListDeadLetters(ctx context.Context, p sharedQuery.OffsetPagination) ([]domain.DeadLetterEntry, error) {
	p = p.Normalize()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY failed_at DESC, id DESC LIMIT ? OFFSET ?`,
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

func (r *OutboxRepoSQLite) GetDeadLetter(ctx context.Context, id uuid.UUID) (*domain.DeadLetterEntry, error) {
	e, err := scanDeadLetter(r.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDeadLetterNotFound
	}
	return e, err
}

func (r *OutboxRepoSQLite) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDeadLetterNotFound
	}
	return nil
}

func (r *OutboxRepoSQLite) RequeueDeadLetter(ctx context.Context, id uuid.UUID, task *domain.OutboxTask, seedRecordIDs []string) error {
	return sharedSQLite.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id.String())
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
