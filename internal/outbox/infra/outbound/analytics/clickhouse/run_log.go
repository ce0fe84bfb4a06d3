package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
)

// RunLogRepo guarda el historial de ejecuciones del worker en ClickHouse.
type RunLogRepo struct {
	db *sql.DB
}

// NewRunLogRepo abre la conexión y comprueba que responde.
func NewRunLogRepo(addr, dbName string) (*RunLogRepo, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: dbName,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("could not ping clickhouse: %w", err)
	}
	return &RunLogRepo{db: conn}, nil
}

// NewRunLogRepoFromDB envuelve una conexión ya abierta.
func NewRunLogRepoFromDB(db *sql.DB) *RunLogRepo {
	return &RunLogRepo{db: db}
}

func (r *RunLogRepo) Close() error {
	return r.db.Close()
}

// LogRuns inserta el lote en una sola transacción; si una fila falla, no se
// inserta ninguna.
func (r *RunLogRepo) LogRuns(ctx context.Context, runs []domain.RunRecord) error {
	if len(runs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO fieldflow_runs
		(task_id, base_id, plan_hash, run_id, worker_id, outcome, attempts, steps, rows_written, stale, error, duration_ms, finished_at)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, run := range runs {
		if _, err := stmt.ExecContext(ctx,
			run.TaskID,
			run.BaseID,
			run.PlanHash,
			run.RunID,
			run.WorkerID,
			string(run.Outcome),
			uint32(run.Attempts),
			uint32(run.Steps),
			uint64(run.RowsWritten),
			run.Stale,
			run.Error,
			run.Duration.Milliseconds(),
			run.FinishedAt,
		); err != nil {
			return fmt.Errorf("failed to exec statement for task %s: %w", run.TaskID, err)
		}
	}
	return tx.Commit()
}

// OutcomeCount es una fila del resumen diario por resultado.
type OutcomeCount struct {
	Day     time.Time
	Outcome domain.Outcome
	Runs    uint64
	AvgMs   float64
}

// DailyOutcomes agrega las ejecuciones por día y resultado.
func (r *RunLogRepo) DailyOutcomes(ctx context.Context, start, end time.Time) ([]OutcomeCount, error) {
	query := `
		SELECT
			toStartOfDay(finished_at) AS day,
			outcome,
			count() AS runs,
			avg(duration_ms) AS avg_ms
		FROM fieldflow_runs
		WHERE finished_at BETWEEN ? AND ?
		GROUP BY day, outcome
		ORDER BY day, outcome
	`
	rows, err := r.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeCount
	for rows.Next() {
		var c OutcomeCount
		var outcome string
		if err := rows.Scan(&c.Day, &outcome, &c.Runs, &c.AvgMs); err != nil {
			return nil, err
		}
		c.Outcome = domain.Outcome(outcome)
		out = append(out, c)
	}
	return out, rows.Err()
}

// InitSchema crea la tabla si no existe. Se particiona por mes y se ordena por
// base para que las consultas por base lean poco.
func (r *RunLogRepo) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS fieldflow_runs (
			task_id      UUID,
			base_id      String,
			plan_hash    String,
			run_id       String,
			worker_id    String,
			outcome      LowCardinality(String),
			attempts     UInt32,
			steps        UInt32,
			rows_written UInt64,
			stale        Bool,
			error        String,
			duration_ms  Int64,
			finished_at  DateTime64(3)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(finished_at)
		ORDER BY (base_id, outcome, finished_at);
	`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

var _ domain.RunLogger = (*RunLogRepo)(nil)
