package postgres

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	sharedPostgres "github.com/davicafu/fieldflow/internal/shared/infra/platform/db/postgres"
	sharedQuery "github.com/davicafu/fieldflow/internal/shared/infra/platform/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupPostgresTestDB se conecta a Postgres, crea el esquema y limpia las tablas.
func setupPostgresTestDB(t *testing.T) *sql.DB {
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		t.Skip("DATABASE_URL no está configurada, saltando test de integración con Postgres")
	}

	db, err := sharedPostgres.Open(context.Background(), connStr)
	require.NoError(t, err)
	require.NoError(t, InitPostgres(context.Background(), db))

	// ❗ Limpiar las tablas antes de cada test para asegurar el aislamiento
	_, err = db.Exec(`TRUNCATE TABLE outbox_task_seeds, outbox_tasks, dead_letters`)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

func pgTask(records []string, fields ...string) (*domain.OutboxTask, []string) {
	seed := plannerDomain.ChangeSeed{BaseID: "base1", TableID: "orders", ChangeType: plannerDomain.RecordUpdate, RecordIDs: records, FieldIDs: fields}
	hash := plannerDomain.PlanHash(seed.BaseID, seed.ChangeType, seed.SeedIDs(), 1)
	now := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Second)
	return domain.NewTask(seed, hash, 1, 3, now), seed.SeedIDs()
}

func TestPostgresOutbox_EnqueueClaimComplete(t *testing.T) {
	// ARRANGE
	repo := NewOutboxRepoPostgres(setupPostgresTestDB(t))
	ctx := context.Background()
	first, seeds := pgTask([]string{"o1"}, "amount")
	second, _ := pgTask([]string{"o1", "o2"}, "note")
	second.PlanHash = first.PlanHash

	// ACT
	_, err := repo.Enqueue(ctx, first, seeds)
	require.NoError(t, err)
	res, err := repo.Enqueue(ctx, second, []string{"o1", "o2"})
	require.NoError(t, err)

	// ASSERT: fusionadas en la primera
	assert.True(t, res.Merged)
	assert.Equal(t, 1, res.NewSeeds)

	now := time.Now().UTC()
	claimed, err := repo.Claim(ctx, domain.ClaimRequest{WorkerID: "w1", Now: now, LeaseTimeout: time.Minute, Limit: 10})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, []string{"amount", "note"}, claimed[0].ChangedFieldIDs)

	lease := claimed[0].Lease()
	assert.ErrorIs(t, repo.Complete(ctx, first.ID, domain.Lease{WorkerID: "w2", LockedAt: lease.LockedAt}, now), domain.ErrLockLost)
	require.NoError(t, repo.Complete(ctx, first.ID, lease, now))
	_, err = repo.GetTask(ctx, first.ID)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestPostgresOutbox_BackoffTaskIsNotMergeTarget(t *testing.T) {
	repo := NewOutboxRepoPostgres(setupPostgresTestDB(t))
	ctx := context.Background()
	first, seeds := pgTask([]string{"o1"}, "amount")
	_, err := repo.Enqueue(ctx, first, seeds)
	require.NoError(t, err)
	now := time.Now().UTC()
	claimed, err := repo.Claim(ctx, domain.ClaimRequest{WorkerID: "w1", Now: now, LeaseTimeout: time.Minute, Limit: 1})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	claimed[0].Attempts = 1
	require.NoError(t, repo.Reschedule(ctx, claimed[0], claimed[0].Lease(), now.Add(time.Hour), now))

	second, _ := pgTask([]string{"o1"}, "note")
	second.PlanHash = first.PlanHash
	res, err := repo.Enqueue(ctx, second, seeds)

	require.NoError(t, err)
	assert.False(t, res.Merged)
	assert.Equal(t, second.ID, res.TaskID)
}

func TestPostgresOutbox_ClaimSkipsLockedRows(t *testing.T) {
	repo := NewOutboxRepoPostgres(setupPostgresTestDB(t))
	ctx := context.Background()
	task, seeds := pgTask([]string{"o1"})
	_, err := repo.Enqueue(ctx, task, seeds)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, w := range []string{"w1", "w2", "w3", "w4"} {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			claimed, err := repo.Claim(ctx, domain.ClaimRequest{WorkerID: worker, Now: time.Now().UTC(), LeaseTimeout: time.Minute, Limit: 1})
			assert.NoError(t, err)
			mu.Lock()
			total += len(claimed)
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1, total)
}

func TestPostgresOutbox_DeadLetterRoundTrip(t *testing.T) {
	repo := NewOutboxRepoPostgres(setupPostgresTestDB(t))
	ctx := context.Background()
	task, seeds := pgTask([]string{"o1", "o2"})
	_, err := repo.Enqueue(ctx, task, seeds)
	require.NoError(t, err)
	now := time.Now().UTC()
	claimed, err := repo.Claim(ctx, domain.ClaimRequest{WorkerID: "w1", Now: now, LeaseTimeout: time.Minute, Limit: 1})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	entry := domain.NewDeadLetterEntry(*claimed[0], seeds, map[string]any{"reason": "boom"}, now)
	require.NoError(t, repo.PromoteToDeadLetter(ctx, entry, claimed[0].Lease()))

	entries, err := repo.ListDeadLetters(ctx, sharedQuery.OffsetPagination{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"o1", "o2"}, entries[0].SeedRecordIDs)
	assert.Equal(t, "boom", entries[0].TraceData["reason"])

	require.NoError(t, repo.DeleteDeadLetter(ctx, task.ID))
	assert.ErrorIs(t, repo.DeleteDeadLetter(ctx, task.ID), domain.ErrDeadLetterNotFound)
}
