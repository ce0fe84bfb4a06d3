package application

import (
	"context"
	"testing"
	"time"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	sharedQuery "github.com/davicafu/fieldflow/internal/shared/infra/platform/query"
	"github.com/davicafu/fieldflow/tests/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// promote deja en dead-letter una tarea con las semillas dadas.
func promote(t *testing.T, repo *mocks.InMemoryOutboxRepo, now time.Time, records ...string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	seed := amountUpdate(records...)
	task := domain.NewTask(seed, "hash-"+records[0], 1, 3, now)
	_, err := repo.Enqueue(ctx, task, seed.SeedIDs())
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, domain.ClaimRequest{WorkerID: "w0", Now: now, LeaseTimeout: time.Minute, Limit: 1})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	claimed[0].Attempts = 3
	entry := domain.NewDeadLetterEntry(*claimed[0], seed.SeedIDs(), map[string]any{"failedStep": "orders.total"}, now)
	require.NoError(t, repo.PromoteToDeadLetter(ctx, entry, claimed[0].Lease()))
	return task.ID
}

func TestDeadLetter_ListNewestFirst(t *testing.T) {
	// ARRANGE
	repo := mocks.NewInMemoryOutboxRepo()
	older := promote(t, repo, t0, "o1")
	newer := promote(t, repo, t0.Add(time.Minute), "o2")
	svc := NewDeadLetterService(repo, nil, 3, zap.NewNop())

	// ACT
	entries, err := svc.List(context.Background(), sharedQuery.OffsetPagination{})

	// ASSERT
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, newer, entries[0].ID)
	assert.Equal(t, older, entries[1].ID)
	assert.Equal(t, 1, entries[0].SeedCount())
}

func TestDeadLetter_RetryCreatesFreshTaskFromSnapshot(t *testing.T) {
	repo := mocks.NewInMemoryOutboxRepo()
	id := promote(t, repo, t0, "o1", "o2")
	dispatcher := &mocks.CountingDispatcher{}
	later := t0.Add(time.Hour)
	svc := NewDeadLetterService(repo, dispatcher, 5, zap.NewNop()).WithClock(func() time.Time { return later })

	task, err := svc.Retry(context.Background(), id)

	require.NoError(t, err)
	assert.NotEqual(t, id, task.ID)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, 0, task.Attempts)
	assert.Equal(t, 5, task.MaxAttempts)
	assert.Equal(t, later, task.NextRunAt)
	assert.Equal(t, "hash-o1", task.PlanHash)
	assert.Equal(t, []string{"amount"}, task.ChangedFieldIDs)
	assert.Equal(t, []string{"o1", "o2"}, repo.TaskSeeds[task.ID])
	assert.Empty(t, repo.DeadLetters)
	assert.Equal(t, 1, dispatcher.Calls)
}

func TestDeadLetter_RetryUnknownEntry(t *testing.T) {
	svc := NewDeadLetterService(mocks.NewInMemoryOutboxRepo(), nil, 3, zap.NewNop())

	_, err := svc.Retry(context.Background(), uuid.New())

	assert.ErrorIs(t, err, domain.ErrDeadLetterNotFound)
}

func TestDeadLetter_Delete(t *testing.T) {
	repo := mocks.NewInMemoryOutboxRepo()
	id := promote(t, repo, t0, "o1")
	svc := NewDeadLetterService(repo, nil, 3, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, svc.Delete(ctx, id))

	_, err := svc.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrDeadLetterNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, id), domain.ErrDeadLetterNotFound)
}
