package application

import (
	"context"
	"testing"

	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	"github.com/davicafu/fieldflow/internal/outbox/domain"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	sharedQuery "github.com/davicafu/fieldflow/internal/shared/infra/platform/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_EnqueuesPendingTask(t *testing.T) {
	// ARRANGE
	f := newFixture(t, 3)

	// ACT
	res, err := f.changes.Submit(context.Background(), amountUpdate("o2", "o1"))

	// ASSERT
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.False(t, res.Merged)
	assert.Equal(t, plannerDomain.PlanHash(baseID, plannerDomain.RecordUpdate, []string{"o1", "o2"}, 1), res.PlanHash)

	task := f.repo.Task(res.TaskID)
	require.NotNil(t, task)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, 0, task.Attempts)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.Equal(t, f.now, task.NextRunAt)
	assert.Equal(t, int64(1), task.GraphVersion)
	assert.Equal(t, []string{"o1", "o2"}, f.repo.TaskSeeds[res.TaskID])
	assert.Len(t, f.worker.dispatch, 1, "el worker queda avisado")
}

func TestSubmit_CoalescesIdenticalSeedSets(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	first := amountUpdate("o1")
	second := amountUpdate("o1")
	second.FieldIDs = []string{"amount", "total"}

	a, err := f.changes.Submit(ctx, first)
	require.NoError(t, err)
	b, err := f.changes.Submit(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, a.PlanHash, b.PlanHash)
	assert.True(t, b.Merged)
	assert.Equal(t, a.TaskID, b.TaskID)

	tasks, err := f.operator.ListTasks(ctx, sharedQuery.OffsetPagination{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, []string{"amount", "total"}, tasks[0].ChangedFieldIDs)
	assert.Equal(t, 1, tasks[0].SeedCount)
}

func TestSubmit_DifferentSeedsDoNotCoalesce(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	a, err := f.changes.Submit(ctx, amountUpdate("o1"))
	require.NoError(t, err)
	b, err := f.changes.Submit(ctx, amountUpdate("o2"))
	require.NoError(t, err)

	assert.NotEqual(t, a.PlanHash, b.PlanHash)
	assert.NotEqual(t, a.TaskID, b.TaskID)
	assert.Len(t, f.repo.Tasks, 2)
}

func TestSubmit_SkipsWhenNothingComputedDepends(t *testing.T) {
	f := newFixture(t, 3)
	seed := plannerDomain.ChangeSeed{BaseID: baseID, TableID: "customers", ChangeType: plannerDomain.RecordUpdate,
		RecordIDs: []string{"c1"}, FieldIDs: []string{"name"}}

	res, err := f.changes.Submit(context.Background(), seed)

	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, f.repo.Tasks)
}

func TestSubmit_FieldLevelChangeUsesAllRecordsMarker(t *testing.T) {
	f := newFixture(t, 3)
	seed := plannerDomain.ChangeSeed{BaseID: baseID, TableID: "orders", ChangeType: plannerDomain.FieldConvert,
		FieldIDs: []string{"amount"}}

	res, err := f.changes.Submit(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, []string{plannerDomain.AllRecords}, f.repo.TaskSeeds[res.TaskID])

	summary, err := f.worker.RunOnce(context.Background(), "w1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Done)
}

func TestSubmit_RejectsUnknownTable(t *testing.T) {
	f := newFixture(t, 3)
	seed := plannerDomain.ChangeSeed{BaseID: baseID, TableID: "ghosts", ChangeType: plannerDomain.RecordCreate,
		RecordIDs: []string{"g1"}}

	_, err := f.changes.Submit(context.Background(), seed)

	assert.ErrorIs(t, err, graphDomain.ErrUnknownReference)
	assert.Empty(t, f.repo.Tasks)
}

func TestSubmit_RejectsInvalidSeed(t *testing.T) {
	f := newFixture(t, 3)
	seed := plannerDomain.ChangeSeed{BaseID: baseID, TableID: "orders", ChangeType: plannerDomain.RecordUpdate}

	_, err := f.changes.Submit(context.Background(), seed)

	assert.ErrorIs(t, err, plannerDomain.ErrInvalidSeed)
}
