package application

import (
	"context"
	"testing"
	"time"

	"github.com/davicafu/fieldflow/internal/explain/domain"
	graphApp "github.com/davicafu/fieldflow/internal/graph/application"
	outboxDomain "github.com/davicafu/fieldflow/internal/outbox/domain"
	plannerApp "github.com/davicafu/fieldflow/internal/planner/application"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	recordDomain "github.com/davicafu/fieldflow/internal/record/domain"
	"github.com/davicafu/fieldflow/tests/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type explainFixture struct {
	svc     *ExplainService
	records *mocks.InMemoryRecordStore
	outbox  *mocks.InMemoryOutboxRepo
}

func newExplainFixture(t *testing.T) *explainFixture {
	t.Helper()
	fields := mocks.NewInMemoryFieldRepo()
	fields.Seed("base1", 1, mocks.OrdersFields()...)
	records := mocks.OrdersRecords()
	records.Now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	outbox := mocks.NewInMemoryOutboxRepo()

	log := zap.NewNop()
	graphs := graphApp.NewGraphService(fields, nil, 0, log)
	planner := plannerApp.NewPlanner(plannerApp.Limits{MaxRecordsPerStep: 5000, MaxPlanRecords: 50000}, log)
	return &explainFixture{
		svc:     NewExplainService(graphs, planner, records, outbox, log),
		records: records,
		outbox:  outbox,
	}
}

func amountUpdate(ids ...string) plannerDomain.ChangeSeed {
	return plannerDomain.ChangeSeed{BaseID: "base1", TableID: "orders", ChangeType: plannerDomain.RecordUpdate,
		RecordIDs: ids, FieldIDs: []string{"amount"}}
}

func TestExplainSeed_WithoutAnalyzePerformsNoWrites(t *testing.T) {
	// ARRANGE
	f := newExplainFixture(t)
	before := f.records.Snapshot()

	// ACT
	res, err := f.svc.ExplainSeed(context.Background(), amountUpdate("o1"), domain.DefaultOptions())

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, plannerDomain.PlanHash("base1", plannerDomain.RecordUpdate, []string{"o1"}, 1), res.PlanHash)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "total", res.Steps[0].FieldID)
	assert.Equal(t, "spent", res.Steps[1].FieldID)
	assert.Equal(t, []string{"c1"}, res.Steps[1].RecordIDs)
	assert.NotEmpty(t, res.Edges)
	assert.Len(t, res.Operations, 2)
	assert.Len(t, res.Locks, 2)
	assert.Equal(t, domain.LevelMedium, res.Complexity.Level)
	assert.InDelta(t, 19.77, res.Complexity.Score, 0.01)
	assert.Nil(t, res.Analysis)

	assert.Zero(t, f.records.Writes)
	assert.Equal(t, before, f.records.Snapshot(), "ningún updatedAt cambia")
}

func TestExplainSeed_OmitsUnrequestedSections(t *testing.T) {
	f := newExplainFixture(t)

	res, err := f.svc.ExplainSeed(context.Background(), amountUpdate("o1"), domain.Options{})

	require.NoError(t, err)
	assert.NotEmpty(t, res.Steps)
	assert.Nil(t, res.Edges)
	assert.Nil(t, res.Operations)
	assert.Nil(t, res.Locks)
}

func TestExplainSeed_AnalyzeRollsBack(t *testing.T) {
	f := newExplainFixture(t)
	before := f.records.Snapshot()
	opts := domain.DefaultOptions()
	opts.Analyze = true

	res, err := f.svc.ExplainSeed(context.Background(), amountUpdate("o1"), opts)

	require.NoError(t, err)
	require.NotNil(t, res.Analysis)
	assert.True(t, res.Analysis.RolledBack)
	assert.Equal(t, 2, res.Analysis.RowsWritten)
	require.Len(t, res.Analysis.Steps, 2)
	assert.Equal(t, 1, res.Analysis.Steps[0].Written)
	assert.Empty(t, res.Analysis.Error)

	assert.Zero(t, f.records.Writes)
	assert.Equal(t, before, f.records.Snapshot())
}

func TestExplainSeed_AnalyzeReportsStepFailure(t *testing.T) {
	f := newExplainFixture(t)
	f.svc.records = failingDryRun{f.records}

	res, err := f.svc.ExplainSeed(context.Background(), amountUpdate("o1"), domain.Options{Analyze: true})

	require.NoError(t, err)
	require.NotNil(t, res.Analysis)
	assert.Contains(t, res.Analysis.Error, "orders.total")
	assert.Len(t, res.Analysis.Steps, 1)
	assert.Zero(t, res.Analysis.RowsWritten)
}

func TestExplainSeed_AnalyzeNeedsDryRunner(t *testing.T) {
	f := newExplainFixture(t)
	f.svc.records = plainStore{f.records}

	_, err := f.svc.ExplainSeed(context.Background(), amountUpdate("o1"), domain.Options{Analyze: true})

	assert.ErrorIs(t, err, recordDomain.ErrDryRunUnsupported)
}

func TestExplainTask_UsesTaskSeeds(t *testing.T) {
	f := newExplainFixture(t)
	ctx := context.Background()
	seed := amountUpdate("o2")
	hash := plannerDomain.PlanHash("base1", seed.ChangeType, seed.SeedIDs(), 1)
	task := outboxDomain.NewTask(seed, hash, 1, 3, time.Now())
	_, err := f.outbox.Enqueue(ctx, task, seed.SeedIDs())
	require.NoError(t, err)

	res, err := f.svc.ExplainTask(ctx, task.ID, domain.DefaultOptions())

	require.NoError(t, err)
	assert.Equal(t, hash, res.PlanHash)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, []string{"c1", "c2"}, res.Steps[1].RecordIDs)
}

func TestExplainTask_NotFound(t *testing.T) {
	f := newExplainFixture(t)

	_, err := f.svc.ExplainTask(context.Background(), uuid.New(), domain.DefaultOptions())

	assert.ErrorIs(t, err, outboxDomain.ErrTaskNotFound)
}

// plainStore oculta DryRun del almacén envuelto.
type plainStore struct {
	recordDomain.RecordStore
}

// failingDryRun ejecuta el dry-run sobre un almacén cuyas escrituras fallan.
type failingDryRun struct {
	*mocks.InMemoryRecordStore
}

func (s failingDryRun) DryRun(ctx context.Context, fn func(ctx context.Context, store recordDomain.RecordStore) error) error {
	return s.InMemoryRecordStore.DryRun(ctx, func(ctx context.Context, store recordDomain.RecordStore) error {
		return fn(ctx, failingWrites{store})
	})
}

type failingWrites struct {
	recordDomain.RecordStore
}

func (failingWrites) WriteFieldValues(ctx context.Context, tableID, fieldID string, values map[string]any) (int, error) {
	return 0, assert.AnError
}
