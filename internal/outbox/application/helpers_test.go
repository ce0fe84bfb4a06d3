package application

import (
	"testing"
	"time"

	graphApp "github.com/davicafu/fieldflow/internal/graph/application"
	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	"github.com/davicafu/fieldflow/internal/outbox/domain"
	plannerApp "github.com/davicafu/fieldflow/internal/planner/application"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	"github.com/davicafu/fieldflow/tests/mocks"
	"go.uber.org/zap"
)

const baseID = "base1"

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture monta el motor completo sobre dobles en memoria con un reloj manual.
type fixture struct {
	repo     *mocks.InMemoryOutboxRepo
	records  *mocks.InMemoryRecordStore
	fields   *mocks.InMemoryFieldRepo
	sink     *mocks.RecordingSink
	graphs   *graphApp.GraphService
	worker   *Worker
	changes  *ChangeService
	dead     *DeadLetterService
	operator *OperatorService
	now      time.Time
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	f := &fixture{
		repo:    mocks.NewInMemoryOutboxRepo(),
		records: mocks.OrdersRecords(),
		fields:  mocks.NewInMemoryFieldRepo(),
		sink:    &mocks.RecordingSink{},
		now:     t0,
	}
	clock := func() time.Time { return f.now }
	f.records.Now = clock
	f.fields.Seed(baseID, 1, mocks.OrdersFields()...)

	log := zap.NewNop()
	f.graphs = graphApp.NewGraphService(f.fields, nil, 0, log)
	planner := plannerApp.NewPlanner(plannerApp.Limits{MaxRecordsPerStep: 5000, MaxPlanRecords: 50000}, log)
	executor := NewExecutor(f.graphs, planner, f.records, log)

	f.worker = NewWorker(f.repo, executor, f.sink, nil,
		domain.BackoffPolicy{Base: time.Second, Max: time.Minute},
		WorkerConfig{WorkerID: "w1", PollInterval: time.Hour, BatchLimit: 10, LeaseTimeout: time.Minute},
		log).WithClock(clock)
	enqueuer := NewEnqueuer(f.repo, maxAttempts, log).WithClock(clock)
	f.changes = NewChangeService(f.graphs, planner, enqueuer, f.worker, log)
	f.dead = NewDeadLetterService(f.repo, f.worker, maxAttempts, log).WithClock(clock)
	f.operator = NewOperatorService(f.repo, f.worker, f.sink, log).WithClock(clock)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func amountUpdate(records ...string) plannerDomain.ChangeSeed {
	return plannerDomain.ChangeSeed{
		BaseID:     baseID,
		TableID:    "orders",
		ChangeType: plannerDomain.RecordUpdate,
		RecordIDs:  records,
		FieldIDs:   []string{"amount"},
	}
}

func taxField() graphDomain.FieldDefinition {
	return graphDomain.FieldDefinition{TableID: "orders", FieldID: "tax", Spec: graphDomain.FormulaSpec{Expression: "amount / 5"}}
}
