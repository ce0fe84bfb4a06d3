package application

import (
	"context"
	"fmt"
	"testing"

	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	"github.com/davicafu/fieldflow/internal/planner/domain"
	"github.com/davicafu/fieldflow/tests/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func ordersGraph(t *testing.T) *graphDomain.Graph {
	t.Helper()
	g, err := graphDomain.Build("base1", 3, mocks.OrdersFields())
	require.NoError(t, err)
	return g
}

func defaultPlanner() *Planner {
	return NewPlanner(Limits{MaxRecordsPerStep: 5000, MaxPlanRecords: 50000}, zap.NewNop())
}

func update(ids ...string) domain.ChangeSeed {
	return domain.ChangeSeed{BaseID: "base1", TableID: "orders", ChangeType: domain.RecordUpdate, RecordIDs: ids, FieldIDs: []string{"amount"}}
}

func TestPlan_FormulaThenRollupThroughLink(t *testing.T) {
	// ARRANGE
	g := ordersGraph(t)
	store := mocks.OrdersRecords()

	// ACT
	plan, err := defaultPlanner().Plan(context.Background(), g, update("o1"), store)

	// ASSERT
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, domain.Step{TableID: "orders", FieldID: "total", Kind: graphDomain.KindFormula, RecordIDs: []string{"o1"}, Depth: 1}, plan.Steps[0])
	assert.Equal(t, domain.Step{TableID: "customers", FieldID: "spent", Kind: graphDomain.KindRollup, RecordIDs: []string{"c1"}, Depth: 2}, plan.Steps[1])
	assert.False(t, plan.Coarsened)
	assert.Equal(t, int64(3), plan.GraphVersion)
	assert.Equal(t, domain.PlanHash("base1", domain.RecordUpdate, []string{"o1"}, 3), plan.Hash)
	assert.Equal(t, 2, plan.EstimatedRows)
	assert.NoError(t, plan.Validate())
}

func TestPlan_FanOutToEveryLinkingRecord(t *testing.T) {
	plan, err := defaultPlanner().Plan(context.Background(), ordersGraph(t), update("o2"), mocks.OrdersRecords())

	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, []string{"c1", "c2"}, plan.Steps[1].RecordIDs)
}

func TestPlan_StepsNeverPrecedeTheirDependencies(t *testing.T) {
	plan, err := defaultPlanner().Plan(context.Background(), ordersGraph(t), update("o1", "o2"), mocks.OrdersRecords())
	require.NoError(t, err)

	pos := make(map[graphDomain.NodeKey]int)
	for i, s := range plan.Steps {
		pos[s.Key()] = i
	}
	for _, e := range plan.Edges {
		from, okFrom := pos[e.From]
		to, okTo := pos[e.To]
		if okFrom && okTo {
			assert.Less(t, from, to)
		}
	}
}

func TestPlan_CoarsensStepOverLimit(t *testing.T) {
	p := NewPlanner(Limits{MaxRecordsPerStep: 1, MaxPlanRecords: 50000}, zap.NewNop())

	plan, err := p.Plan(context.Background(), ordersGraph(t), update("o2"), mocks.OrdersRecords())

	require.NoError(t, err)
	assert.True(t, plan.Coarsened)
	assert.True(t, plan.Steps[1].AllRecords)
	assert.Nil(t, plan.Steps[1].RecordIDs)
	// el paso sobre orders sigue siendo exacto
	assert.Equal(t, []string{"o2"}, plan.Steps[0].RecordIDs)
	assert.Equal(t, 1+3, plan.EstimatedRows)
}

// fanOutResolver enlaza cada pedido con perRecord clientes y cuenta llamadas.
type fanOutResolver struct {
	perRecord int
	calls     int
	returned  int
}

func (r *fanOutResolver) LinkedRecordIDs(ctx context.Context, tableID, linkFieldID string, foreignIDs []string) ([]string, error) {
	r.calls++
	out := make([]string, 0, len(foreignIDs)*r.perRecord)
	for _, id := range foreignIDs {
		for i := 0; i < r.perRecord; i++ {
			out = append(out, fmt.Sprintf("%s-c%d", id, i))
		}
	}
	r.returned += len(out)
	return out, nil
}

func TestPlan_StopsResolvingLinksOnceStepIsOverLimit(t *testing.T) {
	// ARRANGE: 1500 pedidos con 10 clientes cada uno y un límite de 2000
	ids := make([]string, 1500)
	for i := range ids {
		ids[i] = fmt.Sprintf("o%04d", i)
	}
	resolver := &fanOutResolver{perRecord: 10}
	p := NewPlanner(Limits{MaxRecordsPerStep: 2000, MaxPlanRecords: 50000}, zap.NewNop())

	// ACT
	plan, err := p.Plan(context.Background(), ordersGraph(t), update(ids...), resolver)

	// ASSERT: basta el primer lote para pasar el límite
	require.NoError(t, err)
	assert.True(t, plan.Coarsened)
	require.Len(t, plan.Steps, 2)
	assert.Len(t, plan.Steps[0].RecordIDs, 1500)
	assert.True(t, plan.Steps[1].AllRecords)
	assert.Nil(t, plan.Steps[1].RecordIDs)
	assert.Equal(t, 1, resolver.calls)
	assert.Equal(t, linkBatchSize*10, resolver.returned)
}

func TestPlan_CoarsensWholePlanOverLimit(t *testing.T) {
	p := NewPlanner(Limits{MaxRecordsPerStep: 5000, MaxPlanRecords: 2}, zap.NewNop())

	plan, err := p.Plan(context.Background(), ordersGraph(t), update("o2"), mocks.OrdersRecords())

	require.NoError(t, err)
	assert.True(t, plan.Coarsened)
	for _, s := range plan.Steps {
		assert.True(t, s.AllRecords, s.Key().String())
	}
}

func TestPlan_DeleteSkipsDeletedRecords(t *testing.T) {
	seed := domain.ChangeSeed{BaseID: "base1", TableID: "orders", ChangeType: domain.RecordDelete, RecordIDs: []string{"o1"}}

	plan, err := defaultPlanner().Plan(context.Background(), ordersGraph(t), seed, mocks.OrdersRecords())

	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "spent", plan.Steps[0].FieldID)
	assert.Equal(t, []string{"c1"}, plan.Steps[0].RecordIDs)
}

func TestPlan_RecordCreateComputesOwnFields(t *testing.T) {
	seed := domain.ChangeSeed{BaseID: "base1", TableID: "customers", ChangeType: domain.RecordCreate, RecordIDs: []string{"c9"}}

	plan, err := defaultPlanner().Plan(context.Background(), ordersGraph(t), seed, mocks.OrdersRecords())

	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, []string{"c9"}, plan.Steps[0].RecordIDs)
}

func TestPlan_FieldLevelChangeCoversAllRecords(t *testing.T) {
	seed := domain.ChangeSeed{BaseID: "base1", TableID: "orders", ChangeType: domain.FieldConvert, FieldIDs: []string{"total"}}

	plan, err := defaultPlanner().Plan(context.Background(), ordersGraph(t), seed, mocks.OrdersRecords())

	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.True(t, plan.Steps[0].AllRecords)
	assert.True(t, plan.Steps[1].AllRecords)
	assert.False(t, plan.Coarsened)
	assert.Equal(t, []string{domain.AllRecords}, plan.SeedIDs)
	assert.Equal(t, 2+3, plan.EstimatedRows)
}

func TestPlan_WithoutResolverLinksAreCoarse(t *testing.T) {
	plan, err := defaultPlanner().Plan(context.Background(), ordersGraph(t), update("o1"), nil)

	require.NoError(t, err)
	assert.True(t, plan.Coarsened)
	assert.True(t, plan.Steps[1].AllRecords)
}

func TestClosure_UnknownReferencesAreStructural(t *testing.T) {
	g := ordersGraph(t)
	p := defaultPlanner()

	_, _, err := p.Closure(g, domain.ChangeSeed{BaseID: "base1", TableID: "orders", ChangeType: domain.RecordUpdate, RecordIDs: []string{"o1"}, FieldIDs: []string{"ghost"}})
	assert.True(t, graphDomain.IsStructural(err))

	_, _, err = p.Closure(g, domain.ChangeSeed{BaseID: "base1", TableID: "ghosts", ChangeType: domain.RecordUpdate, RecordIDs: []string{"x"}})
	assert.ErrorIs(t, err, graphDomain.ErrUnknownReference)
}

func TestClosure_UnrelatedFieldHasNoComputedDependents(t *testing.T) {
	seed := domain.ChangeSeed{BaseID: "base1", TableID: "customers", ChangeType: domain.RecordUpdate, RecordIDs: []string{"c1"}, FieldIDs: []string{"name"}}

	plan, err := defaultPlanner().Plan(context.Background(), ordersGraph(t), seed, mocks.OrdersRecords())

	require.NoError(t, err)
	assert.Empty(t, plan.Steps)
}
