package domain

import (
	"fmt"
	"testing"

	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	"github.com/davicafu/fieldflow/tests/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersGraph(t *testing.T) *graphDomain.Graph {
	t.Helper()
	g, err := graphDomain.Build("base1", 1, mocks.OrdersFields())
	require.NoError(t, err)
	return g
}

func TestOperations_RenderOneStatementPerStep(t *testing.T) {
	g := ordersGraph(t)
	plan := &plannerDomain.ExecutionPlan{Steps: []plannerDomain.Step{
		{TableID: "orders", FieldID: "total", RecordIDs: []string{"o1", "o'2"}},
		{TableID: "customers", FieldID: "spent", AllRecords: true},
	}}

	ops := Operations(g, plan)

	require.Len(t, ops, 2)
	assert.Equal(t, 1, ops[0].Step)
	assert.Equal(t, `UPDATE "orders" SET "total" = amount * 2 WHERE id IN ('o1', 'o''2')`, ops[0].SQL)
	assert.Equal(t, 2, ops[0].Records)
	assert.Equal(t, `UPDATE "customers" SET "spent" = SUM(orders -> orders.total) WHERE TRUE`, ops[1].SQL)
	assert.True(t, ops[1].AllRecords)
}

func TestOperations_TruncatesLongIDLists(t *testing.T) {
	g := ordersGraph(t)
	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("o%02d", i)
	}
	plan := &plannerDomain.ExecutionPlan{Steps: []plannerDomain.Step{{TableID: "orders", FieldID: "total", RecordIDs: ids}}}

	ops := Operations(g, plan)

	assert.Contains(t, ops[0].SQL, "'o09', ... +2)")
	assert.Equal(t, 12, ops[0].Records)
}

func TestLocks_RowVersusTableScope(t *testing.T) {
	plan := &plannerDomain.ExecutionPlan{Steps: []plannerDomain.Step{
		{TableID: "orders", FieldID: "total", RecordIDs: []string{"o1", "o2"}},
		{TableID: "orders", FieldID: "tax", RecordIDs: []string{"o2", "o3"}},
		{TableID: "customers", FieldID: "spent", AllRecords: true},
	}}

	locks := Locks(plan)

	assert.Equal(t, []LockScope{
		{TableID: "orders", Mode: LockRow, Rows: 3, Fields: []string{"total", "tax"}},
		{TableID: "customers", Mode: LockTable, Fields: []string{"spent"}},
	}, locks)
}
