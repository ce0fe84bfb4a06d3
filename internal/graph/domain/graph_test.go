package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(table, field string) NodeKey { return NodeKey{TableID: table, FieldID: field} }

// orders.amount -> orders.total -> customers.spent (rollup por customers.orders)
func ordersFixture() []FieldDefinition {
	return []FieldDefinition{
		{TableID: "orders", FieldID: "amount", Spec: BaseSpec{Type: "number"}},
		{TableID: "orders", FieldID: "total", Spec: FormulaSpec{Expression: "amount * 2"}},
		{TableID: "customers", FieldID: "orders", Spec: LinkSpec{ForeignTableID: "orders", Cardinality: OneToMany}},
		{TableID: "customers", FieldID: "spent", Spec: RollupSpec{LinkFieldID: "orders", ForeignFieldID: "total", Aggregation: AggSum}},
	}
}

func TestBuild_EdgesAndDirections(t *testing.T) {
	g, err := Build("base1", 3, ordersFixture())
	require.NoError(t, err)

	assert.Equal(t, int64(3), g.Version())
	assert.Equal(t, []Edge{{From: key("orders", "amount"), To: key("orders", "total"), Kind: EdgeSameRecord}},
		g.Dependents(key("orders", "amount")))

	deps := g.Dependencies(key("customers", "spent"))
	require.Len(t, deps, 2)
	assert.Equal(t, Edge{From: key("customers", "orders"), To: key("customers", "spent"), Kind: EdgeSameRecord}, deps[0])
	assert.Equal(t, Edge{From: key("orders", "total"), To: key("customers", "spent"), Kind: EdgeViaLink, LinkFieldID: "orders"}, deps[1])
}

func TestBuild_TopologicalOrderAndDepth(t *testing.T) {
	g, err := Build("base1", 1, ordersFixture())
	require.NoError(t, err)

	order := g.TopologicalOrder(nil)
	pos := make(map[NodeKey]int)
	for i, k := range order {
		pos[k] = i
	}
	for _, e := range g.Edges() {
		assert.Less(t, pos[e.From], pos[e.To], "edge %s -> %s", e.From, e.To)
	}

	assert.Equal(t, 0, g.Depth(key("orders", "amount")))
	assert.Equal(t, 1, g.Depth(key("orders", "total")))
	assert.Equal(t, 2, g.Depth(key("customers", "spent")))
}

func TestTopologicalOrder_SubsetIsDeterministic(t *testing.T) {
	g, err := Build("base1", 1, ordersFixture())
	require.NoError(t, err)

	subset := []NodeKey{key("customers", "spent"), key("orders", "total")}

	first := g.TopologicalOrder(subset)
	second := g.TopologicalOrder([]NodeKey{subset[1], subset[0]})

	assert.Equal(t, []NodeKey{key("orders", "total"), key("customers", "spent")}, first)
	assert.Equal(t, first, second)
}

func TestBuild_RejectsCycle(t *testing.T) {
	// ARRANGE: A -> B -> C -> A
	defs := []FieldDefinition{
		{TableID: "t", FieldID: "a", Spec: FormulaSpec{Expression: "c + 1"}},
		{TableID: "t", FieldID: "b", Spec: FormulaSpec{Expression: "a + 1"}},
		{TableID: "t", FieldID: "c", Spec: FormulaSpec{Expression: "b + 1"}},
	}

	// ACT
	g, err := Build("base1", 1, defs)

	// ASSERT
	assert.Nil(t, g)
	assert.ErrorIs(t, err, ErrCycleDetected)
	assert.True(t, IsStructural(err))

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	require.Len(t, cycle.Path, 4)
	assert.Equal(t, cycle.Path[0], cycle.Path[3])
}

func TestBuild_RejectsSelfReference(t *testing.T) {
	_, err := Build("base1", 1, []FieldDefinition{
		{TableID: "t", FieldID: "a", Spec: FormulaSpec{Expression: "a * 2"}},
	})

	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestBuild_RejectsCycleAcrossLinks(t *testing.T) {
	defs := []FieldDefinition{
		{TableID: "a", FieldID: "to_b", Spec: LinkSpec{ForeignTableID: "b", Cardinality: ManyToOne}},
		{TableID: "b", FieldID: "to_a", Spec: LinkSpec{ForeignTableID: "a", Cardinality: OneToMany}},
		{TableID: "a", FieldID: "x", Spec: LookupSpec{LinkFieldID: "to_b", ForeignFieldID: "y"}},
		{TableID: "b", FieldID: "y", Spec: RollupSpec{LinkFieldID: "to_a", ForeignFieldID: "x", Aggregation: AggCount}},
	}

	_, err := Build("base1", 1, defs)

	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestBuild_UnknownReference(t *testing.T) {
	_, err := Build("base1", 1, []FieldDefinition{
		{TableID: "t", FieldID: "b", Spec: FormulaSpec{Expression: "missing + 1"}},
	})

	assert.ErrorIs(t, err, ErrUnknownReference)
	assert.True(t, IsStructural(err))
}

func TestBuild_InvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		defs []FieldDefinition
	}{
		{
			name: "campo duplicado",
			defs: []FieldDefinition{
				{TableID: "t", FieldID: "a", Spec: BaseSpec{}},
				{TableID: "t", FieldID: "a", Spec: BaseSpec{}},
			},
		},
		{
			name: "lookup sobre un campo que no es link",
			defs: []FieldDefinition{
				{TableID: "t", FieldID: "a", Spec: BaseSpec{}},
				{TableID: "t", FieldID: "b", Spec: LookupSpec{LinkFieldID: "a", ForeignFieldID: "a"}},
			},
		},
		{
			name: "rollup con agregación desconocida",
			defs: []FieldDefinition{
				{TableID: "u", FieldID: "v", Spec: BaseSpec{}},
				{TableID: "t", FieldID: "l", Spec: LinkSpec{ForeignTableID: "u"}},
				{TableID: "t", FieldID: "r", Spec: RollupSpec{LinkFieldID: "l", ForeignFieldID: "v", Aggregation: "median"}},
			},
		},
		{
			name: "fórmula que no parsea",
			defs: []FieldDefinition{
				{TableID: "t", FieldID: "a", Spec: FormulaSpec{Expression: "1 +"}},
			},
		},
		{
			name: "sin spec",
			defs: []FieldDefinition{{TableID: "t", FieldID: "a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build("base1", 1, tt.defs)
			assert.ErrorIs(t, err, ErrInvalidField)
		})
	}
}

func TestFieldDefinition_JSONKindDiscriminator(t *testing.T) {
	def := FieldDefinition{TableID: "customers", FieldID: "spent", Name: "Spent",
		Spec: RollupSpec{LinkFieldID: "orders", ForeignFieldID: "total", Aggregation: AggSum}}

	data, err := json.Marshal(def)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"rollup"`)

	var decoded FieldDefinition
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, def, decoded)
	assert.True(t, decoded.Computed())
}

func TestFieldDefinition_UnknownKind(t *testing.T) {
	var d FieldDefinition
	err := json.Unmarshal([]byte(`{"tableId":"t","fieldId":"a","kind":"magic"}`), &d)

	assert.ErrorIs(t, err, ErrInvalidField)
}
