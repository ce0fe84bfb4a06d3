package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
)

// InMemoryFieldRepo simula FieldRepository con control de versión.
type InMemoryFieldRepo struct {
	Fields   map[string]map[graphDomain.NodeKey]graphDomain.FieldDefinition
	Versions map[string]int64
	Lists    int
	mu       sync.Mutex
}

var _ graphDomain.FieldRepository = (*InMemoryFieldRepo)(nil)

func NewInMemoryFieldRepo() *InMemoryFieldRepo {
	return &InMemoryFieldRepo{
		Fields:   make(map[string]map[graphDomain.NodeKey]graphDomain.FieldDefinition),
		Versions: make(map[string]int64),
	}
}

// Seed carga definiciones sin validarlas y fija la versión.
func (r *InMemoryFieldRepo) Seed(baseID string, version int64, defs ...graphDomain.FieldDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fields[baseID] == nil {
		r.Fields[baseID] = make(map[graphDomain.NodeKey]graphDomain.FieldDefinition)
	}
	for _, d := range defs {
		r.Fields[baseID][d.Key()] = d
	}
	r.Versions[baseID] = version
}

func (r *InMemoryFieldRepo) ListFields(ctx context.Context, baseID string) ([]graphDomain.FieldDefinition, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Lists++

	defs := make([]graphDomain.FieldDefinition, 0, len(r.Fields[baseID]))
	for _, d := range r.Fields[baseID] {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key().Less(defs[j].Key()) })
	return defs, r.Versions[baseID], nil
}

func (r *InMemoryFieldRepo) GraphVersion(ctx context.Context, baseID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Versions[baseID], nil
}

func (r *InMemoryFieldRepo) SaveField(ctx context.Context, baseID string, def graphDomain.FieldDefinition, expectedVersion int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Versions[baseID] != expectedVersion {
		return 0, fmt.Errorf("%w: expected %d", graphDomain.ErrVersionConflict, expectedVersion)
	}
	if r.Fields[baseID] == nil {
		r.Fields[baseID] = make(map[graphDomain.NodeKey]graphDomain.FieldDefinition)
	}
	r.Fields[baseID][def.Key()] = def
	r.Versions[baseID]++
	return r.Versions[baseID], nil
}

func (r *InMemoryFieldRepo) DeleteField(ctx context.Context, baseID string, key graphDomain.NodeKey, expectedVersion int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Fields[baseID][key]; !ok {
		return 0, graphDomain.ErrFieldNotFound
	}
	if r.Versions[baseID] != expectedVersion {
		return 0, fmt.Errorf("%w: expected %d", graphDomain.ErrVersionConflict, expectedVersion)
	}
	delete(r.Fields[baseID], key)
	r.Versions[baseID]++
	return r.Versions[baseID], nil
}

// OrdersFields es la base de ejemplo usada en los tests:
// orders.amount -> orders.total (fórmula) -> customers.spent (rollup vía customers.orders).
func OrdersFields() []graphDomain.FieldDefinition {
	return []graphDomain.FieldDefinition{
		{TableID: "orders", FieldID: "amount", Spec: graphDomain.BaseSpec{Type: "number"}},
		{TableID: "orders", FieldID: "total", Spec: graphDomain.FormulaSpec{Expression: "amount * 2"}},
		{TableID: "customers", FieldID: "name", Spec: graphDomain.BaseSpec{Type: "text"}},
		{TableID: "customers", FieldID: "orders", Spec: graphDomain.LinkSpec{ForeignTableID: "orders", Cardinality: graphDomain.OneToMany}},
		{TableID: "customers", FieldID: "spent", Spec: graphDomain.RollupSpec{LinkFieldID: "orders", ForeignFieldID: "total", Aggregation: graphDomain.AggSum}},
	}
}
