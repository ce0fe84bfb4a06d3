package application

import (
	"context"
	"testing"
	"time"

	"github.com/davicafu/fieldflow/internal/graph/domain"
	"github.com/davicafu/fieldflow/tests/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCurrentGraph_BuildsFromRepo(t *testing.T) {
	repo := mocks.NewInMemoryFieldRepo()
	repo.Seed("base1", 4, mocks.OrdersFields()...)
	service := NewGraphService(repo, nil, 60, zap.NewNop())

	g, err := service.CurrentGraph(context.Background(), "base1")

	require.NoError(t, err)
	assert.Equal(t, int64(4), g.Version())
	assert.Len(t, g.Fields(), len(mocks.OrdersFields()))
}

func TestCurrentGraph_CacheHitSkipsRepoListing(t *testing.T) {
	// ARRANGE
	repo := mocks.NewInMemoryFieldRepo()
	repo.Seed("base1", 2, mocks.OrdersFields()...)
	cache := mocks.NewDummyCache()
	require.NoError(t, cache.Set(context.Background(), domain.CacheKeyGraph("base1", 2), mocks.OrdersFields(), 60))
	service := NewGraphService(repo, cache, 60, zap.NewNop())

	// ACT
	g, err := service.CurrentGraph(context.Background(), "base1")

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.Version())
	assert.Equal(t, 0, repo.Lists)
}

func TestSaveField_BumpsVersion(t *testing.T) {
	repo := mocks.NewInMemoryFieldRepo()
	repo.Seed("base1", 1, mocks.OrdersFields()...)
	service := NewGraphService(repo, nil, 60, zap.NewNop())

	version, err := service.SaveField(context.Background(), "base1", domain.FieldDefinition{
		TableID: "orders", FieldID: "tax", Spec: domain.FormulaSpec{Expression: "total * 0.21"},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestSaveField_EvictsPreviousVersionFromCache(t *testing.T) {
	// ARRANGE
	repo := mocks.NewInMemoryFieldRepo()
	repo.Seed("base1", 1, mocks.OrdersFields()...)
	cache := mocks.NewDummyCache()
	require.NoError(t, cache.Set(context.Background(), domain.CacheKeyGraph("base1", 1), mocks.OrdersFields(), 60))
	service := NewGraphService(repo, cache, 60, zap.NewNop())

	// ACT
	_, err := service.SaveField(context.Background(), "base1", domain.FieldDefinition{
		TableID: "orders", FieldID: "tax", Spec: domain.FormulaSpec{Expression: "total * 0.21"},
	})

	// ASSERT
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return !cache.Has(domain.CacheKeyGraph("base1", 1))
	}, time.Second, 10*time.Millisecond)
}

func TestSaveField_RejectsCycleAndPersistsNothing(t *testing.T) {
	// ARRANGE: orders.amount pasaría a depender de orders.total, que depende de amount
	repo := mocks.NewInMemoryFieldRepo()
	repo.Seed("base1", 1, mocks.OrdersFields()...)
	service := NewGraphService(repo, nil, 60, zap.NewNop())

	// ACT
	_, err := service.SaveField(context.Background(), "base1", domain.FieldDefinition{
		TableID: "orders", FieldID: "amount", Spec: domain.FormulaSpec{Expression: "total + 1"},
	})

	// ASSERT
	assert.ErrorIs(t, err, domain.ErrCycleDetected)
	v, _ := repo.GraphVersion(context.Background(), "base1")
	assert.Equal(t, int64(1), v)
	assert.IsType(t, domain.BaseSpec{}, repo.Fields["base1"][domain.NodeKey{TableID: "orders", FieldID: "amount"}].Spec)
}

func TestDeleteField_RejectsFieldWithDependents(t *testing.T) {
	repo := mocks.NewInMemoryFieldRepo()
	repo.Seed("base1", 1, mocks.OrdersFields()...)
	service := NewGraphService(repo, nil, 60, zap.NewNop())

	_, err := service.DeleteField(context.Background(), "base1", domain.NodeKey{TableID: "orders", FieldID: "amount"})

	assert.ErrorIs(t, err, domain.ErrFieldInUse)
}

func TestDeleteField_LeafField(t *testing.T) {
	repo := mocks.NewInMemoryFieldRepo()
	repo.Seed("base1", 1, mocks.OrdersFields()...)
	service := NewGraphService(repo, nil, 60, zap.NewNop())

	version, err := service.DeleteField(context.Background(), "base1", domain.NodeKey{TableID: "customers", FieldID: "spent"})

	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestDeleteField_NotFound(t *testing.T) {
	repo := mocks.NewInMemoryFieldRepo()
	repo.Seed("base1", 1, mocks.OrdersFields()...)
	service := NewGraphService(repo, nil, 60, zap.NewNop())

	_, err := service.DeleteField(context.Background(), "base1", domain.NodeKey{TableID: "orders", FieldID: "nope"})

	assert.ErrorIs(t, err, domain.ErrFieldNotFound)
}
