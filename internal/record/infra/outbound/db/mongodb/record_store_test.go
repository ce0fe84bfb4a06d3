package mongodb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/davicafu/fieldflow/internal/record/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestNormalize_BSONToJSONTypes(t *testing.T) {
	in := bson.M{"ids": bson.A{"o1", "o2"}, "n": int32(3), "nested": bson.D{{Key: "k", Value: int64(4)}}}

	out := normalize(in)

	assert.Equal(t, map[string]any{
		"ids":    []any{"o1", "o2"},
		"n":      3.0,
		"nested": map[string]any{"k": 4.0},
	}, out)
}

// Necesita un MongoDB real: MONGO_URI=mongodb://localhost:27017 go test ./...
func TestRecordStoreMongoDB_Integration(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI no definido")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer client.Disconnect(ctx)

	dbName := "fieldflow_test_" + time.Now().Format("150405")
	defer client.Database(dbName).Drop(ctx)

	store, err := NewRecordStoreMongoDB(ctx, client, dbName)
	require.NoError(t, err)
	require.NoError(t, store.PutRecord(ctx, domain.Record{ID: "o1", TableID: "orders", Fields: map[string]any{"amount": 10.0}}))
	require.NoError(t, store.PutRecord(ctx, domain.Record{ID: "c1", TableID: "customers", Fields: map[string]any{"orders": []any{"o1"}}}))

	ids, err := store.LinkedRecordIDs(ctx, "customers", "orders", []string{"o1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	n, err := store.WriteFieldValues(ctx, "orders", "total", map[string]any{"o1": 20.0})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err := store.GetRecords(ctx, "orders", []string{"o1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 20.0, recs[0].Fields["total"])
}
