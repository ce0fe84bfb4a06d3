package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/davicafu/fieldflow/internal/record/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// RecordStoreMongoDB implementa RecordStore sobre una colección "records".
type RecordStoreMongoDB struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var (
	_ domain.RecordStore = (*RecordStoreMongoDB)(nil)
	_ domain.DryRunner   = (*RecordStoreMongoDB)(nil)
)

func NewRecordStoreMongoDB(ctx context.Context, client *mongo.Client, dbName string) (*RecordStoreMongoDB, error) {
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("could not ping mongoDB: %w", err)
	}
	return &RecordStoreMongoDB{
		client: client,
		coll:   client.Database(dbName).Collection("records"),
	}, nil
}

// --- Structs de BSON para el mapeo ---

type mongoRecord struct {
	ID        string         `bson:"_id"`
	TableID   string         `bson:"tableId"`
	RecordID  string         `bson:"recordId"`
	Fields    map[string]any `bson:"fields"`
	UpdatedAt time.Time      `bson:"updatedAt"`
}

func docID(tableID, recordID string) string { return tableID + ":" + recordID }

func fromMongoRecord(m *mongoRecord) domain.Record {
	fields := make(map[string]any, len(m.Fields))
	for k, v := range m.Fields {
		fields[k] = normalize(v)
	}
	return domain.Record{ID: m.RecordID, TableID: m.TableID, Fields: fields, UpdatedAt: m.UpdatedAt.UTC()}
}

// normalize convierte los tipos BSON a los mismos tipos que produce encoding/json.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}

// EnsureIndexes crea el índice por tabla usado por los listados.
func (s *RecordStoreMongoDB) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tableId", Value: 1}, {Key: "recordId", Value: 1}},
	})
	return err
}

// PutRecord inserta o reemplaza un registro completo.
func (s *RecordStoreMongoDB) PutRecord(ctx context.Context, r domain.Record) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	doc := mongoRecord{ID: docID(r.TableID, r.ID), TableID: r.TableID, RecordID: r.ID, Fields: r.Fields, UpdatedAt: r.UpdatedAt}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *RecordStoreMongoDB) GetRecords(ctx context.Context, tableID string, ids []string) ([]domain.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docID(tableID, id)
	}

	cursor, err := s.coll.Find(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	byID := make(map[string]domain.Record, len(ids))
	for cursor.Next(ctx) {
		var m mongoRecord
		if err := cursor.Decode(&m); err != nil {
			return nil, err
		}
		byID[m.RecordID] = fromMongoRecord(&m)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Record, 0, len(byID))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RecordStoreMongoDB) ListRecordIDs(ctx context.Context, tableID string) ([]string, error) {
	return s.findIDs(ctx, bson.M{"tableId": tableID})
}

func (s *RecordStoreMongoDB) CountRecords(ctx context.Context, tableID string) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"tableId": tableID})
	return int(n), err
}

// LinkedRecordIDs aprovecha que $in sobre un array compara cada elemento.
func (s *RecordStoreMongoDB) LinkedRecordIDs(ctx context.Context, tableID, linkFieldID string, foreignIDs []string) ([]string, error) {
	if len(foreignIDs) == 0 {
		return nil, nil
	}
	return s.findIDs(ctx, bson.M{
		"tableId":               tableID,
		"fields." + linkFieldID: bson.M{"$in": foreignIDs},
	})
}

func (s *RecordStoreMongoDB) WriteFieldValues(ctx context.Context, tableID, fieldID string, values map[string]any) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	models := make([]mongo.WriteModel, 0, len(values))
	for _, id := range domain.SortedKeys(values) {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": docID(tableID, id)}).
			SetUpdate(bson.M{"$set": bson.M{"fields." + fieldID: values[id], "updatedAt": now}}))
	}

	res, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, err
	}
	return int(res.MatchedCount), nil
}

// DryRun requiere un replica set: las escrituras viven en una transacción que
// siempre se aborta.
func (s *RecordStoreMongoDB) DryRun(ctx context.Context, fn func(ctx context.Context, store domain.RecordStore) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	if err := session.StartTransaction(); err != nil {
		if errors.Is(err, mongo.ErrClientDisconnected) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrDryRunUnsupported, err)
	}

	sessCtx := mongo.NewSessionContext(ctx, session)
	runErr := fn(sessCtx, s)

	if err := session.AbortTransaction(context.Background()); err != nil && runErr == nil {
		return fmt.Errorf("abort dry run: %w", err)
	}
	return runErr
}

func (s *RecordStoreMongoDB) findIDs(ctx context.Context, filter bson.M) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"recordId": 1})
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var m struct {
			RecordID string `bson:"recordId"`
		}
		if err := cursor.Decode(&m); err != nil {
			return nil, err
		}
		ids = append(ids, m.RecordID)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
