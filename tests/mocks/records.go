package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	recordDomain "github.com/davicafu/fieldflow/internal/record/domain"
)

// InMemoryRecordStore simula RecordStore y DryRunner.
type InMemoryRecordStore struct {
	Tables map[string]map[string]*recordDomain.Record
	Writes int
	// FailWrites hace fallar las escrituras mientras sea > 0.
	FailWrites int
	WriteErr   error
	Now        func() time.Time
	mu         sync.Mutex
}

var (
	_ recordDomain.RecordStore = (*InMemoryRecordStore)(nil)
	_ recordDomain.DryRunner   = (*InMemoryRecordStore)(nil)
)

func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{
		Tables: make(map[string]map[string]*recordDomain.Record),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Put inserta o reemplaza un registro.
func (s *InMemoryRecordStore) Put(tableID, id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Tables[tableID] == nil {
		s.Tables[tableID] = make(map[string]*recordDomain.Record)
	}
	s.Tables[tableID][id] = &recordDomain.Record{ID: id, TableID: tableID, Fields: fields, UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Value devuelve el valor actual de un campo.
func (s *InMemoryRecordStore) Value(tableID, id, fieldID string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Tables[tableID][id]
	if !ok {
		return nil
	}
	return r.Fields[fieldID]
}

// Snapshot copia profundamente todas las tablas.
func (s *InMemoryRecordStore) Snapshot() map[string]map[string]recordDomain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]recordDomain.Record, len(s.Tables))
	for t, recs := range s.Tables {
		out[t] = make(map[string]recordDomain.Record, len(recs))
		for id, r := range recs {
			out[t][id] = copyRecord(r)
		}
	}
	return out
}

func copyRecord(r *recordDomain.Record) recordDomain.Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return recordDomain.Record{ID: r.ID, TableID: r.TableID, Fields: fields, UpdatedAt: r.UpdatedAt}
}

func (s *InMemoryRecordStore) GetRecords(ctx context.Context, tableID string, ids []string) ([]recordDomain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordDomain.Record
	for _, id := range ids {
		if r, ok := s.Tables[tableID][id]; ok {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

func (s *InMemoryRecordStore) ListRecordIDs(ctx context.Context, tableID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.Tables[tableID]))
	for id := range s.Tables[tableID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryRecordStore) CountRecords(ctx context.Context, tableID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Tables[tableID]), nil
}

func (s *InMemoryRecordStore) LinkedRecordIDs(ctx context.Context, tableID, linkFieldID string, foreignIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(foreignIDs))
	for _, id := range foreignIDs {
		want[id] = true
	}
	var ids []string
	for id, r := range s.Tables[tableID] {
		for _, linked := range recordDomain.LinkIDs(r.Fields[linkFieldID]) {
			if want[linked] {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryRecordStore) WriteFieldValues(ctx context.Context, tableID, fieldID string, values map[string]any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites > 0 {
		s.FailWrites--
		return 0, s.WriteErr
	}
	n := 0
	for id, v := range values {
		r, ok := s.Tables[tableID][id]
		if !ok {
			continue
		}
		r.Fields[fieldID] = v
		r.UpdatedAt = s.Now()
		n++
	}
	s.Writes += n
	return n, nil
}

// DryRun trabaja sobre una copia y la descarta.
func (s *InMemoryRecordStore) DryRun(ctx context.Context, fn func(ctx context.Context, store recordDomain.RecordStore) error) error {
	clone := NewInMemoryRecordStore()
	clone.Now = s.Now
	for t, recs := range s.Snapshot() {
		for id, r := range recs {
			rc := r
			if clone.Tables[t] == nil {
				clone.Tables[t] = make(map[string]*recordDomain.Record)
			}
			clone.Tables[t][id] = &rc
		}
	}
	return fn(ctx, clone)
}

// OrdersRecords carga los registros de la base de ejemplo OrdersFields:
// c1 enlaza o1 y o2, c2 enlaza o2, c3 no enlaza nada.
func OrdersRecords() *InMemoryRecordStore {
	s := NewInMemoryRecordStore()
	s.Put("orders", "o1", map[string]any{"amount": 10.0})
	s.Put("orders", "o2", map[string]any{"amount": 5.0})
	s.Put("customers", "c1", map[string]any{"name": "Ana", "orders": []any{"o1", "o2"}})
	s.Put("customers", "c2", map[string]any{"name": "Luis", "orders": []any{"o2"}})
	s.Put("customers", "c3", map[string]any{"name": "Eva"})
	return s
}
