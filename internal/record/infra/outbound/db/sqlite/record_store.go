package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/davicafu/fieldflow/internal/record/domain"
)

// querier es lo común entre *sql.DB y *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RecordStoreSQLite guarda los registros como JSON en una única tabla.
type RecordStoreSQLite struct {
	db  *sql.DB
	q   querier
	now func() time.Time
}

var (
	_ domain.RecordStore = (*RecordStoreSQLite)(nil)
	_ domain.DryRunner   = (*RecordStoreSQLite)(nil)
)

func NewRecordStoreSQLite(db *sql.DB) *RecordStoreSQLite {
	return &RecordStoreSQLite{db: db, q: db, now: func() time.Time { return time.Now().UTC() }}
}

// InitSQLite crea la tabla records si no existe.
func InitSQLite(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS records (
            table_id TEXT NOT NULL,
            id TEXT NOT NULL,
            fields TEXT NOT NULL,
            updated_at INTEGER NOT NULL,
            PRIMARY KEY (table_id, id)
        )
    `)
	return err
}

func fieldPath(fieldID string) string {
	return `$."` + strings.ReplaceAll(fieldID, `"`, `\"`) + `"`
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// PutRecord inserta o reemplaza un registro completo.
func (s *RecordStoreSQLite) PutRecord(ctx context.Context, r domain.Record) error {
	payload, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal record fields: %w", err)
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO records (table_id, id, fields, updated_at) VALUES (?,?,?,?)
		 ON CONFLICT(table_id, id) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at`,
		r.TableID, r.ID, string(payload), r.UpdatedAt.UnixNano())
	return err
}

func (s *RecordStoreSQLite) GetRecords(ctx context.Context, tableID string, ids []string) ([]domain.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, tableID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT id, fields, updated_at FROM records WHERE table_id = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]domain.Record, len(ids))
	for rows.Next() {
		var (
			r       domain.Record
			payload string
			updated int64
		)
		if err := rows.Scan(&r.ID, &payload, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &r.Fields); err != nil {
			return nil, fmt.Errorf("invalid JSON in record %s/%s: %w", tableID, r.ID, err)
		}
		r.TableID = tableID
		r.UpdatedAt = time.Unix(0, updated).UTC()
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
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

func (s *RecordStoreSQLite) ListRecordIDs(ctx context.Context, tableID string) ([]string, error) {
	return s.queryIDs(ctx, `SELECT id FROM records WHERE table_id = ? ORDER BY id`, tableID)
}

func (s *RecordStoreSQLite) CountRecords(ctx context.Context, tableID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE table_id = ?`, tableID).Scan(&n)
	return n, err
}

func (s *RecordStoreSQLite) LinkedRecordIDs(ctx context.Context, tableID, linkFieldID string, foreignIDs []string) ([]string, error) {
	if len(foreignIDs) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(foreignIDs)+2)
	args = append(args, fieldPath(linkFieldID), tableID)
	for _, id := range foreignIDs {
		args = append(args, id)
	}

	// json_each recorre tanto listas como un id suelto.
	return s.queryIDs(ctx,
		`SELECT DISTINCT r.id FROM records r, json_each(r.fields, ?) j
		 WHERE r.table_id = ? AND j.value IN (`+placeholders(len(foreignIDs))+`)
		 ORDER BY r.id`,
		args...)
}

func (s *RecordStoreSQLite) WriteFieldValues(ctx context.Context, tableID, fieldID string, values map[string]any) (int, error) {
	now := s.now().UnixNano()
	path := fieldPath(fieldID)
	written := 0

	for _, id := range domain.SortedKeys(values) {
		encoded, err := json.Marshal(values[id])
		if err != nil {
			return written, fmt.Errorf("failed to marshal value for %s/%s: %w", tableID, id, err)
		}
		res, err := s.q.ExecContext(ctx,
			`UPDATE records SET fields = json_set(fields, ?, json(?)), updated_at = ?
			 WHERE table_id = ? AND id = ?`,
			path, string(encoded), now, tableID, id)
		if err != nil {
			return written, err
		}
		rows, _ := res.RowsAffected()
		written += int(rows)
	}
	return written, nil
}

// DryRun ejecuta fn contra una copia del store ligada a una transacción que
// siempre se deshace.
func (s *RecordStoreSQLite) DryRun(ctx context.Context, fn func(ctx context.Context, store domain.RecordStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	return fn(ctx, &RecordStoreSQLite{db: s.db, q: tx, now: s.now})
}

func (s *RecordStoreSQLite) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
