package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/davicafu/fieldflow/internal/graph/domain"
	sharedSQLite "github.com/davicafu/fieldflow/internal/shared/infra/platform/db/sqlite"
)

type FieldRepoSQLite struct {
	db *sql.DB
}

var _ domain.FieldRepository = (*FieldRepoSQLite)(nil)

func NewFieldRepoSQLite(db *sql.DB) *FieldRepoSQLite {
	return &FieldRepoSQLite{db: db}
}

// ------------------ Inicialización de DB ------------------

// InitSQLite crea las tablas de campos y versiones si no existen.
func InitSQLite(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS fields (
            base_id TEXT NOT NULL,
            table_id TEXT NOT NULL,
            field_id TEXT NOT NULL,
            definition TEXT NOT NULL,
            PRIMARY KEY (base_id, table_id, field_id)
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS graph_versions (
            base_id TEXT PRIMARY KEY,
            version INTEGER NOT NULL
        )
    `)
	return err
}

// ------------------ Métodos ------------------

func (r *FieldRepoSQLite) ListFields(ctx context.Context, baseID string) ([]domain.FieldDefinition, int64, error) {
	var defs []domain.FieldDefinition
	var version int64

	err := sharedSQLite.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		if version, err = versionTx(ctx, tx, baseID); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT definition FROM fields WHERE base_id = ? ORDER BY table_id, field_id`, baseID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			var d domain.FieldDefinition
			if err := json.Unmarshal([]byte(raw), &d); err != nil {
				return fmt.Errorf("invalid field definition in base %s: %w", baseID, err)
			}
			defs = append(defs, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return defs, version, nil
}

func (r *FieldRepoSQLite) GraphVersion(ctx context.Context, baseID string) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx, `SELECT version FROM graph_versions WHERE base_id = ?`, baseID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

func (r *FieldRepoSQLite) SaveField(ctx context.Context, baseID string, def domain.FieldDefinition, expectedVersion int64) (int64, error) {
	payload, err := json.Marshal(def)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal field definition: %w", err)
	}

	var newVersion int64
	err = sharedSQLite.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		if newVersion, err = bumpVersionTx(ctx, tx, baseID, expectedVersion); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO fields (base_id, table_id, field_id, definition) VALUES (?,?,?,?)
			 ON CONFLICT(base_id, table_id, field_id) DO UPDATE SET definition = excluded.definition`,
			baseID, def.TableID, def.FieldID, string(payload))
		return err
	})
	return newVersion, err
}

func (r *FieldRepoSQLite) DeleteField(ctx context.Context, baseID string, key domain.NodeKey, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := sharedSQLite.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM fields WHERE base_id = ? AND table_id = ? AND field_id = ?`,
			baseID, key.TableID, key.FieldID)
		if err != nil {
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return domain.ErrFieldNotFound
		}
		newVersion, err = bumpVersionTx(ctx, tx, baseID, expectedVersion)
		return err
	})
	return newVersion, err
}

func versionTx(ctx context.Context, tx *sql.Tx, baseID string) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM graph_versions WHERE base_id = ?`, baseID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

// bumpVersionTx incrementa la versión sólo si sigue siendo la esperada.
func bumpVersionTx(ctx context.Context, tx *sql.Tx, baseID string, expected int64) (int64, error) {
	current, err := versionTx(ctx, tx, baseID)
	if err != nil {
		return 0, err
	}
	if current != expected {
		return 0, fmt.Errorf("%w: expected %d, found %d", domain.ErrVersionConflict, expected, current)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO graph_versions (base_id, version) VALUES (?, ?)
		 ON CONFLICT(base_id) DO UPDATE SET version = excluded.version`,
		baseID, expected+1)
	if err != nil {
		return 0, err
	}
	return expected + 1, nil
}
