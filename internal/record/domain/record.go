// Package domain define el acceso a registros que el motor consume. El CRUD de
// registros vive fuera del motor; aquí sólo está lo que la propagación necesita.
package domain

import (
	"context"
	"errors"
	"sort"
	"time"
)

var ErrDryRunUnsupported = errors.New("record store does not support dry runs")

// Record es una fila de una tabla con sus valores por id de campo.
type Record struct {
	ID        string         `json:"id"`
	TableID   string         `json:"tableId"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// RecordStore es el colaborador de lectura/escritura de registros.
type RecordStore interface {
	// GetRecords devuelve los registros existentes de ids, en el orden de ids.
	GetRecords(ctx context.Context, tableID string, ids []string) ([]Record, error)

	// ListRecordIDs devuelve todos los ids de la tabla ordenados.
	ListRecordIDs(ctx context.Context, tableID string) ([]string, error)

	// CountRecords devuelve el número de registros de la tabla.
	CountRecords(ctx context.Context, tableID string) (int, error)

	// LinkedRecordIDs devuelve los ids de registros de tableID cuyo campo link
	// contiene alguno de foreignIDs.
	LinkedRecordIDs(ctx context.Context, tableID, linkFieldID string, foreignIDs []string) ([]string, error)

	// WriteFieldValues escribe el valor de un campo en cada registro (id -> valor)
	// y actualiza su UpdatedAt. Devuelve cuántos registros se escribieron.
	WriteFieldValues(ctx context.Context, tableID, fieldID string, values map[string]any) (int, error)
}

// DryRunner ejecuta fn en una transacción que siempre se deshace.
type DryRunner interface {
	DryRun(ctx context.Context, fn func(ctx context.Context, store RecordStore) error) error
}

// LinkIDs normaliza el valor de un campo link a una lista de ids.
func LinkIDs(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// SortedKeys devuelve las claves del mapa ordenadas.
func SortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
