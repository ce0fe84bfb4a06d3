package domain

import (
	"context"
	"strconv"
)

// ---------- Interfaces (Ports) ----------

// FieldRepository persiste las definiciones de campos y la versión del grafo de cada base.
type FieldRepository interface {
	// ListFields devuelve todas las definiciones de la base y la versión actual.
	ListFields(ctx context.Context, baseID string) ([]FieldDefinition, int64, error)

	// GraphVersion devuelve la versión actual (0 si la base no tiene campos).
	GraphVersion(ctx context.Context, baseID string) (int64, error)

	// SaveField inserta o reemplaza el campo e incrementa la versión.
	// Debe devolver ErrVersionConflict si la versión ya no es expectedVersion.
	SaveField(ctx context.Context, baseID string, def FieldDefinition, expectedVersion int64) (int64, error)

	// DeleteField elimina el campo e incrementa la versión.
	// Debe devolver ErrFieldNotFound si no existe.
	DeleteField(ctx context.Context, baseID string, key NodeKey, expectedVersion int64) (int64, error)
}

// CacheKeyGraph es la clave de caché de las definiciones de una versión concreta.
func CacheKeyGraph(baseID string, version int64) string {
	return "graph:" + baseID + ":v" + strconv.FormatInt(version, 10)
}
