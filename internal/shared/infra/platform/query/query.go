package query

// ---------- Paginación ----------

// DefaultLimit se aplica cuando el llamante no indica límite.
const DefaultLimit = 50

// MaxLimit acota el tamaño de página de los listados de operador.
const MaxLimit = 500

// OffsetPagination para paginación clásica
type OffsetPagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Normalize devuelve una paginación con límites dentro de rango.
func (p OffsetPagination) Normalize() OffsetPagination {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Page envuelve un listado paginado.
type Page[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
