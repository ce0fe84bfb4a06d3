package domain

import (
	"errors"
	"strings"
)

// ---------- Errores de dominio ----------
var (
	ErrCycleDetected    = errors.New("dependency cycle detected")
	ErrUnknownReference = errors.New("unknown field reference")
	ErrInvalidField     = errors.New("invalid field definition")
	ErrFieldNotFound    = errors.New("field not found")
	ErrFieldInUse       = errors.New("field has dependents")
	ErrVersionConflict  = errors.New("graph version conflict")
)

// CycleError describe el ciclo encontrado, cerrado sobre su primer nodo.
type CycleError struct {
	Path []NodeKey
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, k := range e.Path {
		parts[i] = k.String()
	}
	return ErrCycleDetected.Error() + ": " + strings.Join(parts, " -> ")
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// IsStructural indica si el error proviene de un grafo o definición inválidos.
// Reintentar nunca arregla un error estructural.
func IsStructural(err error) bool {
	return errors.Is(err, ErrCycleDetected) ||
		errors.Is(err, ErrUnknownReference) ||
		errors.Is(err, ErrInvalidField)
}
