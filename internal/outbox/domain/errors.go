package domain

import (
	"errors"
	"fmt"

	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
)

// ---------- Errores de dominio ----------
var (
	ErrTaskNotFound       = errors.New("outbox task not found")
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")
	// ErrLockLost: la actualización condicional no encontró el lock de este worker.
	ErrLockLost = errors.New("task lock lost")
	ErrFatal    = errors.New("fatal task error")
)

// Fatal marca err como no reintentable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsFatal decide si un fallo va directo a dead-letter. Todo lo demás es transitorio.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal) ||
		graphDomain.IsStructural(err) ||
		errors.Is(err, plannerDomain.ErrMalformedPlan)
}
