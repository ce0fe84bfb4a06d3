package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	"github.com/davicafu/fieldflow/internal/shared/infra/utils"
)

// ---------- Errores de dominio ----------
var (
	ErrInvalidSeed   = errors.New("invalid change seed")
	ErrMalformedPlan = errors.New("malformed execution plan")
)

type ChangeType string

const (
	RecordCreate ChangeType = "recordCreate"
	RecordUpdate ChangeType = "recordUpdate"
	RecordDelete ChangeType = "recordDelete"
	FieldCreate  ChangeType = "fieldCreate"
	FieldConvert ChangeType = "fieldConvert"
)

func (c ChangeType) Valid() bool {
	switch c {
	case RecordCreate, RecordUpdate, RecordDelete, FieldCreate, FieldConvert:
		return true
	}
	return false
}

// FieldLevel indica si el cambio afecta a un campo en todos los registros.
func (c ChangeType) FieldLevel() bool {
	return c == FieldCreate || c == FieldConvert
}

// AllRecords es el marcador de "todos los registros" en las semillas.
const AllRecords = "*"

// ChangeSeed es el cambio que origina un plan.
type ChangeSeed struct {
	BaseID     string     `json:"baseId"`
	TableID    string     `json:"tableId"`
	ChangeType ChangeType `json:"changeType"`
	RecordIDs  []string   `json:"recordIds,omitempty"`
	FieldIDs   []string   `json:"fieldIds,omitempty"`
}

func (s ChangeSeed) Validate() error {
	if s.BaseID == "" || s.TableID == "" {
		return fmt.Errorf("%w: base and table are required", ErrInvalidSeed)
	}
	if !s.ChangeType.Valid() {
		return fmt.Errorf("%w: unknown change type %q", ErrInvalidSeed, s.ChangeType)
	}
	if s.ChangeType.FieldLevel() {
		if len(utils.SortedUnique(s.FieldIDs)) == 0 {
			return fmt.Errorf("%w: %s needs at least one field", ErrInvalidSeed, s.ChangeType)
		}
		return nil
	}
	if len(utils.SortedUnique(s.RecordIDs)) == 0 {
		return fmt.Errorf("%w: %s needs at least one record", ErrInvalidSeed, s.ChangeType)
	}
	return nil
}

// AllRecords indica si la semilla abarca todos los registros de la tabla.
func (s ChangeSeed) AllRecords() bool {
	if s.ChangeType.FieldLevel() {
		return true
	}
	for _, id := range s.RecordIDs {
		if id == AllRecords {
			return true
		}
	}
	return false
}

// SeedIDs son los ids que entran en el hash del plan: los registros ordenados
// y sin duplicados, o sólo el marcador si la semilla abarca toda la tabla.
func (s ChangeSeed) SeedIDs() []string {
	if s.AllRecords() {
		return []string{AllRecords}
	}
	return utils.SortedUnique(s.RecordIDs)
}

// Step recalcula un campo para un conjunto de registros.
type Step struct {
	TableID    string                `json:"tableId"`
	FieldID    string                `json:"fieldId"`
	Kind       graphDomain.FieldKind `json:"kind"`
	RecordIDs  []string              `json:"recordIds,omitempty"`
	AllRecords bool                  `json:"allRecords,omitempty"`
	Depth      int                   `json:"depth"`
}

func (s Step) Key() graphDomain.NodeKey {
	return graphDomain.NodeKey{TableID: s.TableID, FieldID: s.FieldID}
}

// ExecutionPlan es la lista ordenada de pasos derivada del grafo: ningún paso
// aparece antes que los pasos de los que depende.
type ExecutionPlan struct {
	BaseID        string             `json:"baseId"`
	SeedTableID   string             `json:"seedTableId"`
	ChangeType    ChangeType         `json:"changeType"`
	SeedIDs       []string           `json:"seedIds"`
	GraphVersion  int64              `json:"graphVersion"`
	Hash          string             `json:"hash"`
	Steps         []Step             `json:"steps"`
	Edges         []graphDomain.Edge `json:"edges"`
	Coarsened     bool               `json:"coarsened"`
	EstimatedRows int                `json:"estimatedRows"`
}

// Tables devuelve las tablas que toca el plan, en orden de primera aparición.
func (p *ExecutionPlan) Tables() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range p.Steps {
		if !seen[s.TableID] {
			seen[s.TableID] = true
			out = append(out, s.TableID)
		}
	}
	return out
}

// Validate comprueba que el plan respeta el orden topológico de sus aristas.
func (p *ExecutionPlan) Validate() error {
	pos := make(map[graphDomain.NodeKey]int, len(p.Steps))
	for i, s := range p.Steps {
		if _, dup := pos[s.Key()]; dup {
			return fmt.Errorf("%w: duplicate step %s", ErrMalformedPlan, s.Key())
		}
		if !s.AllRecords && len(s.RecordIDs) == 0 {
			return fmt.Errorf("%w: empty step %s", ErrMalformedPlan, s.Key())
		}
		pos[s.Key()] = i
	}
	for _, e := range p.Edges {
		from, okFrom := pos[e.From]
		to, okTo := pos[e.To]
		if okFrom && okTo && from >= to {
			return fmt.Errorf("%w: %s runs before %s", ErrMalformedPlan, e.To, e.From)
		}
	}
	return nil
}

// Prefijo de dominio del hash; el sufijo permite migrar el algoritmo.
const domainPlanHash = "fieldflow/plan/v1"

// PlanHash es determinista sobre (base, tipo de cambio, semillas ordenadas, versión del grafo).
func PlanHash(baseID string, changeType ChangeType, seedIDs []string, graphVersion int64) string {
	canonical, _ := json.Marshal(struct {
		BaseID       string   `json:"base_id"`
		ChangeType   string   `json:"change_type"`
		SeedIDs      []string `json:"seed_ids"`
		GraphVersion int64    `json:"graph_version"`
	}{
		BaseID:       baseID,
		ChangeType:   string(changeType),
		SeedIDs:      utils.SortedUnique(seedIDs),
		GraphVersion: graphVersion,
	})

	h := sha256.New()
	h.Write([]byte(domainPlanHash))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
