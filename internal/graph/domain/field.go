package domain

import (
	"encoding/json"
	"fmt"
)

// NodeKey identifica un nodo del grafo: un campo dentro de una tabla.
type NodeKey struct {
	TableID string `json:"tableId"`
	FieldID string `json:"fieldId"`
}

func (k NodeKey) String() string {
	return k.TableID + "." + k.FieldID
}

// Less ordena primero por tabla y luego por campo.
func (k NodeKey) Less(o NodeKey) bool {
	if k.TableID != o.TableID {
		return k.TableID < o.TableID
	}
	return k.FieldID < o.FieldID
}

type FieldKind string

const (
	KindBase    FieldKind = "base"
	KindLink    FieldKind = "link"
	KindFormula FieldKind = "formula"
	KindLookup  FieldKind = "lookup"
	KindRollup  FieldKind = "rollup"
)

type Cardinality string

const (
	OneToOne   Cardinality = "oneToOne"
	ManyToOne  Cardinality = "manyToOne"
	OneToMany  Cardinality = "oneToMany"
	ManyToMany Cardinality = "manyToMany"
)

type Aggregation string

const (
	AggSum    Aggregation = "sum"
	AggCount  Aggregation = "count"
	AggAvg    Aggregation = "avg"
	AggMin    Aggregation = "min"
	AggMax    Aggregation = "max"
	AggConcat Aggregation = "concat"
)

func (a Aggregation) Valid() bool {
	switch a {
	case AggSum, AggCount, AggAvg, AggMin, AggMax, AggConcat:
		return true
	}
	return false
}

// FieldSpec es la variante cerrada de tipos de campo. Sólo este paquete puede
// implementarla, así los switch sobre el tipo concreto son exhaustivos.
type FieldSpec interface {
	Kind() FieldKind
	sealed()
}

// BaseSpec es un campo con valor escrito por el usuario.
type BaseSpec struct {
	Type string `json:"type,omitempty"`
}

// LinkSpec guarda ids de registros de otra tabla.
type LinkSpec struct {
	ForeignTableID string      `json:"foreignTableId"`
	Cardinality    Cardinality `json:"cardinality"`
}

// FormulaSpec calcula un valor a partir de campos de la misma tabla.
type FormulaSpec struct {
	Expression string `json:"expression"`
}

// LookupSpec copia un campo de los registros enlazados.
type LookupSpec struct {
	LinkFieldID    string `json:"linkFieldId"`
	ForeignFieldID string `json:"foreignFieldId"`
}

// RollupSpec agrega un campo de los registros enlazados.
type RollupSpec struct {
	LinkFieldID    string      `json:"linkFieldId"`
	ForeignFieldID string      `json:"foreignFieldId"`
	Aggregation    Aggregation `json:"aggregation"`
}

func (BaseSpec) Kind() FieldKind    { return KindBase }
func (LinkSpec) Kind() FieldKind    { return KindLink }
func (FormulaSpec) Kind() FieldKind { return KindFormula }
func (LookupSpec) Kind() FieldKind  { return KindLookup }
func (RollupSpec) Kind() FieldKind  { return KindRollup }

func (BaseSpec) sealed()    {}
func (LinkSpec) sealed()    {}
func (FormulaSpec) sealed() {}
func (LookupSpec) sealed()  {}
func (RollupSpec) sealed()  {}

// FieldDefinition es la definición persistida de un campo.
type FieldDefinition struct {
	TableID string
	FieldID string
	Name    string
	Spec    FieldSpec
}

func (d FieldDefinition) Key() NodeKey {
	return NodeKey{TableID: d.TableID, FieldID: d.FieldID}
}

// Computed indica si el motor es responsable de recalcular el campo.
func (d FieldDefinition) Computed() bool {
	switch d.Spec.(type) {
	case FormulaSpec, LookupSpec, RollupSpec:
		return true
	}
	return false
}

type fieldJSON struct {
	TableID string          `json:"tableId"`
	FieldID string          `json:"fieldId"`
	Name    string          `json:"name,omitempty"`
	Kind    FieldKind       `json:"kind"`
	Spec    json.RawMessage `json:"spec,omitempty"`
}

func (d FieldDefinition) MarshalJSON() ([]byte, error) {
	if d.Spec == nil {
		return nil, fmt.Errorf("%w: field %s has no spec", ErrInvalidField, d.Key())
	}
	spec, err := json.Marshal(d.Spec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fieldJSON{
		TableID: d.TableID,
		FieldID: d.FieldID,
		Name:    d.Name,
		Kind:    d.Spec.Kind(),
		Spec:    spec,
	})
}

func (d *FieldDefinition) UnmarshalJSON(data []byte) error {
	var raw fieldJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	spec, err := decodeSpec(raw.Kind, raw.Spec)
	if err != nil {
		return err
	}

	d.TableID = raw.TableID
	d.FieldID = raw.FieldID
	d.Name = raw.Name
	d.Spec = spec
	return nil
}

func decodeSpec(kind FieldKind, data json.RawMessage) (FieldSpec, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	switch kind {
	case KindBase:
		var s BaseSpec
		return s, json.Unmarshal(data, &s)
	case KindLink:
		var s LinkSpec
		return s, json.Unmarshal(data, &s)
	case KindFormula:
		var s FormulaSpec
		return s, json.Unmarshal(data, &s)
	case KindLookup:
		var s LookupSpec
		return s, json.Unmarshal(data, &s)
	case KindRollup:
		var s RollupSpec
		return s, json.Unmarshal(data, &s)
	default:
		return nil, fmt.Errorf("%w: unknown field kind %q", ErrInvalidField, kind)
	}
}
