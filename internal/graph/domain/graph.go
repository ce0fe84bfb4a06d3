package domain

import (
	"fmt"
	"sort"

	"github.com/davicafu/fieldflow/internal/formula"
)

// EdgeKind distingue cómo se propaga un cambio a lo largo de una arista.
type EdgeKind string

const (
	// EdgeSameRecord: el dependiente vive en el mismo registro que la dependencia.
	EdgeSameRecord EdgeKind = "sameRecord"
	// EdgeViaLink: el dependiente vive en los registros que enlazan al registro cambiado.
	EdgeViaLink EdgeKind = "viaLink"
)

// Edge es una arista "depende de": To depende de From.
type Edge struct {
	From        NodeKey  `json:"from"`
	To          NodeKey  `json:"to"`
	Kind        EdgeKind `json:"kind"`
	LinkFieldID string   `json:"linkFieldId,omitempty"`
}

func (e Edge) less(o Edge) bool {
	if e.From != o.From {
		return e.From.Less(o.From)
	}
	if e.To != o.To {
		return e.To.Less(o.To)
	}
	if e.Kind != o.Kind {
		return e.Kind < o.Kind
	}
	return e.LinkFieldID < o.LinkFieldID
}

// Graph es el grafo de dependencias de una base. Es inmutable tras Build.
type Graph struct {
	baseID  string
	version int64
	fields  map[NodeKey]FieldDefinition
	forward map[NodeKey][]Edge // dependencia -> aristas hacia sus dependientes
	reverse map[NodeKey][]Edge // dependiente -> aristas desde sus dependencias
	order   []NodeKey
	depth   map[NodeKey]int
}

// Build valida las definiciones y construye el grafo. Devuelve un error
// estructural (ver IsStructural) si hay referencias rotas o ciclos.
func Build(baseID string, version int64, defs []FieldDefinition) (*Graph, error) {
	g := &Graph{
		baseID:  baseID,
		version: version,
		fields:  make(map[NodeKey]FieldDefinition, len(defs)),
		forward: make(map[NodeKey][]Edge),
		reverse: make(map[NodeKey][]Edge),
	}

	for _, d := range defs {
		if d.TableID == "" || d.FieldID == "" {
			return nil, fmt.Errorf("%w: table and field ids are required", ErrInvalidField)
		}
		if d.Spec == nil {
			return nil, fmt.Errorf("%w: field %s has no spec", ErrInvalidField, d.Key())
		}
		if _, dup := g.fields[d.Key()]; dup {
			return nil, fmt.Errorf("%w: duplicate field %s", ErrInvalidField, d.Key())
		}
		g.fields[d.Key()] = d
	}

	seen := make(map[Edge]struct{})
	for _, d := range defs {
		edges, err := g.edgesFor(d)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			g.forward[e.From] = append(g.forward[e.From], e)
			g.reverse[e.To] = append(g.reverse[e.To], e)
		}
	}
	for k := range g.forward {
		sortEdges(g.forward[k])
	}
	for k := range g.reverse {
		sortEdges(g.reverse[k])
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}

	g.order = g.TopologicalOrder(nil)
	g.depth = make(map[NodeKey]int, len(g.order))
	for _, k := range g.order {
		d := 0
		for _, e := range g.reverse[k] {
			if c := g.depth[e.From] + 1; c > d {
				d = c
			}
		}
		g.depth[k] = d
	}

	return g, nil
}

// edgesFor traduce la variante de campo a sus aristas entrantes.
func (g *Graph) edgesFor(d FieldDefinition) ([]Edge, error) {
	to := d.Key()

	switch s := d.Spec.(type) {
	case BaseSpec:
		return nil, nil

	case LinkSpec:
		if s.ForeignTableID == "" {
			return nil, fmt.Errorf("%w: link %s has no foreign table", ErrInvalidField, to)
		}
		return nil, nil

	case FormulaSpec:
		refs, err := formula.References(s.Expression)
		if err != nil {
			return nil, fmt.Errorf("%w: formula %s: %v", ErrInvalidField, to, err)
		}
		edges := make([]Edge, 0, len(refs))
		for _, ref := range refs {
			from := NodeKey{TableID: d.TableID, FieldID: ref}
			if _, ok := g.fields[from]; !ok {
				return nil, fmt.Errorf("%w: formula %s references %s", ErrUnknownReference, to, from)
			}
			edges = append(edges, Edge{From: from, To: to, Kind: EdgeSameRecord})
		}
		return edges, nil

	case LookupSpec:
		return g.linkedEdges(to, s.LinkFieldID, s.ForeignFieldID)

	case RollupSpec:
		if !s.Aggregation.Valid() {
			return nil, fmt.Errorf("%w: rollup %s has unknown aggregation %q", ErrInvalidField, to, s.Aggregation)
		}
		return g.linkedEdges(to, s.LinkFieldID, s.ForeignFieldID)

	default:
		return nil, fmt.Errorf("%w: unsupported field kind %T", ErrInvalidField, d.Spec)
	}
}

// linkedEdges genera las dos aristas de un lookup/rollup: una desde el propio
// campo link y otra desde el campo remoto a través del link.
func (g *Graph) linkedEdges(to NodeKey, linkFieldID, foreignFieldID string) ([]Edge, error) {
	linkKey := NodeKey{TableID: to.TableID, FieldID: linkFieldID}
	linkDef, ok := g.fields[linkKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s uses link %s", ErrUnknownReference, to, linkKey)
	}
	link, ok := linkDef.Spec.(LinkSpec)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a link field", ErrInvalidField, linkKey)
	}

	foreign := NodeKey{TableID: link.ForeignTableID, FieldID: foreignFieldID}
	if _, ok := g.fields[foreign]; !ok {
		return nil, fmt.Errorf("%w: %s references %s", ErrUnknownReference, to, foreign)
	}

	return []Edge{
		{From: linkKey, To: to, Kind: EdgeSameRecord},
		{From: foreign, To: to, Kind: EdgeViaLink, LinkFieldID: linkFieldID},
	}, nil
}

type dfsFrame struct {
	node NodeKey
	next int
}

// validateAcyclic recorre el grafo con un DFS de pila explícita.
func (g *Graph) validateAcyclic() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[NodeKey]int, len(g.fields))

	for _, root := range g.sortedKeys() {
		if color[root] != white {
			continue
		}
		stack := []dfsFrame{{node: root}}
		color[root] = grey

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := g.forward[top.node]
			if top.next >= len(edges) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			child := edges[top.next].To
			top.next++

			switch color[child] {
			case white:
				color[child] = grey
				stack = append(stack, dfsFrame{node: child})
			case grey:
				return &CycleError{Path: cyclePath(stack, child)}
			}
		}
	}
	return nil
}

// cyclePath recorta la pila desde la primera aparición de start y cierra el ciclo.
func cyclePath(stack []dfsFrame, start NodeKey) []NodeKey {
	var path []NodeKey
	for _, f := range stack {
		if len(path) == 0 && f.node != start {
			continue
		}
		path = append(path, f.node)
	}
	return append(path, start)
}

func (g *Graph) sortedKeys() []NodeKey {
	keys := make([]NodeKey, 0, len(g.fields))
	for k := range g.fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].less(edges[j]) })
}

func (g *Graph) BaseID() string { return g.baseID }

func (g *Graph) Version() int64 { return g.version }

// Field devuelve la definición del nodo si existe.
func (g *Graph) Field(k NodeKey) (FieldDefinition, bool) {
	d, ok := g.fields[k]
	return d, ok
}

// Fields devuelve todas las definiciones en orden canónico.
func (g *Graph) Fields() []FieldDefinition {
	out := make([]FieldDefinition, 0, len(g.fields))
	for _, k := range g.sortedKeys() {
		out = append(out, g.fields[k])
	}
	return out
}

// FieldsOfTable devuelve las definiciones de una tabla en orden canónico.
func (g *Graph) FieldsOfTable(tableID string) []FieldDefinition {
	var out []FieldDefinition
	for _, k := range g.sortedKeys() {
		if k.TableID == tableID {
			out = append(out, g.fields[k])
		}
	}
	return out
}

// HasTable indica si la tabla tiene al menos un campo definido.
func (g *Graph) HasTable(tableID string) bool {
	for k := range g.fields {
		if k.TableID == tableID {
			return true
		}
	}
	return false
}

// Dependents devuelve las aristas salientes: quién depende de k.
func (g *Graph) Dependents(k NodeKey) []Edge {
	return append([]Edge(nil), g.forward[k]...)
}

// Dependencies devuelve las aristas entrantes: de quién depende k.
func (g *Graph) Dependencies(k NodeKey) []Edge {
	return append([]Edge(nil), g.reverse[k]...)
}

// Edges devuelve todas las aristas en orden canónico.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for _, k := range g.sortedKeys() {
		out = append(out, g.forward[k]...)
	}
	return out
}

// Depth es la longitud del camino más largo desde un nodo sin dependencias.
func (g *Graph) Depth(k NodeKey) int {
	return g.depth[k]
}

// TopologicalOrder ordena el subconjunto dado (o todo el grafo si es nil) de
// modo que cada nodo aparece después de todas sus dependencias del subconjunto.
// El desempate es por NodeKey, así el resultado es determinista.
func (g *Graph) TopologicalOrder(subset []NodeKey) []NodeKey {
	in := make(map[NodeKey]bool)
	if subset == nil {
		for k := range g.fields {
			in[k] = true
		}
	} else {
		for _, k := range subset {
			in[k] = true
		}
	}

	indeg := make(map[NodeKey]int, len(in))
	for k := range in {
		indeg[k] = 0
	}
	for k := range in {
		for _, e := range g.forward[k] {
			if in[e.To] {
				indeg[e.To]++
			}
		}
	}

	var ready []NodeKey
	for k, d := range indeg {
		if d == 0 {
			ready = append(ready, k)
		}
	}

	order := make([]NodeKey, 0, len(in))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].Less(ready[j]) })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		for _, e := range g.forward[n] {
			if !in[e.To] {
				continue
			}
			indeg[e.To]--
			if indeg[e.To] == 0 {
				ready = append(ready, e.To)
			}
		}
	}
	return order
}
