package application

import (
	"context"
	"fmt"
	"sort"

	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	"github.com/davicafu/fieldflow/internal/planner/domain"
	"github.com/davicafu/fieldflow/internal/shared/infra/utils"
	"go.uber.org/zap"
)

// linkBatchSize acota cuántos ids se mandan en cada consulta de enlaces.
const linkBatchSize = 500

// Limits son los umbrales a partir de los cuales el plan se degrada a
// "recalcular el campo para todos los registros".
type Limits struct {
	MaxRecordsPerStep int
	MaxPlanRecords    int
}

// LinkResolver resuelve el fan-out de registros a través de un campo link.
type LinkResolver interface {
	LinkedRecordIDs(ctx context.Context, tableID, linkFieldID string, foreignIDs []string) ([]string, error)
}

// recordCounter es opcional: si el resolver también cuenta registros, la
// estimación de filas incluye los pasos sobre toda la tabla.
type recordCounter interface {
	CountRecords(ctx context.Context, tableID string) (int, error)
}

// Planner calcula planes de recálculo a partir de un cambio semilla.
type Planner struct {
	limits Limits
	log    *zap.Logger
}

func NewPlanner(limits Limits, log *zap.Logger) *Planner {
	return &Planner{limits: limits, log: log}
}

// Closure recorre el grafo en anchura desde los nodos semilla. Devuelve los
// nodos semilla y los nodos visitados (semillas incluidas) en orden topológico.
// Es sólo CPU: no toca almacenamiento.
func (p *Planner) Closure(g *graphDomain.Graph, seed domain.ChangeSeed) ([]graphDomain.NodeKey, []graphDomain.NodeKey, error) {
	if err := seed.Validate(); err != nil {
		return nil, nil, err
	}
	if !g.HasTable(seed.TableID) {
		return nil, nil, fmt.Errorf("%w: table %s", graphDomain.ErrUnknownReference, seed.TableID)
	}

	seeds, err := seedNodes(g, seed)
	if err != nil {
		return nil, nil, err
	}

	visited := make(map[graphDomain.NodeKey]bool, len(seeds))
	queue := append([]graphDomain.NodeKey(nil), seeds...)
	for _, k := range seeds {
		visited[k] = true
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, e := range g.Dependents(n) {
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	nodes := make([]graphDomain.NodeKey, 0, len(visited))
	for k := range visited {
		nodes = append(nodes, k)
	}
	return seeds, g.TopologicalOrder(nodes), nil
}

// seedNodes decide qué campos cambiaron. Crear o borrar un registro cambia todos
// sus campos; una actualización sólo los indicados (o todos si no se indica).
func seedNodes(g *graphDomain.Graph, seed domain.ChangeSeed) ([]graphDomain.NodeKey, error) {
	fieldIDs := utils.SortedUnique(seed.FieldIDs)
	if seed.ChangeType == domain.RecordCreate || seed.ChangeType == domain.RecordDelete || len(fieldIDs) == 0 {
		var keys []graphDomain.NodeKey
		for _, d := range g.FieldsOfTable(seed.TableID) {
			keys = append(keys, d.Key())
		}
		return keys, nil
	}

	keys := make([]graphDomain.NodeKey, 0, len(fieldIDs))
	for _, f := range fieldIDs {
		k := graphDomain.NodeKey{TableID: seed.TableID, FieldID: f}
		if _, ok := g.Field(k); !ok {
			return nil, fmt.Errorf("%w: field %s", graphDomain.ErrUnknownReference, k)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// recordSet es el conjunto de registros afectados de un nodo.
type recordSet struct {
	all bool
	ids map[string]struct{}
}

func (s *recordSet) add(ids ...string) {
	if s.all {
		return
	}
	if s.ids == nil {
		s.ids = make(map[string]struct{}, len(ids))
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

func (s *recordSet) merge(o *recordSet) {
	if o.all {
		s.all, s.ids = true, nil
		return
	}
	for id := range o.ids {
		s.add(id)
	}
}

func (s *recordSet) sorted() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Planner) overStepLimit(s *recordSet) bool {
	return !s.all && p.limits.MaxRecordsPerStep > 0 && len(s.ids) > p.limits.MaxRecordsPerStep
}

// Plan calcula el plan completo: la clausura del grafo más la expansión de
// registros a través de los links. Si resolver es nil, todo salto por link se
// trata como "todos los registros".
func (p *Planner) Plan(ctx context.Context, g *graphDomain.Graph, seed domain.ChangeSeed, resolver LinkResolver) (*domain.ExecutionPlan, error) {
	seeds, order, err := p.Closure(g, seed)
	if err != nil {
		return nil, err
	}

	coarsened := false
	sets := make(map[graphDomain.NodeKey]*recordSet, len(order))
	for _, k := range seeds {
		s := &recordSet{}
		if seed.AllRecords() {
			s.all = true
		} else {
			s.add(utils.SortedUnique(seed.RecordIDs)...)
		}
		sets[k] = s
	}

	inClosure := make(map[graphDomain.NodeKey]bool, len(order))
	for _, k := range order {
		inClosure[k] = true
	}

	for _, n := range order {
		src := sets[n]
		if src == nil {
			continue
		}
		for _, e := range g.Dependents(n) {
			if !inClosure[e.To] {
				continue
			}
			dst := sets[e.To]
			if dst == nil {
				dst = &recordSet{}
				sets[e.To] = dst
			}

			switch e.Kind {
			case graphDomain.EdgeSameRecord:
				dst.merge(src)
			case graphDomain.EdgeViaLink:
				if src.all || resolver == nil {
					coarsened = coarsened || (!src.all && resolver == nil)
					dst.merge(&recordSet{all: true})
					continue
				}
				if dst.all {
					continue
				}
				// En cuanto el paso supera el límite deja de enumerar enlaces.
				for _, chunk := range utils.Chunk(src.sorted(), linkBatchSize) {
					linked, err := resolver.LinkedRecordIDs(ctx, e.To.TableID, e.LinkFieldID, chunk)
					if err != nil {
						return nil, fmt.Errorf("resolve link %s.%s: %w", e.To.TableID, e.LinkFieldID, err)
					}
					dst.add(linked...)
					if p.overStepLimit(dst) {
						break
					}
				}
			}

			if p.overStepLimit(dst) {
				dst.all, dst.ids = true, nil
				coarsened = true
			}
		}
	}

	if seed.ChangeType == domain.RecordDelete {
		// Los registros borrados ya no existen: no hay nada que recalcular en ellos.
		for k, s := range sets {
			if k.TableID != seed.TableID || s.all {
				continue
			}
			for _, id := range seed.RecordIDs {
				delete(s.ids, id)
			}
		}
	}

	plan := &domain.ExecutionPlan{
		BaseID:       seed.BaseID,
		SeedTableID:  seed.TableID,
		ChangeType:   seed.ChangeType,
		SeedIDs:      seed.SeedIDs(),
		GraphVersion: g.Version(),
		Hash:         domain.PlanHash(seed.BaseID, seed.ChangeType, seed.SeedIDs(), g.Version()),
	}

	total := 0
	for _, k := range order {
		def, _ := g.Field(k)
		s := sets[k]
		if !def.Computed() || s == nil || (!s.all && len(s.ids) == 0) {
			continue
		}
		step := domain.Step{TableID: k.TableID, FieldID: k.FieldID, Kind: def.Spec.Kind(), AllRecords: s.all, Depth: g.Depth(k)}
		if !s.all {
			step.RecordIDs = s.sorted()
			total += len(step.RecordIDs)
		}
		plan.Steps = append(plan.Steps, step)
	}

	if p.limits.MaxPlanRecords > 0 && total > p.limits.MaxPlanRecords {
		for i := range plan.Steps {
			plan.Steps[i].AllRecords = true
			plan.Steps[i].RecordIDs = nil
		}
		coarsened = true
	}
	plan.Coarsened = coarsened

	inPlan := make(map[graphDomain.NodeKey]bool, len(order))
	for _, k := range order {
		inPlan[k] = true
	}
	for _, e := range g.Edges() {
		if inPlan[e.From] && inPlan[e.To] {
			plan.Edges = append(plan.Edges, e)
		}
	}

	plan.EstimatedRows = p.estimateRows(ctx, plan, resolver)

	if coarsened {
		p.log.Info("📉 Plan degradado a recálculo por tabla completa",
			zap.String("base_id", seed.BaseID),
			zap.String("plan_hash", plan.Hash),
			zap.Int("records", total))
	}
	return plan, nil
}

func (p *Planner) estimateRows(ctx context.Context, plan *domain.ExecutionPlan, resolver LinkResolver) int {
	counter, _ := resolver.(recordCounter)
	counts := make(map[string]int)
	rows := 0
	for _, s := range plan.Steps {
		if !s.AllRecords {
			rows += len(s.RecordIDs)
			continue
		}
		if counter == nil {
			continue
		}
		n, ok := counts[s.TableID]
		if !ok {
			var err error
			if n, err = counter.CountRecords(ctx, s.TableID); err != nil {
				p.log.Warn("⚠️ No se pudo contar registros", zap.String("table_id", s.TableID), zap.Error(err))
				n = 0
			}
			counts[s.TableID] = n
		}
		rows += n
	}
	return rows
}
