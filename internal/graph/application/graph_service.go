package application

import (
	"context"
	"fmt"

	"github.com/davicafu/fieldflow/internal/graph/domain"
	"github.com/davicafu/fieldflow/internal/shared/infra/platform/cache"
	"go.uber.org/zap"
)

// GraphService expone el grafo de dependencias vigente de cada base y valida
// las mutaciones de campos antes de persistirlas.
type GraphService struct {
	repo     domain.FieldRepository
	cache    cache.Cache
	cacheTTL int
	log      *zap.Logger
}

func NewGraphService(repo domain.FieldRepository, c cache.Cache, cacheTTLSecs int, log *zap.Logger) *GraphService {
	return &GraphService{repo: repo, cache: c, cacheTTL: cacheTTLSecs, log: log}
}

// CurrentGraph devuelve el grafo de la versión actual de la base.
// La caché se indexa por versión, así una entrada nunca queda obsoleta.
func (s *GraphService) CurrentGraph(ctx context.Context, baseID string) (*domain.Graph, error) {
	if s.cache != nil {
		version, err := s.repo.GraphVersion(ctx, baseID)
		if err != nil {
			return nil, err
		}

		var defs []domain.FieldDefinition
		hit, err := s.cache.Get(ctx, domain.CacheKeyGraph(baseID, version), &defs)
		if err != nil {
			s.log.Warn("⚠️ Error leyendo grafo de caché", zap.String("base_id", baseID), zap.Error(err))
		}
		if hit {
			return domain.Build(baseID, version, defs)
		}
	}

	defs, version, err := s.repo.ListFields(ctx, baseID)
	if err != nil {
		return nil, err
	}

	g, err := domain.Build(baseID, version, defs)
	if err != nil {
		return nil, err
	}

	cache.AsyncCacheSet(s.cache, domain.CacheKeyGraph(baseID, version), defs, s.cacheTTL, s.log)
	return g, nil
}

// SaveField crea o reemplaza un campo. Si el grafo resultante tiene ciclos o
// referencias rotas devuelve el error estructural y no persiste nada.
func (s *GraphService) SaveField(ctx context.Context, baseID string, def domain.FieldDefinition) (int64, error) {
	defs, version, err := s.repo.ListFields(ctx, baseID)
	if err != nil {
		return 0, err
	}

	candidate := make([]domain.FieldDefinition, 0, len(defs)+1)
	replaced := false
	for _, d := range defs {
		if d.Key() == def.Key() {
			candidate = append(candidate, def)
			replaced = true
			continue
		}
		candidate = append(candidate, d)
	}
	if !replaced {
		candidate = append(candidate, def)
	}

	if _, err := domain.Build(baseID, version+1, candidate); err != nil {
		s.log.Info("🚫 Campo rechazado",
			zap.String("base_id", baseID),
			zap.String("field", def.Key().String()),
			zap.Error(err))
		return 0, err
	}

	newVersion, err := s.repo.SaveField(ctx, baseID, def, version)
	if err != nil {
		return 0, fmt.Errorf("save field %s: %w", def.Key(), err)
	}

	// La clave lleva la versión: la anterior ya no se volverá a leer.
	cache.AsyncCacheDelete(s.cache, domain.CacheKeyGraph(baseID, version), s.log)

	s.log.Info("✅ Campo guardado",
		zap.String("base_id", baseID),
		zap.String("field", def.Key().String()),
		zap.Int64("graph_version", newVersion))
	return newVersion, nil
}

// DeleteField elimina un campo que no tenga dependientes.
func (s *GraphService) DeleteField(ctx context.Context, baseID string, key domain.NodeKey) (int64, error) {
	g, err := s.CurrentGraph(ctx, baseID)
	if err != nil {
		return 0, err
	}
	if _, ok := g.Field(key); !ok {
		return 0, domain.ErrFieldNotFound
	}
	if deps := g.Dependents(key); len(deps) > 0 {
		return 0, fmt.Errorf("%w: %s is used by %s", domain.ErrFieldInUse, key, deps[0].To)
	}

	newVersion, err := s.repo.DeleteField(ctx, baseID, key, g.Version())
	if err != nil {
		return 0, err
	}
	cache.AsyncCacheDelete(s.cache, domain.CacheKeyGraph(baseID, g.Version()), s.log)
	return newVersion, nil
}
