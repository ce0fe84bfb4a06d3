package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/davicafu/fieldflow/internal/graph/application"
	"github.com/davicafu/fieldflow/internal/graph/domain"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	"github.com/davicafu/fieldflow/pkg/utils"
)

// RecomputeFunc encola el recálculo de un campo recién guardado.
type RecomputeFunc func(ctx context.Context, seed plannerDomain.ChangeSeed) error

// FieldHandler encapsula los endpoints de definición de campos.
type FieldHandler struct {
	service   *application.GraphService
	recompute RecomputeFunc
	log       *zap.Logger
}

func NewFieldHandler(service *application.GraphService, recompute RecomputeFunc, log *zap.Logger) *FieldHandler {
	return &FieldHandler{service: service, recompute: recompute, log: log}
}

type graphResponse struct {
	BaseID  string                   `json:"baseId"`
	Version int64                    `json:"version"`
	Fields  []domain.FieldDefinition `json:"fields"`
	Edges   []domain.Edge            `json:"edges"`
	Order   []domain.NodeKey         `json:"order"`
}

// GetGraph endpoint GET /bases/:baseId/graph
func (h *FieldHandler) GetGraph(c *gin.Context) {
	g, err := h.service.CurrentGraph(c.Request.Context(), c.Param("baseId"))
	if err != nil {
		sendError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, graphResponse{
		BaseID:  g.BaseID(),
		Version: g.Version(),
		Fields:  g.Fields(),
		Edges:   g.Edges(),
		Order:   g.TopologicalOrder(nil),
	})
}

// SaveField endpoint PUT /bases/:baseId/fields
// Un ciclo o una referencia rota se rechaza aquí y nunca llega al outbox.
func (h *FieldHandler) SaveField(c *gin.Context) {
	var def domain.FieldDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	baseID := c.Param("baseId")

	version, err := h.service.SaveField(c.Request.Context(), baseID, def)
	if err != nil {
		sendError(c, err)
		return
	}

	if def.Computed() && h.recompute != nil {
		seed := plannerDomain.ChangeSeed{BaseID: baseID, TableID: def.TableID, ChangeType: plannerDomain.FieldCreate, FieldIDs: []string{def.FieldID}}
		if err := h.recompute(c.Request.Context(), seed); err != nil {
			// El campo ya está guardado; el recálculo se puede pedir de nuevo.
			h.log.Warn("⚠️ No se pudo encolar el recálculo del campo",
				zap.String("base_id", baseID),
				zap.String("field", def.Key().String()),
				zap.Error(err))
		}
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"graphVersion": version})
}

// DeleteField endpoint DELETE /bases/:baseId/fields/:tableId/:fieldId
func (h *FieldHandler) DeleteField(c *gin.Context) {
	key := domain.NodeKey{TableID: c.Param("tableId"), FieldID: c.Param("fieldId")}
	version, err := h.service.DeleteField(c.Request.Context(), c.Param("baseId"), key)
	if err != nil {
		sendError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"graphVersion": version})
}

func sendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrFieldNotFound):
		utils.SendError(c, http.StatusNotFound, "field_not_found", err.Error())
	case errors.Is(err, domain.ErrCycleDetected):
		utils.SendError(c, http.StatusUnprocessableEntity, "cycle_detected", err.Error())
	case domain.IsStructural(err):
		utils.SendError(c, http.StatusUnprocessableEntity, "invalid_field", err.Error())
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrFieldInUse):
		utils.SendError(c, http.StatusConflict, "conflict", err.Error())
	default:
		utils.SendError(c, http.StatusInternalServerError, "internal", err.Error())
	}
}
