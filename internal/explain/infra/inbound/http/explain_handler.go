package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/davicafu/fieldflow/internal/explain/application"
	"github.com/davicafu/fieldflow/internal/explain/domain"
	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	outboxDomain "github.com/davicafu/fieldflow/internal/outbox/domain"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	recordDomain "github.com/davicafu/fieldflow/internal/record/domain"
	"github.com/davicafu/fieldflow/pkg/utils"
)

// ExplainHandler expone explain sobre semillas y sobre tareas existentes.
type ExplainHandler struct {
	service *application.ExplainService
}

func NewExplainHandler(service *application.ExplainService) *ExplainHandler {
	return &ExplainHandler{service: service}
}

// ExplainSeed endpoint POST /explain
func (h *ExplainHandler) ExplainSeed(c *gin.Context) {
	var req struct {
		Seed    plannerDomain.ChangeSeed `json:"seed"`
		Options domain.Options           `json:"options"`
	}
	// Las opciones ausentes conservan su valor por defecto.
	req.Options = domain.DefaultOptions()
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	res, err := h.service.ExplainSeed(c.Request.Context(), req.Seed, req.Options)
	if err != nil {
		sendError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, res)
}

// ExplainTask endpoint GET /outbox/tasks/:id/explain?analyze=&includeSql=&includeGraph=&includeLocks=
func (h *ExplainHandler) ExplainTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid_id", "invalid task id")
		return
	}

	opts := domain.DefaultOptions()
	for name, dst := range map[string]*bool{
		"analyze":      &opts.Analyze,
		"includeSql":   &opts.IncludeSQL,
		"includeGraph": &opts.IncludeGraph,
		"includeLocks": &opts.IncludeLocks,
	} {
		raw, ok := c.GetQuery(name)
		if !ok {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			utils.SendError(c, http.StatusBadRequest, "invalid_option", name+" must be a boolean")
			return
		}
		*dst = v
	}

	res, err := h.service.ExplainTask(c.Request.Context(), id, opts)
	if err != nil {
		sendError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, res)
}

func sendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, outboxDomain.ErrTaskNotFound):
		utils.SendError(c, http.StatusNotFound, "task_not_found", err.Error())
	case graphDomain.IsStructural(err), errors.Is(err, plannerDomain.ErrInvalidSeed):
		utils.SendError(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	case errors.Is(err, recordDomain.ErrDryRunUnsupported):
		utils.SendError(c, http.StatusNotImplemented, "dry_run_unsupported", err.Error())
	default:
		utils.SendError(c, http.StatusInternalServerError, "internal", err.Error())
	}
}
