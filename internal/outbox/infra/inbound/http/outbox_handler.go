package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	"github.com/davicafu/fieldflow/internal/outbox/application"
	"github.com/davicafu/fieldflow/internal/outbox/domain"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	sharedQuery "github.com/davicafu/fieldflow/internal/shared/infra/platform/query"
	"github.com/davicafu/fieldflow/pkg/utils"
)

// OutboxHandler encapsula los endpoints de operador y de ingesta de cambios.
type OutboxHandler struct {
	changes  *application.ChangeService
	operator *application.OperatorService
	dead     *application.DeadLetterService
}

func NewOutboxHandler(changes *application.ChangeService, operator *application.OperatorService, dead *application.DeadLetterService) *OutboxHandler {
	return &OutboxHandler{changes: changes, operator: operator, dead: dead}
}

// SubmitChange endpoint POST /changes
func (h *OutboxHandler) SubmitChange(c *gin.Context) {
	var req plannerDomain.ChangeSeed
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	res, err := h.changes.Submit(c.Request.Context(), req)
	if err != nil {
		SendDomainError(c, err)
		return
	}

	status := http.StatusAccepted
	if res.Skipped {
		status = http.StatusOK
	}
	utils.SendSuccess(c, status, res)
}

// ListTasks endpoint GET /outbox/tasks
func (h *OutboxHandler) ListTasks(c *gin.Context) {
	p := Pagination(c)
	tasks, err := h.operator.ListTasks(c.Request.Context(), p)
	if err != nil {
		SendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, sharedQuery.Page[domain.TaskSummary]{Items: tasks, Limit: p.Limit, Offset: p.Offset})
}

// GetTask endpoint GET /outbox/tasks/:id
func (h *OutboxHandler) GetTask(c *gin.Context) {
	id, ok := ParseID(c)
	if !ok {
		return
	}
	task, err := h.operator.GetTask(c.Request.Context(), id)
	if err != nil {
		SendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, task)
}

// RetryNow endpoint POST /outbox/tasks/:id/retry-now
func (h *OutboxHandler) RetryNow(c *gin.Context) {
	id, ok := ParseID(c)
	if !ok {
		return
	}
	task, err := h.operator.RetryNow(c.Request.Context(), id)
	if err != nil {
		SendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, task)
}

// RunNow endpoint POST /outbox/run?limit=N
func (h *OutboxHandler) RunNow(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit <= 0 {
		utils.SendError(c, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	summary, err := h.operator.RunNow(c.Request.Context(), limit)
	if err != nil {
		SendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, summary)
}

// ListDeadLetters endpoint GET /outbox/dead-letters
func (h *OutboxHandler) ListDeadLetters(c *gin.Context) {
	p := Pagination(c)
	entries, err := h.dead.List(c.Request.Context(), p)
	if err != nil {
		SendDomainError(c, err)
		return
	}

	type row struct {
		domain.DeadLetterEntry
		SeedCount int `json:"seedCount"`
	}
	rows := make([]row, 0, len(entries))
	for i := range entries {
		rows = append(rows, row{DeadLetterEntry: entries[i], SeedCount: entries[i].SeedCount()})
	}
	utils.SendSuccess(c, http.StatusOK, sharedQuery.Page[row]{Items: rows, Limit: p.Limit, Offset: p.Offset})
}

// GetDeadLetter endpoint GET /outbox/dead-letters/:id
func (h *OutboxHandler) GetDeadLetter(c *gin.Context) {
	id, ok := ParseID(c)
	if !ok {
		return
	}
	entry, err := h.dead.Get(c.Request.Context(), id)
	if err != nil {
		SendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, entry)
}

// DeleteDeadLetter endpoint DELETE /outbox/dead-letters/:id
func (h *OutboxHandler) DeleteDeadLetter(c *gin.Context) {
	id, ok := ParseID(c)
	if !ok {
		return
	}
	if err := h.dead.Delete(c.Request.Context(), id); err != nil {
		SendDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RetryDeadLetter endpoint POST /outbox/dead-letters/:id/retry
func (h *OutboxHandler) RetryDeadLetter(c *gin.Context) {
	id, ok := ParseID(c)
	if !ok {
		return
	}
	task, err := h.dead.Retry(c.Request.Context(), id)
	if err != nil {
		SendDomainError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusCreated, task)
}

// ---------------- Helpers ----------------

// ParseID lee el parámetro :id; si no es un uuid responde 400.
func ParseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid_id", "invalid task id")
		return uuid.Nil, false
	}
	return id, true
}

// Pagination lee limit/offset con la misma lógica que el resto de listados.
func Pagination(c *gin.Context) sharedQuery.OffsetPagination {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	return sharedQuery.OffsetPagination{Limit: limit, Offset: offset}.Normalize()
}

// SendDomainError traduce los errores de dominio a códigos HTTP.
func SendDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		utils.SendError(c, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, domain.ErrDeadLetterNotFound):
		utils.SendError(c, http.StatusNotFound, "dead_letter_not_found", err.Error())
	case errors.Is(err, graphDomain.ErrFieldNotFound):
		utils.SendError(c, http.StatusNotFound, "field_not_found", err.Error())
	case errors.Is(err, graphDomain.ErrCycleDetected):
		utils.SendError(c, http.StatusUnprocessableEntity, "cycle_detected", err.Error())
	case graphDomain.IsStructural(err), errors.Is(err, plannerDomain.ErrInvalidSeed):
		utils.SendError(c, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	case errors.Is(err, graphDomain.ErrVersionConflict), errors.Is(err, graphDomain.ErrFieldInUse):
		utils.SendError(c, http.StatusConflict, "conflict", err.Error())
	default:
		utils.SendError(c, http.StatusInternalServerError, "internal", err.Error())
	}
}
