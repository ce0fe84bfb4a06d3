package http

import "github.com/gin-gonic/gin"

// RegisterExplainRoutes registra las rutas de explain.
func RegisterExplainRoutes(r *gin.Engine, handler *ExplainHandler) {
	r.POST("/explain", handler.ExplainSeed)
	r.GET("/outbox/tasks/:id/explain", handler.ExplainTask)
}
