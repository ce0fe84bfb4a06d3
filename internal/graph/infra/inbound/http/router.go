package http

import "github.com/gin-gonic/gin"

// RegisterFieldRoutes registra las rutas de definición de campos de una base.
func RegisterFieldRoutes(r *gin.Engine, handler *FieldHandler) {
	bases := r.Group("/bases/:baseId")
	{
		bases.GET("/graph", handler.GetGraph)
		bases.PUT("/fields", handler.SaveField)
		bases.DELETE("/fields/:tableId/:fieldId", handler.DeleteField)
	}
}
