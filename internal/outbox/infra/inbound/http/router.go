package http

import "github.com/gin-gonic/gin"

// RegisterOutboxRoutes registra las rutas de ingesta y de operador del outbox.
func RegisterOutboxRoutes(r *gin.Engine, handler *OutboxHandler) {
	r.POST("/changes", handler.SubmitChange)

	outbox := r.Group("/outbox")
	{
		outbox.GET("/tasks", handler.ListTasks)
		outbox.GET("/tasks/:id", handler.GetTask)
		outbox.POST("/tasks/:id/retry-now", handler.RetryNow)
		outbox.POST("/run", handler.RunNow)

		outbox.GET("/dead-letters", handler.ListDeadLetters)
		outbox.GET("/dead-letters/:id", handler.GetDeadLetter)
		outbox.DELETE("/dead-letters/:id", handler.DeleteDeadLetter)
		outbox.POST("/dead-letters/:id/retry", handler.RetryDeadLetter)
	}
}
