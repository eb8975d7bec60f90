package controller

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the judge API under /api/v1/judge. Mutating
// operator endpoints sit behind the operator middleware. limit, when set,
// builds the rate limiter for a route key.
func RegisterRoutes(router gin.IRouter, h *JudgeController, operatorAuth gin.HandlerFunc, limit func(route string) gin.HandlerFunc) {
	if limit == nil {
		limit = func(string) gin.HandlerFunc { return func(c *gin.Context) { c.Next() } }
	}
	router.GET("/healthz", h.Health)

	api := router.Group("/api/v1/judge")
	api.POST("/processes", limit("create"), h.CreateProcess)
	api.GET("/processes/:id", h.GetStatus)
	api.GET("/processes/:id/watch", limit("watch"), h.Watch)
	api.GET("/queue/stats", h.QueueStats)

	ops := api.Group("")
	ops.Use(operatorAuth)
	ops.POST("/submissions/:id/rejudge", limit("rejudge"), h.Rejudge)
	ops.POST("/processes/:id/cancel", h.Cancel)
	ops.DELETE("/processes", h.Purge)
}
