package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes mounts the API on router
func (h *Handlers) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.rt.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: false,
	})))

	v1 := router.Group("/v1")
	v1.GET("/stats", h.Stats)
	v1.GET("/stream", h.hub.HandleConnection)

	api := v1.Group("", BodyLimit(MaxBodySize))
	{
		api.POST("/handlers/execute", h.Execute)
		api.POST("/handlers/precompile", h.Precompile)
		api.POST("/handlers/execute-compiled", h.ExecuteCompiled)
		api.POST("/suspensions/:id/resume", h.Resume)
	}
}
