package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/thumbnailer/internal/api/handlers/jobs"
	"github.com/aliskhannn/thumbnailer/internal/api/respond"
)

// Setup registers the health check and job endpoints.
func Setup(h *jobs.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	r.GET("/healthz", func(c *ginext.Context) {
		respond.OK(c, "ok")
	})

	api := r.Group("/api")

	api.POST("/jobs", h.Enqueue) // enqueue a thumbnail job

	return r
}
