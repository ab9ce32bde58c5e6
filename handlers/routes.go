package handlers

import (
	"tramites_app_go/middleware"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes mounts the trámite API under /api. Mutations go through
// the write limiter when one is given.
func RegisterRoutes(e *echo.Echo, tramites *TramiteHandler, catalogs *CatalogHandler, writeLimiter *middleware.RateLimiter) {
	var write []echo.MiddlewareFunc
	if writeLimiter != nil {
		write = append(write, writeLimiter.Middleware())
	}

	api := e.Group("/api", middleware.Actor())
	api.GET("/catalogs", catalogs.List)

	t := api.Group("/tramites")
	{
		t.POST("", tramites.Create, write...)
		t.GET("", tramites.List)
		t.GET("/atrasados", tramites.Atrasados)
		t.GET("/:id", tramites.Get)
		t.PATCH("/:id", tramites.Patch, write...)
		t.GET("/:id/historial", tramites.History)
		t.POST("/:id/estado", tramites.ChangeState, write...)
		t.POST("/:id/finalizar", tramites.Finalize, write...)
		t.POST("/:id/cancelar", tramites.Cancel, write...)
		t.POST("/:id/reabrir", tramites.Reopen, write...)
		t.GET("/:id/checklist", tramites.Checklist)
		t.GET("/:id/files", tramites.ListFiles)
		t.POST("/:id/files", tramites.UploadFile, write...)
		t.GET("/:id/files/:fileId", tramites.DownloadFile)
	}
}
