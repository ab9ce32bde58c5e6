package handlers

import (
	"net/http"

	"tramites_app_go/services"

	"github.com/labstack/echo/v4"
)

// CatalogHandler serves the reference data used by the trámite forms
type CatalogHandler struct {
	service *services.CatalogService
}

func NewCatalogHandler(service *services.CatalogService) *CatalogHandler {
	return &CatalogHandler{service: service}
}

// List handles GET /api/catalogs
func (h *CatalogHandler) List(c echo.Context) error {
	catalogs, err := h.service.All(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, catalogs)
}
