package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tramites_app_go/config"
	"tramites_app_go/middleware"
	"tramites_app_go/services"

	"github.com/labstack/echo/v4"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// TramiteHandler exposes the trámite service over HTTP
type TramiteHandler struct {
	service *services.TramiteService
	cfg     *config.Config
}

func NewTramiteHandler(service *services.TramiteService, cfg *config.Config) *TramiteHandler {
	return &TramiteHandler{service: service, cfg: cfg}
}

// Create handles POST /api/tramites (multipart form with the factura PDF)
func (h *TramiteHandler) Create(c echo.Context) error {
	var input services.CreateTramiteInput
	if err := c.Bind(&input); err != nil {
		return err
	}

	fileHeader, err := c.FormFile("factura")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Factura requerida.")
	}
	factura, err := services.ReadPDFUpload(fileHeader, h.cfg.MaxUploadBytes(), h.cfg.PDFPageLimit())
	if err != nil {
		return err
	}

	tramite, err := h.service.CreateTramite(c.Request().Context(), input, factura, middleware.GetActor(c))
	if err != nil {
		return err
	}
	return h.respondDetail(c, http.StatusCreated, tramite.ID)
}

// List handles GET /api/tramites
func (h *TramiteHandler) List(c echo.Context) error {
	var filter services.ListFilter
	err := echo.QueryParamsBinder(c).
		String("placa", &filter.Placa).
		Int("year", &filter.Year).
		String("concesionarioCode", &filter.AgencyCode).
		Int("consecutivo", &filter.Consecutivo).
		String("estado", &filter.Estado).
		String("ciudad", &filter.Ciudad).
		String("clienteDoc", &filter.ClienteDoc).
		String("createdFrom", &filter.CreatedFrom).
		String("createdTo", &filter.CreatedTo).
		Bool("includeCancelados", &filter.IncludeCancelados).
		Int("page", &filter.Page).
		Int("pageSize", &filter.PageSize).
		BindError()
	if err != nil {
		return err
	}

	result, err := h.service.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Atrasados handles GET /api/tramites/atrasados. With format=xlsx the report
// is downloaded as a workbook.
func (h *TramiteHandler) Atrasados(c echo.Context) error {
	items, err := h.service.Atrasados(c.Request().Context())
	if err != nil {
		return err
	}

	if c.QueryParam("format") != "xlsx" {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"items": items,
			"total": len(items),
		})
	}

	buf, err := services.WriteOverdueReport(items)
	if err != nil {
		return err
	}
	filename := fmt.Sprintf("atrasados-%s.xlsx", time.Now().Format("2006-01-02"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
}

// Get handles GET /api/tramites/:id
func (h *TramiteHandler) Get(c echo.Context) error {
	return h.respondDetail(c, http.StatusOK, c.Param("id"))
}

type patchTramiteRequest struct {
	Ciudad            *string         `json:"ciudad"`
	ConcesionarioCode *string         `json:"concesionarioCode"`
	HonorariosValor   json.RawMessage `json:"honorariosValor"`
}

// Patch handles PATCH /api/tramites/:id. honorariosValor may be a number, a
// string, or null (cleared to zero).
func (h *TramiteHandler) Patch(c echo.Context) error {
	var req patchTramiteRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	honorarios, err := honorariosText(req.HonorariosValor)
	if err != nil {
		return err
	}

	input := services.PatchTramiteInput{
		CityName:        req.Ciudad,
		AgencyCode:      req.ConcesionarioCode,
		HonorariosValor: honorarios,
	}
	tramite, err := h.service.Patch(c.Request().Context(), c.Param("id"), input, middleware.GetActor(c))
	if err != nil {
		return err
	}
	return h.respondDetail(c, http.StatusOK, tramite.ID)
}

// honorariosText turns the raw JSON fee into the text ParseMoney expects.
// An absent field is nil; null is the empty string.
func honorariosText(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	var text string
	switch {
	case bytes.Equal(raw, []byte("null")):
		text = ""
	case raw[0] == '"':
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "honorariosValor inválido.")
		}
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "honorariosValor debe ser un número.")
		}
		text = n.String()
	}
	return &text, nil
}

// History handles GET /api/tramites/:id/historial
func (h *TramiteHandler) History(c echo.Context) error {
	rows, err := h.service.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

// ChangeState handles POST /api/tramites/:id/estado
func (h *TramiteHandler) ChangeState(c echo.Context) error {
	var input services.ChangeStateInput
	if err := c.Bind(&input); err != nil {
		return err
	}

	tramite, err := h.service.ChangeState(c.Request().Context(), c.Param("id"), input, middleware.GetActor(c))
	if err != nil {
		return err
	}
	return h.respondDetail(c, http.StatusOK, tramite.ID)
}

// Finalize handles POST /api/tramites/:id/finalizar
func (h *TramiteHandler) Finalize(c echo.Context) error {
	tramite, err := h.service.Finalize(c.Request().Context(), c.Param("id"), middleware.GetActor(c))
	if err != nil {
		return err
	}
	return h.respondDetail(c, http.StatusOK, tramite.ID)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /api/tramites/:id/cancelar
func (h *TramiteHandler) Cancel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	tramite, err := h.service.Cancel(c.Request().Context(), c.Param("id"), req.Reason, middleware.GetActor(c))
	if err != nil {
		return err
	}
	return h.respondDetail(c, http.StatusOK, tramite.ID)
}

// Reopen handles POST /api/tramites/:id/reabrir
func (h *TramiteHandler) Reopen(c echo.Context) error {
	var input services.ReopenInput
	if err := c.Bind(&input); err != nil {
		return err
	}

	tramite, err := h.service.Reopen(c.Request().Context(), c.Param("id"), input, middleware.GetActor(c))
	if err != nil {
		return err
	}
	return h.respondDetail(c, http.StatusOK, tramite.ID)
}

// Checklist handles GET /api/tramites/:id/checklist
func (h *TramiteHandler) Checklist(c echo.Context) error {
	docs, err := h.service.Checklist(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, docs)
}

// ListFiles handles GET /api/tramites/:id/files
func (h *TramiteHandler) ListFiles(c echo.Context) error {
	files, err := h.service.ListFiles(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, files)
}

// UploadFile handles POST /api/tramites/:id/files (multipart: docKey, file)
func (h *TramiteHandler) UploadFile(c echo.Context) error {
	docKey := c.FormValue("docKey")
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Archivo requerido.")
	}
	upload, err := services.ReadPDFUpload(fileHeader, h.cfg.MaxUploadBytes(), h.cfg.PDFPageLimit())
	if err != nil {
		return err
	}

	file, err := h.service.UploadFile(c.Request().Context(), c.Param("id"), docKey, upload, middleware.GetActor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, file)
}

// DownloadFile handles GET /api/tramites/:id/files/:fileId. Providers that
// presign (R2) get a redirect; otherwise the bytes are streamed.
func (h *TramiteHandler) DownloadFile(c echo.Context) error {
	url, err := h.service.FileDownloadURL(c.Request().Context(), c.Param("id"), c.Param("fileId"))
	if err != nil {
		return err
	}
	if url != "" {
		return c.Redirect(http.StatusFound, url)
	}

	reader, file, err := h.service.OpenFile(c.Request().Context(), c.Param("id"), c.Param("fileId"))
	if err != nil {
		return err
	}
	defer reader.Close()

	contentType := file.MimeType
	if contentType == "" {
		contentType = services.AllowedMimeType
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", file.FilenameOriginal))
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(file.FileSize, 10))
	return c.Stream(http.StatusOK, contentType, reader)
}

func (h *TramiteHandler) respondDetail(c echo.Context, status int, id string) error {
	detail, err := h.service.GetDetail(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(status, detail)
}
