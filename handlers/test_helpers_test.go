package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"tramites_app_go/config"
	database "tramites_app_go/db"
	"tramites_app_go/middleware"
	"tramites_app_go/models"
	"tramites_app_go/services"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testPDF = buildTestPDF(1)

type testServer struct {
	e   *echo.Echo
	db  *gorm.DB
	cfg *config.Config
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	return setupTestServerWithStorage(t, services.NewLocalStorage(t.TempDir()))
}

func setupTestServerWithStorage(t *testing.T, storage services.StorageProvider) *testServer {
	t.Helper()

	dsn := database.SQLiteDSN(filepath.Join(t.TempDir(), "handlers.db"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			sqlDB.Close()
		}
	})

	require.NoError(t, conn.AutoMigrate(models.All()...))
	require.NoError(t, services.SeedCatalogs(conn))

	cfg := &config.Config{
		MaxUploadMB:        1,
		DefaultReopenState: string(models.TramiteStateDocsFisicosPendientes),
	}
	allocator := services.NewConsecutivoAllocator(conn, cfg)
	svc := services.NewTramiteService(conn, cfg, allocator, storage, services.NoopPublisher{})

	e := echo.New()
	e.HTTPErrorHandler = HTTPErrorHandler
	RegisterRoutes(e, NewTramiteHandler(svc, cfg), NewCatalogHandler(services.NewCatalogService(conn)), nil)

	return &testServer{e: e, db: conn, cfg: cfg}
}

func (s *testServer) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	req.Header.Set(middleware.ActorHeader, "tester")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) doJSON(method, path string, payload interface{}) *httptest.ResponseRecorder {
	var body io.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewReader(data)
	}
	return s.do(method, path, body, echo.MIMEApplicationJSON)
}

// multipartBody builds a form with the given fields and, when fileField is
// set, one file part
func multipartBody(t *testing.T, fields map[string]string, fileField, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	if fileField != "" {
		part, err := writer.CreateFormFile(fileField, filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func (s *testServer) createTramite(t *testing.T, agencyCode, clientDoc string) services.TramiteDetail {
	t.Helper()

	body, contentType := multipartBody(t, map[string]string{
		"concesionarioCode": agencyCode,
		"ciudad":            "Barranquilla",
		"clienteDoc":        clientDoc,
		"clienteNombre":     "Cliente " + clientDoc,
	}, "factura", "factura.pdf", testPDF)

	rec := s.do(http.MethodPost, "/api/tramites", body, contentType)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var detail services.TramiteDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	return detail
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) services.TramiteDetail {
	t.Helper()
	var detail services.TramiteDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail), rec.Body.String())
	return detail
}

// buildTestPDF writes a minimal but well-formed PDF with the given number of
// blank pages and a correct xref table
func buildTestPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /Resources << >> /MediaBox [0 0 612 792] >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}
