package services

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"tramites_app_go/config"
	"tramites_app_go/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func buildImportWorkbook(t *testing.T, sheet string, rows [][]interface{}) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, f.SetSheetName("Sheet1", sheet))
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		r := row
		require.NoError(t, f.SetSheetRow(sheet, cell, &r))
	}

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func sampleImportRows() [][]interface{} {
	jan := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2025, time.February, 3, 0, 0, 0, 0, time.UTC)
	return [][]interface{}{
		{"INFORME DE TRAMITES REALIZADOS AUTOTROPICAL - TOYOTA"},
		{"", "FECHA", "#", "CIUDAD", "PLACA", "CLIENTE", "ESTADO", "HONORARIOS", "VALOR"},
		{"", jan, 1, "BQ", "abc123", "Juan Pérez", "ENTREGADO", 350000, 1200000},
		{"", feb, 2, "KLM456", "cartagena", "Ana Ruiz", "CANCELADO", "", ""},
		{"", feb, 3, "Soledad", "", "", "ENTREGADO"},
		{"", "TOTAL", "", "", "", "", "", 350000},
		{"INFORME DE TRAMITES REALIZADOS MASSY MOTORS"},
		{"", feb, 1, "sta marta", "XYZ78D", "Juan Perez", "ENTREGAOD", "1,000"},
		{"INFORME DE TRAMITES REALIZADOS CONCESIONARIO NUEVO"},
		{"", feb, 1, "BQ", "QQQ111", "Sin concesionario", "ENTREGADO"},
	}
}

func TestTramiteImporter_Import(t *testing.T) {
	conn := setupTramiteTestDB(t)
	cfg := &config.Config{}
	importer := NewTramiteImporter(conn, NewConsecutivoAllocator(conn, cfg))
	ctx := context.Background()

	result, err := importer.Import(ctx, buildImportWorkbook(t, ImportSheetName, sampleImportRows()), "importer")
	require.NoError(t, err)

	assert.Equal(t, 5, result.DateRows)
	assert.Equal(t, 3, result.Created)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 1, result.Swapped)
	assert.Len(t, result.Errors, 2)

	var tramites []models.Tramite
	require.NoError(t, conn.Preload("City").Preload("Client").Order("agency_code_snapshot ASC, consecutivo ASC").Find(&tramites).Error)
	require.Len(t, tramites, 3)

	t.Run("Finalized row", func(t *testing.T) {
		tr := tramites[0]
		assert.Equal(t, "2025-AUTOTROPICAL-0001", tr.DisplayID())
		assert.Equal(t, models.TramiteStateFinalizadoEntregado, tr.EstadoActual)
		assert.Equal(t, "Barranquilla", tr.City.Name)
		assert.Equal(t, "ABC123", *tr.Placa)
		assert.Equal(t, 350000.0, *tr.HonorariosValor)
		assert.Equal(t, StableClientDoc("Juan Pérez"), tr.Client.Doc)
		require.NotNil(t, tr.FinalizedAt)
		assert.Equal(t, 2025, tr.CreatedAt.Year())
		assert.Equal(t, time.January, tr.CreatedAt.Month())
	})

	t.Run("Cancelled row with swapped columns", func(t *testing.T) {
		tr := tramites[1]
		assert.Equal(t, 2, tr.Consecutivo)
		assert.Equal(t, models.TramiteStateCancelado, tr.EstadoActual)
		assert.Equal(t, "Cartagena", tr.City.Name)
		assert.Equal(t, "KLM456", *tr.Placa)
		assert.NotNil(t, tr.CanceledAt)

		var r models.ConsecutivoReservation
		require.NoError(t, conn.Where("agency_id = ? AND consecutivo = ?", tr.AgencyID, 2).First(&r).Error)
		assert.Equal(t, models.ReservationStatusReleased, r.Status)
	})

	t.Run("Second section uses its own agency", func(t *testing.T) {
		tr := tramites[2]
		assert.Equal(t, "2025-MASSY_MOTORS-0001", tr.DisplayID())
		assert.Equal(t, "Santa Marta", tr.City.Name)
		assert.Equal(t, 1000.0, *tr.HonorariosValor)
		assert.Equal(t, tramites[0].ClientID, tr.ClientID, "accents do not split clients")
	})

	t.Run("History entry per tramite", func(t *testing.T) {
		var rows []models.TramiteHistory
		require.NoError(t, conn.Where("tramite_id = ?", tramites[0].ID).Find(&rows).Error)
		require.Len(t, rows, 1)
		assert.Nil(t, rows[0].FromEstado)
		assert.Equal(t, importNote, *rows[0].Notes)
		assert.Equal(t, "importer", rows[0].ChangedByID)
	})

	t.Run("Running twice creates nothing new", func(t *testing.T) {
		again, err := importer.Import(ctx, buildImportWorkbook(t, ImportSheetName, sampleImportRows()), "importer")
		require.NoError(t, err)
		assert.Zero(t, again.Created)

		var count int64
		conn.Model(&models.Tramite{}).Count(&count)
		assert.Equal(t, int64(3), count)
	})
}

func TestTramiteImporter_MissingSheet(t *testing.T) {
	conn := setupTramiteTestDB(t)
	importer := NewTramiteImporter(conn, NewConsecutivoAllocator(conn, &config.Config{}))

	_, err := importer.Import(context.Background(), buildImportWorkbook(t, "Hoja1", sampleImportRows()), "importer")
	assert.True(t, errors.Is(err, ErrImportSheetMissing))
}

func TestImportNormalizers(t *testing.T) {
	assert.Equal(t, "ALEMANA_AUTOMOTRIZ", DetectAgencyCode("INFORME DE TRÁMITES REALIZADOS Alemana Automotriz – Mercedes Benz"))
	assert.Equal(t, "CLIENTES_VARIOS", DetectAgencyCode("clientes varios"))
	assert.Equal(t, "", DetectAgencyCode("otro"))

	assert.Equal(t, "Barranquilla", NormalizeCity(" baq "))
	assert.Equal(t, "Puerto Colombia", NormalizeCity("puerto  colombia"))
	assert.Equal(t, "Medellin", NormalizeCity("Medellín"))
	assert.Equal(t, "", NormalizeCity("  "))

	assert.True(t, LooksLikePlaca("abc123"))
	assert.True(t, LooksLikePlaca("ABC12D"))
	assert.False(t, LooksLikePlaca("Cartagena"))

	assert.Equal(t, StableClientDoc("JUAN  PEREZ"), StableClientDoc("juan pérez"))
	assert.Len(t, StableClientDoc("x"), len("IMP-")+12)
}

func TestParseImportDate(t *testing.T) {
	d, ok := parseImportDate("45672")
	require.True(t, ok)
	assert.True(t, d.Equal(time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)), d.String())

	d, ok = parseImportDate("2025-03-01")
	require.True(t, ok)
	assert.Equal(t, time.March, d.Month())

	for _, raw := range []string{"", "FECHA", "3", "TOTAL"} {
		_, ok := parseImportDate(raw)
		assert.False(t, ok, raw)
	}
}
