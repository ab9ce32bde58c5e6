package services

import (
	"bytes"
	"context"
	"testing"
	"time"

	"tramites_app_go/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestEvaluateRule(t *testing.T) {
	rule := models.AlertRule{
		FromEstado:    models.TramiteStatePlacaAsignada,
		ToEstado:      models.TramiteStateDocsFisicosCompletos,
		ThresholdDays: 5,
	}
	start := time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)
	entered := []HistoryEvent{
		{ToEstado: models.TramiteStateFacturaRecibida, ChangedAt: start.Add(-48 * time.Hour)},
		{ToEstado: models.TramiteStatePlacaAsignada, ChangedAt: start},
	}

	t.Run("Never entered the from state", func(t *testing.T) {
		_, late := EvaluateRule(entered[:1], rule, start.Add(30*day))
		assert.False(t, late)
	})

	t.Run("Within the threshold", func(t *testing.T) {
		days, late := EvaluateRule(entered, rule, start.Add(5*day+time.Hour))
		assert.False(t, late)
		assert.Equal(t, 0, days)
	})

	t.Run("Past the threshold", func(t *testing.T) {
		days, late := EvaluateRule(entered, rule, start.Add(8*day))
		assert.True(t, late)
		assert.Equal(t, 3, days)
	})

	t.Run("Reached the target afterwards", func(t *testing.T) {
		events := append(entered, HistoryEvent{ToEstado: models.TramiteStateDocsFisicosCompletos, ChangedAt: start.Add(2 * day)})
		_, late := EvaluateRule(events, rule, start.Add(20*day))
		assert.False(t, late)
	})

	t.Run("Re-entering the from state restarts the clock", func(t *testing.T) {
		events := []HistoryEvent{
			{ToEstado: models.TramiteStatePlacaAsignada, ChangedAt: start},
			{ToEstado: models.TramiteStateDocsFisicosCompletos, ChangedAt: start.Add(day)},
			{ToEstado: models.TramiteStatePlacaAsignada, ChangedAt: start.Add(10 * day)},
		}
		days, late := EvaluateRule(events, rule, start.Add(17*day))
		assert.True(t, late)
		assert.Equal(t, 2, days)
	})
}

func TestWorstOverdue(t *testing.T) {
	start := time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)
	rules := []models.AlertRule{
		{FromEstado: models.TramiteStatePlacaAsignada, ToEstado: models.TramiteStateDocsFisicosCompletos, ThresholdDays: 5},
		{FromEstado: models.TramiteStateFacturaRecibida, ToEstado: models.TramiteStateFinalizadoEntregado, ThresholdDays: 3},
	}
	events := []HistoryEvent{
		{ToEstado: models.TramiteStateFacturaRecibida, ChangedAt: start},
		{ToEstado: models.TramiteStatePlacaAsignada, ChangedAt: start.Add(day)},
	}

	worst := WorstOverdue(events, rules, start.Add(10*day))
	require.NotNil(t, worst)
	assert.Equal(t, "FACTURA_RECIBIDA -> FINALIZADO_ENTREGADO > 3 días", worst.Rule)
	assert.Equal(t, 7, worst.DaysLate)
	assert.True(t, IsOverdue(events, rules, start.Add(10*day)))

	assert.Nil(t, WorstOverdue(events, rules, start.Add(2*day)))
	assert.False(t, IsOverdue(events, nil, start.Add(100*day)))
}

func TestAtrasados(t *testing.T) {
	env := newTramiteTestEnv(t)
	ctx := context.Background()

	stuck := env.create(t, "AUTOTROPICAL", "4001")
	_, err := env.svc.ChangeState(ctx, stuck.ID, ChangeStateInput{ToEstado: "PLACA_ASIGNADA", Placa: "ABC123"}, "user-1")
	require.NoError(t, err)

	moving := env.create(t, "AUTOTROPICAL", "4002")
	_, err = env.svc.ChangeState(ctx, moving.ID, ChangeStateInput{ToEstado: "PLACA_ASIGNADA", Placa: "DEF456"}, "user-1")
	require.NoError(t, err)

	canceled := env.create(t, "AUTOTROPICAL", "4003")
	_, err = env.svc.ChangeState(ctx, canceled.ID, ChangeStateInput{ToEstado: "PLACA_ASIGNADA", Placa: "GHI789"}, "user-1")
	require.NoError(t, err)

	env.advance(2 * day)
	_, err = env.svc.ChangeState(ctx, moving.ID, ChangeStateInput{ToEstado: "DOCS_FISICOS_COMPLETOS"}, "user-1")
	require.NoError(t, err)
	_, err = env.svc.Cancel(ctx, canceled.ID, "", "user-1")
	require.NoError(t, err)

	env.advance(6*day + time.Hour)

	items, err := env.svc.Atrasados(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, stuck.ID, items[0].Tramite.ID)
	assert.Equal(t, 3, items[0].DaysLate)
	assert.Equal(t, "PLACA_ASIGNADA -> DOCS_FISICOS_COMPLETOS > 5 días", items[0].Rule)
	assert.True(t, items[0].Tramite.IsAtrasado)

	t.Run("List flags the same tramite", func(t *testing.T) {
		res, err := env.svc.List(ctx, ListFilter{})
		require.NoError(t, err)
		for _, item := range res.Items {
			assert.Equal(t, item.ID == stuck.ID, item.IsAtrasado, item.DisplayID)
		}
	})

	t.Run("Report workbook", func(t *testing.T) {
		buf, err := WriteOverdueReport(items)
		require.NoError(t, err)

		f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		defer f.Close()

		rows, err := f.GetRows("Atrasados")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "Trámite", rows[0][0])
		assert.Equal(t, stuck.DisplayID(), rows[1][0])
		assert.Equal(t, "ABC123", rows[1][2])
		assert.Equal(t, "3", rows[1][7])
	})
}
