package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"tramites_app_go/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList(t *testing.T) {
	env := newTramiteTestEnv(t)
	ctx := context.Background()

	first := env.create(t, "AUTOTROPICAL", "1001")
	env.advance(time.Hour)
	second := env.create(t, "MOTOCOSTA", "1002")
	env.advance(time.Hour)
	third := env.create(t, "AUTOTROPICAL", "1003")

	_, err := env.svc.ChangeState(ctx, second.ID, ChangeStateInput{ToEstado: "PLACA_ASIGNADA", Placa: "JKL987"}, "user-1")
	require.NoError(t, err)
	_, err = env.svc.Cancel(ctx, third.ID, "", "user-1")
	require.NoError(t, err)

	ids := func(res *ListResult) []string {
		out := make([]string, len(res.Items))
		for i, item := range res.Items {
			out[i] = item.ID
		}
		return out
	}

	t.Run("Cancelled tramites are hidden by default", func(t *testing.T) {
		res, err := env.svc.List(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Total)
		assert.Equal(t, []string{second.ID, first.ID}, ids(res), "newest first")
		assert.Equal(t, 1, res.Page)
		assert.Equal(t, defaultPageSize, res.PageSize)
	})

	t.Run("Include cancelled", func(t *testing.T) {
		res, err := env.svc.List(ctx, ListFilter{IncludeCancelados: true})
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.Total)
	})

	t.Run("Estado filter shows cancelled", func(t *testing.T) {
		res, err := env.svc.List(ctx, ListFilter{Estado: "cancelado"})
		require.NoError(t, err)
		assert.Equal(t, []string{third.ID}, ids(res))
	})

	t.Run("Placa is a partial match", func(t *testing.T) {
		res, err := env.svc.List(ctx, ListFilter{Placa: "kl9"})
		require.NoError(t, err)
		require.Len(t, res.Items, 1)
		assert.Equal(t, second.ID, res.Items[0].ID)
		assert.Equal(t, "JKL987", *res.Items[0].Placa)
	})

	t.Run("Agency, consecutivo and client", func(t *testing.T) {
		res, err := env.svc.List(ctx, ListFilter{AgencyCode: "autotropical", Consecutivo: 1, Year: 2025})
		require.NoError(t, err)
		assert.Equal(t, []string{first.ID}, ids(res))

		res, err = env.svc.List(ctx, ListFilter{ClienteDoc: "1002"})
		require.NoError(t, err)
		assert.Equal(t, []string{second.ID}, ids(res))
		assert.Equal(t, "Cliente 1002", res.Items[0].ClienteNombre)
		assert.Equal(t, "Barranquilla", res.Items[0].CiudadNombre)
	})

	t.Run("City", func(t *testing.T) {
		res, err := env.svc.List(ctx, ListFilter{Ciudad: "Barranquilla"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Total)

		res, err = env.svc.List(ctx, ListFilter{Ciudad: "Cali"})
		require.NoError(t, err)
		assert.Zero(t, res.Total)
		assert.Empty(t, res.Items)
	})

	t.Run("Created date range", func(t *testing.T) {
		res, err := env.svc.List(ctx, ListFilter{CreatedFrom: "2025-03-10", CreatedTo: "2025-03-10"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Total)

		res, err = env.svc.List(ctx, ListFilter{CreatedFrom: "2025-03-11"})
		require.NoError(t, err)
		assert.Zero(t, res.Total)

		_, err = env.svc.List(ctx, ListFilter{CreatedTo: "10/03/2025"})
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("Pagination", func(t *testing.T) {
		res, err := env.svc.List(ctx, ListFilter{Page: 2, PageSize: 1})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Total)
		assert.Equal(t, []string{first.ID}, ids(res))

		res, err = env.svc.List(ctx, ListFilter{PageSize: 1000})
		require.NoError(t, err)
		assert.Equal(t, maxPageSize, res.PageSize)
	})

	t.Run("Invalid estado", func(t *testing.T) {
		_, err := env.svc.List(ctx, ListFilter{Estado: "PERDIDO"})
		assert.True(t, errors.Is(err, ErrInvalidState))
	})
}

func TestGetDetail(t *testing.T) {
	env := newTramiteTestEnv(t)
	ctx := context.Background()
	tramite := env.create(t, "MASSY_MOTORS", "2001")

	_, err := env.svc.Patch(ctx, tramite.ID, PatchTramiteInput{HonorariosValor: strPtr("450000")}, "user-1")
	require.NoError(t, err)

	detail, err := env.svc.GetDetail(ctx, tramite.ID)
	require.NoError(t, err)
	assert.Equal(t, "2025-MASSY_MOTORS-0001", detail.DisplayID)
	assert.Equal(t, 450000.0, detail.HonorariosValor)
	assert.Equal(t, models.TramiteStateFacturaRecibida, detail.EstadoActual)
	assert.False(t, detail.IsAtrasado)
	assert.Nil(t, detail.FinalizedAt)

	_, err = env.svc.GetDetail(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
