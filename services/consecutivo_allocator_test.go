package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"tramites_app_go/config"
	"tramites_app_go/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func findAgency(t *testing.T, conn *gorm.DB, code string) models.Agency {
	t.Helper()
	var agency models.Agency
	require.NoError(t, conn.Where("code = ?", code).First(&agency).Error)
	return agency
}

func TestFindSmallestMissing(t *testing.T) {
	tests := []struct {
		name string
		used []int
		want int
	}{
		{"empty", nil, 1},
		{"gap in the middle", []int{1, 2, 4}, 3},
		{"contiguous", []int{1, 2, 3}, 4},
		{"gap at start", []int{2, 3}, 1},
		{"duplicates", []int{1, 1, 2, 5}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindSmallestMissing(tt.used))
		})
	}
}

func TestConsecutivoAllocator_Reserve(t *testing.T) {
	conn := setupTramiteTestDB(t)
	allocator := NewConsecutivoAllocator(conn, &config.Config{})
	ctx := context.Background()
	agency := findAgency(t, conn, "AUTOTROPICAL")

	t.Run("Numbers start at one per agency and year", func(t *testing.T) {
		r1, err := allocator.Reserve(ctx, agency.ID, 2025)
		require.NoError(t, err)
		r2, err := allocator.Reserve(ctx, agency.ID, 2025)
		require.NoError(t, err)
		other, err := allocator.Reserve(ctx, agency.ID, 2026)
		require.NoError(t, err)

		assert.Equal(t, 1, r1.Consecutivo)
		assert.Equal(t, 2, r2.Consecutivo)
		assert.Equal(t, 1, other.Consecutivo)
		assert.True(t, r1.IsReserved())
	})

	t.Run("Released numbers are reused smallest first", func(t *testing.T) {
		r3, err := allocator.Reserve(ctx, agency.ID, 2025)
		require.NoError(t, err)
		assert.Equal(t, 3, r3.Consecutivo)

		var r1 models.ConsecutivoReservation
		require.NoError(t, conn.Where("agency_id = ? AND year = ? AND consecutivo = ?", agency.ID, 2025, 1).First(&r1).Error)
		require.NoError(t, allocator.Release(ctx, r1.ID))

		again, err := allocator.Reserve(ctx, agency.ID, 2025)
		require.NoError(t, err)
		assert.Equal(t, 1, again.Consecutivo)

		next, err := allocator.Reserve(ctx, agency.ID, 2025)
		require.NoError(t, err)
		assert.Equal(t, 4, next.Consecutivo)
	})

	t.Run("Unknown agency", func(t *testing.T) {
		_, err := allocator.Reserve(ctx, "00000000-0000-0000-0000-000000000000", 2025)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("Invalid year", func(t *testing.T) {
		_, err := allocator.Reserve(ctx, agency.ID, 0)
		assert.True(t, errors.Is(err, ErrValidation))
	})
}

func TestConsecutivoAllocator_ConcurrentReserve(t *testing.T) {
	conn := setupTramiteTestDB(t)
	allocator := NewConsecutivoAllocator(conn, &config.Config{AllocatorMaxAttempts: 20})
	agency := findAgency(t, conn, "MOTOCOSTA")

	const n = 12
	var wg sync.WaitGroup
	results := make(chan int, n)
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := allocator.Reserve(context.Background(), agency.ID, 2025)
			if err != nil {
				errs <- err
				return
			}
			results <- r.Consecutivo
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("reserve failed: %v", err)
	}

	var got []int
	for c := range results {
		got = append(got, c)
	}
	sort.Ints(got)

	want := make([]int, n)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, got)
}

func TestConsecutivoAllocator_Release(t *testing.T) {
	conn := setupTramiteTestDB(t)
	allocator := NewConsecutivoAllocator(conn, &config.Config{})
	ctx := context.Background()
	agency := findAgency(t, conn, "AUTOSTAR")

	r, err := allocator.Reserve(ctx, agency.ID, 2025)
	require.NoError(t, err)

	require.NoError(t, allocator.Release(ctx, r.ID))
	require.NoError(t, allocator.Release(ctx, r.ID), "second release is a no-op")

	var stored models.ConsecutivoReservation
	require.NoError(t, conn.First(&stored, "id = ?", r.ID).Error)
	assert.Equal(t, models.ReservationStatusReleased, stored.Status)
	assert.NotNil(t, stored.ReleasedAt)
	assert.Nil(t, stored.TramiteID)

	err = allocator.Release(ctx, "missing-reservation")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestConsecutivoAllocator_ExhaustsRetries(t *testing.T) {
	conn := setupTramiteTestDB(t)
	allocator := NewConsecutivoAllocator(conn, &config.Config{AllocatorMaxAttempts: 3})
	agency := findAgency(t, conn, "JUANAUTOS")

	sw := failCreatesOn(t, conn, "consecutivo_reservations", gorm.ErrDuplicatedKey)
	sw.set(true)

	_, err := allocator.Reserve(context.Background(), agency.ID, 2025)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllocationFailed))

	appErr, ok := AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "CONSECUTIVO_ERROR", appErr.Code)
	assert.Equal(t, 3, appErr.Details["attempts"])
	assert.Equal(t, agency.ID, appErr.Details["agency_id"])
	assert.True(t, errors.Is(appErr.Cause, gorm.ErrDuplicatedKey))

	sw.set(false)
	r, err := allocator.Reserve(context.Background(), agency.ID, 2025)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Consecutivo)
}

func TestConsecutivoAllocator_NonRetryableStopsEarly(t *testing.T) {
	conn := setupTramiteTestDB(t)
	allocator := NewConsecutivoAllocator(conn, &config.Config{AllocatorMaxAttempts: 5})
	agency := findAgency(t, conn, "AUTOSTAR")

	sw := failCreatesOn(t, conn, "consecutivo_reservations", errors.New("disk full"))
	sw.set(true)

	_, err := allocator.Reserve(context.Background(), agency.ID, 2025)
	appErr, ok := AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, 1, appErr.Details["attempts"])
}

func TestIsRetryableTxError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"duplicated key", gorm.ErrDuplicatedKey, true},
		{"wrapped duplicated key", fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		{"deadline", context.DeadlineExceeded, true},
		{"postgres serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"postgres deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"postgres unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"postgres not null violation", &pgconn.PgError{Code: "23502"}, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, true},
		{"sqlite foreign key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}, false},
		{"libsql locked", errors.New("SQLITE_BUSY: database is locked"), true},
		{"other", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableTxError(tt.err))
		})
	}
}
