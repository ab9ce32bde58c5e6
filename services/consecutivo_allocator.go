package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"tramites_app_go/config"
	database "tramites_app_go/db"
	"tramites_app_go/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

// ConsecutivoAllocator hands out per (agency, year) consecutive numbers.
// Active reservations are the source of truth: a number is in use while a
// RESERVADO row holds it, and released numbers are handed out again.
type ConsecutivoAllocator struct {
	db          *gorm.DB
	maxAttempts int
	jitter      time.Duration
}

// NewConsecutivoAllocator creates an allocator bound to the given connection
func NewConsecutivoAllocator(db *gorm.DB, cfg *config.Config) *ConsecutivoAllocator {
	attempts := config.DefaultAllocatorMaxAttempts
	var jitter time.Duration
	if cfg != nil {
		if cfg.AllocatorMaxAttempts > 0 {
			attempts = cfg.AllocatorMaxAttempts
		}
		jitter = cfg.AllocatorRetryJitter
	}
	return &ConsecutivoAllocator{db: db, maxAttempts: attempts, jitter: jitter}
}

// FindSmallestMissing returns the smallest positive integer absent from an
// ascending list of used numbers.
// Example: [1 2 4] -> 3, [1 2 3] -> 4, [] -> 1
func FindSmallestMissing(sortedUsed []int) int {
	expected := 1
	for _, n := range sortedUsed {
		if n == expected {
			expected++
		} else if n > expected {
			break
		}
	}
	return expected
}

// Reserve claims the smallest free consecutivo for the agency and year.
// The read-compute-insert runs in one serializable transaction and is retried
// as a whole when the database reports a conflict.
func (a *ConsecutivoAllocator) Reserve(ctx context.Context, agencyID string, year int) (*models.ConsecutivoReservation, error) {
	if year <= 0 {
		return nil, errValidation("Año inválido.", map[string]interface{}{"year": year})
	}

	var agency models.Agency
	if err := a.db.WithContext(ctx).Select("id").First(&agency, "id = ?", agencyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errNotFound("Concesionario no existe.", map[string]interface{}{"agency_id": agencyID})
		}
		return nil, fmt.Errorf("failed to fetch agency: %w", err)
	}

	var lastErr error
	attempt := 0
	for attempt < a.maxAttempts {
		attempt++

		reservation, err := a.tryReserve(ctx, agencyID, year)
		if err == nil {
			if attempt > 1 {
				log.Printf("[ALLOCATOR] Reserved %d for agency %s/%d after %d attempts", reservation.Consecutivo, agencyID, year, attempt)
			}
			return reservation, nil
		}
		lastErr = err

		if ctx.Err() != nil || !isRetryableTxError(err) {
			break
		}
		log.Printf("[ALLOCATOR] Attempt %d/%d for agency %s/%d failed: %v", attempt, a.maxAttempts, agencyID, year, err)
		if err := a.wait(ctx); err != nil {
			break
		}
	}

	log.Printf("[ERROR] Consecutivo allocation failed for agency %s/%d after %d attempts: %v", agencyID, year, attempt, lastErr)
	appErr := newAppError(ErrAllocationFailed, "CONSECUTIVO_ERROR",
		"No se pudo asignar consecutivo. Intenta de nuevo.",
		map[string]interface{}{"agency_id": agencyID, "year": year, "attempts": attempt},
		http.StatusInternalServerError)
	appErr.Cause = lastErr
	return nil, appErr
}

func (a *ConsecutivoAllocator) tryReserve(ctx context.Context, agencyID string, year int) (*models.ConsecutivoReservation, error) {
	var reservation *models.ConsecutivoReservation

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := a.ReserveTx(tx, agencyID, year)
		if err != nil {
			return err
		}
		reservation = r
		return nil
	}, database.SerializableTxOptions(a.db))

	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// ReserveTx runs one read-compute-insert inside the caller's transaction.
// The caller owns retries; see isRetryableTxError.
func (a *ConsecutivoAllocator) ReserveTx(tx *gorm.DB, agencyID string, year int) (*models.ConsecutivoReservation, error) {
	var used []int
	if err := tx.Model(&models.ConsecutivoReservation{}).
		Where("agency_id = ? AND year = ? AND status = ?", agencyID, year, models.ReservationStatusReserved).
		Order("consecutivo ASC").
		Pluck("consecutivo", &used).Error; err != nil {
		return nil, err
	}

	r := models.ConsecutivoReservation{
		AgencyID:    agencyID,
		Year:        year,
		Consecutivo: FindSmallestMissing(used),
		Status:      models.ReservationStatusReserved,
	}
	if err := tx.Create(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

func (a *ConsecutivoAllocator) wait(ctx context.Context) error {
	if a.jitter <= 0 {
		return ctx.Err()
	}
	delay := time.Duration(rand.Int64N(int64(a.jitter))) + time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Release marks a reservation LIBERADO. Releasing an already released
// reservation is a no-op.
func (a *ConsecutivoAllocator) Release(ctx context.Context, reservationID string) error {
	conn := a.db.WithContext(ctx)

	result := conn.Model(&models.ConsecutivoReservation{}).
		Where("id = ? AND status = ?", reservationID, models.ReservationStatusReserved).
		Updates(releaseColumns())
	if result.Error != nil {
		return fmt.Errorf("failed to release reservation: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := conn.Model(&models.ConsecutivoReservation{}).Where("id = ?", reservationID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check reservation: %w", err)
	}
	if count == 0 {
		return errNotFound("Reserva no existe.", map[string]interface{}{"reservation_id": reservationID})
	}
	return nil
}

// BindTx attaches a reservation to its trámite inside the caller's
// transaction. It fails if the reservation is no longer active.
func (a *ConsecutivoAllocator) BindTx(tx *gorm.DB, reservationID, tramiteID string) error {
	result := tx.Model(&models.ConsecutivoReservation{}).
		Where("id = ? AND status = ?", reservationID, models.ReservationStatusReserved).
		Update("tramite_id", tramiteID)
	if result.Error != nil {
		return fmt.Errorf("failed to bind reservation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("reservation %s is no longer active", reservationID)
	}
	return nil
}

// ReleaseForTramiteTx releases every active reservation bound to the trámite
// inside the caller's transaction and returns how many rows changed.
func (a *ConsecutivoAllocator) ReleaseForTramiteTx(tx *gorm.DB, tramiteID string) (int64, error) {
	result := tx.Model(&models.ConsecutivoReservation{}).
		Where("tramite_id = ? AND status = ?", tramiteID, models.ReservationStatusReserved).
		Updates(releaseColumns())
	if result.Error != nil {
		return 0, fmt.Errorf("failed to release reservation: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func releaseColumns() map[string]interface{} {
	return map[string]interface{}{
		"status":      models.ReservationStatusReleased,
		"released_at": time.Now().UTC(),
		"tramite_id":  nil,
	}
}

// isRetryableTxError reports whether a failed allocation attempt may succeed
// if the whole transaction is run again.
func isRetryableTxError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"23505", // unique_violation
			"55P03", // lock_not_available
			"57014": // query_canceled (statement timeout)
			return true
		}
		return false
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		case sqlite3.ErrConstraint:
			return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
		}
		return false
	}

	// libsql surfaces remote errors as plain strings
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "unique constraint failed")
}
