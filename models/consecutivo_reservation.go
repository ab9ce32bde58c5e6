package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Reservation status constants
const (
	ReservationStatusReserved = "RESERVADO"
	ReservationStatusReleased = "LIBERADO"
)

// ConsecutivoReservation claims one sequence number for an (agency, year)
// pair. Rows are only written by services.ConsecutivoAllocator.
//
// The partial unique index keeps the RESERVADO set free of duplicates even if
// two transactions slip past the isolation level; released rows are kept for
// audit and do not take part in the index.
type ConsecutivoReservation struct {
	ID        string    `gorm:"type:uuid;primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	AgencyID    string `gorm:"type:uuid;not null;index:idx_reservation_lookup;uniqueIndex:idx_reservation_active,where:status = 'RESERVADO'" json:"agency_id"`
	Year        int    `gorm:"not null;index:idx_reservation_lookup;uniqueIndex:idx_reservation_active" json:"year"`
	Consecutivo int    `gorm:"not null;uniqueIndex:idx_reservation_active" json:"consecutivo"`

	Status     string     `gorm:"size:20;not null;default:RESERVADO;index:idx_reservation_lookup" json:"status"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`

	// Set once the owning trámite is committed; cleared on release
	TramiteID *string `gorm:"type:uuid;index" json:"tramite_id,omitempty"`
}

// BeforeCreate hook to generate UUID
func (r *ConsecutivoReservation) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = ReservationStatusReserved
	}
	return nil
}

// TableName specifies the table name
func (ConsecutivoReservation) TableName() string {
	return "consecutivo_reservations"
}

// IsReserved checks if the number is still held
func (r *ConsecutivoReservation) IsReserved() bool {
	return r.Status == ReservationStatusReserved
}
