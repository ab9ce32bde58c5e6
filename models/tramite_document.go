package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Checklist status constants
const (
	ChecklistStatusPendiente = "PENDIENTE"
	ChecklistStatusRecibido  = "RECIBIDO"
)

// TramiteDocument is a checklist row snapshotted from the active document
// types when the trámite is created
type TramiteDocument struct {
	ID        string    `gorm:"type:uuid;primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TramiteID      string     `gorm:"type:uuid;not null;index:idx_checklist_tramite_key" json:"tramite_id"`
	DocumentTypeID string     `gorm:"type:uuid;not null" json:"document_type_id"`
	DocKey         string     `gorm:"size:50;not null;index:idx_checklist_tramite_key" json:"doc_key"`
	NameSnapshot   string     `gorm:"size:200;not null" json:"name"`
	Required       bool       `gorm:"not null" json:"required"`
	Status         string     `gorm:"size:20;not null;default:PENDIENTE" json:"status"`
	ReceivedAt     *time.Time `json:"received_at,omitempty"`
}

// BeforeCreate hook to generate UUID
func (d *TramiteDocument) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name
func (TramiteDocument) TableName() string {
	return "tramite_documents"
}
