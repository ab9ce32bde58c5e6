package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Document keys with special meaning to the workflow
const (
	DocKeyFactura        = "FACTURA"
	DocKeyEvidenciaPlaca = "EVIDENCIA_PLACA"
	DocKeyDocFisico      = "DOC_FISICO"
	DocKeyReciboTimbre   = "RECIBO_TIMBRE"
	DocKeyReciboDerechos = "RECIBO_DERECHOS"
	DocKeyOtro           = "OTRO"
)

// DocumentType is a catalog entry for documents a trámite may collect
type DocumentType struct {
	ID        string    `gorm:"type:uuid;primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Key      string `gorm:"size:50;not null;uniqueIndex" json:"key"` // stable key used by clients
	Name     string `gorm:"size:200;not null" json:"name"`
	Required bool   `gorm:"not null;default:false" json:"required"`
	IsActive bool   `gorm:"not null;default:true" json:"is_active"`
}

// BeforeCreate hook to generate UUID
func (d *DocumentType) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name
func (DocumentType) TableName() string {
	return "document_types"
}
