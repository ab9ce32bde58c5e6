package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AlertRule flags a trámite as overdue (atrasado) when it entered FromEstado
// more than ThresholdDays ago and has not reached ToEstado since.
type AlertRule struct {
	ID        string    `gorm:"type:uuid;primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name          string       `gorm:"size:200;not null;uniqueIndex" json:"name"`
	FromEstado    TramiteState `gorm:"size:40;not null" json:"from_estado"`
	ToEstado      TramiteState `gorm:"size:40;not null" json:"to_estado"`
	ThresholdDays int          `gorm:"not null" json:"threshold_days"`
	IsActive      bool         `gorm:"not null;default:true;index" json:"is_active"`
}

// BeforeCreate hook to generate UUID
func (r *AlertRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name
func (AlertRule) TableName() string {
	return "alert_rules"
}
