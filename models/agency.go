package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Agency is a dealer or institution (concesionario) that files trámites.
// Together with the year it scopes the consecutivo number space.
type Agency struct {
	ID        string         `gorm:"type:uuid;primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Code     string `gorm:"size:50;not null;uniqueIndex" json:"code"` // e.g. AUTOTROPICAL
	Name     string `gorm:"size:200;not null" json:"name"`
	IsActive bool   `gorm:"not null;default:true" json:"is_active"`
}

// BeforeCreate hook to generate UUID
func (a *Agency) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name
func (Agency) TableName() string {
	return "agencies"
}
