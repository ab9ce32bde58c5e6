package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Client is the vehicle owner a trámite is filed for.
// Document numbers are not unique; lookups take the first match.
type Client struct {
	ID        string    `gorm:"type:uuid;primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Doc    string `gorm:"size:30;not null;index" json:"doc"`
	Nombre string `gorm:"size:200;not null" json:"nombre"`
}

// BeforeCreate hook to generate UUID
func (c *Client) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name
func (Client) TableName() string {
	return "clients"
}
