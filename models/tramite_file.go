package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TramiteFile is one stored version of a document uploaded for a trámite
type TramiteFile struct {
	ID         string    `gorm:"type:uuid;primarykey" json:"id"`
	UploadedAt time.Time `gorm:"autoCreateTime" json:"uploaded_at"`

	TramiteID      string  `gorm:"type:uuid;not null;uniqueIndex:idx_file_tramite_key_version" json:"tramite_id"`
	DocKey         string  `gorm:"size:50;not null;uniqueIndex:idx_file_tramite_key_version" json:"doc_key"`
	Version        int     `gorm:"not null;uniqueIndex:idx_file_tramite_key_version" json:"version"`
	DocumentTypeID *string `gorm:"type:uuid" json:"document_type_id,omitempty"`

	FilenameOriginal string `gorm:"not null" json:"filename_original"`
	StoragePath      string `gorm:"not null;uniqueIndex" json:"-"` // storage key, not exposed
	FileSize         int64  `gorm:"not null" json:"file_size"`
	MimeType         string `json:"mime_type,omitempty"`

	UploadedByID string `gorm:"not null" json:"uploaded_by_id"`
}

// BeforeCreate hook to generate UUID
func (f *TramiteFile) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name
func (TramiteFile) TableName() string {
	return "tramite_files"
}
