package services

import (
	"context"
	"fmt"

	"tramites_app_go/models"

	"gorm.io/gorm"
)

// Catalogs groups the reference data clients need to build forms
type Catalogs struct {
	Agencies      []models.Agency       `json:"concesionarios"`
	Cities        []models.City         `json:"ciudades"`
	DocumentTypes []models.DocumentType `json:"document_types"`
	AlertRules    []models.AlertRule    `json:"alert_rules"`
	States        []models.TramiteState `json:"estados"`
}

// CatalogService reads the active catalogs
type CatalogService struct {
	db *gorm.DB
}

func NewCatalogService(db *gorm.DB) *CatalogService {
	return &CatalogService{db: db}
}

// All returns every active catalog, ordered for display
func (s *CatalogService) All(ctx context.Context) (*Catalogs, error) {
	conn := s.db.WithContext(ctx)
	out := &Catalogs{States: models.TramiteStates}

	if err := conn.Where("is_active = ?", true).Order("code ASC").Find(&out.Agencies).Error; err != nil {
		return nil, fmt.Errorf("failed to list agencies: %w", err)
	}
	if err := conn.Where("is_active = ?", true).Order("name ASC").Find(&out.Cities).Error; err != nil {
		return nil, fmt.Errorf("failed to list cities: %w", err)
	}
	if err := conn.Where("is_active = ?", true).Order("name ASC").Find(&out.DocumentTypes).Error; err != nil {
		return nil, fmt.Errorf("failed to list document types: %w", err)
	}
	if err := conn.Where("is_active = ?", true).Order("name ASC").Find(&out.AlertRules).Error; err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	return out, nil
}
