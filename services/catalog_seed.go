package services

import (
	"fmt"
	"log"

	"tramites_app_go/models"

	"gorm.io/gorm"
)

var seedAgencies = []struct {
	Code string
	Name string
}{
	{"AUTOTROPICAL", "Autotropical - Toyota"},
	{"MOTOCOSTA", "Motocosta - Renault"},
	{"JUANAUTOS", "Juanautos - Renault"},
	{"ALEMANA_AUTOMOTRIZ", "Alemana Automotriz - Mercedes Benz"},
	{"MASSY_MOTORS", "Massy Motors - Jeep Volvo Peugeot Fiat Dodge RAM"},
	{"DAVIVIENDA", "Davivienda - Multimarcas"},
	{"CLIENTES_VARIOS", "Clientes Varios - Multimarcas"},
	{"AUTOSTAR", "Autostar - Multimarcas"},
}

var seedCities = []string{
	"Barranquilla", "Cartagena", "Santa Marta", "Sabanagrande", "Baranoa", "Puerto Colombia",
	"Sabanalarga", "Galapa", "Soledad", "Malambo", "Valledupar", "Riohacha", "Monteria",
	"Sincelejo", "Turbaco", "Plato", "Medellin", "Cali",
}

// Keys are stable; clients refer to document types by key
var seedDocumentTypes = []struct {
	Key      string
	Name     string
	Required bool
}{
	{models.DocKeyFactura, "Factura", true},
	{models.DocKeyEvidenciaPlaca, "Evidencia placa", false},
	{models.DocKeyDocFisico, "Documento físico", false},
	{models.DocKeyReciboTimbre, "Recibo timbre", false},
	{models.DocKeyReciboDerechos, "Recibo derechos", false},
	{models.DocKeyOtro, "Otro", false},
}

var seedAlertRules = []models.AlertRule{
	{
		Name:          "Placa asignada -> Docs físicos completos",
		FromEstado:    models.TramiteStatePlacaAsignada,
		ToEstado:      models.TramiteStateDocsFisicosCompletos,
		ThresholdDays: 5,
	},
	{
		Name:          "Enviado a gestor -> Finalizado",
		FromEstado:    models.TramiteStateEnviadoGestorTransito,
		ToEstado:      models.TramiteStateFinalizadoEntregado,
		ThresholdDays: 7,
	},
}

// SeedCatalogs upserts agencies, cities, document types and alert rules.
// Safe to run on every startup.
func SeedCatalogs(db *gorm.DB) error {
	log.Println("Seeding catalogs...")

	return db.Transaction(func(tx *gorm.DB) error {
		for _, a := range seedAgencies {
			var agency models.Agency
			if err := tx.Where(models.Agency{Code: a.Code}).
				Assign(models.Agency{Name: a.Name}).
				Attrs(models.Agency{IsActive: true}).
				FirstOrCreate(&agency).Error; err != nil {
				return fmt.Errorf("failed to seed agency %s: %w", a.Code, err)
			}
		}

		for _, name := range seedCities {
			var city models.City
			if err := tx.Where(models.City{Name: name}).
				Attrs(models.City{IsActive: true}).
				FirstOrCreate(&city).Error; err != nil {
				return fmt.Errorf("failed to seed city %s: %w", name, err)
			}
		}

		for _, d := range seedDocumentTypes {
			var docType models.DocumentType
			if err := tx.Where(models.DocumentType{Key: d.Key}).
				Assign(map[string]interface{}{"name": d.Name, "required": d.Required, "is_active": true}).
				FirstOrCreate(&docType).Error; err != nil {
				return fmt.Errorf("failed to seed document type %s: %w", d.Key, err)
			}
		}

		for _, r := range seedAlertRules {
			var rule models.AlertRule
			if err := tx.Where(models.AlertRule{Name: r.Name}).
				Assign(map[string]interface{}{
					"from_estado":    r.FromEstado,
					"to_estado":      r.ToEstado,
					"threshold_days": r.ThresholdDays,
					"is_active":      true,
				}).
				FirstOrCreate(&rule).Error; err != nil {
				return fmt.Errorf("failed to seed alert rule %q: %w", r.Name, err)
			}
		}

		log.Printf("Catalogs seeded: %d agencies, %d cities, %d document types, %d alert rules",
			len(seedAgencies), len(seedCities), len(seedDocumentTypes), len(seedAlertRules))
		return nil
	})
}
