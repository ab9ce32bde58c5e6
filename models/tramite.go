package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TramiteState is a workflow state of a trámite
type TramiteState string

// Workflow states, in the order a registration normally moves through them
const (
	TramiteStateFacturaRecibida         TramiteState = "FACTURA_RECIBIDA"
	TramiteStatePreasignacionSolicitada TramiteState = "PREASIGNACION_SOLICITADA"
	TramiteStatePlacaAsignada           TramiteState = "PLACA_ASIGNADA"
	TramiteStateDocsFisicosPendientes   TramiteState = "DOCS_FISICOS_PENDIENTES"
	TramiteStateDocsFisicosCompletos    TramiteState = "DOCS_FISICOS_COMPLETOS"
	TramiteStateEnviadoGestorTransito   TramiteState = "ENVIADO_GESTOR_TRANSITO"
	TramiteStateFinalizadoEntregado     TramiteState = "FINALIZADO_ENTREGADO"
	TramiteStateCancelado               TramiteState = "CANCELADO"
)

// TramiteStates lists every state in workflow order, terminal states last
var TramiteStates = []TramiteState{
	TramiteStateFacturaRecibida,
	TramiteStatePreasignacionSolicitada,
	TramiteStatePlacaAsignada,
	TramiteStateDocsFisicosPendientes,
	TramiteStateDocsFisicosCompletos,
	TramiteStateEnviadoGestorTransito,
	TramiteStateFinalizadoEntregado,
	TramiteStateCancelado,
}

// IsValidTramiteState checks if the state is known
func IsValidTramiteState(s TramiteState) bool {
	for _, v := range TramiteStates {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state locks the trámite
func (s TramiteState) IsTerminal() bool {
	return s == TramiteStateFinalizadoEntregado || s == TramiteStateCancelado
}

// Tramite is a vehicle-registration case record
type Tramite struct {
	ID        string    `gorm:"type:uuid;primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Numbering: (agency, year, consecutivo) only changes through reassignment
	Year                int     `gorm:"not null;index:idx_tramite_numero" json:"year"`
	AgencyID            string  `gorm:"type:uuid;not null;index:idx_tramite_numero" json:"agency_id"`
	Agency              Agency  `gorm:"foreignKey:AgencyID" json:"agency,omitempty"`
	AgencyCodeSnapshot  string  `gorm:"size:50;not null;index" json:"agency_code"`
	Consecutivo         int     `gorm:"not null;index:idx_tramite_numero" json:"consecutivo"`
	PreviousAgencyID    *string `gorm:"type:uuid" json:"previous_agency_id,omitempty"`
	PreviousConsecutivo *int    `json:"previous_consecutivo,omitempty"`

	CityID   string `gorm:"type:uuid;not null;index" json:"city_id"`
	City     City   `gorm:"foreignKey:CityID" json:"city,omitempty"`
	ClientID string `gorm:"type:uuid;not null;index" json:"client_id"`
	Client   Client `gorm:"foreignKey:ClientID" json:"client,omitempty"`

	// Plate is assigned by the transit authority during the workflow
	Placa           *string  `gorm:"size:20;index" json:"placa,omitempty"`
	HonorariosValor *float64 `json:"honorarios_valor,omitempty"`

	EstadoActual TramiteState `gorm:"size:40;not null;index" json:"estado_actual"`
	FinalizedAt  *time.Time   `json:"finalized_at,omitempty"`
	CanceledAt   *time.Time   `json:"canceled_at,omitempty"`

	CreatedByID string `gorm:"not null" json:"created_by_id"`

	History []TramiteHistory `gorm:"foreignKey:TramiteID" json:"history,omitempty"`
}

// BeforeCreate hook to generate UUID
func (t *Tramite) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name
func (Tramite) TableName() string {
	return "tramites"
}

// FormatDisplayID renders the human-facing identifier, e.g. 2025-AUTOTROPICAL-0007
func FormatDisplayID(year int, agencyCode string, consecutivo int) string {
	return fmt.Sprintf("%d-%s-%04d", year, agencyCode, consecutivo)
}

// DisplayID uses the agency code captured when the number was assigned
func (t *Tramite) DisplayID() string {
	return FormatDisplayID(t.Year, t.AgencyCodeSnapshot, t.Consecutivo)
}

// IsLocked reports whether the trámite rejects state changes
func (t *Tramite) IsLocked() bool {
	return t.EstadoActual.IsTerminal()
}

// IsFinalized checks if the trámite has been delivered
func (t *Tramite) IsFinalized() bool {
	return t.EstadoActual == TramiteStateFinalizadoEntregado
}

// IsCanceled checks if the trámite has been cancelled
func (t *Tramite) IsCanceled() bool {
	return t.EstadoActual == TramiteStateCancelado
}
