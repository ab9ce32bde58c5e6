package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// HistoryAction classifies a history entry
type HistoryAction string

const (
	HistoryActionNormal    HistoryAction = "NORMAL"
	HistoryActionFinalizar HistoryAction = "FINALIZAR"
	HistoryActionCancelar  HistoryAction = "CANCELAR"
	HistoryActionReabrir   HistoryAction = "REABRIR"
)

// TramiteHistory is one state transition of a trámite. Entries are append-only;
// ordering by ChangedAt reconstructs the trajectory.
type TramiteHistory struct {
	ID string `gorm:"type:uuid;primarykey" json:"id"`

	TramiteID  string        `gorm:"type:uuid;not null;index:idx_history_tramite_changed" json:"tramite_id"`
	FromEstado *TramiteState `gorm:"size:40" json:"from_estado"` // nil for the creation entry
	ToEstado   TramiteState  `gorm:"size:40;not null" json:"to_estado"`

	ChangedByID string        `gorm:"not null" json:"changed_by"`
	ChangedAt   time.Time     `gorm:"not null;index:idx_history_tramite_changed" json:"changed_at"`
	Notes       *string       `gorm:"type:text" json:"notes,omitempty"`
	ActionType  HistoryAction `gorm:"size:20;not null;default:NORMAL" json:"action_type"`
}

// BeforeCreate hook to generate UUID
func (h *TramiteHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.ChangedAt.IsZero() {
		h.ChangedAt = time.Now().UTC()
	}
	if h.ActionType == "" {
		h.ActionType = HistoryActionNormal
	}
	return nil
}

// BeforeUpdate prevents modification of history entries
func (h *TramiteHistory) BeforeUpdate(tx *gorm.DB) error {
	return gorm.ErrRecordNotFound
}

// BeforeDelete prevents deletion of history entries
func (h *TramiteHistory) BeforeDelete(tx *gorm.DB) error {
	return gorm.ErrRecordNotFound
}

// TableName specifies the table name
func (TramiteHistory) TableName() string {
	return "tramite_state_history"
}
