package services

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"tramites_app_go/models"

	"gorm.io/gorm"
)

// ChangeStateInput is a request to move a trámite to a non-terminal state
type ChangeStateInput struct {
	ToEstado string `json:"toEstado"`
	Notes    string `json:"notes"`
	Placa    string `json:"placa"`
}

// ReopenInput is a request to reopen a finalized trámite
type ReopenInput struct {
	Reason   string `json:"reason"`
	ToEstado string `json:"toEstado"`
}

// NormalizePlaca trims and upper-cases a plate
func NormalizePlaca(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}

func parseState(raw string) models.TramiteState {
	return models.TramiteState(strings.ToUpper(strings.TrimSpace(raw)))
}

// applyTransitionTx writes the history entry and moves the trámite out of
// the state it was read in. If another transaction changed the state first,
// the update matches no row and the caller gets a conflict.
func (s *TramiteService) applyTransitionTx(tx *gorm.DB, t *models.Tramite, to models.TramiteState, action models.HistoryAction, notes *string, extra map[string]interface{}, actor string) error {
	from := t.EstadoActual
	if _, err := s.appendHistoryTx(tx, t.ID, &from, to, action, notes, actor); err != nil {
		return err
	}

	updates := map[string]interface{}{"estado_actual": to}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.Model(&models.Tramite{}).
		Where("id = ? AND estado_actual = ?", t.ID, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update tramite state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errConflict(t.ID)
	}
	t.EstadoActual = to
	return nil
}

// ChangeState moves an open trámite to another non-terminal state. Entering
// PLACA_ASIGNADA requires a plate, which is stored with the transition.
func (s *TramiteService) ChangeState(ctx context.Context, id string, input ChangeStateInput, actor string) (*models.Tramite, error) {
	actor = actorOrSystem(actor)
	to := parseState(input.ToEstado)
	var from models.TramiteState

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := loadTramiteTx(tx, id)
		if err != nil {
			return err
		}
		if t.IsLocked() {
			return errLocked(t.ID, t.EstadoActual)
		}
		if !models.IsValidTramiteState(to) || to.IsTerminal() {
			appErr := errInvalidState(string(to))
			appErr.Details["tramite_id"] = t.ID
			return appErr
		}

		extra := map[string]interface{}{}
		if to == models.TramiteStatePlacaAsignada {
			placa := NormalizePlaca(input.Placa)
			if placa == "" {
				return newAppError(ErrMissingRequiredField, "PLACA_REQUIRED_FOR_STATE",
					"La placa es obligatoria para el estado PLACA_ASIGNADA.",
					map[string]interface{}{"tramite_id": t.ID, "to_estado": to, "field": "placa"},
					http.StatusUnprocessableEntity)
			}
			extra["placa"] = placa
		}

		from = t.EstadoActual
		return s.applyTransitionTx(tx, t, to, models.HistoryActionNormal, s.cleanNote(input.Notes), extra, actor)
	})
	if err != nil {
		return nil, err
	}

	return s.afterTransition(ctx, id, EventTramiteStateChanged, from, actor)
}

// Finalize marks a trámite delivered
func (s *TramiteService) Finalize(ctx context.Context, id string, actor string) (*models.Tramite, error) {
	actor = actorOrSystem(actor)
	var from models.TramiteState

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := loadTramiteTx(tx, id)
		if err != nil {
			return err
		}
		if t.IsCanceled() {
			return errCanceledLock(t.ID)
		}
		if t.IsFinalized() {
			return newAppError(ErrAlreadyFinalized, "ALREADY_FINALIZED", "Ya está finalizado.",
				map[string]interface{}{"tramite_id": t.ID}, http.StatusConflict)
		}

		from = t.EstadoActual
		note := "Finalizado."
		return s.applyTransitionTx(tx, t, models.TramiteStateFinalizadoEntregado, models.HistoryActionFinalizar, &note,
			map[string]interface{}{"finalized_at": s.now()}, actor)
	})
	if err != nil {
		return nil, err
	}

	return s.afterTransition(ctx, id, EventTramiteFinalized, from, actor)
}

// Cancel cancels a trámite from any state but CANCELADO, finalized ones
// included, and releases its consecutivo in the same transaction so the
// number can be handed out again
func (s *TramiteService) Cancel(ctx context.Context, id string, reason string, actor string) (*models.Tramite, error) {
	actor = actorOrSystem(actor)
	var from models.TramiteState

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := loadTramiteTx(tx, id)
		if err != nil {
			return err
		}
		if t.IsCanceled() {
			return newAppError(ErrAlreadyCanceled, "ALREADY_CANCELED", "Ya está cancelado.",
				map[string]interface{}{"tramite_id": t.ID}, http.StatusConflict)
		}

		from = t.EstadoActual
		if err := s.applyTransitionTx(tx, t, models.TramiteStateCancelado, models.HistoryActionCancelar, s.cleanNote(reason),
			map[string]interface{}{"canceled_at": s.now()}, actor); err != nil {
			return err
		}

		released, err := s.allocator.ReleaseForTramiteTx(tx, t.ID)
		if err != nil {
			return err
		}
		if released == 0 {
			log.Printf("[WARNING] Tramite %s had no active reservation to release", t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.afterTransition(ctx, id, EventTramiteCanceled, from, actor)
}

// Reopen moves a finalized trámite back to an open state (by default the
// configured reopen state) and clears finalized_at
func (s *TramiteService) Reopen(ctx context.Context, id string, input ReopenInput, actor string) (*models.Tramite, error) {
	actor = actorOrSystem(actor)
	reason := s.cleanNote(input.Reason)
	if reason == nil {
		return nil, errValidation("El motivo es obligatorio.", map[string]interface{}{"field": "reason"})
	}

	target := s.defaultReopenState()
	if strings.TrimSpace(input.ToEstado) != "" {
		target = parseState(input.ToEstado)
	}

	var from models.TramiteState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := loadTramiteTx(tx, id)
		if err != nil {
			return err
		}
		if t.IsCanceled() {
			return errCanceledLock(t.ID)
		}
		if !t.IsFinalized() {
			return newAppError(ErrNotFinalized, "NOT_FINALIZED", "Solo se puede reabrir si está finalizado.",
				map[string]interface{}{"tramite_id": t.ID, "estado_actual": t.EstadoActual}, http.StatusConflict)
		}
		if !models.IsValidTramiteState(target) || target.IsTerminal() {
			appErr := errInvalidState(string(target))
			appErr.Details["tramite_id"] = t.ID
			return appErr
		}

		from = t.EstadoActual
		return s.applyTransitionTx(tx, t, target, models.HistoryActionReabrir, reason,
			map[string]interface{}{"finalized_at": nil}, actor)
	})
	if err != nil {
		return nil, err
	}

	return s.afterTransition(ctx, id, EventTramiteReopened, from, actor)
}

func (s *TramiteService) defaultReopenState() models.TramiteState {
	if s.cfg != nil {
		st := parseState(s.cfg.DefaultReopenState)
		if models.IsValidTramiteState(st) && !st.IsTerminal() {
			return st
		}
	}
	return models.TramiteStateDocsFisicosPendientes
}

func (s *TramiteService) afterTransition(ctx context.Context, id, eventType string, from models.TramiteState, actor string) (*models.Tramite, error) {
	t, err := s.GetTramite(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Printf("[TRAMITE] %s: %s -> %s by %s", t.DisplayID(), from, t.EstadoActual, actor)
	s.publish(ctx, eventType, t, &from, actor)
	return t, nil
}
