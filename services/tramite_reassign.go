package services

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"tramites_app_go/models"

	"gorm.io/gorm"
)

// PatchTramiteInput carries the editable fields of an open trámite. Nil
// fields are left untouched; an empty HonorariosValor means zero.
type PatchTramiteInput struct {
	CityName        *string
	AgencyCode      *string
	HonorariosValor *string
}

// ParseMoney parses a fee such as "1,250,000.50". Thousands separators are
// dropped and an empty value is zero.
func ParseMoney(raw string) (float64, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if cleaned == "" {
		return 0, nil
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errValidation("honorariosValor inválido.", map[string]interface{}{"honorariosValor": raw})
	}
	if v < 0 {
		return 0, errValidation("honorariosValor no puede ser negativo.", map[string]interface{}{"honorariosValor": v})
	}
	return v, nil
}

// Patch edits city and fee, and moves the trámite to another agency when the
// agency code changes. Finalized and cancelled trámites are read-only.
func (s *TramiteService) Patch(ctx context.Context, id string, input PatchTramiteInput, actor string) (*models.Tramite, error) {
	actor = actorOrSystem(actor)
	conn := s.db.WithContext(ctx)

	t, err := loadTramiteTx(conn, id)
	if err != nil {
		return nil, err
	}
	if t.IsCanceled() {
		return nil, errCanceledLock(t.ID)
	}
	if t.IsFinalized() {
		return nil, errFinalizedLock(t.ID)
	}

	updates := map[string]interface{}{}
	if input.HonorariosValor != nil {
		fee, err := ParseMoney(*input.HonorariosValor)
		if err != nil {
			return nil, err
		}
		updates["honorarios_valor"] = fee
	}
	if input.CityName != nil && strings.TrimSpace(*input.CityName) != "" {
		city, err := findCityByName(conn, *input.CityName)
		if err != nil {
			return nil, err
		}
		updates["city_id"] = city.ID
	}

	if input.AgencyCode != nil {
		code := strings.ToUpper(strings.TrimSpace(*input.AgencyCode))
		if code != "" && code != t.AgencyCodeSnapshot {
			agency, err := findAgencyByCode(conn, code)
			if err != nil {
				return nil, err
			}
			if err := s.reassign(ctx, t, agency, updates, actor); err != nil {
				return nil, err
			}
			return s.GetTramite(ctx, id)
		}
	}

	if len(updates) > 0 {
		result := conn.Model(&models.Tramite{}).
			Where("id = ? AND estado_actual NOT IN ?", t.ID,
				[]models.TramiteState{models.TramiteStateFinalizadoEntregado, models.TramiteStateCancelado}).
			Updates(updates)
		if result.Error != nil {
			return nil, fmt.Errorf("failed to update tramite: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, errConflict(t.ID)
		}
	}

	return s.GetTramite(ctx, id)
}

// Reassign moves an open trámite to another agency. It takes a fresh
// consecutivo for (new agency, same year), releases the old one and keeps the
// previous numbering on the record.
func (s *TramiteService) Reassign(ctx context.Context, id string, agencyCode string, actor string) (*models.Tramite, error) {
	actor = actorOrSystem(actor)
	conn := s.db.WithContext(ctx)

	t, err := loadTramiteTx(conn, id)
	if err != nil {
		return nil, err
	}
	if t.IsLocked() {
		return nil, errLocked(t.ID, t.EstadoActual)
	}

	agency, err := findAgencyByCode(conn, agencyCode)
	if err != nil {
		return nil, err
	}
	if agency.ID != t.AgencyID {
		if err := s.reassign(ctx, t, agency, nil, actor); err != nil {
			return nil, err
		}
	}
	return s.GetTramite(ctx, id)
}

// reassign reserves first, then swaps reservations in one transaction. If the
// swap fails the new reservation is released, so no RESERVADO row is left
// without a trámite.
func (s *TramiteService) reassign(ctx context.Context, t *models.Tramite, agency *models.Agency, extra map[string]interface{}, actor string) error {
	reservation, err := s.allocator.Reserve(ctx, agency.ID, t.Year)
	if err != nil {
		return err
	}

	var updated models.Tramite
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := loadTramiteTx(tx, t.ID)
		if err != nil {
			return err
		}
		if cur.IsLocked() {
			return errLocked(cur.ID, cur.EstadoActual)
		}
		if cur.AgencyID != t.AgencyID || cur.Consecutivo != t.Consecutivo {
			return errConflict(cur.ID)
		}

		if _, err := s.allocator.ReleaseForTramiteTx(tx, cur.ID); err != nil {
			return err
		}
		if err := s.allocator.BindTx(tx, reservation.ID, cur.ID); err != nil {
			return err
		}

		updates := map[string]interface{}{
			"previous_agency_id":   cur.AgencyID,
			"previous_consecutivo": cur.Consecutivo,
			"agency_id":            agency.ID,
			"agency_code_snapshot": agency.Code,
			"consecutivo":          reservation.Consecutivo,
		}
		for k, v := range extra {
			updates[k] = v
		}

		result := tx.Model(&models.Tramite{}).
			Where("id = ? AND agency_id = ? AND consecutivo = ?", cur.ID, cur.AgencyID, cur.Consecutivo).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to reassign tramite: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return errConflict(cur.ID)
		}

		note := fmt.Sprintf("Cambio de concesionario a %s. Reasignado consecutivo.", agency.Code)
		if _, err := s.appendHistoryTx(tx, cur.ID, &cur.EstadoActual, cur.EstadoActual, models.HistoryActionNormal, &note, actor); err != nil {
			return err
		}

		updated = *cur
		updated.AgencyID = agency.ID
		updated.AgencyCodeSnapshot = agency.Code
		updated.Consecutivo = reservation.Consecutivo
		return nil
	})
	if err != nil {
		s.compensate(ctx, reservation.ID, "")
		return err
	}

	log.Printf("[TRAMITE] Reassigned %s -> %s", t.DisplayID(), updated.DisplayID())
	from := updated.EstadoActual
	s.publish(ctx, EventTramiteReassigned, &updated, &from, actor)
	return nil
}
