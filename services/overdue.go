package services

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"tramites_app_go/models"

	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// HistoryEvent is the slice of a history entry the overdue rules look at
type HistoryEvent struct {
	ToEstado  models.TramiteState
	ChangedAt time.Time
}

// OverdueMatch describes the rule a trámite breaks and by how many days
type OverdueMatch struct {
	Rule     string `json:"rule"`
	DaysLate int    `json:"daysLate"`
}

// OverdueItem is one row of the atrasados report
type OverdueItem struct {
	Tramite  TramiteSummary `json:"tramite"`
	Rule     string         `json:"rule"`
	DaysLate int            `json:"daysLate"`
}

const day = 24 * time.Hour

// EvaluateRule applies one alert rule to events ordered by ChangedAt. It
// returns how many whole days past the threshold the trámite is, and
// whether that number is positive.
func EvaluateRule(events []HistoryEvent, rule models.AlertRule, now time.Time) (int, bool) {
	lastFrom := -1
	for i, e := range events {
		if e.ToEstado == rule.FromEstado {
			lastFrom = i
		}
	}
	if lastFrom < 0 {
		return 0, false
	}

	enteredAt := events[lastFrom].ChangedAt
	for _, e := range events {
		if e.ToEstado == rule.ToEstado && e.ChangedAt.After(enteredAt) {
			return 0, false
		}
	}

	days := int(now.Sub(enteredAt) / day)
	daysLate := days - rule.ThresholdDays
	return daysLate, daysLate > 0
}

// IsOverdue reports whether any rule fires
func IsOverdue(events []HistoryEvent, rules []models.AlertRule, now time.Time) bool {
	for _, r := range rules {
		if _, late := EvaluateRule(events, r, now); late {
			return true
		}
	}
	return false
}

// WorstOverdue returns the rule with the most days late, or nil
func WorstOverdue(events []HistoryEvent, rules []models.AlertRule, now time.Time) *OverdueMatch {
	var worst *OverdueMatch
	for _, r := range rules {
		daysLate, late := EvaluateRule(events, r, now)
		if !late {
			continue
		}
		if worst == nil || daysLate > worst.DaysLate {
			worst = &OverdueMatch{
				Rule:     fmt.Sprintf("%s -> %s > %d días", r.FromEstado, r.ToEstado, r.ThresholdDays),
				DaysLate: daysLate,
			}
		}
	}
	return worst
}

func loadActiveRules(tx *gorm.DB) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	if err := tx.Where("is_active = ?", true).Order("name ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to load alert rules: %w", err)
	}
	return rules, nil
}

// loadHistoryEvents groups the history of the given trámites, oldest first
func loadHistoryEvents(tx *gorm.DB, tramiteIDs []string) (map[string][]HistoryEvent, error) {
	out := make(map[string][]HistoryEvent, len(tramiteIDs))
	if len(tramiteIDs) == 0 {
		return out, nil
	}

	var rows []models.TramiteHistory
	if err := tx.Select("tramite_id", "to_estado", "changed_at").
		Where("tramite_id IN ?", tramiteIDs).
		Order("changed_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	for _, h := range rows {
		out[h.TramiteID] = append(out[h.TramiteID], HistoryEvent{ToEstado: h.ToEstado, ChangedAt: h.ChangedAt})
	}
	return out, nil
}

// Atrasados lists every non-cancelled trámite that breaks at least one active
// rule, with the worst rule, most days late first
func (s *TramiteService) Atrasados(ctx context.Context) ([]OverdueItem, error) {
	conn := s.db.WithContext(ctx)

	rules, err := loadActiveRules(conn)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return []OverdueItem{}, nil
	}

	var tramites []models.Tramite
	if err := conn.Preload("City").Preload("Client").
		Where("estado_actual <> ?", models.TramiteStateCancelado).
		Order("created_at DESC").
		Find(&tramites).Error; err != nil {
		return nil, fmt.Errorf("failed to list tramites: %w", err)
	}

	ids := make([]string, len(tramites))
	for i, t := range tramites {
		ids[i] = t.ID
	}
	history, err := loadHistoryEvents(conn, ids)
	if err != nil {
		return nil, err
	}

	now := s.now()
	items := []OverdueItem{}
	for i := range tramites {
		worst := WorstOverdue(history[tramites[i].ID], rules, now)
		if worst == nil {
			continue
		}
		items = append(items, OverdueItem{
			Tramite:  newTramiteSummary(&tramites[i], true),
			Rule:     worst.Rule,
			DaysLate: worst.DaysLate,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].DaysLate > items[j].DaysLate
	})
	return items, nil
}

// WriteOverdueReport renders the atrasados report as an xlsx workbook
func WriteOverdueReport(items []OverdueItem) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Atrasados"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	headers := []interface{}{"Trámite", "Estado", "Placa", "Ciudad", "Cliente", "Documento", "Regla", "Días de atraso"}
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	for i, item := range items {
		placa := ""
		if item.Tramite.Placa != nil {
			placa = *item.Tramite.Placa
		}
		row := []interface{}{
			item.Tramite.DisplayID,
			string(item.Tramite.EstadoActual),
			placa,
			item.Tramite.CiudadNombre,
			item.Tramite.ClienteNombre,
			item.Tramite.ClienteDoc,
			item.Rule,
			item.DaysLate,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to render workbook: %w", err)
	}
	return buf, nil
}
