package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tramites_app_go/models"

	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// TramiteSummary is the list representation of a trámite
type TramiteSummary struct {
	ID            string              `json:"id"`
	DisplayID     string              `json:"display_id"`
	Year          int                 `json:"year"`
	AgencyCode    string              `json:"concesionario_code"`
	Consecutivo   int                 `json:"consecutivo"`
	EstadoActual  models.TramiteState `json:"estado_actual"`
	Placa         *string             `json:"placa"`
	CiudadNombre  string              `json:"ciudad_nombre"`
	ClienteNombre string              `json:"cliente_nombre"`
	ClienteDoc    string              `json:"cliente_doc"`
	CreatedAt     time.Time           `json:"created_at"`
	IsAtrasado    bool                `json:"is_atrasado"`
}

// TramiteDetail adds lifecycle and billing fields to the summary
type TramiteDetail struct {
	TramiteSummary
	HonorariosValor     float64    `json:"honorarios_valor"`
	FinalizedAt         *time.Time `json:"finalized_at"`
	CanceledAt          *time.Time `json:"canceled_at"`
	PreviousAgencyID    *string    `json:"previous_agency_id,omitempty"`
	PreviousConsecutivo *int       `json:"previous_consecutivo,omitempty"`
}

// newTramiteSummary expects City and Client to be loaded
func newTramiteSummary(t *models.Tramite, atrasado bool) TramiteSummary {
	return TramiteSummary{
		ID:            t.ID,
		DisplayID:     t.DisplayID(),
		Year:          t.Year,
		AgencyCode:    t.AgencyCodeSnapshot,
		Consecutivo:   t.Consecutivo,
		EstadoActual:  t.EstadoActual,
		Placa:         t.Placa,
		CiudadNombre:  t.City.Name,
		ClienteNombre: t.Client.Nombre,
		ClienteDoc:    t.Client.Doc,
		CreatedAt:     t.CreatedAt,
		IsAtrasado:    atrasado,
	}
}

// ListFilter narrows the trámite inbox. Zero values are ignored.
type ListFilter struct {
	Placa             string
	Year              int
	AgencyCode        string
	Consecutivo       int
	Estado            string
	Ciudad            string
	ClienteDoc        string
	CreatedFrom       string // YYYY-MM-DD, inclusive
	CreatedTo         string // YYYY-MM-DD, inclusive
	IncludeCancelados bool
	Page              int
	PageSize          int
}

// ListResult is one page of trámites
type ListResult struct {
	Items    []TramiteSummary `json:"items"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
}

func (f *ListFilter) scopes() (func(*gorm.DB) *gorm.DB, error) {
	var from, to time.Time
	var err error
	if f.CreatedFrom != "" {
		if from, err = time.Parse("2006-01-02", f.CreatedFrom); err != nil {
			return nil, errValidation("createdFrom inválido.", map[string]interface{}{"createdFrom": f.CreatedFrom})
		}
	}
	if f.CreatedTo != "" {
		if to, err = time.Parse("2006-01-02", f.CreatedTo); err != nil {
			return nil, errValidation("createdTo inválido.", map[string]interface{}{"createdTo": f.CreatedTo})
		}
	}

	estado := parseState(f.Estado)
	if f.Estado != "" && !models.IsValidTramiteState(estado) {
		return nil, errInvalidState(f.Estado)
	}

	return func(q *gorm.DB) *gorm.DB {
		switch {
		case f.Estado != "":
			q = q.Where("tramites.estado_actual = ?", estado)
		case !f.IncludeCancelados:
			q = q.Where("tramites.estado_actual <> ?", models.TramiteStateCancelado)
		}
		if p := NormalizePlaca(f.Placa); p != "" {
			q = q.Where("UPPER(tramites.placa) LIKE ?", "%"+p+"%")
		}
		if f.Year > 0 {
			q = q.Where("tramites.year = ?", f.Year)
		}
		if code := strings.ToUpper(strings.TrimSpace(f.AgencyCode)); code != "" {
			q = q.Where("tramites.agency_code_snapshot = ?", code)
		}
		if f.Consecutivo > 0 {
			q = q.Where("tramites.consecutivo = ?", f.Consecutivo)
		}
		if c := strings.TrimSpace(f.Ciudad); c != "" {
			q = q.Where("tramites.city_id IN (?)", q.Session(&gorm.Session{NewDB: true}).Model(&models.City{}).Select("id").Where("name = ?", c))
		}
		if d := strings.TrimSpace(f.ClienteDoc); d != "" {
			q = q.Where("tramites.client_id IN (?)", q.Session(&gorm.Session{NewDB: true}).Model(&models.Client{}).Select("id").Where("doc = ?", d))
		}
		if !from.IsZero() {
			q = q.Where("tramites.created_at >= ?", from.UTC())
		}
		if !to.IsZero() {
			q = q.Where("tramites.created_at < ?", to.UTC().Add(day))
		}
		return q
	}, nil
}

// List returns a page of trámites, newest first, each flagged with is_atrasado
func (s *TramiteService) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	scope, err := filter.scopes()
	if err != nil {
		return nil, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	conn := s.db.WithContext(ctx)

	var total int64
	if err := conn.Model(&models.Tramite{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count tramites: %w", err)
	}

	var tramites []models.Tramite
	if err := conn.Scopes(scope).
		Preload("City").Preload("Client").
		Order("tramites.created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tramites).Error; err != nil {
		return nil, fmt.Errorf("failed to list tramites: %w", err)
	}

	overdue, err := s.overdueFlags(conn, tramites)
	if err != nil {
		return nil, err
	}

	items := make([]TramiteSummary, len(tramites))
	for i := range tramites {
		items[i] = newTramiteSummary(&tramites[i], overdue[tramites[i].ID])
	}

	return &ListResult{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// GetDetail returns one trámite with its overdue flag
func (s *TramiteService) GetDetail(ctx context.Context, id string) (*TramiteDetail, error) {
	conn := s.db.WithContext(ctx)
	t, err := s.getTramite(conn, id)
	if err != nil {
		return nil, err
	}

	overdue, err := s.overdueFlags(conn, []models.Tramite{*t})
	if err != nil {
		return nil, err
	}

	detail := &TramiteDetail{
		TramiteSummary:      newTramiteSummary(t, overdue[t.ID]),
		FinalizedAt:         t.FinalizedAt,
		CanceledAt:          t.CanceledAt,
		PreviousAgencyID:    t.PreviousAgencyID,
		PreviousConsecutivo: t.PreviousConsecutivo,
	}
	if t.HonorariosValor != nil {
		detail.HonorariosValor = *t.HonorariosValor
	}
	return detail, nil
}

func (s *TramiteService) overdueFlags(conn *gorm.DB, tramites []models.Tramite) (map[string]bool, error) {
	flags := make(map[string]bool, len(tramites))
	if len(tramites) == 0 {
		return flags, nil
	}

	rules, err := loadActiveRules(conn)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return flags, nil
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
	for _, id := range ids {
		flags[id] = IsOverdue(history[id], rules, now)
	}
	return flags, nil
}
