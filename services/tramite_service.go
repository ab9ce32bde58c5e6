package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"tramites_app_go/config"
	"tramites_app_go/models"

	"github.com/microcosm-cc/bluemonday"
	"gorm.io/gorm"
)

const (
	systemActor   = "system"
	maxNoteLength = 500

	creationNote = "Creación de trámite con factura."
)

// TramiteService owns the trámite state machine. Every mutation runs in one
// transaction; numbering goes through the ConsecutivoAllocator.
type TramiteService struct {
	db        *gorm.DB
	cfg       *config.Config
	allocator *ConsecutivoAllocator
	storage   StorageProvider
	events    EventPublisher
	notes     *bluemonday.Policy
	now       func() time.Time
}

// NewTramiteService wires the service. A nil publisher drops events.
func NewTramiteService(db *gorm.DB, cfg *config.Config, allocator *ConsecutivoAllocator, storage StorageProvider, events EventPublisher) *TramiteService {
	if events == nil {
		events = NoopPublisher{}
	}
	return &TramiteService{
		db:        db,
		cfg:       cfg,
		allocator: allocator,
		storage:   storage,
		events:    events,
		notes:     bluemonday.StrictPolicy(),
		now:       utcNow,
	}
}

func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// CreateTramiteInput holds the form fields sent with the factura
type CreateTramiteInput struct {
	AgencyCode   string `json:"concesionarioCode" form:"concesionarioCode"`
	CityName     string `json:"ciudad" form:"ciudad"`
	ClientDoc    string `json:"clienteDoc" form:"clienteDoc"`
	ClientNombre string `json:"clienteNombre" form:"clienteNombre"`
}

func (in *CreateTramiteInput) normalize() {
	in.AgencyCode = strings.ToUpper(strings.TrimSpace(in.AgencyCode))
	in.CityName = strings.TrimSpace(in.CityName)
	in.ClientDoc = strings.TrimSpace(in.ClientDoc)
	in.ClientNombre = strings.TrimSpace(in.ClientNombre)
}

func (in *CreateTramiteInput) validate() error {
	missing := []string{}
	if in.AgencyCode == "" {
		missing = append(missing, "concesionarioCode")
	}
	if in.CityName == "" {
		missing = append(missing, "ciudad")
	}
	if in.ClientDoc == "" {
		missing = append(missing, "clienteDoc")
	}
	if in.ClientNombre == "" {
		missing = append(missing, "clienteNombre")
	}
	if len(missing) > 0 {
		return errValidation("Campos obligatorios faltantes.", map[string]interface{}{"fields": missing})
	}
	if len(in.ClientDoc) > 30 {
		return errValidation("clienteDoc es demasiado largo.", map[string]interface{}{"max": 30})
	}
	if utf8.RuneCountInString(in.ClientNombre) > 200 {
		return errValidation("clienteNombre es demasiado largo.", map[string]interface{}{"max": 200})
	}
	return nil
}

// CreateTramite reserves a consecutivo, stores the factura and commits the
// trámite. If anything after the reservation fails, the stored factura is
// deleted and the reservation released before the original error is returned.
func (s *TramiteService) CreateTramite(ctx context.Context, input CreateTramiteInput, factura *UploadedFile, actor string) (*models.Tramite, error) {
	input.normalize()
	if err := input.validate(); err != nil {
		return nil, err
	}
	if err := ValidatePDF(factura, s.cfg.MaxUploadBytes(), s.cfg.PDFPageLimit()); err != nil {
		return nil, err
	}
	actor = actorOrSystem(actor)

	conn := s.db.WithContext(ctx)
	agency, err := findAgencyByCode(conn, input.AgencyCode)
	if err != nil {
		return nil, err
	}
	city, err := findCityByName(conn, input.CityName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	reservation, err := s.allocator.Reserve(ctx, agency.ID, now.Year())
	if err != nil {
		return nil, err
	}

	// The reservation gives this request exclusive use of the numbering prefix
	prefix := BuildTramiteFileKey(reservation.Year, agency.Code, reservation.Consecutivo, "")
	key, err := nextStorageKey(conn, prefix, models.DocKeyFactura)
	if err != nil {
		s.compensate(ctx, reservation.ID, "")
		return nil, err
	}

	if _, err := s.storage.UploadReader(ctx, bytes.NewReader(factura.Data), key, AllowedMimeType, factura.Size()); err != nil {
		log.Printf("[STORAGE] Failed to store factura %s: %v", key, err)
		s.compensate(ctx, reservation.ID, "")
		return nil, fmt.Errorf("failed to store factura: %w", err)
	}

	tramite := &models.Tramite{
		CreatedAt:          now,
		UpdatedAt:          now,
		Year:               reservation.Year,
		AgencyID:           agency.ID,
		AgencyCodeSnapshot: agency.Code,
		Consecutivo:        reservation.Consecutivo,
		CityID:             city.ID,
		EstadoActual:       models.TramiteStateFacturaRecibida,
		CreatedByID:        actor,
	}

	err = conn.Transaction(func(tx *gorm.DB) error {
		client, err := upsertClientTx(tx, input.ClientDoc, input.ClientNombre)
		if err != nil {
			return err
		}
		tramite.ClientID = client.ID

		if err := tx.Create(tramite).Error; err != nil {
			return fmt.Errorf("failed to create tramite: %w", err)
		}
		if err := s.allocator.BindTx(tx, reservation.ID, tramite.ID); err != nil {
			return err
		}

		facturaTypeID, err := createChecklistTx(tx, tramite.ID, now)
		if err != nil {
			return err
		}

		file := models.TramiteFile{
			TramiteID:        tramite.ID,
			DocKey:           models.DocKeyFactura,
			Version:          1,
			DocumentTypeID:   facturaTypeID,
			FilenameOriginal: factura.Filename,
			StoragePath:      key,
			FileSize:         factura.Size(),
			MimeType:         AllowedMimeType,
			UploadedByID:     actor,
		}
		if err := tx.Create(&file).Error; err != nil {
			return fmt.Errorf("failed to create file record: %w", err)
		}

		note := creationNote
		_, err = s.appendHistoryTx(tx, tramite.ID, nil, models.TramiteStateFacturaRecibida, models.HistoryActionNormal, &note, actor)
		return err
	})
	if err != nil {
		s.compensate(ctx, reservation.ID, key)
		return nil, err
	}

	tramite.Agency = *agency
	tramite.City = *city
	log.Printf("[TRAMITE] Created %s (id: %s)", tramite.DisplayID(), tramite.ID)
	s.publish(ctx, EventTramiteCreated, tramite, nil, actor)
	return tramite, nil
}

// compensate undoes the external effects of a failed creation. Failures are
// logged and never replace the error that triggered the compensation.
func (s *TramiteService) compensate(ctx context.Context, reservationID, key string) {
	ctx = context.WithoutCancel(ctx)
	if key != "" {
		if err := s.storage.Delete(ctx, key); err != nil {
			log.Printf("[ERROR] Compensation failed to delete %s: %v", key, err)
		}
	}
	if reservationID != "" {
		if err := s.allocator.Release(ctx, reservationID); err != nil {
			log.Printf("[ERROR] Compensation failed to release reservation %s: %v", reservationID, err)
		} else {
			log.Printf("[ALLOCATOR] Released reservation %s after failed operation", reservationID)
		}
	}
}

// GetTramite loads a trámite with its agency, city and client
func (s *TramiteService) GetTramite(ctx context.Context, id string) (*models.Tramite, error) {
	return s.getTramite(s.db.WithContext(ctx), id)
}

func (s *TramiteService) getTramite(conn *gorm.DB, id string) (*models.Tramite, error) {
	var t models.Tramite
	err := conn.Preload("Agency").Preload("City").Preload("Client").First(&t, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errNotFound("Trámite no existe.", map[string]interface{}{"id": id})
		}
		return nil, fmt.Errorf("failed to fetch tramite: %w", err)
	}
	return &t, nil
}

// loadTramiteTx reads the bare row inside the caller's transaction
func loadTramiteTx(tx *gorm.DB, id string) (*models.Tramite, error) {
	var t models.Tramite
	if err := tx.First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errNotFound("Trámite no existe.", map[string]interface{}{"id": id})
		}
		return nil, fmt.Errorf("failed to fetch tramite: %w", err)
	}
	return &t, nil
}

// History returns the transitions of a trámite, oldest first
func (s *TramiteService) History(ctx context.Context, id string) ([]models.TramiteHistory, error) {
	conn := s.db.WithContext(ctx)
	if _, err := loadTramiteTx(conn, id); err != nil {
		return nil, err
	}

	var rows []models.TramiteHistory
	if err := conn.Where("tramite_id = ?", id).Order("changed_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	return rows, nil
}

// nextHistoryTime returns a timestamp strictly after the latest history entry
// of the trámite, so ordering by changed_at always reproduces the trajectory
func (s *TramiteService) nextHistoryTime(tx *gorm.DB, tramiteID string) (time.Time, error) {
	now := s.now()

	var last models.TramiteHistory
	if err := tx.Select("id", "changed_at").
		Where("tramite_id = ?", tramiteID).
		Order("changed_at DESC").
		Limit(1).
		Find(&last).Error; err != nil {
		return time.Time{}, fmt.Errorf("failed to read last history entry: %w", err)
	}

	if last.ID != "" && !now.After(last.ChangedAt) {
		now = last.ChangedAt.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return now, nil
}

func (s *TramiteService) appendHistoryTx(tx *gorm.DB, tramiteID string, from *models.TramiteState, to models.TramiteState, action models.HistoryAction, notes *string, actor string) (*models.TramiteHistory, error) {
	changedAt, err := s.nextHistoryTime(tx, tramiteID)
	if err != nil {
		return nil, err
	}

	entry := models.TramiteHistory{
		TramiteID:   tramiteID,
		FromEstado:  from,
		ToEstado:    to,
		ChangedByID: actor,
		ChangedAt:   changedAt,
		Notes:       notes,
		ActionType:  action,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("failed to append history: %w", err)
	}
	return &entry, nil
}

// cleanNote strips markup from free text stored in the history
func (s *TramiteService) cleanNote(raw string) *string {
	clean := strings.TrimSpace(html.UnescapeString(s.notes.Sanitize(raw)))
	if clean == "" {
		return nil
	}
	if utf8.RuneCountInString(clean) > maxNoteLength {
		clean = string([]rune(clean)[:maxNoteLength])
	}
	return &clean
}

func (s *TramiteService) publish(ctx context.Context, eventType string, t *models.Tramite, from *models.TramiteState, actor string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.events.Publish(ctx, newTramiteEvent(eventType, t, from, actor)); err != nil {
		log.Printf("[EVENTS] Failed to publish %s for %s: %v", eventType, t.ID, err)
	}
}

func actorOrSystem(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return systemActor
	}
	return actor
}

func findAgencyByCode(conn *gorm.DB, code string) (*models.Agency, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var agency models.Agency
	if err := conn.Where("code = ? AND is_active = ?", code, true).First(&agency).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errValidation("Concesionario inválido.", map[string]interface{}{"concesionarioCode": code})
		}
		return nil, fmt.Errorf("failed to fetch agency: %w", err)
	}
	return &agency, nil
}

func findCityByName(conn *gorm.DB, name string) (*models.City, error) {
	name = strings.TrimSpace(name)
	var city models.City
	if err := conn.Where("name = ? AND is_active = ?", name, true).First(&city).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errValidation("Ciudad inválida.", map[string]interface{}{"ciudad": name})
		}
		return nil, fmt.Errorf("failed to fetch city: %w", err)
	}
	return &city, nil
}

// upsertClientTx finds a client by document (first match) and keeps the name current
func upsertClientTx(tx *gorm.DB, doc, nombre string) (*models.Client, error) {
	var client models.Client
	err := tx.Where("doc = ?", doc).Order("created_at ASC").First(&client).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		client = models.Client{Doc: doc, Nombre: nombre}
		if err := tx.Create(&client).Error; err != nil {
			return nil, fmt.Errorf("failed to create client: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to fetch client: %w", err)
	case client.Nombre != nombre:
		if err := tx.Model(&client).Update("nombre", nombre).Error; err != nil {
			return nil, fmt.Errorf("failed to update client: %w", err)
		}
		client.Nombre = nombre
	}
	return &client, nil
}

// createChecklistTx snapshots the active document types for a new trámite.
// The factura row starts RECIBIDO; its document type id is returned.
func createChecklistTx(tx *gorm.DB, tramiteID string, now time.Time) (*string, error) {
	var docTypes []models.DocumentType
	if err := tx.Where("is_active = ?", true).Order("name ASC").Find(&docTypes).Error; err != nil {
		return nil, fmt.Errorf("failed to load document types: %w", err)
	}

	var facturaTypeID *string
	docs := make([]models.TramiteDocument, 0, len(docTypes))
	for _, dt := range docTypes {
		doc := models.TramiteDocument{
			TramiteID:      tramiteID,
			DocumentTypeID: dt.ID,
			DocKey:         dt.Key,
			NameSnapshot:   dt.Name,
			Required:       dt.Required,
			Status:         models.ChecklistStatusPendiente,
		}
		if dt.Key == models.DocKeyFactura {
			id := dt.ID
			receivedAt := now
			facturaTypeID = &id
			doc.Status = models.ChecklistStatusRecibido
			doc.ReceivedAt = &receivedAt
		}
		docs = append(docs, doc)
	}

	if len(docs) > 0 {
		if err := tx.Create(&docs).Error; err != nil {
			return nil, fmt.Errorf("failed to create checklist: %w", err)
		}
	}
	return facturaTypeID, nil
}
