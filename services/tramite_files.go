package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"tramites_app_go/models"

	"gorm.io/gorm"
)

const maxVersionAttempts = 3

// Checklist returns the document checklist of a trámite
func (s *TramiteService) Checklist(ctx context.Context, id string) ([]models.TramiteDocument, error) {
	conn := s.db.WithContext(ctx)
	if _, err := loadTramiteTx(conn, id); err != nil {
		return nil, err
	}

	var rows []models.TramiteDocument
	if err := conn.Where("tramite_id = ?", id).Order("name_snapshot ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch checklist: %w", err)
	}
	return rows, nil
}

// ListFiles returns every stored document version of a trámite
func (s *TramiteService) ListFiles(ctx context.Context, id string) ([]models.TramiteFile, error) {
	conn := s.db.WithContext(ctx)
	if _, err := loadTramiteTx(conn, id); err != nil {
		return nil, err
	}

	var files []models.TramiteFile
	if err := conn.Where("tramite_id = ?", id).Order("doc_key ASC, version ASC").Find(&files).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch files: %w", err)
	}
	return files, nil
}

// FileURLExpiry bounds how long a presigned download link stays valid
const FileURLExpiry = 15 * time.Minute

func (s *TramiteService) findFile(ctx context.Context, tramiteID, fileID string) (*models.TramiteFile, error) {
	var file models.TramiteFile
	err := s.db.WithContext(ctx).Where("id = ? AND tramite_id = ?", fileID, tramiteID).First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errNotFound("Archivo no existe.", map[string]interface{}{"tramite_id": tramiteID, "file_id": fileID})
		}
		return nil, fmt.Errorf("failed to fetch file: %w", err)
	}
	return &file, nil
}

// OpenFile returns a reader for one stored document. The caller closes it.
func (s *TramiteService) OpenFile(ctx context.Context, tramiteID, fileID string) (io.ReadCloser, *models.TramiteFile, error) {
	file, err := s.findFile(ctx, tramiteID, fileID)
	if err != nil {
		return nil, nil, err
	}

	reader, _, err := s.storage.Get(ctx, file.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stored file: %w", err)
	}
	return reader, file, nil
}

// FileDownloadURL returns a presigned link to one stored document, or "" when
// the storage provider cannot sign and the file has to be streamed
func (s *TramiteService) FileDownloadURL(ctx context.Context, tramiteID, fileID string) (string, error) {
	file, err := s.findFile(ctx, tramiteID, fileID)
	if err != nil {
		return "", err
	}

	url, err := s.storage.GetSignedURL(ctx, file.StoragePath, FileURLExpiry)
	if err != nil {
		return "", fmt.Errorf("failed to sign file url: %w", err)
	}
	return url, nil
}

// UploadFile stores a new version of a document. The file record is
// committed first to claim the version and storage key, then the bytes are
// written; if the write or the checklist update fails both are undone.
func (s *TramiteService) UploadFile(ctx context.Context, id string, docKey string, upload *UploadedFile, actor string) (*models.TramiteFile, error) {
	actor = actorOrSystem(actor)
	if err := ValidatePDF(upload, s.cfg.MaxUploadBytes(), s.cfg.PDFPageLimit()); err != nil {
		return nil, err
	}
	docKey = strings.ToUpper(strings.TrimSpace(docKey))
	if docKey == "" {
		return nil, errValidation("docKey es obligatorio.", map[string]interface{}{"field": "docKey"})
	}

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

	var docType models.DocumentType
	if err := conn.Where(&models.DocumentType{Key: docKey, IsActive: true}).First(&docType).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errValidation("docKey inválido.", map[string]interface{}{"docKey": docKey})
		}
		return nil, fmt.Errorf("failed to fetch document type: %w", err)
	}

	file, err := s.claimFileVersion(ctx, t, &docType, upload, actor)
	if err != nil {
		return nil, err
	}

	if _, err := s.storage.UploadReader(ctx, bytes.NewReader(upload.Data), file.StoragePath, AllowedMimeType, upload.Size()); err != nil {
		log.Printf("[STORAGE] Failed to store %s: %v", file.StoragePath, err)
		s.discardFile(ctx, file, false)
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	err = conn.Model(&models.TramiteDocument{}).
		Where("tramite_id = ? AND doc_key = ?", t.ID, docKey).
		Updates(map[string]interface{}{"status": models.ChecklistStatusRecibido, "received_at": s.now()}).Error
	if err != nil {
		s.discardFile(ctx, file, true)
		return nil, fmt.Errorf("failed to update checklist: %w", err)
	}

	log.Printf("[TRAMITE] %s: stored %s v%d", t.DisplayID(), docKey, file.Version)
	return file, nil
}

// claimFileVersion inserts the record for the next version. Concurrent
// uploads of the same document collide on the unique indexes and retry.
func (s *TramiteService) claimFileVersion(ctx context.Context, t *models.Tramite, docType *models.DocumentType, upload *UploadedFile, actor string) (*models.TramiteFile, error) {
	prefix := BuildTramiteFileKey(t.Year, t.AgencyCodeSnapshot, t.Consecutivo, "")

	var lastErr error
	for attempt := 1; attempt <= maxVersionAttempts; attempt++ {
		var file models.TramiteFile
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var last int
			if err := tx.Model(&models.TramiteFile{}).
				Where("tramite_id = ? AND doc_key = ?", t.ID, docType.Key).
				Select("COALESCE(MAX(version), 0)").
				Scan(&last).Error; err != nil {
				return fmt.Errorf("failed to read last version: %w", err)
			}

			key, err := nextStorageKey(tx, prefix, docType.Key)
			if err != nil {
				return err
			}

			docTypeID := docType.ID
			file = models.TramiteFile{
				TramiteID:        t.ID,
				DocKey:           docType.Key,
				Version:          last + 1,
				DocumentTypeID:   &docTypeID,
				FilenameOriginal: upload.Filename,
				StoragePath:      key,
				FileSize:         upload.Size(),
				MimeType:         AllowedMimeType,
				UploadedByID:     actor,
			}
			return tx.Create(&file).Error
		})
		if err == nil {
			return &file, nil
		}
		lastErr = err
		if !isRetryableTxError(err) {
			break
		}
	}
	return nil, fmt.Errorf("failed to register file version: %w", lastErr)
}

// discardFile removes a claimed version that never became valid
func (s *TramiteService) discardFile(ctx context.Context, file *models.TramiteFile, stored bool) {
	ctx = context.WithoutCancel(ctx)
	if stored {
		if err := s.storage.Delete(ctx, file.StoragePath); err != nil {
			log.Printf("[ERROR] Compensation failed to delete %s: %v", file.StoragePath, err)
		}
	}
	if err := s.db.WithContext(ctx).Delete(&models.TramiteFile{}, "id = ?", file.ID).Error; err != nil {
		log.Printf("[ERROR] Compensation failed to delete file record %s: %v", file.ID, err)
	}
}

// nextStorageKey returns the first free {DOC_KEY}_v{n}.pdf under prefix.
// Versions are counted over every record stored under the prefix, since a
// released consecutivo can be reused by a later trámite.
func nextStorageKey(tx *gorm.DB, prefix, docKey string) (string, error) {
	var paths []string
	if err := tx.Model(&models.TramiteFile{}).
		Where("storage_path LIKE ?", prefix+"%").
		Pluck("storage_path", &paths).Error; err != nil {
		return "", fmt.Errorf("failed to read stored versions: %w", err)
	}

	stem := prefix + docKey + "_v"
	highest := 0
	for _, p := range paths {
		if !strings.HasPrefix(p, stem) || !strings.HasSuffix(p, ".pdf") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(p, stem), ".pdf"))
		if err == nil && n > highest {
			highest = n
		}
	}
	return prefix + VersionedFilename(docKey, highest+1), nil
}
