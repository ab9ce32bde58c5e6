package services

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

func init() {
	// pdfcpu would otherwise create a config dir under the user's home
	model.ConfigPath = "disable"
}

// AllowedMimeType is the only content accepted for trámite documents
const AllowedMimeType = "application/pdf"

// UploadedFile is a fully buffered upload ready to be stored
type UploadedFile struct {
	Filename    string
	ContentType string
	Data        []byte
	PageCount   int
}

// Size returns the payload length in bytes
func (f *UploadedFile) Size() int64 {
	return int64(len(f.Data))
}

// CountPDFPages parses the document and returns its page count
func CountPDFPages(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), conf)
}

// ValidatePDF checks the size limit, the %PDF magic bytes and the page limit,
// recording the page count on the file. maxPages <= 0 skips the page limit
// but the document must still parse.
func ValidatePDF(file *UploadedFile, maxBytes int64, maxPages int) error {
	if file == nil || len(file.Data) == 0 {
		return errValidation("Archivo requerido.", nil)
	}
	if maxBytes > 0 && file.Size() > maxBytes {
		return newAppError(ErrUploadTooLarge, "FILE_TOO_LARGE",
			fmt.Sprintf("El archivo supera el límite de %d MB.", maxBytes/(1024*1024)),
			map[string]interface{}{"size": file.Size(), "max_bytes": maxBytes},
			http.StatusRequestEntityTooLarge)
	}
	if !bytes.HasPrefix(file.Data, []byte("%PDF")) {
		return errValidation("Solo se permiten archivos PDF.", map[string]interface{}{"filename": file.Filename})
	}

	pages, err := CountPDFPages(file.Data)
	if err != nil {
		appErr := errValidation("El PDF está dañado o no se puede leer.", map[string]interface{}{"filename": file.Filename})
		appErr.Cause = err
		return appErr
	}
	if maxPages > 0 && pages > maxPages {
		return newAppError(ErrPDFTooManyPages, "PDF_TOO_MANY_PAGES",
			fmt.Sprintf("El PDF excede %d páginas.", maxPages),
			map[string]interface{}{"page_count": pages, "max_pages": maxPages},
			http.StatusUnprocessableEntity)
	}
	file.PageCount = pages
	return nil
}

// ReadPDFUpload buffers a multipart PDF upload, refusing anything larger than
// maxBytes before reading it fully
func ReadPDFUpload(fileHeader *multipart.FileHeader, maxBytes int64, maxPages int) (*UploadedFile, error) {
	if fileHeader == nil {
		return nil, errValidation("Archivo requerido.", nil)
	}
	if maxBytes > 0 && fileHeader.Size > maxBytes {
		return nil, newAppError(ErrUploadTooLarge, "FILE_TOO_LARGE",
			fmt.Sprintf("El archivo supera el límite de %d MB.", maxBytes/(1024*1024)),
			map[string]interface{}{"size": fileHeader.Size, "max_bytes": maxBytes},
			http.StatusRequestEntityTooLarge)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	limit := maxBytes
	if limit <= 0 {
		limit = fileHeader.Size
	}
	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read uploaded file: %w", err)
	}

	file := &UploadedFile{
		Filename:    sanitizeFilename(fileHeader.Filename),
		ContentType: AllowedMimeType,
		Data:        data,
	}
	if err := ValidatePDF(file, maxBytes, maxPages); err != nil {
		return nil, err
	}
	return file, nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return "documento.pdf"
	}
	if len(name) > 200 {
		name = name[len(name)-200:]
	}
	return name
}
