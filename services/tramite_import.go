package services

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	database "tramites_app_go/db"
	"tramites_app_go/models"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"
)

// ImportSheetName is the worksheet holding the monthly trámite report
const ImportSheetName = "TRAMITES POR MES"

const importNote = "Importado desde Excel."

// ErrImportSheetMissing is returned when the workbook has no report sheet
var ErrImportSheetMissing = errors.New("import sheet missing")

var (
	importSectionTitle = regexp.MustCompile(`(?i)INFORME\s+DE\s+TR[AÁ]MITES\s+REALIZADOS`)
	placaPattern       = regexp.MustCompile(`^[A-Z]{3}\d{2,3}[A-Z]?$`)
	nonAlnum           = regexp.MustCompile(`[^A-Z0-9]+`)
)

// Section titles name the agency in free text, e.g.
// "INFORME DE TRAMITES REALIZADOS ALEMANA AUTOMOTRIZ – Mercedes Benz"
var importAgencyAliases = []struct {
	contains string
	code     string
}{
	{"AUTOTROPICAL", "AUTOTROPICAL"},
	{"MOTOCOSTA", "MOTOCOSTA"},
	{"JUANAUTOS", "JUANAUTOS"},
	{"ALEMANA_AUTOMOTRIZ", "ALEMANA_AUTOMOTRIZ"},
	{"MASSY_MOTORS", "MASSY_MOTORS"},
	{"CLIENTES_VARIOS", "CLIENTES_VARIOS"},
	{"DAVIVIENDA", "DAVIVIENDA"},
	{"AUTOSTAR", "AUTOSTAR"},
}

var importCityAliases = map[string]string{
	"BQ":              "Barranquilla",
	"BAQ":             "Barranquilla",
	"BARRANQUILLA":    "Barranquilla",
	"CGENA":           "Cartagena",
	"CARTAGENA":       "Cartagena",
	"SANTAMARTA":      "Santa Marta",
	"SANTA_MARTA":     "Santa Marta",
	"STA_MARTA":       "Santa Marta",
	"SM":              "Santa Marta",
	"VD":              "Valledupar",
	"VDUPAR":          "Valledupar",
	"VALLEDUPAR":      "Valledupar",
	"RIOHACHA":        "Riohacha",
	"RH":              "Riohacha",
	"MONTERIA":        "Monteria",
	"MT":              "Monteria",
	"SINCELEJO":       "Sincelejo",
	"SOLEDAD":         "Soledad",
	"MALAMBO":         "Malambo",
	"GALAPA":          "Galapa",
	"PUERTO_COLOMBIA": "Puerto Colombia",
}

// ImportResult summarizes one import run
type ImportResult struct {
	DateRows int      `json:"dateRows"`
	Created  int      `json:"created"`
	Skipped  int      `json:"skipped"`
	Swapped  int      `json:"swapped"`
	Errors   []string `json:"errors"`
}

func (r *ImportResult) skip(line int, format string, args ...interface{}) {
	r.Skipped++
	msg := fmt.Sprintf("Fila %d: ", line) + fmt.Sprintf(format, args...)
	r.Errors = append(r.Errors, msg)
	log.Printf("[IMPORT] %s", msg)
}

// TramiteImporter loads historical trámites from the monthly Excel report.
// Every row is committed in its own transaction so one bad row never blocks
// the rest of the file.
type TramiteImporter struct {
	db          *gorm.DB
	allocator   *ConsecutivoAllocator
	maxAttempts int
}

func NewTramiteImporter(db *gorm.DB, allocator *ConsecutivoAllocator) *TramiteImporter {
	return &TramiteImporter{db: db, allocator: allocator, maxAttempts: allocator.maxAttempts}
}

type importRow struct {
	line       int
	fecha      time.Time
	agency     models.Agency
	cityName   string
	placa      *string
	clientName string
	estado     models.TramiteState
	honorarios *float64
}

// Import reads the report and creates one trámite per dated row. Rows whose
// placa already exists for the same agency and year are skipped, so running
// the import twice is safe.
func (im *TramiteImporter) Import(ctx context.Context, file io.Reader, actor string) (*ImportResult, error) {
	actor = actorOrSystem(actor)

	f, err := excelize.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open excel file: %w", err)
	}
	defer f.Close()

	if idx, err := f.GetSheetIndex(ImportSheetName); err != nil || idx < 0 {
		return nil, fmt.Errorf("%w: %q (sheets: %s)", ErrImportSheetMissing, ImportSheetName, strings.Join(f.GetSheetList(), ", "))
	}
	rows, err := f.GetRows(ImportSheetName, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", ImportSheetName, err)
	}

	var agencies []models.Agency
	if err := im.db.WithContext(ctx).Find(&agencies).Error; err != nil {
		return nil, fmt.Errorf("failed to load agencies: %w", err)
	}
	byCode := make(map[string]models.Agency, len(agencies))
	for _, a := range agencies {
		byCode[a.Code] = a
	}

	result := &ImportResult{Errors: []string{}}
	var current *models.Agency

	for i, row := range rows {
		line := i + 1
		if err := ctx.Err(); err != nil {
			return result, err
		}

		joined := strings.TrimSpace(strings.Join(row, " "))
		if importSectionTitle.MatchString(joined) {
			current = nil
			code := DetectAgencyCode(joined)
			if code == "" {
				log.Printf("[IMPORT] Row %d: no agency found in title %q", line, joined)
				continue
			}
			if a, ok := byCode[code]; ok {
				current = &a
			} else {
				log.Printf("[IMPORT] Row %d: agency %s is not in the catalog", line, code)
			}
			continue
		}

		fecha, ok := parseImportDate(cellAt(row, 1))
		if !ok {
			continue
		}
		result.DateRows++

		if current == nil {
			result.skip(line, "tiene fecha pero no hay concesionario activo.")
			continue
		}

		parsed, swapped, reason := parseImportRow(row)
		if swapped {
			result.Swapped++
		}
		if reason != "" {
			result.skip(line, "%s", reason)
			continue
		}
		parsed.line = line
		parsed.fecha = fecha
		parsed.agency = *current

		exists, err := im.alreadyImported(ctx, parsed)
		if err != nil {
			return result, err
		}
		if exists {
			result.Skipped++
			continue
		}

		if err := im.importRow(ctx, parsed, actor); err != nil {
			result.skip(line, "no se pudo importar: %v", err)
			continue
		}
		result.Created++
	}

	log.Printf("[IMPORT] Done: %d dated rows, %d created, %d skipped, %d city/placa swaps",
		result.DateRows, result.Created, result.Skipped, result.Swapped)
	return result, nil
}

// parseImportRow reads the columns [?, FECHA, #, CIUDAD, PLACA, CLIENTE,
// ESTADO, HONORARIOS, VALOR]. A non-empty reason means the row is skipped.
func parseImportRow(row []string) (importRow, bool, string) {
	ciudadRaw, placaRaw := cellAt(row, 3), cellAt(row, 4)

	// some sheets have the city and plate columns swapped
	swapped := false
	if LooksLikePlaca(ciudadRaw) && !LooksLikePlaca(placaRaw) && NormalizeCity(placaRaw) != "" {
		ciudadRaw, placaRaw = placaRaw, ciudadRaw
		swapped = true
	}

	out := importRow{}
	out.cityName = NormalizeCity(ciudadRaw)
	if out.cityName == "" {
		return out, swapped, fmt.Sprintf("ciudad inválida (%q).", ciudadRaw)
	}

	if p := NormalizePlaca(placaRaw); p != "" {
		out.placa = &p
	}

	out.clientName = strings.TrimSpace(cellAt(row, 5))
	if out.clientName == "" {
		return out, swapped, "cliente vacío."
	}

	out.estado = models.TramiteStateFinalizadoEntregado
	if strings.Contains(normalizeKey(cellAt(row, 6)), "CANCEL") {
		out.estado = models.TramiteStateCancelado
	}

	if len(row) > 7 {
		if fee, err := ParseMoney(row[7]); err == nil {
			out.honorarios = &fee
		}
	}
	return out, swapped, ""
}

func (im *TramiteImporter) alreadyImported(ctx context.Context, row importRow) (bool, error) {
	if row.placa == nil {
		return false, nil
	}
	var count int64
	err := im.db.WithContext(ctx).Model(&models.Tramite{}).
		Where("year = ? AND agency_id = ? AND placa = ?", row.fecha.Year(), row.agency.ID, *row.placa).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check existing tramite: %w", err)
	}
	return count > 0, nil
}

// importRow commits one trámite, retrying the whole transaction when the
// consecutivo insert collides with a concurrent writer
func (im *TramiteImporter) importRow(ctx context.Context, row importRow, actor string) error {
	var lastErr error
	for attempt := 1; attempt <= im.maxAttempts; attempt++ {
		err := im.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return im.createTx(tx, row, actor)
		}, database.SerializableTxOptions(im.db))
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryableTxError(err) {
			break
		}
	}
	return lastErr
}

func (im *TramiteImporter) createTx(tx *gorm.DB, row importRow, actor string) error {
	var city models.City
	if err := tx.Where(models.City{Name: row.cityName}).
		Attrs(models.City{IsActive: true}).
		FirstOrCreate(&city).Error; err != nil {
		return fmt.Errorf("failed to resolve city: %w", err)
	}

	client, err := upsertClientTx(tx, StableClientDoc(row.clientName), row.clientName)
	if err != nil {
		return err
	}

	year := row.fecha.Year()
	reservation, err := im.allocator.ReserveTx(tx, row.agency.ID, year)
	if err != nil {
		return err
	}

	fecha := row.fecha.UTC()
	tramite := models.Tramite{
		CreatedAt:          fecha,
		UpdatedAt:          fecha,
		Year:               year,
		AgencyID:           row.agency.ID,
		AgencyCodeSnapshot: row.agency.Code,
		Consecutivo:        reservation.Consecutivo,
		CityID:             city.ID,
		ClientID:           client.ID,
		Placa:              row.placa,
		HonorariosValor:    row.honorarios,
		EstadoActual:       row.estado,
		CreatedByID:        actor,
	}
	if row.estado == models.TramiteStateCancelado {
		tramite.CanceledAt = &fecha
	} else {
		tramite.FinalizedAt = &fecha
	}
	if err := tx.Create(&tramite).Error; err != nil {
		return fmt.Errorf("failed to create tramite: %w", err)
	}

	if err := im.allocator.BindTx(tx, reservation.ID, tramite.ID); err != nil {
		return err
	}
	// cancelled trámites do not hold a number
	if row.estado == models.TramiteStateCancelado {
		if _, err := im.allocator.ReleaseForTramiteTx(tx, tramite.ID); err != nil {
			return err
		}
	}

	note := importNote
	entry := models.TramiteHistory{
		TramiteID:   tramite.ID,
		ToEstado:    row.estado,
		ChangedByID: actor,
		ChangedAt:   fecha,
		Notes:       &note,
		ActionType:  models.HistoryActionNormal,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// DetectAgencyCode finds the agency named in a section title, or ""
func DetectAgencyCode(text string) string {
	key := normalizeKey(text)
	for _, a := range importAgencyAliases {
		if strings.Contains(key, a.contains) {
			return a.code
		}
	}
	return ""
}

// NormalizeCity maps abbreviations to catalog names and title-cases the rest
func NormalizeCity(raw string) string {
	key := normalizeKey(raw)
	if key == "" {
		return ""
	}
	if name, ok := importCityAliases[key]; ok {
		return name
	}

	words := strings.Split(key, "_")
	for i, w := range words {
		words[i] = w[:1] + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

// LooksLikePlaca matches Colombian plates such as ABC123 or ABC12D
func LooksLikePlaca(raw string) bool {
	return placaPattern.MatchString(NormalizePlaca(raw))
}

// StableClientDoc derives a placeholder document from a client name, so
// re-imports of the same name resolve to the same client
func StableClientDoc(name string) string {
	sum := sha1.Sum([]byte(normalizeKey(name)))
	return "IMP-" + hex.EncodeToString(sum[:])[:12]
}

// normalizeKey strips accents, upper-cases and joins words with underscores
func normalizeKey(s string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		stripped = s
	}
	key := nonAlnum.ReplaceAllString(strings.ToUpper(stripped), "_")
	return strings.Trim(key, "_")
}

// parseImportDate accepts Excel serial dates and a few text layouts.
// Years outside 2000-2100 are rejected so row counters are not read as dates.
func parseImportDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}

	if serial, err := strconv.ParseFloat(raw, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}, false
		}
		return t, plausibleImportYear(t)
	}

	for _, layout := range []string{"2006-01-02", "02/01/2006", "2/1/2006", "02-01-2006"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, plausibleImportYear(t)
		}
	}
	return time.Time{}, false
}

func plausibleImportYear(t time.Time) bool {
	return t.Year() >= 2000 && t.Year() <= 2100
}

func cellAt(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}
