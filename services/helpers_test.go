package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tramites_app_go/config"
	database "tramites_app_go/db"
	"tramites_app_go/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testClock is the frozen "now" used by service tests
var testClock = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

// setupTramiteTestDB opens a file-backed SQLite database so concurrent
// transactions share one store, then migrates and seeds the catalogs.
func setupTramiteTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := database.SQLiteDSN(filepath.Join(t.TempDir(), "tramites.db"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			sqlDB.Close()
		}
	})

	require.NoError(t, database.AutoMigrate(conn, models.All()...))
	require.NoError(t, SeedCatalogs(conn))
	return conn
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []TramiteEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event TramiteEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *recordingPublisher) last() TramiteEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

// flakyStorage wraps a real provider and can be told to reject uploads
type flakyStorage struct {
	StorageProvider
	failUploads bool
}

func (f *flakyStorage) UploadReader(ctx context.Context, reader io.Reader, key string, contentType string, size int64) (*StorageResult, error) {
	if f.failUploads {
		return nil, errors.New("storage unavailable")
	}
	return f.StorageProvider.UploadReader(ctx, reader, key, contentType, size)
}

type tramiteTestEnv struct {
	db          *gorm.DB
	cfg         *config.Config
	svc         *TramiteService
	storage     *flakyStorage
	storageRoot string
	events      *recordingPublisher
	now         time.Time
}

func newTramiteTestEnv(t *testing.T) *tramiteTestEnv {
	t.Helper()

	conn := setupTramiteTestDB(t)
	cfg := &config.Config{
		MaxUploadMB:          1,
		AllocatorMaxAttempts: config.DefaultAllocatorMaxAttempts,
		DefaultReopenState:   string(models.TramiteStateDocsFisicosPendientes),
	}
	root := t.TempDir()
	store := &flakyStorage{StorageProvider: NewLocalStorage(root)}
	events := &recordingPublisher{}

	env := &tramiteTestEnv{
		db:          conn,
		cfg:         cfg,
		storage:     store,
		storageRoot: root,
		events:      events,
		now:         testClock,
	}
	env.svc = NewTramiteService(conn, cfg, NewConsecutivoAllocator(conn, cfg), store, events)
	env.svc.now = func() time.Time { return env.now }
	return env
}

func (e *tramiteTestEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func (e *tramiteTestEnv) create(t *testing.T, agencyCode, clientDoc string) *models.Tramite {
	t.Helper()
	tramite, err := e.svc.CreateTramite(context.Background(), CreateTramiteInput{
		AgencyCode:   agencyCode,
		CityName:     "Barranquilla",
		ClientDoc:    clientDoc,
		ClientNombre: "Cliente " + clientDoc,
	}, samplePDF("factura.pdf"), "tester")
	require.NoError(t, err)
	return tramite
}

func (e *tramiteTestEnv) countReserved(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&models.ConsecutivoReservation{}).
		Where("status = ?", models.ReservationStatusReserved).
		Count(&n).Error)
	return n
}

func (e *tramiteTestEnv) history(t *testing.T, id string) []models.TramiteHistory {
	t.Helper()
	rows, err := e.svc.History(context.Background(), id)
	require.NoError(t, err)
	return rows
}

// storedFiles lists the keys currently present in the local storage root
func (e *tramiteTestEnv) storedFiles(t *testing.T) []string {
	t.Helper()
	var keys []string
	err := filepath.WalkDir(e.storageRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(e.storageRoot, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	return keys
}

// failCreatesOn makes every insert into table fail while the returned
// switch is on
func failCreatesOn(t *testing.T, conn *gorm.DB, table string, failure error) *atomicSwitch {
	t.Helper()
	sw := &atomicSwitch{}
	err := conn.Callback().Create().Before("gorm:create").Register("test:fail_"+table, func(tx *gorm.DB) {
		if sw.on() && tx.Statement.Schema != nil && tx.Statement.Schema.Table == table {
			tx.AddError(failure)
		}
	})
	require.NoError(t, err)
	return sw
}

type atomicSwitch struct {
	mu      sync.Mutex
	enabled bool
}

func (s *atomicSwitch) set(v bool) {
	s.mu.Lock()
	s.enabled = v
	s.mu.Unlock()
}

func (s *atomicSwitch) on() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func samplePDF(name string) *UploadedFile {
	return &UploadedFile{
		Filename:    name,
		ContentType: AllowedMimeType,
		Data:        buildTestPDF(1),
	}
}

// buildTestPDF writes a minimal but well-formed PDF with the given number of
// blank pages and a correct xref table
func buildTestPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /Resources << >> /MediaBox [0 0 612 792] >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}


func strPtr(s string) *string {
	return &s
}
