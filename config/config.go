package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultAllocatorMaxAttempts is the number of read-compute-insert attempts
	// the consecutivo allocator makes before giving up.
	DefaultAllocatorMaxAttempts = 6

	// DefaultMaxPDFPages caps the pages of an uploaded PDF
	DefaultMaxPDFPages = 10

	// Database drivers understood by db.Initialize
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverLibSQL   = "libsql"
)

type Config struct {
	ServerPort  string
	Environment string

	// Database
	DBDriver         string
	DBPath           string // sqlite file path
	DatabaseURL      string // postgres DSN
	TursoDatabaseURL string
	TursoAuthToken   string

	// Storage (local root, or Cloudflare R2 when fully configured)
	StorageRoot       string
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string

	// Events
	RabbitMQURL   string
	EventsEnabled bool

	// Email (Resend)
	ResendAPIKey    string
	EmailFrom       string
	EmailFromName   string
	EmailTestMode   bool     // When true, emails are logged to console instead of sent
	OverdueDigestTo []string // recipients of the overdue digest; empty disables it

	// Uploads
	MaxUploadMB int
	MaxPDFPages int

	// Consecutivo allocator
	AllocatorMaxAttempts int
	AllocatorRetryJitter time.Duration
	OverdueScanInterval  time.Duration
	DefaultReopenState   string
	CatalogSeedOnStartup bool
	AllowedOrigins       []string
}

func Load() *Config {
	// Load .env file (ignore error if not present - use system env vars)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		ServerPort:           getEnv("SERVER_PORT", "8080"),
		Environment:          getEnv("ENVIRONMENT", "development"),
		DBDriver:             strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		DBPath:               getEnv("DB_PATH", "db/app.db"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		TursoDatabaseURL:     getEnv("TURSO_DATABASE_URL", ""),
		TursoAuthToken:       getEnv("TURSO_AUTH_TOKEN", ""),
		StorageRoot:          getEnv("STORAGE_ROOT", "storage"),
		R2AccountID:          getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:        getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey:    getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:         getEnv("R2_BUCKET_NAME", ""),
		R2PublicURL:          getEnv("R2_PUBLIC_URL", ""),
		RabbitMQURL:          getEnv("RABBITMQ_URL", ""),
		EventsEnabled:        getEnvBool("EVENTS_ENABLED", false),
		ResendAPIKey:         getEnv("RESEND_API_KEY", ""),
		EmailFrom:            getEnv("EMAIL_FROM", "tramites@example.com"),
		EmailFromName:        getEnv("EMAIL_FROM_NAME", "Trámites"),
		EmailTestMode:        getEnvBool("EMAIL_TEST_MODE", true),
		OverdueDigestTo:      getEnvList("OVERDUE_DIGEST_TO"),
		MaxUploadMB:          getEnvInt("MAX_UPLOAD_MB", 20),
		MaxPDFPages:          getEnvInt("MAX_PDF_PAGES", DefaultMaxPDFPages),
		AllocatorMaxAttempts: getEnvInt("ALLOCATOR_MAX_ATTEMPTS", DefaultAllocatorMaxAttempts),
		AllocatorRetryJitter: time.Duration(getEnvInt("ALLOCATOR_RETRY_JITTER_MS", 0)) * time.Millisecond,
		OverdueScanInterval:  getEnvDuration("OVERDUE_SCAN_INTERVAL", time.Hour),
		DefaultReopenState:   getEnv("DEFAULT_REOPEN_STATE", "DOCS_FISICOS_PENDIENTES"),
		CatalogSeedOnStartup: getEnvBool("SEED_CATALOGS", true),
		AllowedOrigins:       strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
	}
}

// MaxUploadBytes returns the upload limit in bytes
func (c *Config) MaxUploadBytes() int64 {
	mb := c.MaxUploadMB
	if mb <= 0 {
		mb = 20
	}
	return int64(mb) * 1024 * 1024
}

// PDFPageLimit returns the maximum number of pages accepted per PDF
func (c *Config) PDFPageLimit() int {
	if c.MaxPDFPages <= 0 {
		return DefaultMaxPDFPages
	}
	return c.MaxPDFPages
}

// R2Configured reports whether every R2 credential is present
func (c *Config) R2Configured() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2BucketName != ""
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Printf("Using default value for %s: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

// getEnvList splits a comma separated variable, dropping blanks
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept common boolean representations
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Printf("[WARNING] Invalid integer for %s (%q), using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("[WARNING] Invalid duration for %s (%q), using %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}
