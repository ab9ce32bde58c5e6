package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tramites_app_go/config"
	"tramites_app_go/db"
	"tramites_app_go/handlers"
	"tramites_app_go/middleware"
	"tramites_app_go/models"
	"tramites_app_go/services"
	"tramites_app_go/services/jobs"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	if err := db.Initialize(cfg); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := db.AutoMigrate(db.DB, models.All()...); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	if cfg.CatalogSeedOnStartup {
		if err := services.SeedCatalogs(db.DB); err != nil {
			log.Fatalf("Failed to seed catalogs: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Services
	storage := services.NewStorageProvider(cfg)
	allocator := services.NewConsecutivoAllocator(db.DB, cfg)
	tramiteService := services.NewTramiteService(db.DB, cfg, allocator, storage, services.NewEventPublisher(cfg))
	catalogService := services.NewCatalogService(db.DB)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handlers.HTTPErrorHandler

	// Middleware
	e.Use(echomiddleware.RequestLogger())
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins:  cfg.AllowedOrigins,
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, middleware.ActorHeader},
		ExposeHeaders: []string{echo.HeaderContentDisposition},
	}))

	e.GET("/health", func(c echo.Context) error {
		sqlDB, err := db.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request().Context())
		}
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "storage": storage.Name()})
	})

	writeLimiter := middleware.NewWriteRateLimiter()
	writeLimiter.Cleanup(ctx, time.Minute)

	handlers.RegisterRoutes(e,
		handlers.NewTramiteHandler(tramiteService, cfg),
		handlers.NewCatalogHandler(catalogService),
		writeLimiter,
	)

	// Background jobs
	jobs.StartOverdueScanner(ctx, tramiteService, cfg.OverdueScanInterval, services.NewOverdueDigestNotifier(cfg))

	// Start server
	go func() {
		log.Printf("Server starting on port %s", cfg.ServerPort)
		if err := e.Start(":" + cfg.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}
