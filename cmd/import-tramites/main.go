package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tramites_app_go/config"
	"tramites_app_go/db"
	"tramites_app_go/models"
	"tramites_app_go/services"
)

func main() {
	actor := flag.String("actor", "import", "user recorded as creator of imported trámites")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatalf("usage: import-tramites [-actor name] <file.xlsx>")
	}
	path := flag.Arg(0)

	// Load configuration
	cfg := config.Load()

	// Initialize database
	if err := db.Initialize(cfg); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(db.DB, models.All()...); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	if err := services.SeedCatalogs(db.DB); err != nil {
		log.Fatalf("Failed to seed catalogs: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", path, err)
	}
	defer file.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("[IMPORT] Importing %s...", path)
	importer := services.NewTramiteImporter(db.DB, services.NewConsecutivoAllocator(db.DB, cfg))
	result, err := importer.Import(ctx, file, *actor)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode result: %v", err)
	}
	os.Stdout.Write(append(out, '\n'))
}
