package jobs

import (
	"context"
	"log"
	"time"

	"tramites_app_go/services"
)

// OverdueLister is the part of the trámite service the scanner needs
type OverdueLister interface {
	Atrasados(ctx context.Context) ([]services.OverdueItem, error)
}

// OverdueNotifier receives the overdue trámites of a scan when there are any
type OverdueNotifier func(ctx context.Context, items []services.OverdueItem) error

// ScanOverdueTramites logs every overdue trámite, hands them to notify (if
// set) and returns how many there are. A failed notification is logged only.
func ScanOverdueTramites(ctx context.Context, lister OverdueLister, notify OverdueNotifier) (int, error) {
	log.Println("[JOBS] Starting overdue scan...")

	items, err := lister.Atrasados(ctx)
	if err != nil {
		log.Printf("[JOBS] Error fetching overdue tramites: %v", err)
		return 0, err
	}

	for _, item := range items {
		log.Printf("[JOBS] Overdue %s (%s): %s, %d days late",
			item.Tramite.DisplayID, item.Tramite.EstadoActual, item.Rule, item.DaysLate)
	}

	if notify != nil && len(items) > 0 {
		if err := notify(ctx, items); err != nil {
			log.Printf("[JOBS] Error sending overdue digest: %v", err)
		}
	}

	log.Printf("[JOBS] Overdue scan completed: %d tramites overdue", len(items))
	return len(items), nil
}

// StartOverdueScanner runs ScanOverdueTramites every interval until ctx is done
func StartOverdueScanner(ctx context.Context, lister OverdueLister, interval time.Duration, notify OverdueNotifier) {
	if interval <= 0 {
		log.Println("[JOBS] Overdue scanner disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				ScanOverdueTramites(ctx, lister, notify)
			}
		}
	}()
}
