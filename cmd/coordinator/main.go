package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fedsig/threatnet/internal/api"
	"github.com/fedsig/threatnet/internal/config"
	"github.com/fedsig/threatnet/internal/hub"
	"github.com/fedsig/threatnet/internal/intel"
	"github.com/fedsig/threatnet/internal/stats"
	"github.com/fedsig/threatnet/internal/store"
	"github.com/fedsig/threatnet/internal/trust"
)

func main() {
	log.Println("Starting FedSIG ThreatNet Coordinator...")

	cfg := config.Load()

	// Without DATABASE_URL the coordinator runs on the in-memory store:
	// fully functional, but state does not survive a restart.
	var st store.Store
	durable := false
	if cfg.DatabaseURL != "" {
		pg, err := store.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: PostgreSQL unavailable, continuing with in-memory store: %v", err)
			st = store.NewMemoryStore()
		} else {
			defer pg.Close()
			if err := pg.InitSchema(); err != nil {
				log.Fatalf("FATAL: schema init failed: %v", err)
			}
			st = pg
			durable = true
		}
	} else {
		log.Println("DATABASE_URL not set, using in-memory store")
		st = store.NewMemoryStore()
	}

	trustMgr, err := trust.NewManager(st, trust.Options{
		InitialTrust:  cfg.InitialTrust,
		MaxTrust:      cfg.MaxTrust,
		MinTrust:      cfg.MinTrust,
		DecayRate:     cfg.DecayRate,
		DecayInterval: cfg.DecayInterval,
	})
	if err != nil {
		log.Fatalf("FATAL: trust manager init failed: %v", err)
	}

	aggregator, err := intel.NewAggregator(st, cfg.ConsensusThreshold, cfg.ConsensusTrustAvg)
	if err != nil {
		log.Fatalf("FATAL: aggregator init failed: %v", err)
	}

	sessionHub := hub.NewHub(trustMgr, aggregator, cfg.ClientTimeout)
	projector := stats.NewProjector(sessionHub, trustMgr, aggregator, st)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sessionHub.Watchdog(ctx)
	go intel.NewSweeper(aggregator, cfg.SweepInterval, cfg.ExpiryDays).Run(ctx)

	router := api.SetupRouter(sessionHub, trustMgr, aggregator, st, projector, durable)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Coordinator listening on :%s (consensus: %d clients, db: %v)",
			cfg.Port, cfg.ConsensusThreshold, durable)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("FATAL: server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down coordinator...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: shutdown incomplete: %v", err)
	}
	log.Println("Coordinator stopped")
}
