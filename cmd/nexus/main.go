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

	"github.com/pysugar/exchange-sync/internal/api"
	"github.com/pysugar/exchange-sync/internal/auth/practice"
	"github.com/pysugar/exchange-sync/internal/auth/token"
	"github.com/pysugar/exchange-sync/internal/config"
	"github.com/pysugar/exchange-sync/internal/db"
	"github.com/pysugar/exchange-sync/internal/monitor"
	"github.com/pysugar/exchange-sync/internal/scheduler"
	"github.com/pysugar/exchange-sync/internal/syncer"
	"github.com/pysugar/exchange-sync/internal/upstream"
	"github.com/pysugar/exchange-sync/internal/version"
)

// runDrainTimeout bounds how long shutdown waits for an in-flight run.
const runDrainTimeout = 2 * time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("🔖 exchange-sync %s", version.String())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !practice.HasClientCredentials(cfg.Vendor) {
		log.Printf("⚠️ Vendor client credentials are not configured; the consent flow will fail until they are set")
	}

	database, err := db.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	tokenManager := token.NewManager(database, cfg.Vendor)
	client := upstream.NewClient(cfg.Vendor, tokenManager)
	syncMonitor := monitor.NewSyncMonitor(database, cfg.Sync.StaleRunAfter)

	// runs are not tied to the signal context; an in-flight run finishes on its own
	orchestrator := syncer.NewOrchestrator(context.Background(), database, tokenManager, client, syncMonitor, cfg.Sync, cfg.Vendor.Endpoints)
	if n, err := orchestrator.RecoverStale(ctx); err != nil {
		log.Printf("⚠️ Failed to sweep stale runs: %v", err)
	} else if n > 0 {
		log.Printf("🧹 Finalized %d abandoned run(s)", n)
	}

	sched, err := scheduler.New(context.Background(), database, cfg.Schedule, orchestrator, tokenManager)
	if err != nil {
		log.Fatalf("Failed to initialize scheduler: %v", err)
	}
	sched.Start()

	router := api.NewRouter(api.Deps{
		DB:            database,
		Tokens:        tokenManager,
		Sync:          orchestrator,
		Schedule:      sched,
		States:        practice.NewStateStore(),
		RedirectURL:   cfg.RedirectURL(),
		AdminPassword: cfg.Server.AdminPassword,
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("🚀 Exchange sync admin API starting on http://%s", addr)
		log.Printf("🔐 Vendor consent: %s", cfg.RedirectURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down")

	schedDone := sched.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP server shutdown: %v", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), runDrainTimeout)
	defer cancelDrain()
	if err := orchestrator.Wait(drainCtx); err != nil {
		log.Printf("⚠️ In-flight run did not finish before shutdown: %v", err)
	}
	select {
	case <-schedDone.Done():
	case <-drainCtx.Done():
		log.Printf("⚠️ Scheduled job still running at exit")
	}

	if sqlDB, err := database.DB(); err == nil {
		sqlDB.Close()
	}
	log.Println("👋 Bye")
}
