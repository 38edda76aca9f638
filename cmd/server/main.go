// Package main is the entry point for the allocator service: it computes
// per-user investment-capital recommendations and preserves an immutable,
// replayable audit trail of every calculation run.
//
// The application follows the same shape as the rest of the codebase:
// - Domain layer is pure (no infrastructure dependencies)
// - Explicit dependency injection wired here at the top level
// - Repository pattern for data access
// - Background jobs for audits, maintenance and backups
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/allocator/internal/config"
	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/modules/allocation"
	"github.com/aristath/allocator/internal/modules/ledger"
	"github.com/aristath/allocator/internal/pipeline"
	"github.com/aristath/allocator/internal/reliability"
	"github.com/aristath/allocator/internal/replay"
	"github.com/aristath/allocator/internal/scheduler"
	"github.com/aristath/allocator/pkg/logger"
)

func main() {
	// Load configuration first to get the log level
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting allocator")

	// Ledger database: maximum-safety profile, append-only audit trail
	ledgerDB, err := database.New(database.Config{
		Path:    cfg.LedgerDBPath(),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	defer ledgerDB.Close()

	if err := ledgerDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate ledger database")
	}

	// Core wiring: store -> orchestrator, engine -> auditor
	store := ledger.NewStore(ledgerDB.Conn(), log)
	orchestrator := pipeline.NewOrchestrator(store, log)
	engine := allocation.NewEngine(log)

	auditor := replay.NewAuditor(
		store,
		orchestrator,
		engine.GenerateRecommendationItems,
		cfg.AuditSampleSize,
		time.Duration(cfg.AuditWindowDays)*24*time.Hour,
		log,
	)

	maintenance := reliability.NewLedgerMaintenanceJob(ledgerDB, cfg.DataDir, log)

	// Background jobs
	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.AuditSchedule, auditor); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule determinism audit")
	}
	if err := sched.AddJob(cfg.MaintenanceSchedule, maintenance); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule ledger maintenance")
	}

	if cfg.Backup.Enabled {
		objectStore, err := reliability.NewObjectStore(context.Background(), cfg.Backup, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup object store")
		}
		backupService := reliability.NewBackupService(ledgerDB, objectStore, cfg.DataDir, cfg.Backup.RetainCount, log)
		backupJob := reliability.NewBackupJob(backupService, log)
		if err := sched.AddJob(cfg.Backup.Schedule, backupJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule ledger backup")
		}
		log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Ledger backups enabled")
	} else {
		log.Warn().Msg("Ledger backups disabled (no bucket configured)")
	}

	sched.Start()

	log.Info().Msg("Allocator started")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	sched.Stop()

	// Let any detached STARTED appends drain before closing the database
	orchestrator.Wait()

	log.Info().Msg("Shutdown complete")
}
