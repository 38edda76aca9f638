// Package reliability contains the jobs that keep the ledger trustworthy
// over a multi-year retention window: integrity maintenance and off-site
// backups.
package reliability

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/allocator/internal/database"
)

// minFreeGB is the disk space floor below which maintenance halts the system
const minFreeGB = 0.5

// LedgerMaintenanceJob performs daily ledger database maintenance
type LedgerMaintenanceJob struct {
	db      *database.DB
	dataDir string
	log     zerolog.Logger

	lastSizeBytes int64
}

// NewLedgerMaintenanceJob creates a new maintenance job
func NewLedgerMaintenanceJob(db *database.DB, dataDir string, log zerolog.Logger) *LedgerMaintenanceJob {
	return &LedgerMaintenanceJob{
		db:      db,
		dataDir: dataDir,
		log:     log.With().Str("job", "ledger_maintenance").Logger(),
	}
}

// Name returns the job name for the scheduler
func (j *LedgerMaintenanceJob) Name() string {
	return "ledger_maintenance"
}

// Run executes the maintenance job
func (j *LedgerMaintenanceJob) Run() error {
	j.log.Info().Msg("Starting ledger maintenance")
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Step 1: Integrity check. The ledger is the audit trail for real
	// money; corruption here must halt the system, not be papered over.
	if err := j.db.HealthCheck(ctx); err != nil {
		j.log.Error().Err(err).Msg("CRITICAL: Ledger integrity check failed")
		return fmt.Errorf("CRITICAL: ledger integrity check failed: %w", err)
	}

	// Step 2: WAL checkpoint to prevent bloat
	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
		// Not critical, continue
	}

	// Step 3: Disk space check
	if err := j.checkDiskSpace(); err != nil {
		return err // HALT if critical
	}

	// Step 4: Growth tracking
	j.analyzeGrowth()

	j.log.Info().
		Dur("duration", time.Since(startTime)).
		Msg("Ledger maintenance completed")

	return nil
}

// checkDiskSpace verifies sufficient disk space is available for appends
func (j *LedgerMaintenanceJob) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	if err := syscall.Statfs(j.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableBytes := stat.Bavail * uint64(stat.Bsize)
	availableGB := float64(availableBytes) / 1e9

	j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	if availableGB < minFreeGB {
		j.log.Error().
			Float64("available_gb", availableGB).
			Msg("CRITICAL: Insufficient disk space for ledger appends")
		return fmt.Errorf("CRITICAL: only %.2f GB free - system halted", availableGB)
	}

	return nil
}

// analyzeGrowth logs the ledger's size delta since the previous run.
// The ledger only ever grows, so a shrink would itself be suspicious.
func (j *LedgerMaintenanceJob) analyzeGrowth() {
	stats, err := j.db.GetStats()
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to read ledger stats")
		return
	}

	delta := stats.SizeBytes - j.lastSizeBytes
	if j.lastSizeBytes > 0 && delta < 0 {
		j.log.Warn().
			Int64("previous_bytes", j.lastSizeBytes).
			Int64("current_bytes", stats.SizeBytes).
			Msg("Ledger shrank since last maintenance run")
	}

	j.log.Info().
		Int64("size_bytes", stats.SizeBytes).
		Int64("wal_bytes", stats.WALSizeBytes).
		Int64("growth_bytes", delta).
		Msg("Ledger growth")

	j.lastSizeBytes = stats.SizeBytes
}
