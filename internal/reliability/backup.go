package reliability

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/allocator/internal/database"
)

// backupKeyPrefix namespaces ledger backups inside the bucket
const backupKeyPrefix = "ledger-backups/"

// BackupMetadata describes one backup archive
type BackupMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"` // sha256 of the uncompressed snapshot
}

// BackupService creates consistent snapshots of the ledger database and
// uploads them to off-site object storage. The ledger is retained for
// years and never hard-deleted, so backups are the recovery path of last
// resort.
type BackupService struct {
	db          *database.DB
	store       *ObjectStore
	dataDir     string
	retainCount int
	log         zerolog.Logger
}

// NewBackupService creates a new backup service. retainCount caps how many
// recent archives ListBackups reports; zero or negative means no cap.
func NewBackupService(db *database.DB, store *ObjectStore, dataDir string, retainCount int, log zerolog.Logger) *BackupService {
	return &BackupService{
		db:          db,
		store:       store,
		dataDir:     dataDir,
		retainCount: retainCount,
		log:         log.With().Str("service", "ledger_backup").Logger(),
	}
}

// CreateAndUploadBackup snapshots the ledger, compresses it, and uploads
// archive plus metadata to the bucket.
func (s *BackupService) CreateAndUploadBackup(ctx context.Context) error {
	s.log.Info().Msg("Starting ledger backup")
	startTime := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	// Consistent point-in-time snapshot; VACUUM INTO reads through the WAL
	// without blocking concurrent appends.
	snapshotPath := filepath.Join(stagingDir, "ledger-snapshot.db")
	if _, err := s.db.Conn().ExecContext(ctx, "VACUUM INTO ?", snapshotPath); err != nil {
		return fmt.Errorf("failed to snapshot ledger: %w", err)
	}

	checksum, sizeBytes, err := checksumFile(snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	archivePath := snapshotPath + ".gz"
	if err := gzipFile(snapshotPath, archivePath); err != nil {
		return fmt.Errorf("failed to compress snapshot: %w", err)
	}

	stamp := startTime.UTC().Format("20060102T150405Z")
	archiveKey := fmt.Sprintf("%sledger-%s.db.gz", backupKeyPrefix, stamp)
	metadataKey := fmt.Sprintf("%sledger-%s.json", backupKeyPrefix, stamp)

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	if err := s.store.Upload(ctx, archiveKey, archive); err != nil {
		return err
	}

	metadata := BackupMetadata{
		Timestamp: startTime.UTC(),
		Database:  "ledger",
		SizeBytes: sizeBytes,
		Checksum:  checksum,
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal backup metadata: %w", err)
	}

	if err := s.store.Upload(ctx, metadataKey, bytes.NewReader(metadataJSON)); err != nil {
		return err
	}

	s.log.Info().
		Str("key", archiveKey).
		Int64("snapshot_bytes", sizeBytes).
		Dur("duration", time.Since(startTime)).
		Msg("Ledger backup uploaded")

	return nil
}

// ListBackups returns the stored backup archives, newest first, capped at
// the configured retain count.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	backups, err := s.store.List(ctx, backupKeyPrefix)
	if err != nil {
		return nil, err
	}
	return latestBackups(backups, s.retainCount), nil
}

// latestBackups caps a newest-first backup listing at retain entries.
// Zero or negative retain means no cap.
func latestBackups(backups []BackupInfo, retain int) []BackupInfo {
	if retain <= 0 || len(backups) <= retain {
		return backups
	}
	return backups[:retain]
}

// checksumFile returns the sha256 hex digest and size of a file
func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// gzipFile compresses src into dst
func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		_ = gz.Close()
		return err
	}

	return gz.Close()
}

// BackupJob wraps the backup service for the scheduler
type BackupJob struct {
	service *BackupService
	log     zerolog.Logger
}

// NewBackupJob creates a new backup job
func NewBackupJob(service *BackupService, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		service: service,
		log:     log.With().Str("job", "ledger_backup").Logger(),
	}
}

// Name returns the job name for the scheduler
func (j *BackupJob) Name() string {
	return "ledger_backup"
}

// Run executes one backup
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	return j.service.CreateAndUploadBackup(ctx)
}
