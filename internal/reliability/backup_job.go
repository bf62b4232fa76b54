package reliability

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pms/leaderboard/internal/database"
)

const (
	backupPrefix     = "leaderboard-backup-"
	backupSuffix     = ".db.gz"
	backupStampFmt   = "2006-01-02-150405"
	minBackupsToKeep = 3
)

// BackupJob snapshots the durable store and ships it offsite. Scheduled
// through the cron scheduler.
type BackupJob struct {
	db      *database.DB
	client  *ObjectStoreClient
	dataDir string
	keep    int
	log     zerolog.Logger
}

// NewBackupJob creates a store backup job. keep is the number of remote
// backups retained beyond the built-in minimum.
func NewBackupJob(db *database.DB, client *ObjectStoreClient, dataDir string, keep int, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		db:      db,
		client:  client,
		dataDir: dataDir,
		keep:    keep,
		log:     log.With().Str("job", "store_backup").Logger(),
	}
}

// Name returns the job name for the scheduler.
func (j *BackupJob) Name() string {
	return "store_backup"
}

// Run creates a consistent snapshot, compresses it, uploads it and rotates
// old remote backups.
func (j *BackupJob) Run() error {
	j.log.Info().Msg("Starting store backup")
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	stagingDir := filepath.Join(j.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	// VACUUM INTO produces a consistent point-in-time copy without
	// blocking writers.
	snapshotPath := filepath.Join(stagingDir, "store-snapshot.db")
	if _, err := j.db.Conn().ExecContext(ctx, "VACUUM INTO ?", snapshotPath); err != nil {
		return fmt.Errorf("failed to snapshot store: %w", err)
	}

	checksum, err := j.calculateChecksum(snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to calculate checksum: %w", err)
	}

	archiveName := backupPrefix + time.Now().UTC().Format(backupStampFmt) + backupSuffix
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := j.compress(snapshotPath, archivePath); err != nil {
		return fmt.Errorf("failed to compress snapshot: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	if err := j.client.Upload(ctx, archiveName, archive); err != nil {
		return err
	}

	if err := j.rotate(ctx); err != nil {
		j.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	info, _ := os.Stat(archivePath)
	event := j.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("archive", archiveName).
		Str("checksum", checksum)
	if info != nil {
		event = event.Int64("size_bytes", info.Size())
	}
	event.Msg("Store backup completed")

	return nil
}

// rotate deletes the oldest remote backups past the retention count. A
// minimum of three backups is always kept.
func (j *BackupJob) rotate(ctx context.Context) error {
	objects, err := j.client.List(ctx, backupPrefix)
	if err != nil {
		return err
	}

	keep := j.keep
	if keep < minBackupsToKeep {
		keep = minBackupsToKeep
	}

	var names []string
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		name := *obj.Key
		if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		names = append(names, name)
	}
	if len(names) <= keep {
		return nil
	}

	// The timestamp format sorts lexicographically, newest last.
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		if err := j.client.Delete(ctx, name); err != nil {
			j.log.Error().Err(err).Str("backup", name).Msg("Failed to delete old backup")
			continue
		}
		j.log.Debug().Str("backup", name).Msg("Deleted old backup")
	}
	return nil
}

func (j *BackupJob) compress(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		return err
	}
	return gz.Close()
}

func (j *BackupJob) calculateChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
