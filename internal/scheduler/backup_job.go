package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const backupJobTimeout = 15 * time.Minute

// BackupJob uploads the nightly archive and rotates old ones.
type BackupJob struct {
	backups BackupService
	timeout time.Duration
	log     zerolog.Logger
}

// NewBackupJob creates the nightly backup job.
func NewBackupJob(backups BackupService, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		backups: backups,
		timeout: backupJobTimeout,
		log:     log.With().Str("job", "nightly_backup").Logger(),
	}
}

// Name returns the job name.
func (j *BackupJob) Name() string {
	return "nightly_backup"
}

// Run creates one backup, then prunes beyond the retention window.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result, err := j.backups.Run(ctx)
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	j.log.Info().Str("key", result.Key).Int64("size_bytes", result.SizeBytes).Msg("Nightly backup stored")

	deleted, err := j.backups.Prune(ctx)
	if err != nil {
		return fmt.Errorf("backup rotation failed: %w", err)
	}
	if deleted > 0 {
		j.log.Info().Int("deleted", deleted).Msg("Old backups pruned")
	}
	return nil
}
