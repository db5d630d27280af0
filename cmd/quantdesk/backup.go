package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hualei/quantdesk/internal/backup"
	"github.com/hualei/quantdesk/internal/config"
	"github.com/hualei/quantdesk/internal/events"
	"github.com/hualei/quantdesk/internal/store"
)

// backupTimeout bounds one archive upload or restore.
const backupTimeout = 30 * time.Minute

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage database backups in the configured bucket",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Snapshot the database and upload the archive",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackupService(func(ctx context.Context, svc *backup.Service, cfg *config.Config) error {
					result, err := svc.Run(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Uploaded %s (%d bytes, sha256 %s) in %s\n",
						result.Key, result.SizeBytes, result.Checksum, result.Elapsed.Round(time.Millisecond))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored backups, newest first",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackupService(func(ctx context.Context, svc *backup.Service, cfg *config.Config) error {
					infos, err := svc.List(ctx)
					if err != nil {
						return err
					}
					if len(infos) == 0 {
						fmt.Println("No backups stored")
						return nil
					}
					for _, info := range infos {
						fmt.Printf("%s  %10d bytes  %dh old\n", info.Key, info.SizeBytes, info.AgeHours)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Delete backups past the retention window",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackupService(func(ctx context.Context, svc *backup.Service, cfg *config.Config) error {
					deleted, err := svc.Prune(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Deleted %d backups\n", deleted)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "restore",
			Short: "Download the newest backup next to the live database",
			Long: `Restore downloads and verifies the newest archive, extracting the
snapshot as quantdesk-restored.db in the data directory. It never
overwrites the live database; move the file into place yourself.`,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackupService(func(ctx context.Context, svc *backup.Service, cfg *config.Config) error {
					dest := filepath.Join(cfg.DataDir, "quantdesk-restored.db")
					info, err := svc.RestoreLatest(ctx, dest)
					if err != nil {
						return err
					}
					fmt.Printf("Restored %s to %s\n", info.Key, dest)
					return nil
				})
			},
		},
	)
	return cmd
}

// withBackupService wires the service shared by every subcommand and
// hands it to fn under the backup timeout.
func withBackupService(fn func(context.Context, *backup.Service, *config.Config) error) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	if cfg.Backup.Bucket == "" {
		return fmt.Errorf("no backup bucket configured (set BACKUP_S3_BUCKET)")
	}

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), backupTimeout)
	defer cancel()

	svc, err := buildBackupService(ctx, cfg, st, log)
	if err != nil {
		return err
	}
	return fn(ctx, svc, cfg)
}

func buildBackupService(ctx context.Context, cfg *config.Config, st *store.Store, log zerolog.Logger) (*backup.Service, error) {
	s3, err := backup.NewS3Client(ctx, cfg.Backup, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build backup client: %w", err)
	}
	em := events.NewManager(events.NewBus(), log)
	return backup.New(s3, st.DB(), cfg.Backup, cfg.DataDir, em, log), nil
}
