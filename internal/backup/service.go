// Package backup archives the SQLite store into an S3-compatible
// bucket. Snapshots are taken with VACUUM INTO, wrapped in a tar.gz
// together with a checksum manifest, uploaded, and rotated by age.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/config"
	"github.com/hualei/quantdesk/internal/database"
	"github.com/hualei/quantdesk/internal/events"
)

const (
	snapshotName  = "quantdesk.db"
	manifestName  = "backup-manifest.json"
	archivePrefix = "quantdesk-backup-"
	keyTimeLayout = "2006-01-02-150405"

	// Rotation never deletes below this count, whatever the age.
	minBackupsToKeep = 3
)

// ObjectStore is the bucket surface the service needs.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]types.Object, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Manifest travels inside every archive next to the snapshot.
type Manifest struct {
	CreatedAt time.Time   `json:"created_at"`
	Database  ArchiveFile `json:"database"`
}

// ArchiveFile describes one archived file.
type ArchiveFile struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Result summarizes one completed backup run.
type Result struct {
	Key       string        `json:"key"`
	SizeBytes int64         `json:"size_bytes"`
	Checksum  string        `json:"checksum"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Info describes a backup stored in the bucket.
type Info struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// Service creates, lists, rotates and restores database backups.
type Service struct {
	store         ObjectStore
	db            *database.DB
	dataDir       string
	prefix        string
	retentionDays int
	events        *events.Manager
	log           zerolog.Logger

	now func() time.Time
}

// New wires a backup service over the given bucket and database handle.
func New(store ObjectStore, db *database.DB, cfg config.BackupConfig, dataDir string, em *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		store:         store,
		db:            db,
		dataDir:       dataDir,
		prefix:        cfg.Prefix,
		retentionDays: cfg.RetentionDays,
		events:        em,
		log:           log.With().Str("service", "backup").Logger(),
		now:           time.Now,
	}
}

// Run snapshots the database, archives it with a manifest and uploads
// the archive. The staging directory lives under the data dir and is
// removed when the run finishes.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
	stamp := s.now()
	s.log.Info().Msg("Starting backup")

	staging, err := os.MkdirTemp(s.dataDir, "backup-staging-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	snapshotPath := filepath.Join(staging, snapshotName)
	if err := s.db.VacuumInto(ctx, snapshotPath); err != nil {
		return nil, fmt.Errorf("failed to snapshot database: %w", err)
	}

	snapshotInfo, err := os.Stat(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	checksum, err := fileChecksum(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	manifest := Manifest{
		CreatedAt: stamp.UTC(),
		Database: ArchiveFile{
			Name:      snapshotName,
			SizeBytes: snapshotInfo.Size(),
			Checksum:  checksum,
		},
	}
	manifestPath := filepath.Join(staging, manifestName)
	if err := writeManifest(manifestPath, manifest); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	archivePath := filepath.Join(staging, archivePrefix+stamp.Format(keyTimeLayout)+".tar.gz")
	if err := createArchive(archivePath, []string{snapshotPath, manifestPath}); err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	key := s.objectKey(stamp)
	if err := s.store.Upload(ctx, key, archiveFile); err != nil {
		return nil, fmt.Errorf("failed to upload backup: %w", err)
	}

	result := &Result{
		Key:       key,
		SizeBytes: archiveInfo.Size(),
		Checksum:  checksum,
		Elapsed:   time.Since(started),
	}

	if s.events != nil {
		s.events.EmitTyped(events.BackupCompleted, "backup", &events.BackupCompletedData{
			Key:       result.Key,
			SizeBytes: result.SizeBytes,
			Elapsed:   result.Elapsed.Round(time.Millisecond).String(),
		})
	}

	s.log.Info().
		Str("key", key).
		Int64("size_bytes", result.SizeBytes).
		Dur("elapsed", result.Elapsed).
		Msg("Backup completed")
	return result, nil
}

// List returns the stored backups, newest first. Objects whose key does
// not carry a parseable timestamp are skipped.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	objects, err := s.store.List(ctx, s.listPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	now := s.now()
	backups := make([]Info, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		key := *obj.Key

		base := path.Base(key)
		if !strings.HasPrefix(base, archivePrefix) || !strings.HasSuffix(base, ".tar.gz") {
			continue
		}
		stampStr := strings.TrimSuffix(strings.TrimPrefix(base, archivePrefix), ".tar.gz")
		stamp, err := time.Parse(keyTimeLayout, stampStr)
		if err != nil {
			s.log.Warn().Str("key", key).Msg("Skipping object with unparseable timestamp")
			continue
		}

		var sizeBytes int64
		if obj.Size != nil {
			sizeBytes = *obj.Size
		}

		backups = append(backups, Info{
			Key:       key,
			Timestamp: stamp,
			SizeBytes: sizeBytes,
			AgeHours:  int64(now.Sub(stamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Prune deletes backups older than the retention window, always keeping
// the newest minBackupsToKeep. Retention 0 keeps everything.
func (s *Service) Prune(ctx context.Context) (int, error) {
	backups, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	if len(backups) <= minBackupsToKeep || s.retentionDays <= 0 {
		s.log.Debug().Int("count", len(backups)).Msg("Nothing to prune")
		return 0, nil
	}

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsToKeep || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, b.Key); err != nil {
			s.log.Error().Err(err).Str("key", b.Key).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("key", b.Key).Time("timestamp", b.Timestamp).Msg("Deleted old backup")
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")
	return deleted, nil
}

// RestoreLatest downloads the newest backup, verifies the snapshot
// against its manifest checksum and writes it to dest. It refuses to
// overwrite an existing file.
func (s *Service) RestoreLatest(ctx context.Context, dest string) (*Info, error) {
	backups, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, fmt.Errorf("no backups found under prefix %q", s.listPrefix())
	}
	newest := backups[0]

	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("restore target %s already exists", dest)
	}

	body, err := s.store.Download(ctx, newest.Key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	staging, err := os.MkdirTemp(s.dataDir, "restore-staging-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extractArchive(body, staging); err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", newest.Key, err)
	}

	manifest, err := readManifest(filepath.Join(staging, manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest from %s: %w", newest.Key, err)
	}

	snapshotPath := filepath.Join(staging, snapshotName)
	checksum, err := fileChecksum(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum restored snapshot: %w", err)
	}
	if checksum != manifest.Database.Checksum {
		return nil, fmt.Errorf("checksum mismatch for %s: archive %s, manifest %s",
			newest.Key, checksum, manifest.Database.Checksum)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("failed to create restore directory: %w", err)
	}
	if err := copyFile(snapshotPath, dest); err != nil {
		return nil, fmt.Errorf("failed to write restored database: %w", err)
	}

	s.log.Info().
		Str("key", newest.Key).
		Str("dest", dest).
		Msg("Backup restored")
	return &newest, nil
}

func (s *Service) objectKey(stamp time.Time) string {
	return path.Join(s.prefix, archivePrefix+stamp.Format(keyTimeLayout)+".tar.gz")
}

func (s *Service) listPrefix() string {
	return path.Join(s.prefix, archivePrefix)
}

// fileChecksum returns the sha256 of a file as "sha256:<hex>".
func fileChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeManifest(filePath string, manifest Manifest) error {
	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(manifest)
}

func readManifest(filePath string) (*Manifest, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var manifest Manifest
	if err := json.NewDecoder(file).Decode(&manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// createArchive writes a tar.gz holding the given files under their
// base names.
func createArchive(archivePath string, filePaths []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)

	for _, filePath := range filePaths {
		if err := addFileToArchive(tarWriter, filePath); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(filePath), err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    filepath.Base(filePath),
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tarWriter, file)
	return err
}

// extractArchive unpacks the snapshot and manifest into dir. Entries
// with any other name are ignored.
func extractArchive(r io.Reader, dir string) error {
	gzipReader, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar stream: %w", err)
		}

		name := path.Base(header.Name)
		if name != snapshotName && name != manifestName {
			continue
		}

		out, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tarReader); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
