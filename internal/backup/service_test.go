package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hualei/quantdesk/internal/config"
	"github.com/hualei/quantdesk/internal/database"
	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/events"
	"github.com/hualei/quantdesk/internal/store"
	"github.com/hualei/quantdesk/pkg/logger"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	deletes []string
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (b *fakeBucket) Upload(ctx context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *fakeBucket) List(ctx context.Context, prefix string) ([]types.Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Object
	for key, data := range b.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, types.Object{Key: aws.String(key), Size: aws.Int64(int64(len(data)))})
	}
	return out, nil
}

func (b *fakeBucket) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBucket) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	b.deletes = append(b.deletes, key)
	return nil
}

func (b *fakeBucket) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.objects))
	for key := range b.objects {
		out = append(out, key)
	}
	return out
}

// newBackupService opens a file-backed store under a temp data dir so
// VACUUM INTO has a real database to snapshot.
func newBackupService(t *testing.T, bucket ObjectStore) (*Service, *store.Store, *events.Bus, string) {
	t.Helper()

	dataDir := t.TempDir()
	st, err := store.Open(database.Config{
		Path: filepath.Join(dataDir, "quantdesk.db"),
		Name: "test",
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	em := events.NewManager(bus, logger.Nop())
	cfg := config.BackupConfig{Prefix: "backups", RetentionDays: 7}
	svc := New(bucket, st.DB(), cfg, dataDir, em, logger.Nop())
	return svc, st, bus, dataDir
}

func seedBars(t *testing.T, st *store.Store) []domain.Bar {
	t.Helper()
	bars := []domain.Bar{
		{Symbol: "510300.SH", Date: "2024-06-12", Open: 3.50, High: 3.55, Low: 3.48, Close: 3.52, Volume: 1000},
		{Symbol: "510300.SH", Date: "2024-06-13", Open: 3.52, High: 3.60, Low: 3.51, Close: 3.58, Volume: 1200},
	}
	_, err := st.Bars.Upsert(context.Background(), domain.AssetETF, domain.AdjustNone, bars)
	require.NoError(t, err)
	return bars
}

func TestRunUploadsArchiveAndEmits(t *testing.T) {
	bucket := newFakeBucket()
	svc, st, bus, dataDir := newBackupService(t, bucket)
	seedBars(t, st)

	var mu sync.Mutex
	var seen []*events.Event
	unsub := bus.Subscribe(events.BackupCompleted, func(e *events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
	})
	defer unsub()

	result, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Regexp(t, `^backups/quantdesk-backup-\d{4}-\d{2}-\d{2}-\d{6}\.tar\.gz$`, result.Key)
	assert.Greater(t, result.SizeBytes, int64(0))
	assert.True(t, strings.HasPrefix(result.Checksum, "sha256:"), "checksum should carry its algorithm prefix")

	keys := bucket.keys()
	require.Len(t, keys, 1)
	assert.Equal(t, result.Key, keys[0])
	assert.EqualValues(t, result.SizeBytes, len(bucket.objects[result.Key]),
		"reported size should match the uploaded archive")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1, "one BACKUP_COMPLETED event expected")
	assert.Equal(t, result.Key, seen[0].Data["key"])
	assert.EqualValues(t, result.SizeBytes, seen[0].Data["size_bytes"])

	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), "backup-staging", "staging directory should be cleaned up")
	}
}

func TestRoundTripRestoresRows(t *testing.T) {
	bucket := newFakeBucket()
	svc, st, _, _ := newBackupService(t, bucket)
	seeded := seedBars(t, st)

	result, err := svc.Run(context.Background())
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "restored.db")
	info, err := svc.RestoreLatest(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, result.Key, info.Key)

	restored, err := store.Open(database.Config{Path: dest, Name: "restored"}, logger.Nop())
	require.NoError(t, err)
	defer restored.Close()

	bars, err := restored.FetchBars(context.Background(), []string{"510300.SH"}, "2024-06-01", "2024-06-30", domain.AdjustNone)
	require.NoError(t, err)
	assert.Equal(t, seeded, bars, "restored database should hold the seeded rows")
}

func TestRestoreRefusesExistingTarget(t *testing.T) {
	bucket := newFakeBucket()
	svc, st, _, _ := newBackupService(t, bucket)
	seedBars(t, st)

	_, err := svc.Run(context.Background())
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "existing.db")
	require.NoError(t, os.WriteFile(dest, []byte("live data"), 0644))

	_, err = svc.RestoreLatest(context.Background(), dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRestoreWithoutBackups(t *testing.T) {
	svc, _, _, _ := newBackupService(t, newFakeBucket())

	_, err := svc.RestoreLatest(context.Background(), filepath.Join(t.TempDir(), "out.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backups found")
}

func seedArchive(bucket *fakeBucket, day string) string {
	key := "backups/quantdesk-backup-2024-06-" + day + "-020000.tar.gz"
	bucket.objects[key] = []byte("archive")
	return key
}

func TestPruneKeepsMinimumAndRecent(t *testing.T) {
	bucket := newFakeBucket()
	svc, _, _, _ := newBackupService(t, bucket)
	svc.now = func() time.Time {
		return time.Date(2024, 6, 14, 12, 0, 0, 0, time.UTC)
	}

	keep1 := seedArchive(bucket, "14")
	keep2 := seedArchive(bucket, "13")
	keep3 := seedArchive(bucket, "12")
	old1 := seedArchive(bucket, "05")
	old2 := seedArchive(bucket, "01")

	deleted, err := svc.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	keys := bucket.keys()
	assert.ElementsMatch(t, []string{keep1, keep2, keep3}, keys)
	assert.ElementsMatch(t, []string{old1, old2}, bucket.deletes)
}

func TestPruneKeepsMinimumCountRegardlessOfAge(t *testing.T) {
	bucket := newFakeBucket()
	svc, _, _, _ := newBackupService(t, bucket)
	svc.now = func() time.Time {
		return time.Date(2024, 6, 14, 12, 0, 0, 0, time.UTC)
	}

	seedArchive(bucket, "01")
	seedArchive(bucket, "02")
	seedArchive(bucket, "03")

	deleted, err := svc.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, deleted, "the newest three stay even when older than retention")
	assert.Len(t, bucket.keys(), 3)
}

func TestListSkipsForeignKeysAndSortsNewestFirst(t *testing.T) {
	bucket := newFakeBucket()
	svc, _, _, _ := newBackupService(t, bucket)
	svc.now = func() time.Time {
		return time.Date(2024, 6, 14, 12, 0, 0, 0, time.UTC)
	}

	seedArchive(bucket, "10")
	seedArchive(bucket, "13")
	bucket.objects["backups/notes.txt"] = []byte("not a backup")
	bucket.objects["backups/quantdesk-backup-garbage.tar.gz"] = []byte("bad stamp")

	backups, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "backups/quantdesk-backup-2024-06-13-020000.tar.gz", backups[0].Key)
	assert.Equal(t, "backups/quantdesk-backup-2024-06-10-020000.tar.gz", backups[1].Key)
	assert.Equal(t, int64(34), backups[0].AgeHours)
}
