package factor

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hualei/quantdesk/internal/panel"
)

const snapshotVersion = 1

// datasetSnapshot is the on-disk form of a loaded cache: just the raw
// columns, since every derived factor recomputes from them deterministically.
type datasetSnapshot struct {
	Version int             `msgpack:"version"`
	Symbols []string        `msgpack:"symbols"`
	Start   string          `msgpack:"start"`
	End     string          `msgpack:"end"`
	Adjust  string          `msgpack:"adjust"`
	SavedAt time.Time       `msgpack:"saved_at"`
	Columns []frameSnapshot `msgpack:"columns"`
}

type frameSnapshot struct {
	Name    string    `msgpack:"name"`
	Dates   []string  `msgpack:"dates"`
	Symbols []string  `msgpack:"symbols"`
	Data    []float64 `msgpack:"data"` // row-major, NaN for missing
}

// SnapshotFilename derives a stable file name from the cache key so repeated
// runs over the same domain find their snapshot again.
func SnapshotFilename(key CacheKey) string {
	h := sha256.Sum256([]byte(strings.Join(key.Symbols, ",")))
	return fmt.Sprintf("factors_%s_%s_%s_%x.msgpack", key.Adjust, key.Start, key.End, h[:4])
}

// SaveSnapshot writes the loaded raw columns to path. Derived factors are
// not persisted; they recompute from the raw columns on demand.
func (c *Cache) SaveSnapshot(path string) error {
	ev := c.evaluator()
	if ev == nil {
		return fmt.Errorf("factor cache not loaded; nothing to snapshot")
	}

	names := make([]string, 0, len(ev.data.columns))
	for name := range ev.data.columns {
		names = append(names, name)
	}
	sort.Strings(names)

	snap := datasetSnapshot{
		Version: snapshotVersion,
		Symbols: c.key.Symbols,
		Start:   c.key.Start,
		End:     c.key.End,
		Adjust:  string(c.key.Adjust),
		SavedAt: time.Now().UTC(),
		Columns: make([]frameSnapshot, 0, len(names)),
	}
	for _, name := range names {
		snap.Columns = append(snap.Columns, flattenFrame(ev.data.columns[name]))
	}

	raw, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode factor snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write factor snapshot: %w", err)
	}

	c.log.Info().
		Str("path", path).
		Int("columns", len(snap.Columns)).
		Int("bytes", len(raw)).
		Msg("Factor snapshot saved")
	return nil
}

// LoadSnapshot restores raw columns previously written by SaveSnapshot,
// skipping the database load entirely. The snapshot must match the cache key
// exactly; a stale or foreign snapshot is rejected.
func (c *Cache) LoadSnapshot(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read factor snapshot: %w", err)
	}
	var snap datasetSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("failed to decode factor snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("factor snapshot version %d not supported", snap.Version)
	}
	if snap.Start != c.key.Start || snap.End != c.key.End || snap.Adjust != string(c.key.Adjust) ||
		!slices.Equal(snap.Symbols, c.key.Symbols) {
		return fmt.Errorf("factor snapshot key does not match cache key")
	}

	var dates []string
	columns := make(map[string]*panel.Frame, len(snap.Columns))
	for _, fs := range snap.Columns {
		f, err := restoreFrame(fs)
		if err != nil {
			return err
		}
		columns[fs.Name] = f
		if dates == nil {
			dates = f.Dates()
		}
	}

	c.loadMu.Lock()
	c.ev = NewEvaluator(NewDataset(dates, c.key.Symbols, columns))
	c.loadMu.Unlock()

	c.log.Info().
		Str("path", path).
		Int("columns", len(columns)).
		Int("trading_days", len(dates)).
		Msg("Factor snapshot restored")
	return nil
}

func flattenFrame(f *panel.Frame) frameSnapshot {
	nd, ns := f.NumDates(), f.NumSymbols()
	data := make([]float64, 0, nd*ns)
	for i := 0; i < nd; i++ {
		for j := 0; j < ns; j++ {
			data = append(data, f.At(i, j))
		}
	}
	return frameSnapshot{
		Name:    f.Name(),
		Dates:   f.Dates(),
		Symbols: f.Symbols(),
		Data:    data,
	}
}

func restoreFrame(fs frameSnapshot) (*panel.Frame, error) {
	if len(fs.Data) != len(fs.Dates)*len(fs.Symbols) {
		return nil, fmt.Errorf("corrupt snapshot column %q: %d values for %dx%d axes",
			fs.Name, len(fs.Data), len(fs.Dates), len(fs.Symbols))
	}
	f := panel.New(fs.Name, fs.Dates, fs.Symbols)
	k := 0
	for i := range fs.Dates {
		for j := range fs.Symbols {
			f.SetAt(i, j, fs.Data[k])
			k++
		}
	}
	return f, nil
}
