// Package archive moves aged raw metric samples out of the metastore into
// daily Parquet files and serves them back for long-range queries.
//
// Files are named <dir>/<YYYY-MM-DD>.parquet after the UTC day of the
// samples they hold. A day that is archived twice is merged: the existing
// file is read, the new rows appended and the result rewritten. Files older
// than the maximum retention are deleted.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/enginedash/config"
	"github.com/xtxerr/enginedash/internal/logging"
	"github.com/xtxerr/enginedash/internal/store"
)

var log = logging.Component("archive")

const dayLayout = "2006-01-02"

// Config controls the archiver.
type Config struct {
	// Dir holds the daily Parquet files.
	Dir string

	// RawRetention is how long samples stay in the metastore.
	RawRetention time.Duration

	// MaxRetention is how long archive files are kept.
	MaxRetention time.Duration

	// Interval between archive runs.
	Interval time.Duration

	Compression Compression
}

// DefaultConfig returns the default archive configuration.
func DefaultConfig() Config {
	return Config{
		Dir:          config.DefaultArchiveDir,
		RawRetention: config.DefaultRawRetention,
		MaxRetention: config.DefaultMaxRetention,
		Interval:     config.DefaultArchiveInterval,
		Compression:  CompressionZstd,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("archive dir is required")
	}
	if c.RawRetention <= 0 {
		return fmt.Errorf("raw retention must be positive")
	}
	if c.MaxRetention < c.RawRetention {
		return fmt.Errorf("max retention %s is shorter than raw retention %s", c.MaxRetention, c.RawRetention)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("archive interval must be positive")
	}
	return nil
}

// SampleSource hands out samples for archiving. Implemented by *store.Store.
type SampleSource interface {
	DrainMetricsBefore(ctx context.Context, beforeMs int64, fn func([]*store.MetricSample) error) (int64, error)
}

// Stats holds archiver counters.
type Stats struct {
	Runs            int64
	SamplesArchived int64
	FilesWritten    int64
	FilesDeleted    int64
	BytesFreed      int64
	Errors          int64
	LastRun         time.Time
}

// RunResult describes one archive run.
type RunResult struct {
	Cutoff          time.Time
	SamplesArchived int64
	Days            []string
}

// Archiver moves samples older than the raw retention into Parquet files.
//
// Archiver is safe for concurrent use. File rewrites take the write lock,
// queries take the read lock.
type Archiver struct {
	mu  sync.RWMutex
	cfg Config
	src SampleSource
	db  *sql.DB

	statsMu sync.Mutex
	stats   Stats

	now func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an archiver. db is the DuckDB connection used to query the
// files with read_parquet; it may be nil when only archiving is needed.
func New(cfg Config, src SampleSource, db *sql.DB) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive dir: %w", err)
	}
	cfg.Dir = dir

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	return &Archiver{
		cfg: cfg,
		src: src,
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the time source. Intended for tests.
func (a *Archiver) SetClock(now func() time.Time) {
	a.now = now
}

// Dir returns the absolute archive directory.
func (a *Archiver) Dir() string {
	return a.cfg.Dir
}

// Cutoff returns the boundary between live and archived samples at now.
// Samples strictly older than the cutoff may live in the archive.
func (a *Archiver) Cutoff(now time.Time) time.Time {
	return now.Add(-a.cfg.RawRetention)
}

// Start runs the archive loop in the background. The first run happens
// immediately.
func (a *Archiver) Start() error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("archiver already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go a.worker(ctx)

	log.Info("archiver started", "dir", a.cfg.Dir, "interval", a.cfg.Interval, "raw_retention", a.cfg.RawRetention)
	return nil
}

// Stop stops the loop and waits for a running pass to finish.
func (a *Archiver) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	a.cancel()
	a.wg.Wait()
	log.Info("archiver stopped")
}

func (a *Archiver) worker(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		a.pass(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Archiver) pass(ctx context.Context) {
	res, err := a.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("archive run failed", "error", err)
		}
	} else if res.SamplesArchived > 0 {
		log.Info("archived samples", "count", res.SamplesArchived, "days", res.Days, "cutoff", res.Cutoff)
	}

	cr := a.Cleanup()
	for _, err := range cr.Errors {
		log.Warn("archive cleanup", "error", err)
	}
	if cr.FilesDeleted > 0 {
		log.Info("expired archive files removed", "files", cr.FilesDeleted, "bytes", cr.BytesFreed)
	}
}

// RunOnce archives every sample older than the cutoff. Samples are removed
// from the metastore only after all day files were written.
func (a *Archiver) RunOnce(ctx context.Context) (RunResult, error) {
	res := RunResult{Cutoff: a.Cutoff(a.now())}

	a.mu.Lock()
	defer a.mu.Unlock()

	moved, err := a.src.DrainMetricsBefore(ctx, res.Cutoff.UnixMilli(), func(samples []*store.MetricSample) error {
		days, err := a.writeDays(samples)
		res.Days = days
		return err
	})

	a.statsMu.Lock()
	a.stats.Runs++
	a.stats.LastRun = a.now()
	if err != nil {
		a.stats.Errors++
	} else {
		a.stats.SamplesArchived += moved
		a.stats.FilesWritten += int64(len(res.Days))
	}
	a.statsMu.Unlock()

	if err != nil {
		return res, fmt.Errorf("archive samples: %w", err)
	}
	res.SamplesArchived = moved
	return res, nil
}

// writeDays groups samples by UTC day, merges each group with the existing
// day file and stages the results before renaming them into place.
func (a *Archiver) writeDays(samples []*store.MetricSample) ([]string, error) {
	byDay := make(map[string][]MetricRow)
	for _, m := range samples {
		row, err := SampleToRow(m)
		if err != nil {
			return nil, err
		}
		day := time.UnixMilli(m.TimestampMs).UTC().Format(dayLayout)
		byDay[day] = append(byDay[day], row)
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	staged := make([]string, 0, len(days))
	cleanup := func() {
		for _, p := range staged {
			os.Remove(p)
		}
	}

	for _, day := range days {
		path := a.dayPath(day)
		rows := byDay[day]

		existing, err := ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			cleanup()
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		rows = mergeRows(existing, rows)

		tmp := path + ".tmp"
		if err := writeStaged(tmp, rows, a.cfg.Compression); err != nil {
			cleanup()
			return nil, fmt.Errorf("write %s: %w", day, err)
		}
		staged = append(staged, tmp)
	}

	for i, tmp := range staged {
		if err := os.Rename(tmp, a.dayPath(days[i])); err != nil {
			cleanup()
			return nil, fmt.Errorf("rename %s: %w", days[i], err)
		}
	}
	return days, nil
}

func writeStaged(tmp string, rows []MetricRow, c Compression) error {
	w, err := NewFileWriter(tmp, c)
	if err != nil {
		return err
	}
	if err := w.Write(rows); err != nil {
		w.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// mergeRows returns existing and added rows ordered by time. A row whose
// sample ID is already present is skipped so a retried run does not double
// count; rows without an ID predate sample IDs and are always kept.
func mergeRows(existing, added []MetricRow) []MetricRow {
	rows := make([]MetricRow, 0, len(existing)+len(added))
	seen := make(map[string]struct{}, len(existing)+len(added))
	for _, batch := range [][]MetricRow{existing, added} {
		for _, r := range batch {
			if r.ID != "" {
				if _, dup := seen[r.ID]; dup {
					continue
				}
				seen[r.ID] = struct{}{}
			}
			rows = append(rows, r)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.TimestampMs != b.TimestampMs {
			return a.TimestampMs < b.TimestampMs
		}
		if a.AgentID != b.AgentID {
			return a.AgentID < b.AgentID
		}
		return a.MetricType < b.MetricType
	})
	return rows
}

func (a *Archiver) dayPath(day string) string {
	return filepath.Join(a.cfg.Dir, day+".parquet")
}

// Stats returns a copy of the counters.
func (a *Archiver) Stats() Stats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats
}
