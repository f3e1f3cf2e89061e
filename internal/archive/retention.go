package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CleanupResult holds the result of a retention pass.
type CleanupResult struct {
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// DiskUsage describes the archive directory.
type DiskUsage struct {
	FileCount int
	TotalSize int64
	Oldest    string
	Newest    string
}

type fileInfo struct {
	day  string
	path string
	size int64
}

// Cleanup deletes day files whose whole day lies before now minus the
// maximum retention.
func (a *Archiver) Cleanup() CleanupResult {
	return a.cleanup(false)
}

// DryRun reports what Cleanup would delete.
func (a *Archiver) DryRun() CleanupResult {
	return a.cleanup(true)
}

func (a *Archiver) cleanup(dryRun bool) CleanupResult {
	var result CleanupResult
	cutoff := a.now().Add(-a.cfg.MaxRetention)

	a.mu.Lock()
	defer a.mu.Unlock()

	files, err := a.listFiles()
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Errorf("list files: %w", err))
		}
		return result
	}

	for _, file := range files {
		day, err := time.Parse(dayLayout, file.day)
		if err != nil {
			result.FilesSkipped++
			continue
		}

		if day.AddDate(0, 0, 1).After(cutoff) {
			result.FilesSkipped++
			continue
		}

		if !dryRun {
			if err := os.Remove(file.path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", file.path, err))
				continue
			}
		}

		result.FilesDeleted++
		result.BytesFreed += file.size
	}

	if !dryRun {
		a.statsMu.Lock()
		a.stats.FilesDeleted += int64(result.FilesDeleted)
		a.stats.BytesFreed += result.BytesFreed
		a.stats.Errors += int64(len(result.Errors))
		a.statsMu.Unlock()
	}

	return result
}

// DiskUsage returns the size of the archive.
func (a *Archiver) DiskUsage() (DiskUsage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	files, err := a.listFiles()
	if err != nil {
		return DiskUsage{}, err
	}

	var u DiskUsage
	for _, f := range files {
		u.FileCount++
		u.TotalSize += f.size
	}
	if len(files) > 0 {
		u.Oldest = files[0].day
		u.Newest = files[len(files)-1].day
	}
	return u, nil
}

// listFiles lists the day files, oldest first. Staged ".tmp" files are
// ignored.
func (a *Archiver) listFiles() ([]fileInfo, error) {
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		return nil, err
	}

	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) != ".parquet" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, fileInfo{
			day:  strings.TrimSuffix(name, ".parquet"),
			path: filepath.Join(a.cfg.Dir, name),
			size: info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].day < files[j].day
	})

	return files, nil
}
