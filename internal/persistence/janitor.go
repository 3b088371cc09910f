package persistence

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Defaults for the archive janitor.
const (
	DefaultMaxAge  = time.Hour
	DefaultMaxSize = 1 << 30
)

var (
	archiveFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpspeed_archive_files",
			Help: "Number of files in the archive directory.",
		},
	)
	archiveBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpspeed_archive_bytes",
			Help: "Total size of the files in the archive directory.",
		},
	)
	archiveRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpspeed_archive_removed_files_total",
			Help: "Number of archive files removed by the janitor.",
		},
		[]string{"reason"},
	)
)

// Stats describes the archive after a cleanup.
type Stats struct {
	// Files and Bytes describe the files left in the archive.
	Files int
	Bytes int64
	// Expired is the number of files removed because of their age.
	Expired int
	// Evicted is the number of files removed to enforce the size limit.
	Evicted int
}

type fileEntry struct {
	path    string
	size    int64
	modTime time.Time
}

// Cleanup removes the files under dir older than maxAge, then removes the
// oldest files until the total size is at most maxSize. A non-positive
// limit is not enforced. Empty directories left behind are removed, except
// dir itself.
func Cleanup(dir string, maxAge time.Duration, maxSize int64) (Stats, error) {
	var (
		stats   Stats
		entries []fileEntry
	)
	now := time.Now()
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// The file has been removed in the meantime.
			return nil
		}
		if maxAge > 0 && now.Sub(info.ModTime()) > maxAge {
			if err := os.Remove(p); err == nil {
				stats.Expired++
			}
			return nil
		}
		entries = append(entries, fileEntry{path: p, size: info.Size(), modTime: info.ModTime()})
		stats.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return stats, err
	}
	if maxSize > 0 && stats.Bytes > maxSize {
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].modTime.Before(entries[j].modTime)
		})
		for len(entries) > 0 && stats.Bytes > maxSize {
			if err := os.Remove(entries[0].path); err == nil {
				stats.Bytes -= entries[0].size
				stats.Evicted++
			}
			entries = entries[1:]
		}
	}
	stats.Files = len(entries)
	removeEmptyDirs(dir)
	return stats, nil
}

// removeEmptyDirs removes the empty directories under root, deepest first.
func removeEmptyDirs(root string) {
	var dirs []string
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && p != root {
			dirs = append(dirs, p)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		// Remove fails on non-empty directories.
		os.Remove(dirs[i])
	}
}

// Janitor periodically runs Cleanup on an archive directory.
type Janitor struct {
	Dir     string
	MaxAge  time.Duration
	MaxSize int64
	// Interval is the expected time between two runs.
	Interval time.Duration
}

// Run runs the janitor at memoryless intervals until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	return memoryless.Run(ctx, j.cleanup, memoryless.Config{
		Expected: j.Interval,
		Min:      j.Interval / 2,
		Max:      j.Interval * 2,
	})
}

func (j *Janitor) cleanup() {
	stats, err := Cleanup(j.Dir, j.MaxAge, j.MaxSize)
	if err != nil && !os.IsNotExist(err) {
		log.Error("archive cleanup failed", "dir", j.Dir, "error", err)
	}
	archiveFiles.Set(float64(stats.Files))
	archiveBytes.Set(float64(stats.Bytes))
	archiveRemoved.WithLabelValues("expired").Add(float64(stats.Expired))
	archiveRemoved.WithLabelValues("size").Add(float64(stats.Evicted))
	if stats.Expired > 0 || stats.Evicted > 0 {
		log.Info("archive cleanup", "dir", j.Dir, "expired", stats.Expired,
			"evicted", stats.Evicted, "files", stats.Files, "bytes", stats.Bytes)
	}
}
