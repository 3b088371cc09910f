// Package health reports whether the server can keep serving and archiving
// measurements.
package health

import (
	"encoding/json"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/httpspeed/pkg/httpspeed/model"
	"github.com/m-lab/httpspeed/pkg/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Default thresholds.
const (
	DefaultMinFreePercent = 10.0
	DefaultMaxLoad        = 5.0
)

var (
	diskFreeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpspeed_disk_free_bytes",
			Help: "Free space on the filesystem holding the data directory.",
		},
	)
	diskFreeRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpspeed_disk_free_ratio",
			Help: "Free fraction of the filesystem holding the data directory.",
		},
	)
	healthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "httpspeed_health_status",
			Help: "1 for the current health status, 0 for the others.",
		},
		[]string{"status"},
	)
)

// Checker checks the health of the server.
type Checker struct {
	// Dir is the data directory.
	Dir string
	// MinFreePercent is the free disk space below which the status is
	// warning.
	MinFreePercent float64
	// MaxLoad is the 1-minute load average above which the status is
	// warning.
	MaxLoad float64
}

// New returns a Checker for dir with the default thresholds.
func New(dir string) *Checker {
	return &Checker{
		Dir:            dir,
		MinFreePercent: DefaultMinFreePercent,
		MaxLoad:        DefaultMaxLoad,
	}
}

// Check builds a health report. A data directory that is missing or not
// writable is critical; low disk space and high load are warnings.
func (c *Checker) Check() model.HealthReport {
	r := model.HealthReport{
		Status:    StatusHealthy,
		Timestamp: time.Now().Unix(),
		DataDir:   dirInfo(c.Dir),
		System:    systemInfo(),
	}
	if disk, err := diskUsage(c.Dir); err == nil {
		r.Disk = disk
		diskFreeBytes.Set(float64(disk.Free))
		diskFreeRatio.Set(disk.PercentFree / 100)
		if disk.PercentFree < c.MinFreePercent {
			r.Status = StatusWarning
			r.Warnings = append(r.Warnings, "Low disk space")
		}
	} else {
		log.Debug("cannot read disk usage", "dir", c.Dir, "error", err)
	}
	if r.System.Load1 > c.MaxLoad {
		r.Status = StatusWarning
		r.Warnings = append(r.Warnings, "High system load")
	}
	if !r.DataDir.Writable {
		r.Status = StatusCritical
		r.Errors = append(r.Errors, "Data directory not writable")
	}
	for _, s := range []string{StatusHealthy, StatusWarning, StatusCritical} {
		v := 0.0
		if s == r.Status {
			v = 1
		}
		healthStatus.WithLabelValues(s).Set(v)
	}
	return r
}

// StatusCode maps a health status to the HTTP status code of the health
// endpoint.
func StatusCode(status string) int {
	switch status {
	case StatusHealthy:
		return http.StatusOK
	case StatusWarning:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// ServeHTTP writes the health report as JSON.
func (c *Checker) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	r := c.Check()
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("X-Content-Type-Options", "nosniff")
	rw.Header().Set("X-Frame-Options", "DENY")
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(StatusCode(r.Status))
	enc := json.NewEncoder(rw)
	enc.SetIndent("", "  ")
	enc.Encode(r)
}

func dirInfo(dir string) model.DirInfo {
	info := model.DirInfo{Path: dir}
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return info
	}
	info.Exists = true
	if f, err := os.CreateTemp(dir, ".health-*"); err == nil {
		info.Writable = true
		f.Close()
		os.Remove(f.Name())
	}
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			info.Files++
			info.TotalSize += fi.Size()
		}
		return nil
	})
	return info
}

func systemInfo() model.SystemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	si := model.SystemInfo{
		MemoryHeap: ms.HeapAlloc,
		MemorySys:  ms.Sys,
		Goroutines: runtime.NumGoroutine(),
		GoVersion:  runtime.Version(),
		Version:    version.Version,
	}
	si.Load1, si.Load5, si.Load15 = loadAverage()
	return si
}
