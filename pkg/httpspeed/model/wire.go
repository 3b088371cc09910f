package model

// UploadResponse is the JSON body returned by the upload action.
type UploadResponse struct {
	Success bool `json:"success"`
	// Size is the number of bytes received by the server.
	Size int64 `json:"size"`
	// Duration is the server-side receive time in seconds.
	Duration float64 `json:"duration,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// PingResponse is the JSON body returned by the ping action.
type PingResponse struct {
	// Timestamp is the server time in seconds since the epoch.
	Timestamp float64 `json:"timestamp"`
}

// HealthReport is the JSON body returned by the health endpoint.
type HealthReport struct {
	Status    string     `json:"status"`
	Timestamp int64      `json:"timestamp"`
	Disk      DiskInfo   `json:"disk"`
	DataDir   DirInfo    `json:"data_directory"`
	System    SystemInfo `json:"system"`
	Warnings  []string   `json:"warnings,omitempty"`
	Errors    []string   `json:"errors,omitempty"`
}

// SystemInfo describes the host and the server process.
type SystemInfo struct {
	Load1      float64 `json:"load_1min"`
	Load5      float64 `json:"load_5min"`
	Load15     float64 `json:"load_15min"`
	MemoryHeap uint64  `json:"memory_heap"`
	MemorySys  uint64  `json:"memory_sys"`
	Goroutines int     `json:"goroutines"`
	GoVersion  string  `json:"go_version"`
	Version    string  `json:"version"`
}

// DiskInfo describes the filesystem holding the data directory.
type DiskInfo struct {
	Free        uint64  `json:"free"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	PercentFree float64 `json:"percent_free"`
}

// DirInfo describes the data directory.
type DirInfo struct {
	Path      string `json:"path"`
	Exists    bool   `json:"exists"`
	Writable  bool   `json:"writable"`
	Files     int    `json:"files"`
	TotalSize int64  `json:"total_size"`
}
