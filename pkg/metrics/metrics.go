// Package metrics records query and lifecycle counters for the serving node
// and caches per-database on-disk sizes so observability endpoints never
// trigger repeated filesystem scans.
package metrics

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// DefaultSizeCacheTTL is how long a computed database size is reused before
// the directory is walked again.
const DefaultSizeCacheTTL = 5 * time.Minute

// Collector aggregates per-database metrics. Safe for concurrent use.
type Collector struct {
	basePath string
	sizeTTL  time.Duration

	mu      sync.Mutex
	sizes   map[string]sizeEntry
	queries map[string]*queryWindow
	ops     map[string]int64
}

type sizeEntry struct {
	bytes    int64
	measured time.Time
}

// queryWindow is a rolling hourly counter; it resets when the window elapses.
type queryWindow struct {
	windowStart  time.Time
	count        int64
	failures     int64
	totalMillis  int64
	successCount int64
}

// NewCollector returns a collector for databases under basePath. A zero
// sizeTTL uses DefaultSizeCacheTTL.
func NewCollector(basePath string, sizeTTL time.Duration) *Collector {
	if sizeTTL <= 0 {
		sizeTTL = DefaultSizeCacheTTL
	}
	return &Collector{
		basePath: basePath,
		sizeTTL:  sizeTTL,
		sizes:    make(map[string]sizeEntry),
		queries:  make(map[string]*queryWindow),
		ops:      make(map[string]int64),
	}
}

// RecordQuery records one query execution for dbID. Durations are only
// accumulated for successful queries.
func (c *Collector) RecordQuery(dbID string, durationMillis int64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.queries[dbID]
	now := time.Now()
	if w == nil || now.Sub(w.windowStart) >= time.Hour {
		w = &queryWindow{windowStart: now}
		c.queries[dbID] = w
	}
	w.count++
	if success {
		w.successCount++
		w.totalMillis += durationMillis
	} else {
		w.failures++
	}

	status := "success"
	if !success {
		status = "failure"
	}
	promQueries.WithLabelValues(dbID, status).Inc()
	if success {
		promQueryDuration.WithLabelValues(dbID).Observe(float64(durationMillis) / 1000)
	}
}

// RecordDatabaseOperation counts an administrative operation (create, delete,
// backup, restore).
func (c *Collector) RecordDatabaseOperation(op, dbID string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := op + ":success"
	status := "success"
	if !success {
		key = op + ":failure"
		status = "failure"
	}
	c.ops[key]++
	promOperations.WithLabelValues(op, status).Inc()
}

// DatabaseSizeBytes returns the on-disk size of dbID, reusing a cached value
// until the TTL elapses. Missing databases report zero.
func (c *Collector) DatabaseSizeBytes(dbID string) int64 {
	c.mu.Lock()
	entry, ok := c.sizes[dbID]
	if ok && time.Since(entry.measured) < c.sizeTTL {
		c.mu.Unlock()
		return entry.bytes
	}
	c.mu.Unlock()

	size := measurePath(filepath.Join(c.basePath, dbID))

	c.mu.Lock()
	c.sizes[dbID] = sizeEntry{bytes: size, measured: time.Now()}
	c.mu.Unlock()
	return size
}

// InvalidateSize drops the cached size for dbID, forcing remeasurement.
func (c *Collector) InvalidateSize(dbID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sizes, dbID)
}

// measurePath returns the size of a single file or the recursive size of a
// directory tree. Unreadable entries are skipped.
func measurePath(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

// SystemMetrics is a point-in-time host snapshot.
type SystemMetrics struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	MemUsedMB   uint64  `json:"mem_used_mb"`
	MemTotalMB  uint64  `json:"mem_total_mb"`
	DiskPercent float64 `json:"disk_percent"`
	DiskFreeGB  uint64  `json:"disk_free_gb"`
}

// CollectSystemMetrics samples host CPU, memory, and disk for the node's base
// path volume. Individual sampling failures leave zero values.
func (c *Collector) CollectSystemMetrics() SystemMetrics {
	var m SystemMetrics
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemPercent = vm.UsedPercent
		m.MemUsedMB = vm.Used / 1024 / 1024
		m.MemTotalMB = vm.Total / 1024 / 1024
	}
	if du, err := disk.Usage(c.basePath); err == nil {
		m.DiskPercent = du.UsedPercent
		m.DiskFreeGB = du.Free / 1024 / 1024 / 1024
	}
	return m
}

// QueryStats is the exported per-database query window.
type QueryStats struct {
	WindowStart   time.Time `json:"window_start"`
	Count         int64     `json:"count"`
	Failures      int64     `json:"failures"`
	AvgDurationMs int64     `json:"avg_duration_ms"`
}

// GetQueryMetrics returns the current hourly query window per database.
func (c *Collector) GetQueryMetrics() map[string]QueryStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]QueryStats, len(c.queries))
	for db, w := range c.queries {
		st := QueryStats{
			WindowStart: w.windowStart,
			Count:       w.count,
			Failures:    w.failures,
		}
		if w.successCount > 0 {
			st.AvgDurationMs = w.totalMillis / w.successCount
		}
		out[db] = st
	}
	return out
}

// DatabaseMetrics is the aggregate per-database snapshot.
type DatabaseMetrics struct {
	SizeBytes int64      `json:"size_bytes"`
	Queries   QueryStats `json:"queries"`
}

// CollectDatabaseMetrics returns size and query stats for the given databases.
func (c *Collector) CollectDatabaseMetrics(dbIDs []string) map[string]DatabaseMetrics {
	queries := c.GetQueryMetrics()
	out := make(map[string]DatabaseMetrics, len(dbIDs))
	for _, db := range dbIDs {
		out[db] = DatabaseMetrics{
			SizeBytes: c.DatabaseSizeBytes(db),
			Queries:   queries[db],
		}
	}
	return out
}

// OperationCounts returns the administrative operation counters.
func (c *Collector) OperationCounts() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.ops))
	for k, v := range c.ops {
		out[k] = v
	}
	return out
}
