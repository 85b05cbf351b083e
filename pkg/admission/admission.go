// Package admission implements load shedding for the cluster serving core.
//
// The controller keeps a cached host-load sample (memory and CPU percent) plus
// per-database connection counters, and rejects new work before it starts when
// the node is near a resource limit. Sampling is rate-limited so an admission
// check on the hot path never blocks on the OS.
package admission

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promMemPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vanadb_host_memory_percent",
		Help: "Cached host memory utilization used for admission checks",
	})
	promCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vanadb_host_cpu_percent",
		Help: "Cached host CPU utilization used for admission checks",
	})
)

// Decision is the outcome of an admission check.
type Decision string

const (
	Accept            Decision = "accept"
	RejectMemory      Decision = "reject_memory"
	RejectCPU         Decision = "reject_cpu"
	RejectConnections Decision = "reject_connections"
)

// OpKind classifies the work being admitted. Heavy (ingestion-class)
// operations are admitted against a stricter CPU threshold.
type OpKind int

const (
	OpQuery OpKind = iota
	OpIngest
)

// heavyCPUMargin is subtracted from the CPU threshold for ingestion-class work.
const heavyCPUMargin = 10.0

// Config holds admission thresholds.
type Config struct {
	// MemThresholdPercent rejects work when host memory use exceeds it.
	MemThresholdPercent float64
	// CPUThresholdPercent rejects work when host CPU use exceeds it.
	CPUThresholdPercent float64
	// MaxConnectionsPerDB caps registered connections per database.
	MaxConnectionsPerDB int
	// SampleInterval is the minimum time between host load samples.
	SampleInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MemThresholdPercent: 85,
		CPUThresholdPercent: 90,
		MaxConnectionsPerDB: 10,
		SampleInterval:      time.Second,
	}
}

// Sampler reads host load. The default implementation uses gopsutil; tests
// substitute a fixed-value fake.
type Sampler interface {
	Sample() (memPercent, cpuPercent float64, err error)
}

// Controller accepts or rejects new work against cached host load and
// per-database connection counters. Safe for concurrent use.
type Controller struct {
	cfg     Config
	sampler Sampler

	mu         sync.Mutex
	memPercent float64
	cpuPercent float64
	sampledAt  time.Time
	counts     map[string]int
}

// New returns a controller using the given sampler. A nil sampler uses the
// host sampler.
func New(cfg Config, sampler Sampler) *Controller {
	if sampler == nil {
		sampler = NewHostSampler()
	}
	return &Controller{
		cfg:     cfg,
		sampler: sampler,
		counts:  make(map[string]int),
	}
}

// CheckAdmission decides whether new work for dbID may start. The returned
// reason is human-readable and safe to surface to callers.
func (c *Controller) CheckAdmission(dbID string, op OpKind) (Decision, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshLocked()

	if c.memPercent > c.cfg.MemThresholdPercent {
		return RejectMemory, fmt.Sprintf("memory at %.1f%% exceeds threshold %.1f%%",
			c.memPercent, c.cfg.MemThresholdPercent)
	}

	cpuLimit := c.cfg.CPUThresholdPercent
	if op == OpIngest {
		cpuLimit -= heavyCPUMargin
	}
	if c.cpuPercent > cpuLimit {
		return RejectCPU, fmt.Sprintf("cpu at %.1f%% exceeds threshold %.1f%%",
			c.cpuPercent, cpuLimit)
	}

	if c.cfg.MaxConnectionsPerDB > 0 && c.counts[dbID] >= c.cfg.MaxConnectionsPerDB {
		return RejectConnections, fmt.Sprintf("database %s at connection limit %d",
			dbID, c.cfg.MaxConnectionsPerDB)
	}

	return Accept, ""
}

// refreshLocked refreshes the cached load sample when the sample interval has
// elapsed. On sampling failure it substitutes saturated values so checks
// degrade to rejection rather than letting work through blind.
func (c *Controller) refreshLocked() {
	if time.Since(c.sampledAt) < c.cfg.SampleInterval {
		return
	}
	mem, cpu, err := c.sampler.Sample()
	if err != nil {
		log.Printf("[admission] load sample failed, assuming saturated: %v", err)
		mem, cpu = 100, 100
	}
	c.memPercent = mem
	c.cpuPercent = cpu
	c.sampledAt = time.Now()
	promMemPercent.Set(mem)
	promCPUPercent.Set(cpu)
}

// SetThresholds replaces the memory and CPU thresholds at runtime.
func (c *Controller) SetThresholds(memPercent, cpuPercent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.MemThresholdPercent = memPercent
	c.cfg.CPUThresholdPercent = cpuPercent
}

// RegisterConnection records one more active connection for dbID.
func (c *Controller) RegisterConnection(dbID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[dbID]++
}

// ReleaseConnection records one fewer active connection for dbID. The counter
// never goes below zero, so surplus releases are harmless.
func (c *Controller) ReleaseConnection(dbID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[dbID] > 0 {
		c.counts[dbID]--
	}
	if c.counts[dbID] == 0 {
		delete(c.counts, dbID)
	}
}

// Metrics is a point-in-time snapshot of admission state.
type Metrics struct {
	MemPercent          float64        `json:"mem_percent"`
	CPUPercent          float64        `json:"cpu_percent"`
	SampledAt           time.Time      `json:"sampled_at"`
	MemThresholdPercent float64        `json:"mem_threshold_percent"`
	CPUThresholdPercent float64        `json:"cpu_threshold_percent"`
	MaxConnectionsPerDB int            `json:"max_connections_per_db"`
	Connections         map[string]int `json:"connections"`
}

// GetMetrics returns a snapshot of the cached load, thresholds, and counters.
func (c *Controller) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[string]int, len(c.counts))
	for db, n := range c.counts {
		counts[db] = n
	}
	return Metrics{
		MemPercent:          c.memPercent,
		CPUPercent:          c.cpuPercent,
		SampledAt:           c.sampledAt,
		MemThresholdPercent: c.cfg.MemThresholdPercent,
		CPUThresholdPercent: c.cfg.CPUThresholdPercent,
		MaxConnectionsPerDB: c.cfg.MaxConnectionsPerDB,
		Connections:         counts,
	}
}
