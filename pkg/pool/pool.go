// Package pool owns every engine handle and connection in the serving node.
//
// One engine handle (engine.DB) exists per database name and is shared by all
// pooled connections to that database; opening a second handle for the same
// name would silently break write visibility between connections, so the
// handle is exclusively owned here. Handles are always opened write-capable,
// even for read-only callers: some embedded engines lock a database into
// read-only mode permanently if the first open is read-only. Read-only is a
// property of the individual connection.
//
// Locking: one mutex per database guards that database's connection slice and
// handle; a global mutex guards the pool-of-pools registry. Engine calls run
// while holding at most the per-database lock during connection creation, so a
// slow query on one database never serializes unrelated databases.
package pool

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vanadb/vanadb/pkg/engine"
)

var (
	// ErrClosed is returned after CloseAll.
	ErrClosed = errors.New("pool: closed")
	// ErrExhausted is returned when every connection for a database is checked
	// out and none can be evicted.
	ErrExhausted = errors.New("pool: all connections in use")
)

// TierOptions sizes engine tuning for this node's hardware tier.
type TierOptions struct {
	BufferPoolSizeMB      int
	CheckpointThresholdMB int
	Compression           bool
}

// Config holds pool settings.
type Config struct {
	// BasePath is the directory holding one subdirectory per database.
	BasePath string
	// MaxConnectionsPerDB caps pooled connections per database.
	MaxConnectionsPerDB int
	// ConnectionTTL is the maximum age of a pooled connection.
	ConnectionTTL time.Duration
	// HealthCheckInterval gates the probe sweep over idle connections.
	HealthCheckInterval time.Duration
	// CleanupInterval gates the expiry sweep.
	CleanupInterval time.Duration
	// Tier tunes engine opens and new connections.
	Tier TierOptions
	// SharedCheckpointThresholdMB overrides the tier checkpoint threshold for
	// databases named in SharedDatabases (large, broadly-read repositories
	// checkpoint more eagerly to bound WAL growth).
	SharedCheckpointThresholdMB int
	// SharedDatabases names the known large/shared databases.
	SharedDatabases []string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerDB: 10,
		ConnectionTTL:       30 * time.Minute,
		HealthCheckInterval: time.Minute,
		CleanupInterval:     5 * time.Minute,
		Tier: TierOptions{
			BufferPoolSizeMB:      1024,
			CheckpointThresholdMB: 64,
			Compression:           true,
		},
		SharedCheckpointThresholdMB: 16,
	}
}

// Conn is one pooled connection checked out to a caller. Callers must Release
// it on every exit path.
type Conn struct {
	db  string
	raw engine.Conn

	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
	healthy   bool
	readOnly  bool
	inUse     bool

	handle engine.DB
}

// Raw returns the underlying engine connection.
func (c *Conn) Raw() engine.Conn { return c.raw }

// Database returns the database this connection is bound to.
func (c *Conn) Database() string { return c.db }

// ReadOnly reports whether this connection was acquired read-only.
func (c *Conn) ReadOnly() bool { return c.readOnly }

type dbPool struct {
	mu     sync.Mutex
	handle engine.DB
	conns  []*Conn
}

// Pool is the process-wide connection pool. Safe for concurrent use.
type Pool struct {
	cfg    Config
	driver engine.Driver

	mu     sync.Mutex
	dbs    map[string]*dbPool
	closed bool

	lastCleanup atomic.Int64
	lastHealth  atomic.Int64

	created        atomic.Int64
	reused         atomic.Int64
	closedConns    atomic.Int64
	healthChecks   atomic.Int64
	healthFailures atomic.Int64
}

// New returns a pool that opens databases through driver under cfg.BasePath.
func New(driver engine.Driver, cfg Config) *Pool {
	return &Pool{
		cfg:    cfg,
		driver: driver,
		dbs:    make(map[string]*dbPool),
	}
}

// AcquireConnection returns a pooled connection for dbID, creating one when no
// healthy, unexpired connection with a matching read-only mode is idle. The
// least-recently-used match is reused first. At capacity, the connection with
// the oldest createdAt is evicted before a new one is created.
func (p *Pool) AcquireConnection(dbID string, readOnly bool) (*Conn, error) {
	p.runMaintenance()

	dp, err := p.poolFor(dbID)
	if err != nil {
		return nil, err
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()

	now := time.Now()

	// Reuse: least-recently-used idle match.
	var pick *Conn
	for _, c := range dp.conns {
		if c.inUse || !c.healthy || c.readOnly != readOnly {
			continue
		}
		if now.Sub(c.createdAt) >= p.cfg.ConnectionTTL {
			continue
		}
		if pick == nil || c.lastUsed.Before(pick.lastUsed) {
			pick = c
		}
	}
	if pick != nil {
		pick.inUse = true
		pick.lastUsed = now
		pick.useCount++
		p.reused.Add(1)
		return pick, nil
	}

	// Create, evicting the oldest connection first when at capacity.
	if p.cfg.MaxConnectionsPerDB > 0 && len(dp.conns) >= p.cfg.MaxConnectionsPerDB {
		if err := p.evictOldestLocked(dp); err != nil {
			return nil, err
		}
	}

	if dp.handle == nil {
		handle, err := p.openHandle(dbID)
		if err != nil {
			return nil, err
		}
		dp.handle = handle
	}

	raw, err := dp.handle.Connect()
	if err != nil {
		return nil, err
	}
	if err := raw.SetReadOnly(readOnly); err != nil {
		raw.Close()
		return nil, err
	}

	p.applyTuning(dbID, raw)

	// One-line health probe before handing the connection out.
	if err := probe(raw); err != nil {
		raw.Close()
		return nil, fmt.Errorf("new connection failed health probe: %w", err)
	}

	c := &Conn{
		db:        dbID,
		raw:       raw,
		createdAt: now,
		lastUsed:  now,
		useCount:  1,
		healthy:   true,
		readOnly:  readOnly,
		inUse:     true,
		handle:    dp.handle,
	}
	dp.conns = append(dp.conns, c)
	p.created.Add(1)
	return c, nil
}

// ReleaseConnection returns a connection to the pool for reuse.
func (p *Pool) ReleaseConnection(c *Conn) {
	if c == nil {
		return
	}
	dp := p.peekPool(c.db)
	if dp == nil {
		// Pool was invalidated while the connection was out; the connection
		// was already closed under the invalidation.
		return
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	c.inUse = false
	c.lastUsed = time.Now()
}

// openHandle opens the engine handle for dbID. Always write-capable; see the
// package comment.
func (p *Pool) openHandle(dbID string) (engine.DB, error) {
	opts := engine.Options{
		BufferPoolSizeMB:      p.cfg.Tier.BufferPoolSizeMB,
		CheckpointThresholdMB: p.cfg.Tier.CheckpointThresholdMB,
		Compression:           p.cfg.Tier.Compression,
		ReadOnly:              false,
	}
	if p.isShared(dbID) && p.cfg.SharedCheckpointThresholdMB > 0 {
		opts.CheckpointThresholdMB = p.cfg.SharedCheckpointThresholdMB
	}
	handle, err := p.driver.Open(filepath.Join(p.cfg.BasePath, dbID), opts)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (p *Pool) isShared(dbID string) bool {
	for _, name := range p.cfg.SharedDatabases {
		if name == dbID {
			return true
		}
	}
	return false
}

// applyTuning issues per-connection tuning pragmas. Failures are logged and
// swallowed; a connection that cannot be tuned is still usable.
func (p *Pool) applyTuning(dbID string, raw engine.Conn) {
	threshold := p.cfg.Tier.CheckpointThresholdMB
	if p.isShared(dbID) && p.cfg.SharedCheckpointThresholdMB > 0 {
		threshold = p.cfg.SharedCheckpointThresholdMB
	}
	pragmas := []string{
		fmt.Sprintf("CALL checkpoint_threshold=%d", threshold*1024*1024),
	}
	for _, stmt := range pragmas {
		if rows, err := raw.Execute(stmt, nil); err != nil {
			log.Printf("[pool] tuning %q on %s failed (ignored): %v", stmt, dbID, err)
		} else {
			rows.Close()
		}
	}
}

// evictOldestLocked closes and removes the idle connection with the oldest
// createdAt. Caller holds dp.mu.
func (p *Pool) evictOldestLocked(dp *dbPool) error {
	idx := -1
	for i, c := range dp.conns {
		if c.inUse {
			continue
		}
		if idx < 0 || c.createdAt.Before(dp.conns[idx].createdAt) {
			idx = i
		}
	}
	if idx < 0 {
		return ErrExhausted
	}
	victim := dp.conns[idx]
	victim.raw.Close()
	p.closedConns.Add(1)
	dp.conns = append(dp.conns[:idx], dp.conns[idx+1:]...)
	return nil
}

func probe(raw engine.Conn) error {
	rows, err := raw.Execute("RETURN 1", nil)
	if err != nil {
		return err
	}
	return rows.Close()
}

// poolFor returns the per-database pool, creating it under the global lock.
func (p *Pool) poolFor(dbID string) (*dbPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	dp, ok := p.dbs[dbID]
	if !ok {
		dp = &dbPool{}
		p.dbs[dbID] = dp
	}
	return dp, nil
}

func (p *Pool) peekPool(dbID string) *dbPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dbs[dbID]
}

// InvalidateDatabase closes every pooled connection for dbID and drops its
// engine handle, forcing full recreation on next access. Used after bulk-load
// operations so subsequent readers see committed data through a fresh handle.
func (p *Pool) InvalidateDatabase(dbID string) {
	p.mu.Lock()
	dp := p.dbs[dbID]
	delete(p.dbs, dbID)
	p.mu.Unlock()
	if dp == nil {
		return
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()
	for _, c := range dp.conns {
		c.raw.Close()
		p.closedConns.Add(1)
	}
	dp.conns = nil
	if dp.handle != nil {
		dp.handle.Close()
		dp.handle = nil
	}
}

// ForceCleanup closes dbID's connections and checkpoint-and-closes its engine
// handle. With aggressive set it additionally runs a best-effort multi-pass
// memory reclamation to return freed memory to the OS after large ingestion
// jobs.
func (p *Pool) ForceCleanup(dbID string, aggressive bool) {
	p.mu.Lock()
	dp := p.dbs[dbID]
	delete(p.dbs, dbID)
	p.mu.Unlock()

	if dp != nil {
		dp.mu.Lock()
		for _, c := range dp.conns {
			c.raw.Close()
			p.closedConns.Add(1)
		}
		dp.conns = nil
		if dp.handle != nil {
			if raw, err := dp.handle.Connect(); err == nil {
				if rows, err := raw.Execute("CHECKPOINT", nil); err != nil {
					log.Printf("[pool] checkpoint on %s failed (ignored): %v", dbID, err)
				} else {
					rows.Close()
				}
				raw.Close()
			}
			dp.handle.Close()
			dp.handle = nil
		}
		dp.mu.Unlock()
	}

	if aggressive {
		for i := 0; i < 3; i++ {
			debug.FreeOSMemory()
		}
	}
}

// runMaintenance runs the expiry and health sweeps when their intervals have
// elapsed. Gated by last-run timestamps so it executes at most once per
// interval even under high request volume.
func (p *Pool) runMaintenance() {
	now := time.Now().UnixNano()

	last := p.lastCleanup.Load()
	if now-last >= int64(p.cfg.CleanupInterval) && p.lastCleanup.CompareAndSwap(last, now) {
		p.sweepExpired()
	}

	last = p.lastHealth.Load()
	if now-last >= int64(p.cfg.HealthCheckInterval) && p.lastHealth.CompareAndSwap(last, now) {
		p.sweepHealth()
	}
}

func (p *Pool) snapshotPools() map[string]*dbPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pools := make(map[string]*dbPool, len(p.dbs))
	for db, dp := range p.dbs {
		pools[db] = dp
	}
	return pools
}

// sweepExpired closes idle connections older than the TTL.
func (p *Pool) sweepExpired() {
	for _, dp := range p.snapshotPools() {
		dp.mu.Lock()
		kept := dp.conns[:0]
		for _, c := range dp.conns {
			if !c.inUse && time.Since(c.createdAt) >= p.cfg.ConnectionTTL {
				c.raw.Close()
				p.closedConns.Add(1)
				continue
			}
			kept = append(kept, c)
		}
		dp.conns = kept
		dp.mu.Unlock()
	}
}

// sweepHealth probes every idle connection; failures mark the connection
// unhealthy and close it.
func (p *Pool) sweepHealth() {
	for db, dp := range p.snapshotPools() {
		dp.mu.Lock()
		kept := dp.conns[:0]
		for _, c := range dp.conns {
			if c.inUse {
				kept = append(kept, c)
				continue
			}
			p.healthChecks.Add(1)
			if err := probe(c.raw); err != nil {
				log.Printf("[pool] health probe failed on %s: %v", db, err)
				c.healthy = false
				c.raw.Close()
				p.healthFailures.Add(1)
				p.closedConns.Add(1)
				continue
			}
			kept = append(kept, c)
		}
		dp.conns = kept
		dp.mu.Unlock()
	}
}

// DBStats is the per-database portion of Stats.
type DBStats struct {
	Total   int `json:"total"`
	Healthy int `json:"healthy"`
	InUse   int `json:"in_use"`
}

// Stats is a snapshot of pool state.
type Stats struct {
	Databases      map[string]DBStats `json:"databases"`
	Created        int64              `json:"created"`
	Reused         int64              `json:"reused"`
	Closed         int64              `json:"closed"`
	HealthChecks   int64              `json:"health_checks"`
	HealthFailures int64              `json:"health_failures"`
}

// Stats returns per-database connection counts plus pool-wide counters.
func (p *Pool) Stats() Stats {
	s := Stats{
		Databases:      make(map[string]DBStats),
		Created:        p.created.Load(),
		Reused:         p.reused.Load(),
		Closed:         p.closedConns.Load(),
		HealthChecks:   p.healthChecks.Load(),
		HealthFailures: p.healthFailures.Load(),
	}
	for db, dp := range p.snapshotPools() {
		dp.mu.Lock()
		st := DBStats{Total: len(dp.conns)}
		for _, c := range dp.conns {
			if c.healthy {
				st.Healthy++
			}
			if c.inUse {
				st.InUse++
			}
		}
		dp.mu.Unlock()
		s.Databases[db] = st
	}
	return s
}

// CloseAll closes every connection then every engine handle. The pool is
// unusable afterwards. Registered to run at process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pools := p.dbs
	p.dbs = make(map[string]*dbPool)
	p.mu.Unlock()

	for _, dp := range pools {
		dp.mu.Lock()
		for _, c := range dp.conns {
			c.raw.Close()
			p.closedConns.Add(1)
		}
		dp.conns = nil
		if dp.handle != nil {
			dp.handle.Close()
			dp.handle = nil
		}
		dp.mu.Unlock()
	}
}
