package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanadb/vanadb/pkg/engine/memengine"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.BasePath = t.TempDir()
	cfg.MaxConnectionsPerDB = 3
	cfg.ConnectionTTL = time.Hour
	// Keep maintenance out of the way unless a test triggers it.
	cfg.HealthCheckInterval = time.Hour
	cfg.CleanupInterval = time.Hour
	return cfg
}

func TestAcquire_SharesEngineHandle(t *testing.T) {
	driver := memengine.New()
	p := New(driver, testConfig(t))
	defer p.CloseAll()

	c1, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	c2, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)

	// Both connections derive from the single engine handle.
	assert.Same(t, c1.handle, c2.handle)
	assert.Equal(t, 1, driver.OpenCount)

	p.ReleaseConnection(c1)
	p.ReleaseConnection(c2)
}

func TestAcquire_HandleAlwaysWriteCapable(t *testing.T) {
	driver := memengine.New()
	p := New(driver, testConfig(t))
	defer p.CloseAll()

	c, err := p.AcquireConnection("tenant_a", true)
	require.NoError(t, err)
	defer p.ReleaseConnection(c)

	assert.True(t, c.ReadOnly())
	// The engine handle itself must never be opened read-only, or the first
	// read-only caller would lock writers out of the database for good.
	assert.False(t, driver.LastOptions.ReadOnly)
}

func TestAcquire_ReusesReleasedConnection(t *testing.T) {
	driver := memengine.New()
	p := New(driver, testConfig(t))
	defer p.CloseAll()

	c1, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	p.ReleaseConnection(c1)

	c2, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, int64(2), c2.useCount)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, int64(1), stats.Reused)
}

func TestAcquire_ReadOnlyModeNotShared(t *testing.T) {
	driver := memengine.New()
	p := New(driver, testConfig(t))
	defer p.CloseAll()

	ro, err := p.AcquireConnection("tenant_a", true)
	require.NoError(t, err)
	p.ReleaseConnection(ro)

	// A read-write request must not be satisfied by the idle read-only
	// connection.
	rw, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	defer p.ReleaseConnection(rw)
	assert.NotSame(t, ro, rw)
	assert.Equal(t, int64(2), p.Stats().Created)
}

func TestAcquire_EvictsOldestAtCapacity(t *testing.T) {
	driver := memengine.New()
	cfg := testConfig(t)
	cfg.MaxConnectionsPerDB = 2
	p := New(driver, cfg)
	defer p.CloseAll()

	c1, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	c1.createdAt = c1.createdAt.Add(-2 * time.Minute)
	c2, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	c2.createdAt = c2.createdAt.Add(-time.Minute)

	p.ReleaseConnection(c1)
	p.ReleaseConnection(c2)

	// Force creation by asking for a mode neither idle connection matches.
	c3, err := p.AcquireConnection("tenant_a", true)
	require.NoError(t, err)
	defer p.ReleaseConnection(c3)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Databases["tenant_a"].Total)
	assert.Equal(t, int64(1), stats.Closed)

	// The oldest connection (c1) was the victim; c2 is still pooled.
	c4, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	defer p.ReleaseConnection(c4)
	assert.Same(t, c2, c4)
}

func TestAcquire_ExhaustedWhenAllInUse(t *testing.T) {
	driver := memengine.New()
	cfg := testConfig(t)
	cfg.MaxConnectionsPerDB = 1
	p := New(driver, cfg)
	defer p.CloseAll()

	c1, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	defer p.ReleaseConnection(c1)

	_, err = p.AcquireConnection("tenant_a", false)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestAcquire_ExpiredConnectionNotReused(t *testing.T) {
	driver := memengine.New()
	cfg := testConfig(t)
	cfg.ConnectionTTL = time.Minute
	p := New(driver, cfg)
	defer p.CloseAll()

	c1, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	c1.createdAt = c1.createdAt.Add(-2 * time.Minute)
	p.ReleaseConnection(c1)

	c2, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	defer p.ReleaseConnection(c2)
	assert.NotSame(t, c1, c2)
}

func TestInvalidateDatabase_ForcesFreshHandle(t *testing.T) {
	driver := memengine.New()
	p := New(driver, testConfig(t))
	defer p.CloseAll()

	c1, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	h1 := c1.handle
	p.ReleaseConnection(c1)

	p.InvalidateDatabase("tenant_a")

	c2, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	defer p.ReleaseConnection(c2)
	assert.NotSame(t, h1, c2.handle)
	assert.Equal(t, 2, driver.OpenCount)
}

func TestForceCleanup_DropsPool(t *testing.T) {
	driver := memengine.New()
	p := New(driver, testConfig(t))
	defer p.CloseAll()

	c, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	p.ReleaseConnection(c)

	p.ForceCleanup("tenant_a", true)

	stats := p.Stats()
	assert.NotContains(t, stats.Databases, "tenant_a")
}

func TestSharedDatabase_StricterCheckpoint(t *testing.T) {
	driver := memengine.New()
	cfg := testConfig(t)
	cfg.Tier.CheckpointThresholdMB = 64
	cfg.SharedCheckpointThresholdMB = 16
	cfg.SharedDatabases = []string{"reference"}
	p := New(driver, cfg)
	defer p.CloseAll()

	c, err := p.AcquireConnection("reference", false)
	require.NoError(t, err)
	p.ReleaseConnection(c)
	assert.Equal(t, 16, driver.LastOptions.CheckpointThresholdMB)

	c, err = p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	p.ReleaseConnection(c)
	assert.Equal(t, 64, driver.LastOptions.CheckpointThresholdMB)
}

func TestCloseAll(t *testing.T) {
	driver := memengine.New()
	p := New(driver, testConfig(t))

	c, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	p.ReleaseConnection(c)

	p.CloseAll()

	_, err = p.AcquireConnection("tenant_a", false)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStats_Counts(t *testing.T) {
	driver := memengine.New()
	p := New(driver, testConfig(t))
	defer p.CloseAll()

	c1, err := p.AcquireConnection("tenant_a", false)
	require.NoError(t, err)
	c2, err := p.AcquireConnection("tenant_b", false)
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Databases["tenant_a"].Total)
	assert.Equal(t, 1, stats.Databases["tenant_a"].InUse)
	assert.Equal(t, 1, stats.Databases["tenant_a"].Healthy)
	assert.Equal(t, 1, stats.Databases["tenant_b"].Total)
	assert.Equal(t, int64(2), stats.Created)

	p.ReleaseConnection(c1)
	p.ReleaseConnection(c2)

	stats = p.Stats()
	assert.Equal(t, 0, stats.Databases["tenant_a"].InUse)
}
