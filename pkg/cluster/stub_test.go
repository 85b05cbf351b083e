package cluster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vanadb/vanadb/pkg/admission"
	"github.com/vanadb/vanadb/pkg/engine"
	"github.com/vanadb/vanadb/pkg/metrics"
	"github.com/vanadb/vanadb/pkg/pool"
	"github.com/vanadb/vanadb/pkg/tasks"
)

// stubDriver is a scriptable engine driver giving tests full observability:
// execute counts, interrupt counts, and the open/closed state of every row
// cursor it has handed out. Unscripted queries succeed with an empty result so
// pool probes and schema DDL pass without per-statement setup.
type stubDriver struct {
	mu          sync.Mutex
	results     map[string]stubResult
	failures    map[string]error
	blocked     map[string]chan struct{}
	blockedHard map[string]chan struct{}
	openRows    []*stubRows
	execCount   int
	interrupts  int
	overlapped  int
}

type stubResult struct {
	cols    []string
	rows    [][]any
	rowsErr error
}

func newStubDriver() *stubDriver {
	return &stubDriver{
		results:     make(map[string]stubResult),
		failures:    make(map[string]error),
		blocked:     make(map[string]chan struct{}),
		blockedHard: make(map[string]chan struct{}),
	}
}

func (d *stubDriver) script(query string, cols []string, rows [][]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[query] = stubResult{cols: cols, rows: rows}
}

// scriptRowsErr scripts a result whose cursor fails after yielding its rows.
func (d *stubDriver) scriptRowsErr(query string, cols []string, rows [][]any, rowsErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[query] = stubResult{cols: cols, rows: rows, rowsErr: rowsErr}
}

func (d *stubDriver) failWith(query string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[query] = err
}

// block makes executions of query hang until the returned release function is
// called or the connection is interrupted.
func (d *stubDriver) block(query string) func() {
	ch := make(chan struct{})
	d.mu.Lock()
	d.blocked[query] = ch
	d.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// blockHard makes executions of query hang until the returned release function
// is called, ignoring interrupts. It models an engine call that cannot be
// cancelled.
func (d *stubDriver) blockHard(query string) func() {
	ch := make(chan struct{})
	d.mu.Lock()
	d.blockedHard[query] = ch
	d.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// overlapCount reports how many times Execute was entered on a connection that
// already had a call in flight.
func (d *stubDriver) overlapCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlapped
}

func (d *stubDriver) executions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.execCount
}

func (d *stubDriver) interruptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts
}

// lastRows returns the most recently opened cursor.
func (d *stubDriver) lastRows() *stubRows {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.openRows) == 0 {
		return nil
	}
	return d.openRows[len(d.openRows)-1]
}

func (d *stubDriver) Open(path string, opts engine.Options) (engine.DB, error) {
	return &stubDB{driver: d}, nil
}

type stubDB struct {
	driver *stubDriver
}

func (db *stubDB) Connect() (engine.Conn, error) {
	return &stubConn{driver: db.driver, intr: make(chan struct{}, 1)}, nil
}

func (db *stubDB) Close() error { return nil }

type stubConn struct {
	driver   *stubDriver
	intr     chan struct{}
	inFlight bool
}

func (c *stubConn) Execute(query string, params map[string]any) (engine.Rows, error) {
	d := c.driver
	d.mu.Lock()
	if c.inFlight {
		d.overlapped++
	}
	c.inFlight = true
	d.execCount++
	blockCh := d.blocked[query]
	hardCh := d.blockedHard[query]
	failErr := d.failures[query]
	res, scripted := d.results[query]
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		c.inFlight = false
		d.mu.Unlock()
	}()

	if hardCh != nil {
		<-hardCh
	}
	if blockCh != nil {
		select {
		case <-blockCh:
		case <-c.intr:
			return nil, engine.ErrInterrupted
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	if !scripted {
		res = stubResult{}
	}

	rows := &stubRows{cols: res.cols, rows: res.rows, rowsErr: res.rowsErr}
	d.mu.Lock()
	d.openRows = append(d.openRows, rows)
	d.mu.Unlock()
	return rows, nil
}

func (c *stubConn) SetReadOnly(readOnly bool) error { return nil }

func (c *stubConn) Interrupt() error {
	c.driver.mu.Lock()
	c.driver.interrupts++
	c.driver.mu.Unlock()
	select {
	case c.intr <- struct{}{}:
	default:
	}
	return nil
}

func (c *stubConn) Close() error { return nil }

type stubRows struct {
	mu      sync.Mutex
	cols    []string
	rows    [][]any
	rowsErr error
	pos     int
	closed  bool
}

func (r *stubRows) Columns() []string { return r.cols }

func (r *stubRows) Next() ([]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.pos >= len(r.rows) {
		return nil, false
	}
	row := r.rows[r.pos]
	r.pos++
	return row, true
}

func (r *stubRows) Err() error { return r.rowsErr }

func (r *stubRows) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *stubRows) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// stubSampler reports fixed host load.
type stubSampler struct {
	mem float64
	cpu float64
}

func (s stubSampler) Sample() (float64, float64, error) { return s.mem, s.cpu, nil }

type svcFixture struct {
	svc    *Service
	driver *stubDriver
	pool   *pool.Pool
	base   string
}

// newTestService wires a full service over a stub driver, an in-memory task
// store, and fixed low host load. mutate may adjust the config before New.
func newTestService(t *testing.T, mutate func(*Config), sampler admission.Sampler) *svcFixture {
	t.Helper()

	base := t.TempDir()
	driver := newStubDriver()

	poolCfg := pool.DefaultConfig()
	poolCfg.BasePath = base
	p := pool.New(driver, poolCfg)
	t.Cleanup(p.CloseAll)

	if sampler == nil {
		sampler = stubSampler{mem: 20, cpu: 20}
	}
	adm := admission.New(admission.DefaultConfig(), sampler)

	store, err := tasks.OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	taskCfg := tasks.DefaultConfig()
	taskCfg.PollInterval = 10 * time.Millisecond
	tm := tasks.NewManager(store, taskCfg)

	mc := metrics.NewCollector(base, time.Minute)

	cfg := DefaultConfig()
	cfg.BasePath = base
	if mutate != nil {
		mutate(&cfg)
	}

	svc, err := New(cfg, p, adm, mc, tm)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &svcFixture{svc: svc, driver: driver, pool: p, base: base}
}

// waitTask polls until the task reaches a terminal status.
func waitTask(t *testing.T, svc *Service, id string) *tasks.Task {
	t.Helper()
	var task *tasks.Task
	require.Eventually(t, func() bool {
		got, err := svc.Tasks().GetTask(id)
		if err != nil {
			return false
		}
		task = got
		return got.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return task
}
