// Package memengine provides an in-process engine.Driver with no on-disk
// format. It answers health probes, a literal-only RETURN subset, and any
// result set scripted onto the driver, which is enough to run the serving
// layer end to end without linking a native engine binding.
package memengine

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/vanadb/vanadb/pkg/engine"
)

// Driver implements engine.Driver. Scripted results apply to every database
// opened through the same Driver instance.
type Driver struct {
	mu      sync.Mutex
	scripts map[string]scriptEntry

	// OpenCount counts Open calls, for tests asserting handle reuse.
	OpenCount int
	// LastOptions records the Options of the most recent Open.
	LastOptions engine.Options
}

type scriptEntry struct {
	cols []string
	rows [][]any
	err  error
}

// New returns an empty driver.
func New() *Driver {
	return &Driver{scripts: make(map[string]scriptEntry)}
}

// Script registers a canned result for an exact query string.
func (d *Driver) Script(query string, cols []string, rows [][]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[query] = scriptEntry{cols: cols, rows: rows}
}

// FailWith registers a canned error for an exact query string.
func (d *Driver) FailWith(query string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[query] = scriptEntry{err: err}
}

// Open implements engine.Driver.
func (d *Driver) Open(path string, opts engine.Options) (engine.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCount++
	d.LastOptions = opts
	return &memDB{driver: d, path: path}, nil
}

type memDB struct {
	driver *Driver
	path   string

	mu     sync.Mutex
	closed bool
}

func (db *memDB) Connect() (engine.Conn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, engine.ErrClosed
	}
	return &memConn{db: db}, nil
}

func (db *memDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}

type memConn struct {
	db *memDB

	mu          sync.Mutex
	closed      bool
	readOnly    bool
	interrupted int
}

func (c *memConn) Execute(query string, params map[string]any) (engine.Rows, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, engine.ErrClosed
	}
	c.mu.Unlock()

	c.db.mu.Lock()
	dbClosed := c.db.closed
	c.db.mu.Unlock()
	if dbClosed {
		return nil, engine.ErrClosed
	}

	d := c.db.driver
	d.mu.Lock()
	entry, scripted := d.scripts[query]
	d.mu.Unlock()
	if scripted {
		if entry.err != nil {
			return nil, entry.err
		}
		return &memRows{cols: entry.cols, rows: entry.rows}, nil
	}

	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "RETURN "):
		return parseReturn(trimmed[len("RETURN "):])
	case strings.HasPrefix(upper, "CALL "),
		strings.HasPrefix(upper, "CREATE "),
		strings.HasPrefix(upper, "DROP "),
		strings.HasPrefix(upper, "ALTER "),
		upper == "CHECKPOINT":
		// DDL and pragma statements succeed with an empty result.
		return &memRows{}, nil
	}
	return nil, fmt.Errorf("parser exception: unsupported statement: %s", trimmed)
}

func (c *memConn) SetReadOnly(readOnly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOnly = readOnly
	return nil
}

func (c *memConn) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupted++
	return nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// parseReturn evaluates a comma-separated list of literal projections, e.g.
// "RETURN 1 as x, 'a'". Column names are the AS alias when present, else the
// expression text, matching how real engines report projection headers.
func parseReturn(list string) (engine.Rows, error) {
	items := splitTopLevel(list, ',')
	cols := make([]string, 0, len(items))
	row := make([]any, 0, len(items))
	for _, item := range items {
		expr := strings.TrimSpace(item)
		name := expr
		if idx := lastIndexWordAS(expr); idx >= 0 {
			name = strings.TrimSpace(expr[idx+4:])
			expr = strings.TrimSpace(expr[:idx])
		}
		val, err := parseLiteral(expr)
		if err != nil {
			return nil, err
		}
		cols = append(cols, name)
		row = append(row, val)
	}
	return &memRows{cols: cols, rows: [][]any{row}}, nil
}

func parseLiteral(expr string) (any, error) {
	switch strings.ToLower(expr) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	if len(expr) >= 2 && (expr[0] == '\'' || expr[0] == '"') && expr[len(expr)-1] == expr[0] {
		return expr[1 : len(expr)-1], nil
	}
	if i, err := strconv.ParseInt(expr, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("parser exception: unsupported expression: %s", expr)
}

// lastIndexWordAS finds a trailing " AS " / " as " outside quotes.
func lastIndexWordAS(expr string) int {
	upper := strings.ToUpper(expr)
	depth := 0
	var quote byte
	for i := 0; i+4 <= len(upper); i++ {
		ch := expr[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
		if depth == 0 && upper[i] == ' ' && strings.HasPrefix(upper[i:], " AS ") {
			return i
		}
	}
	return -1
}

func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

type memRows struct {
	cols   []string
	rows   [][]any
	pos    int
	closed bool
}

func (r *memRows) Columns() []string { return r.cols }

func (r *memRows) Next() ([]any, bool) {
	if r.closed || r.pos >= len(r.rows) {
		return nil, false
	}
	row := r.rows[r.pos]
	r.pos++
	return row, true
}

func (r *memRows) Err() error { return nil }

func (r *memRows) Close() error {
	r.closed = true
	return nil
}

var _ engine.Driver = (*Driver)(nil)
