// Package engine defines the contract between the vanadb serving layer and an
// embedded graph storage engine.
//
// The serving core never talks to a concrete engine directly. It opens databases
// through a Driver, derives connections from the resulting DB handle, and runs
// queries through Conn. This keeps the pool, executor, and lifecycle code
// independent of which engine binding is linked into the process.
//
// Handle discipline: a DB is the single open handle to one database's on-disk
// state. Every Conn used against that database must come from the same DB
// instance, or writes made through one connection are not guaranteed to be
// visible to reads through another.
package engine

import "errors"

// Engine-level errors. Drivers should wrap their native failures and use these
// sentinels where the condition matches so callers can classify them.
var (
	ErrClosed      = errors.New("engine: handle closed")
	ErrInterrupted = errors.New("engine: query interrupted")
)

// Options are tuning parameters applied when a database is opened.
// Zero values mean "driver default".
type Options struct {
	// BufferPoolSizeMB sizes the engine's page cache.
	BufferPoolSizeMB int
	// CheckpointThresholdMB is the WAL size that triggers a checkpoint.
	CheckpointThresholdMB int
	// Compression enables on-disk compression where the engine supports it.
	Compression bool
	// ReadOnly opens the database without write capability.
	//
	// The pool never sets this: some embedded engines permanently wedge a
	// database into read-only mode if the first open is read-only, so handles
	// are always opened write-capable and read-only is enforced per connection.
	ReadOnly bool
}

// Driver opens databases. Implementations must be safe for concurrent use.
type Driver interface {
	// Open opens (creating if necessary) the database at path.
	Open(path string, opts Options) (DB, error)
}

// DB is the single open handle to one database.
type DB interface {
	// Connect derives a new connection from this handle.
	Connect() (Conn, error)
	// Close releases the handle. Connections derived from it become invalid.
	Close() error
}

// Conn is one client connection bound to a DB handle. A Conn is not safe for
// concurrent use; the pool serializes access by checking connections out.
type Conn interface {
	// Execute runs a single statement and returns a row cursor.
	Execute(query string, params map[string]any) (Rows, error)
	// SetReadOnly toggles whether this connection may mutate data.
	SetReadOnly(readOnly bool) error
	// Interrupt makes a best-effort attempt to abort an in-flight Execute.
	// The engine call may still run to completion; callers discard its result.
	Interrupt() error
	// Close releases the connection.
	Close() error
}

// Rows is a forward-only result cursor.
type Rows interface {
	// Columns returns the engine's own column names for this result.
	Columns() []string
	// Next returns the next row, or (nil, false) when exhausted.
	Next() ([]any, bool)
	// Err returns the error that terminated iteration early, if any.
	Err() error
	// Close releases engine-side resources held by the cursor. Safe to call
	// before exhaustion and more than once.
	Close() error
}
