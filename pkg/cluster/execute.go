package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/vanadb/vanadb/pkg/admission"
	"github.com/vanadb/vanadb/pkg/engine"
	"github.com/vanadb/vanadb/pkg/pool"
)

// QueryResult is a fully-materialized query response.
type QueryResult struct {
	Columns    []string         `json:"columns"`
	Rows       []map[string]any `json:"rows"`
	RowCount   int              `json:"row_count"`
	Truncated  bool             `json:"truncated"`
	DurationMs int64            `json:"duration_ms"`
}

// Chunk is one unit of a streaming response. A chunk carrying Error is
// terminal: the stream ends without raising, so partial progress already
// forwarded by the transport is not lost.
type Chunk struct {
	Index     int              `json:"chunk_index"`
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	TotalRows int              `json:"total_rows"`
	IsLast    bool             `json:"is_last_chunk"`
	Error     string           `json:"error,omitempty"`
}

// Executor is the narrow query surface handed to domain-layer processors.
// Implemented by Service-bound executors and by test doubles.
type Executor interface {
	Execute(query string, params map[string]any) (*QueryResult, error)
}

type boundExecutor struct {
	svc  *Service
	dbID string
}

func (b boundExecutor) Execute(query string, params map[string]any) (*QueryResult, error) {
	return b.svc.ExecuteQuery(context.Background(), b.dbID, query, params)
}

// ExecutorFor returns an Executor bound to one database.
func (s *Service) ExecutorFor(dbID string) Executor {
	return boundExecutor{svc: s, dbID: dbID}
}

// ExecuteQuery validates, admits, and runs query against dbID, materializing
// at most MaxRows rows. The connection is released on every path.
func (s *Service) ExecuteQuery(ctx context.Context, dbID, query string, params map[string]any) (*QueryResult, error) {
	if err := validateQuery(query, s.cfg.MaxQueryLength); err != nil {
		return nil, err
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if !s.catalog.Exists(dbID) {
		return nil, errNotFound(dbID)
	}

	if decision, reason := s.admission.CheckAdmission(dbID, admission.OpQuery); decision != admission.Accept {
		return nil, errAdmission(decision, reason)
	}
	s.admission.RegisterConnection(dbID)
	defer s.admission.ReleaseConnection(dbID)

	start := time.Now()
	result, err := s.runBuffered(ctx, dbID, query, params)
	elapsed := time.Since(start).Milliseconds()
	s.metrics.RecordQuery(dbID, elapsed, err == nil)
	if result != nil {
		result.DurationMs = elapsed
	}
	return result, err
}

func (s *Service) runBuffered(ctx context.Context, dbID, query string, params map[string]any) (*QueryResult, error) {
	conn, err := s.pool.AcquireConnection(dbID, s.cfg.ReadOnly)
	if err != nil {
		return nil, classifyAcquireError(err)
	}

	rows, detached, err := s.dispatch(ctx, conn, translateDialect(query), params)
	if err != nil {
		if !detached {
			s.pool.ReleaseConnection(conn)
		}
		return nil, err
	}
	defer s.pool.ReleaseConnection(conn)
	defer rows.Close()

	names := columnNames(query, rows)
	out := make([]map[string]any, 0, 64)
	truncated := false
	for {
		vals, ok := rows.Next()
		if !ok {
			break
		}
		if len(out) >= s.cfg.MaxRows {
			// Row ceiling hit: close the cursor now to free engine-side
			// resources instead of draining the rest.
			truncated = true
			rows.Close()
			break
		}
		out = append(out, rowRecord(names, vals))
	}
	if err := rows.Err(); err != nil && !truncated {
		return nil, errEngine(err)
	}

	return &QueryResult{
		Columns:   names,
		Rows:      out,
		RowCount:  len(out),
		Truncated: truncated,
	}, nil
}

// StreamQuery runs query against dbID and emits fixed-size row chunks on the
// returned channel. Validation, not-found, and admission errors are returned
// synchronously; engine errors after the stream starts become a terminal
// error chunk. The consumer cancels by cancelling ctx or abandoning the
// channel.
func (s *Service) StreamQuery(ctx context.Context, dbID, query string, params map[string]any) (<-chan Chunk, error) {
	if err := validateQuery(query, s.cfg.MaxQueryLength); err != nil {
		return nil, err
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if !s.catalog.Exists(dbID) {
		return nil, errNotFound(dbID)
	}

	if decision, reason := s.admission.CheckAdmission(dbID, admission.OpQuery); decision != admission.Accept {
		return nil, errAdmission(decision, reason)
	}
	s.admission.RegisterConnection(dbID)

	conn, err := s.pool.AcquireConnection(dbID, s.cfg.ReadOnly)
	if err != nil {
		s.admission.ReleaseConnection(dbID)
		return nil, classifyAcquireError(err)
	}

	ch := make(chan Chunk)
	go func() {
		start := time.Now()
		failed := false
		releaseConn := true
		defer func() {
			close(ch)
			if releaseConn {
				s.pool.ReleaseConnection(conn)
			}
			s.admission.ReleaseConnection(dbID)
			s.metrics.RecordQuery(dbID, time.Since(start).Milliseconds(), !failed)
		}()

		send := func(c Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		rows, detached, err := s.dispatch(ctx, conn, translateDialect(query), params)
		if err != nil {
			failed = true
			releaseConn = !detached
			send(Chunk{Index: 0, IsLast: true, Error: err.Error()})
			return
		}
		defer rows.Close()

		names := columnNames(query, rows)
		index := 0
		total := 0
		buf := make([]map[string]any, 0, s.cfg.ChunkSize)

		flush := func(last bool, errMsg string) bool {
			c := Chunk{
				Index:     index,
				Columns:   names,
				Rows:      buf,
				RowCount:  len(buf),
				TotalRows: total,
				IsLast:    last,
				Error:     errMsg,
			}
			index++
			buf = make([]map[string]any, 0, s.cfg.ChunkSize)
			return send(c)
		}

		for {
			vals, ok := rows.Next()
			if !ok {
				break
			}
			buf = append(buf, rowRecord(names, vals))
			total++
			if len(buf) >= s.cfg.ChunkSize {
				if !flush(false, "") {
					return
				}
			}
		}
		if err := rows.Err(); err != nil {
			failed = true
			flush(true, err.Error())
			return
		}
		flush(true, "")
	}()

	return ch, nil
}

// dispatch runs the engine call on the bounded worker pool under the query's
// wall-clock budget. The pool is non-blocking, so when every worker is busy
// the query is shed as a retryable resource error instead of queueing past
// its budget. On timeout or caller cancellation the in-flight worker is
// interrupted best-effort; an engine call that ignores the interrupt may still
// run to completion, so the connection stays checked out until the call
// returns and is released by the drain goroutine. detached reports that
// hand-off: when set, the caller must not release the connection itself.
func (s *Service) dispatch(ctx context.Context, conn *pool.Conn, query string, params map[string]any) (rows engine.Rows, detached bool, err error) {
	type result struct {
		rows engine.Rows
		err  error
	}
	done := make(chan result, 1)
	if err := s.workers.Submit(func() {
		rows, err := conn.Raw().Execute(query, params)
		done <- result{rows: rows, err: err}
	}); err != nil {
		return nil, false, errResourcef("execution workers saturated: %v", err)
	}

	timer := time.NewTimer(s.cfg.QueryTimeout)
	defer timer.Stop()

	abandon := func() {
		conn.Raw().Interrupt()
		go func() {
			if res := <-done; res.rows != nil {
				res.rows.Close()
			}
			s.pool.ReleaseConnection(conn)
		}()
	}

	select {
	case res := <-done:
		if res.err != nil {
			return nil, false, errEngine(res.err)
		}
		return res.rows, false, nil
	case <-timer.C:
		abandon()
		return nil, true, errTimeout(s.cfg.QueryTimeout)
	case <-ctx.Done():
		abandon()
		return nil, true, &Error{Code: CodeTimeout, Message: "query cancelled by caller", cause: ctx.Err()}
	}
}

// columnNames prefers inferred aliases over the engine's reported names, but
// only when the counts agree.
func columnNames(query string, rows engine.Rows) []string {
	cols := rows.Columns()
	if aliases := inferColumnAliases(query); len(aliases) == len(cols) {
		return aliases
	}
	return cols
}

func rowRecord(names []string, vals []any) map[string]any {
	rec := make(map[string]any, len(names))
	for i, name := range names {
		if i < len(vals) {
			rec[name] = vals[i]
		}
	}
	return rec
}

func classifyAcquireError(err error) error {
	if errors.Is(err, pool.ErrExhausted) {
		return errResourcef("connection pool exhausted: %v", err)
	}
	return err
}
