// Package cluster is the serving and control layer of a multi-tenant node
// hosting many embedded graph databases in one process.
//
// Service composes the admission controller, connection pool, metrics
// collector, and task manager: it validates and executes queries through the
// pool gated by admission control, and manages database lifecycle
// (create/delete/backup/restore), tracking the long-running operations as
// tasks. All collaborators are injected at construction; there are no
// process-wide singletons.
package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/vanadb/vanadb/pkg/admission"
	"github.com/vanadb/vanadb/pkg/metrics"
	"github.com/vanadb/vanadb/pkg/pool"
	"github.com/vanadb/vanadb/pkg/tasks"
)

// Node types.
const (
	NodeTypeWriter        = "writer"
	NodeTypeSharedMaster  = "shared_master"
	NodeTypeSharedReplica = "shared_replica"
)

// Config is the node's static configuration. Immutable after construction.
type Config struct {
	// BasePath is the directory holding one subdirectory per database.
	BasePath string
	// NodeType is writer, shared_master, or shared_replica.
	NodeType string
	// ReadOnly rejects all mutating operations. Forced on for shared replicas.
	ReadOnly bool
	// MaxDatabases caps databases hosted on this node (0 = unlimited).
	MaxDatabases int
	// QueryTimeout is the wall-clock budget per query.
	QueryTimeout time.Duration
	// MaxQueryLength rejects longer query text.
	MaxQueryLength int
	// MaxRows caps materialized rows on the buffered path.
	MaxRows int
	// ChunkSize is the row count per streaming chunk.
	ChunkSize int
	// Workers bounds concurrent engine calls.
	Workers int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		NodeType:       NodeTypeWriter,
		MaxDatabases:   200,
		QueryTimeout:   30 * time.Second,
		MaxQueryLength: 50_000,
		MaxRows:        10_000,
		ChunkSize:      1_000,
		Workers:        8,
	}
}

// Service is the cluster serving core.
type Service struct {
	cfg       Config
	pool      *pool.Pool
	admission *admission.Controller
	metrics   *metrics.Collector
	tasks     *tasks.Manager
	catalog   *catalog
	workers   *ants.Pool
	startedAt time.Time
}

// New constructs the service. Configuration errors are fatal; nothing is
// started lazily afterwards.
func New(cfg Config, p *pool.Pool, adm *admission.Controller, mc *metrics.Collector, tm *tasks.Manager) (*Service, error) {
	switch cfg.NodeType {
	case NodeTypeWriter, NodeTypeSharedMaster, NodeTypeSharedReplica:
	default:
		return nil, &Error{Code: CodeConfiguration,
			Message: fmt.Sprintf("unknown node type %q", cfg.NodeType)}
	}
	if cfg.NodeType == NodeTypeWriter && cfg.ReadOnly {
		return nil, &Error{Code: CodeConfiguration,
			Message: "writer node cannot be read-only"}
	}
	if cfg.NodeType == NodeTypeSharedReplica {
		cfg.ReadOnly = true
	}
	if cfg.BasePath == "" {
		return nil, &Error{Code: CodeConfiguration, Message: "base path is required"}
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, &Error{Code: CodeConfiguration,
			Message: fmt.Sprintf("base path: %v", err)}
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 10_000
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1_000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}

	cat, err := loadCatalog(cfg.BasePath)
	if err != nil {
		return nil, &Error{Code: CodeConfiguration,
			Message: fmt.Sprintf("catalog: %v", err)}
	}
	// Non-blocking: a saturated pool sheds new queries as retryable resource
	// errors instead of queueing them with no deadline.
	workers, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:       cfg,
		pool:      p,
		admission: adm,
		metrics:   mc,
		tasks:     tm,
		catalog:   cat,
		workers:   workers,
		startedAt: time.Now(),
	}, nil
}

// Close releases the worker pool. The connection pool is closed separately by
// its owner.
func (s *Service) Close() {
	s.workers.Release()
}

// Tasks exposes the task manager for transport-layer monitor endpoints.
func (s *Service) Tasks() *tasks.Manager { return s.tasks }

func (s *Service) dbPath(id string) string {
	return filepath.Join(s.cfg.BasePath, id)
}

// DatabaseInfo is the externally-visible description of one database.
type DatabaseInfo struct {
	GraphID    string    `json:"graph_id"`
	SchemaKind string    `json:"schema_type"`
	Repository string    `json:"repository_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	SizeBytes  int64     `json:"size_bytes"`
}

// CreateDatabase creates a database with the schema for schemaKind.
// schemaKind "shared" requires a repository name.
func (s *Service) CreateDatabase(id, schemaKind, repoName string) error {
	if s.cfg.ReadOnly {
		return errReadOnly("create database")
	}
	if err := validateDatabaseID(id); err != nil {
		s.metrics.RecordDatabaseOperation("create", id, false)
		return err
	}
	if schemaKind == "" {
		schemaKind = SchemaKindStandard
	}
	if schemaKind == SchemaKindShared && repoName == "" {
		return errValidationf("schema_type %q requires repository_name", SchemaKindShared)
	}
	if s.catalog.Exists(id) {
		return errValidationf("database %s already exists", id)
	}
	if s.cfg.MaxDatabases > 0 && s.catalog.Count() >= s.cfg.MaxDatabases {
		return errResourcef("node at capacity: %d databases", s.cfg.MaxDatabases)
	}

	if err := os.MkdirAll(s.dbPath(id), 0o755); err != nil {
		s.metrics.RecordDatabaseOperation("create", id, false)
		return fmt.Errorf("create database dir: %w", err)
	}
	if err := s.catalog.Add(CatalogEntry{
		GraphID:    id,
		SchemaKind: schemaKind,
		Repository: repoName,
		CreatedAt:  time.Now(),
	}); err != nil {
		return err
	}

	if err := s.applySchema(id, schemaKind); err != nil {
		// Roll back so a failed create leaves no half-made database.
		s.pool.InvalidateDatabase(id)
		s.catalog.Remove(id)
		os.RemoveAll(s.dbPath(id))
		s.metrics.RecordDatabaseOperation("create", id, false)
		return err
	}

	s.metrics.RecordDatabaseOperation("create", id, true)
	return nil
}

// applySchema runs the DDL for the chosen schema kind through a pooled
// connection.
func (s *Service) applySchema(id, schemaKind string) error {
	conn, err := s.pool.AcquireConnection(id, false)
	if err != nil {
		return err
	}
	defer s.pool.ReleaseConnection(conn)

	for _, stmt := range schemaDDL(schemaKind) {
		rows, err := conn.Raw().Execute(stmt, nil)
		if err != nil {
			return errEngine(fmt.Errorf("schema statement failed: %w", err))
		}
		rows.Close()
	}
	return nil
}

// DeleteDatabase removes the database's connections, on-disk state, and
// catalog entry.
func (s *Service) DeleteDatabase(id string) error {
	if s.cfg.ReadOnly {
		return errReadOnly("delete database")
	}
	if !s.catalog.Exists(id) {
		return errNotFound(id)
	}

	s.pool.InvalidateDatabase(id)
	if err := os.RemoveAll(s.dbPath(id)); err != nil {
		s.metrics.RecordDatabaseOperation("delete", id, false)
		return fmt.Errorf("remove database dir: %w", err)
	}
	if err := s.catalog.Remove(id); err != nil {
		return err
	}
	s.metrics.InvalidateSize(id)
	s.metrics.RecordDatabaseOperation("delete", id, true)
	return nil
}

// GetDatabaseInfo returns the catalog entry plus cached on-disk size.
func (s *Service) GetDatabaseInfo(id string) (*DatabaseInfo, error) {
	entry, ok := s.catalog.Get(id)
	if !ok {
		return nil, errNotFound(id)
	}
	return &DatabaseInfo{
		GraphID:    entry.GraphID,
		SchemaKind: entry.SchemaKind,
		Repository: entry.Repository,
		CreatedAt:  entry.CreatedAt,
		SizeBytes:  s.metrics.DatabaseSizeBytes(id),
	}, nil
}

// ListDatabases returns every hosted database.
func (s *Service) ListDatabases() []DatabaseInfo {
	entries := s.catalog.List()
	out := make([]DatabaseInfo, 0, len(entries))
	for _, entry := range entries {
		out = append(out, DatabaseInfo{
			GraphID:    entry.GraphID,
			SchemaKind: entry.SchemaKind,
			Repository: entry.Repository,
			CreatedAt:  entry.CreatedAt,
			SizeBytes:  s.metrics.DatabaseSizeBytes(entry.GraphID),
		})
	}
	return out
}

// Health statuses.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
	HealthFull     = "full"
)

// ClusterHealth summarizes the node's capacity headroom and load.
type ClusterHealth struct {
	Status        string                `json:"status"`
	Databases     int                   `json:"databases"`
	MaxDatabases  int                   `json:"max_databases"`
	System        metrics.SystemMetrics `json:"system"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
}

// GetClusterHealth derives a status from capacity headroom and current load.
func (s *Service) GetClusterHealth() ClusterHealth {
	sys := s.metrics.CollectSystemMetrics()
	count := s.catalog.Count()

	status := HealthHealthy
	switch {
	case s.cfg.MaxDatabases > 0 && count >= s.cfg.MaxDatabases:
		status = HealthFull
	case sys.MemPercent >= 95 || sys.CPUPercent >= 95 || sys.DiskPercent >= 95:
		status = HealthCritical
	case sys.MemPercent >= 85 || sys.CPUPercent >= 90 || sys.DiskPercent >= 85:
		status = HealthWarning
	case s.cfg.MaxDatabases > 0 && count*10 >= s.cfg.MaxDatabases*9:
		// Less than 10% capacity headroom left.
		status = HealthWarning
	}

	return ClusterHealth{
		Status:        status,
		Databases:     count,
		MaxDatabases:  s.cfg.MaxDatabases,
		System:        sys,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
}

// ClusterInfo is the full configuration snapshot.
type ClusterInfo struct {
	NodeType       string            `json:"node_type"`
	ReadOnly       bool              `json:"read_only"`
	BasePath       string            `json:"base_path"`
	MaxDatabases   int               `json:"max_databases"`
	Databases      int               `json:"databases"`
	QueryTimeout   string            `json:"query_timeout"`
	MaxQueryLength int               `json:"max_query_length"`
	MaxRows        int               `json:"max_rows"`
	Pool           pool.Stats        `json:"pool"`
	Admission      admission.Metrics `json:"admission"`
}

// GetClusterInfo returns the node configuration and live pool/admission state.
func (s *Service) GetClusterInfo() ClusterInfo {
	return ClusterInfo{
		NodeType:       s.cfg.NodeType,
		ReadOnly:       s.cfg.ReadOnly,
		BasePath:       s.cfg.BasePath,
		MaxDatabases:   s.cfg.MaxDatabases,
		Databases:      s.catalog.Count(),
		QueryTimeout:   s.cfg.QueryTimeout.String(),
		MaxQueryLength: s.cfg.MaxQueryLength,
		MaxRows:        s.cfg.MaxRows,
		Pool:           s.pool.Stats(),
		Admission:      s.admission.GetMetrics(),
	}
}
