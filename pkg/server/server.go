// Package server exposes the cluster serving core over HTTP.
//
// Endpoints:
//
//	POST   /databases                  - create database
//	GET    /databases                  - list databases
//	GET    /databases/{id}             - database info
//	DELETE /databases/{id}             - delete database
//	POST   /databases/{id}/query       - execute query (?streaming=true for NDJSON chunks)
//	POST   /databases/{id}/backup      - start backup task
//	POST   /databases/{id}/restore     - start restore task
//	GET    /tasks                      - list tasks (?status= filter)
//	GET    /tasks/stats                - task counts by status
//	GET    /tasks/{id}/status          - task record
//	GET    /tasks/{id}/monitor         - NDJSON progress event stream
//	GET    /health                     - node health
//	GET    /info                       - configuration snapshot
//	GET    /metrics                    - Prometheus exposition
//
// The server speaks HTTP/2 over cleartext (h2c) for multiplexed streaming
// consumers while remaining compatible with HTTP/1.1 clients.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/vanadb/vanadb/pkg/cluster"
	"github.com/vanadb/vanadb/pkg/metrics"
)

// Config holds HTTP server settings.
type Config struct {
	// Address to bind (default "127.0.0.1").
	Address string
	// Port to listen on (default 7687).
	Port int
	// ReadTimeout for requests.
	ReadTimeout time.Duration
	// WriteTimeout for responses. Left zero by default because streaming
	// responses and task monitors are long-lived; per-query budgets are
	// enforced by the service.
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections.
	IdleTimeout time.Duration
	// MaxRequestSize in bytes (default 10MB).
	MaxRequestSize int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Address:        "127.0.0.1",
		Port:           7687,
		ReadTimeout:    30 * time.Second,
		IdleTimeout:    2 * time.Minute,
		MaxRequestSize: 10 * 1024 * 1024,
	}
}

// Server serves the cluster API.
type Server struct {
	cfg Config
	svc *cluster.Service

	httpServer *http.Server
	listener   net.Listener
}

// New builds the server and its routes.
func New(svc *cluster.Service, cfg Config) *Server {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = 10 * 1024 * 1024
	}

	s := &Server{cfg: cfg, svc: svc}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /databases", s.handleCreateDatabase)
	mux.HandleFunc("GET /databases", s.handleListDatabases)
	mux.HandleFunc("GET /databases/{id}", s.handleDatabaseInfo)
	mux.HandleFunc("DELETE /databases/{id}", s.handleDeleteDatabase)
	mux.HandleFunc("POST /databases/{id}/query", s.handleQuery)
	mux.HandleFunc("POST /databases/{id}/backup", s.handleBackup)
	mux.HandleFunc("POST /databases/{id}/restore", s.handleRestore)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/stats", s.handleTaskStats)
	mux.HandleFunc("GET /tasks/{id}/status", s.handleTaskStatus)
	mux.HandleFunc("GET /tasks/{id}/monitor", s.handleTaskMonitor)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.Handle("GET /metrics", metrics.Handler())

	handler := s.withRecovery(s.withLogging(s.withSizeLimit(mux)))

	s.httpServer = &http.Server{
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Start begins listening. Non-blocking; serve errors after startup are logged.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[server] serve: %v", err)
		}
	}()
	log.Printf("[server] listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, useful when Port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
