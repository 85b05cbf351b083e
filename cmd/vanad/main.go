// Command vanad runs a vanadb serving node: an HTTP front end over the
// admission controller, connection pool, query executor, metrics collector,
// and task tracker for the databases hosted under its base path.
//
// Configuration is environment-driven (VANAD_* variables); every setting has
// a usable default for local development.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vanadb/vanadb/pkg/admission"
	"github.com/vanadb/vanadb/pkg/cluster"
	"github.com/vanadb/vanadb/pkg/engine/memengine"
	"github.com/vanadb/vanadb/pkg/envutil"
	"github.com/vanadb/vanadb/pkg/metrics"
	"github.com/vanadb/vanadb/pkg/pool"
	"github.com/vanadb/vanadb/pkg/server"
	"github.com/vanadb/vanadb/pkg/tasks"
)

func main() {
	basePath := envutil.Get("VANAD_BASE_PATH", "./data")

	admCfg := admission.DefaultConfig()
	admCfg.MemThresholdPercent = envutil.GetFloat("VANAD_MEM_THRESHOLD", admCfg.MemThresholdPercent)
	admCfg.CPUThresholdPercent = envutil.GetFloat("VANAD_CPU_THRESHOLD", admCfg.CPUThresholdPercent)
	admCfg.MaxConnectionsPerDB = envutil.GetInt("VANAD_MAX_CONNECTIONS_PER_DB", admCfg.MaxConnectionsPerDB)
	adm := admission.New(admCfg, nil)

	poolCfg := pool.DefaultConfig()
	poolCfg.BasePath = basePath
	poolCfg.MaxConnectionsPerDB = admCfg.MaxConnectionsPerDB
	poolCfg.ConnectionTTL = envutil.GetDuration("VANAD_CONNECTION_TTL", poolCfg.ConnectionTTL)
	poolCfg.HealthCheckInterval = envutil.GetDuration("VANAD_HEALTH_CHECK_INTERVAL", poolCfg.HealthCheckInterval)
	poolCfg.CleanupInterval = envutil.GetDuration("VANAD_CLEANUP_INTERVAL", poolCfg.CleanupInterval)
	poolCfg.SharedDatabases = envutil.GetList("VANAD_SHARED_DATABASES", nil)
	connPool := pool.New(memengine.New(), poolCfg)
	defer connPool.CloseAll()

	collector := metrics.NewCollector(basePath, envutil.GetDuration("VANAD_SIZE_CACHE_TTL", metrics.DefaultSizeCacheTTL))

	taskStore, err := tasks.OpenBadgerStore(filepath.Join(basePath, "tasks"))
	if err != nil {
		log.Fatalf("open task store: %v", err)
	}
	defer taskStore.Close()
	taskManager := tasks.NewManager(taskStore, tasks.DefaultConfig())

	clusterCfg := cluster.DefaultConfig()
	clusterCfg.BasePath = basePath
	clusterCfg.NodeType = envutil.Get("VANAD_NODE_TYPE", clusterCfg.NodeType)
	clusterCfg.ReadOnly = envutil.GetBool("VANAD_READ_ONLY", false)
	clusterCfg.MaxDatabases = envutil.GetInt("VANAD_MAX_DATABASES", clusterCfg.MaxDatabases)
	clusterCfg.QueryTimeout = envutil.GetDuration("VANAD_QUERY_TIMEOUT", clusterCfg.QueryTimeout)
	clusterCfg.MaxQueryLength = envutil.GetInt("VANAD_MAX_QUERY_LENGTH", clusterCfg.MaxQueryLength)
	clusterCfg.Workers = envutil.GetInt("VANAD_WORKERS", clusterCfg.Workers)

	svc, err := cluster.New(clusterCfg, connPool, adm, collector, taskManager)
	if err != nil {
		log.Fatalf("cluster service: %v", err)
	}
	defer svc.Close()

	srvCfg := server.DefaultConfig()
	srvCfg.Address = envutil.Get("VANAD_ADDRESS", srvCfg.Address)
	srvCfg.Port = envutil.GetInt("VANAD_PORT", srvCfg.Port)
	srv := server.New(svc, srvCfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
