package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanadb/vanadb/pkg/admission"
	"github.com/vanadb/vanadb/pkg/cluster"
	"github.com/vanadb/vanadb/pkg/engine/memengine"
	"github.com/vanadb/vanadb/pkg/metrics"
	"github.com/vanadb/vanadb/pkg/pool"
	"github.com/vanadb/vanadb/pkg/tasks"
)

type fixedSampler struct {
	mem float64
	cpu float64
}

func (s fixedSampler) Sample() (float64, float64, error) { return s.mem, s.cpu, nil }

type testServer struct {
	baseURL string
	driver  *memengine.Driver
	svc     *cluster.Service
}

func startTestServer(t *testing.T, sampler admission.Sampler) *testServer {
	t.Helper()

	base := t.TempDir()
	driver := memengine.New()

	poolCfg := pool.DefaultConfig()
	poolCfg.BasePath = base
	p := pool.New(driver, poolCfg)
	t.Cleanup(p.CloseAll)

	if sampler == nil {
		sampler = fixedSampler{mem: 20, cpu: 20}
	}
	adm := admission.New(admission.DefaultConfig(), sampler)

	store, err := tasks.OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	taskCfg := tasks.DefaultConfig()
	taskCfg.PollInterval = 10 * time.Millisecond
	tm := tasks.NewManager(store, taskCfg)

	clusterCfg := cluster.DefaultConfig()
	clusterCfg.BasePath = base
	svc, err := cluster.New(clusterCfg, p, adm, metrics.NewCollector(base, time.Minute), tm)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	srvCfg := DefaultConfig()
	srvCfg.Port = 0
	srv := New(svc, srvCfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	return &testServer{baseURL: "http://" + srv.Addr(), driver: driver, svc: svc}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.baseURL+path, buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, raw
}

func (ts *testServer) createDatabase(t *testing.T, id string) {
	t.Helper()
	resp, raw := ts.do(t, http.MethodPost, "/databases", map[string]any{"graph_id": id})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", raw)
}

func TestDatabaseLifecycleOverHTTP(t *testing.T) {
	ts := startTestServer(t, nil)

	ts.createDatabase(t, "tenant_a")

	resp, raw := ts.do(t, http.MethodGet, "/databases", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Databases []cluster.DatabaseInfo `json:"databases"`
	}
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list.Databases, 1)
	assert.Equal(t, "tenant_a", list.Databases[0].GraphID)

	resp, raw = ts.do(t, http.MethodGet, "/databases/tenant_a", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var info cluster.DatabaseInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, "standard", info.SchemaKind)

	// Duplicate create is a client error.
	resp, _ = ts.do(t, http.MethodPost, "/databases", map[string]any{"graph_id": "tenant_a"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/databases/tenant_a", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/databases/tenant_a", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueryEndpoint(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.createDatabase(t, "tenant_a")

	resp, raw := ts.do(t, http.MethodPost, "/databases/tenant_a/query",
		map[string]any{"cypher": "RETURN 1 AS x"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	var result cluster.QueryResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, []string{"x"}, result.Columns)
	require.Len(t, result.Rows, 1)
	assert.EqualValues(t, 1, result.Rows[0]["x"])
	assert.False(t, result.Truncated)
}

func TestQueryEndpoint_QueryFieldFallback(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.createDatabase(t, "tenant_a")

	resp, raw := ts.do(t, http.MethodPost, "/databases/tenant_a/query",
		map[string]any{"query": "RETURN 'ok' AS status"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	var result cluster.QueryResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "ok", result.Rows[0]["status"])
}

func TestQueryEndpoint_Errors(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.createDatabase(t, "tenant_a")

	// Denied statement.
	resp, raw := ts.do(t, http.MethodPost, "/databases/tenant_a/query",
		map[string]any{"cypher": "DROP DATABASE tenant_a"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "validation_error", body["error"])

	// Unknown database.
	resp, raw = ts.do(t, http.MethodPost, "/databases/ghost/query",
		map[string]any{"cypher": "RETURN 1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "not_found", body["error"])

	// Engine-level failure.
	resp, raw = ts.do(t, http.MethodPost, "/databases/tenant_a/query",
		map[string]any{"cypher": "MATCH (n) RETURN n"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "engine_error", body["error"])

	// Malformed body.
	req, err := http.NewRequest(http.MethodPost, ts.baseURL+"/databases/tenant_a/query",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestQueryEndpoint_Streaming(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.createDatabase(t, "tenant_a")
	ts.driver.Script("MATCH (n) RETURN n.id AS id", []string{"id"},
		[][]any{{int64(1)}, {int64(2)}, {int64(3)}})

	raw, err := json.Marshal(map[string]any{"cypher": "MATCH (n) RETURN n.id AS id"})
	require.NoError(t, err)
	resp, err := http.Post(ts.baseURL+"/databases/tenant_a/query?streaming=true",
		"application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var chunks []cluster.Chunk
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var c cluster.Chunk
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &c))
		chunks = append(chunks, c)
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.True(t, last.IsLast)
	assert.Empty(t, last.Error)
	assert.Equal(t, 3, last.TotalRows)
}

func TestBackupAndTaskEndpoints(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.createDatabase(t, "tenant_a")

	resp, raw := ts.do(t, http.MethodPost, "/databases/tenant_a/backup", map[string]any{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %s", raw)
	var accepted struct {
		TaskID     string `json:"task_id"`
		MonitorURL string `json:"monitor_url"`
	}
	require.NoError(t, json.Unmarshal(raw, &accepted))
	require.NotEmpty(t, accepted.TaskID)
	assert.Equal(t, "/tasks/"+accepted.TaskID+"/monitor", accepted.MonitorURL)

	var task tasks.Task
	require.Eventually(t, func() bool {
		resp, raw := ts.do(t, http.MethodGet, "/tasks/"+accepted.TaskID+"/status", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(raw, &task); err != nil {
			return false
		}
		return task.Status.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, tasks.StatusCompleted, task.Status, "backup failed: %s", task.Error)

	// Listing and stats include the finished task.
	resp, raw = ts.do(t, http.MethodGet, "/tasks?status=completed", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, accepted.TaskID, list.Tasks[0].ID)

	resp, raw = ts.do(t, http.MethodGet, "/tasks/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]int
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, 1, stats["completed"])

	// Monitoring a finished task yields connected plus one terminal event.
	resp2, err := http.Get(ts.baseURL + accepted.MonitorURL)
	require.NoError(t, err)
	defer resp2.Body.Close()
	var events []tasks.Event
	scanner := bufio.NewScanner(resp2.Body)
	for scanner.Scan() {
		var e tasks.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, events, 2)
	assert.Equal(t, tasks.EventConnected, events[0].Type)
	assert.Equal(t, tasks.EventCompleted, events[1].Type)
}

func TestTaskStatus_NotFound(t *testing.T) {
	ts := startTestServer(t, nil)
	resp, _ := ts.do(t, http.MethodGet, "/tasks/node1_backup_missing/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmissionRejectionOverHTTP(t *testing.T) {
	ts := startTestServer(t, fixedSampler{mem: 99, cpu: 20})
	ts.createDatabase(t, "tenant_a")

	resp, raw := ts.do(t, http.MethodPost, "/databases/tenant_a/query",
		map[string]any{"cypher": "RETURN 1"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "admission_rejected", body["error"])
	assert.Equal(t, "reject_memory", body["decision"])
	assert.EqualValues(t, 5, body["retry_after"])
}

func TestInfoAndHealthEndpoints(t *testing.T) {
	ts := startTestServer(t, nil)

	resp, raw := ts.do(t, http.MethodGet, "/info", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var info cluster.ClusterInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, cluster.NodeTypeWriter, info.NodeType)
	assert.Equal(t, 10_000, info.MaxRows)

	resp, raw = ts.do(t, http.MethodGet, "/health", nil)
	assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, resp.StatusCode)
	var health cluster.ClusterHealth
	require.NoError(t, json.Unmarshal(raw, &health))
	assert.NotEmpty(t, health.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.createDatabase(t, "tenant_a")
	_, _ = ts.do(t, http.MethodPost, "/databases/tenant_a/query",
		map[string]any{"cypher": "RETURN 1 AS x"})

	resp, raw := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "vanadb_queries_total")
}

func TestRequestSizeLimit(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.createDatabase(t, "tenant_a")

	// DefaultConfig caps request bodies at 10MB.
	big := fmt.Sprintf(`{"cypher": "RETURN '%s' AS x"}`, strings.Repeat("a", 11*1024*1024))
	resp, err := http.Post(ts.baseURL+"/databases/tenant_a/query", "application/json",
		strings.NewReader(big))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
