package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vanadb/vanadb/pkg/cluster"
	"github.com/vanadb/vanadb/pkg/tasks"
)

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	ce, ok := cluster.AsError(err)
	if !ok {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	body := map[string]any{"error": string(ce.Code), "reason": ce.Message}
	status := http.StatusInternalServerError
	switch ce.Code {
	case cluster.CodeAdmission:
		status = http.StatusServiceUnavailable
		body["decision"] = string(ce.Decision)
		body["retry_after"] = int(ce.RetryAfter.Seconds())
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(ce.RetryAfter.Seconds())))
	case cluster.CodeValidation:
		status = http.StatusBadRequest
	case cluster.CodeNotFound:
		status = http.StatusNotFound
	case cluster.CodeTimeout:
		status = http.StatusRequestTimeout
	case cluster.CodeResource:
		status = http.StatusServiceUnavailable
	case cluster.CodeReadOnly:
		status = http.StatusForbidden
	case cluster.CodeEngine, cluster.CodeConfiguration:
		status = http.StatusInternalServerError
	}
	writeJSONStatus(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{
			"error":  "validation_error",
			"reason": "malformed JSON body: " + err.Error(),
		})
		return false
	}
	return true
}

type queryRequest struct {
	Cypher     string         `json:"cypher"`
	Query      string         `json:"query"`
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	dbID := r.PathValue("id")
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	query := req.Cypher
	if query == "" {
		query = req.Query
	}

	if r.URL.Query().Get("streaming") == "true" {
		s.streamQuery(w, r, dbID, query, req.Parameters)
		return
	}

	result, err := s.svc.ExecuteQuery(r.Context(), dbID, query, req.Parameters)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, result)
}

// streamQuery writes chunks as NDJSON, flushing after each line so consumers
// see rows as they are produced.
func (s *Server) streamQuery(w http.ResponseWriter, r *http.Request, dbID, query string, params map[string]any) {
	chunks, err := s.svc.StreamQuery(r.Context(), dbID, query, params)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for chunk := range chunks {
		if err := enc.Encode(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type createDatabaseRequest struct {
	GraphID        string `json:"graph_id"`
	SchemaType     string `json:"schema_type"`
	RepositoryName string `json:"repository_name"`
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	var req createDatabaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.svc.CreateDatabase(req.GraphID, req.SchemaType, req.RepositoryName); err != nil {
		writeServiceError(w, err)
		return
	}
	info, err := s.svc.GetDatabaseInfo(req.GraphID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, info)
}

func (s *Server) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"databases": s.svc.ListDatabases()})
}

func (s *Server) handleDatabaseInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.GetDatabaseInfo(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleDeleteDatabase(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteDatabase(r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"deleted": r.PathValue("id")})
}

type backupRequest struct {
	Format      string `json:"format"`
	Compression string `json:"compression"`
	Encrypted   bool   `json:"encrypted"`
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	dbID := r.PathValue("id")
	var req backupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	taskID, err := s.svc.Backup(dbID, req.Format, req.Compression, req.Encrypted)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]any{
		"task_id":     taskID,
		"monitor_url": "/tasks/" + taskID + "/monitor",
	})
}

type restoreRequest struct {
	ArchivePath        string `json:"archive_path"`
	CreateSafetyBackup bool   `json:"create_safety_backup"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	dbID := r.PathValue("id")
	var req restoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	taskID, err := s.svc.Restore(dbID, req.ArchivePath, req.CreateSafetyBackup)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]any{
		"task_id":     taskID,
		"monitor_url": "/tasks/" + taskID + "/monitor",
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := tasks.Status(r.URL.Query().Get("status"))
	list, err := s.svc.Tasks().ListTasks(status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"tasks": list})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Tasks().Stats()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.Tasks().GetTask(r.PathValue("id"))
	if errors.Is(err, tasks.ErrTaskNotFound) {
		writeJSONStatus(w, http.StatusNotFound, map[string]any{
			"error":  "not_found",
			"reason": err.Error(),
		})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, task)
}

// handleTaskMonitor streams task progress events as NDJSON until the task
// reaches a terminal state or the client disconnects.
func (s *Server) handleTaskMonitor(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for event := range s.svc.Tasks().Watch(r.Context(), r.PathValue("id")) {
		if err := enc.Encode(event); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.svc.GetClusterHealth()
	status := http.StatusOK
	if health.Status == cluster.HealthCritical || health.Status == cluster.HealthFull {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, health)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.svc.GetClusterInfo())
}
