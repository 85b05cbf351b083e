// Package tasks tracks long-running background operations (backup, restore,
// bulk copy) in a shared key-value store with TTL, and exposes a progress
// event stream for transport layers to forward.
package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Status is a task's lifecycle state. Transitions are monotonic:
// pending → running → {completed | failed}, never backward.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func statusRank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one background operation's status record.
type Task struct {
	ID              string         `json:"id" msgpack:"id"`
	Type            string         `json:"type" msgpack:"type"`
	Status          Status         `json:"status" msgpack:"status"`
	CreatedAt       time.Time      `json:"created_at" msgpack:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty" msgpack:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty" msgpack:"completed_at,omitempty"`
	ProgressPercent int            `json:"progress_percent" msgpack:"progress_percent"`
	Metadata        map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	Result          map[string]any `json:"result,omitempty" msgpack:"result,omitempty"`
	Error           string         `json:"error,omitempty" msgpack:"error,omitempty"`
	Heartbeat       time.Time      `json:"heartbeat" msgpack:"heartbeat"`
}

// Update is a partial task update. Nil fields are left unchanged; Metadata and
// Result are merged key-by-key.
type Update struct {
	Status          *Status
	ProgressPercent *int
	Metadata        map[string]any
	Result          map[string]any
	Error           *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Config holds task manager settings.
type Config struct {
	// KeyPrefix namespaces task keys in the shared store.
	KeyPrefix string
	// IDPrefix is the leading component of generated task ids.
	IDPrefix string
	// TTL is how long records live in the store; reset on every update.
	TTL time.Duration
	// PollInterval is the watch loop's cadence.
	PollInterval time.Duration
	// HeartbeatAfter is how long without change before a heartbeat event.
	HeartbeatAfter time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "tasks:",
		IDPrefix:       "task",
		TTL:            24 * time.Hour,
		PollInterval:   time.Second,
		HeartbeatAfter: 15 * time.Second,
	}
}

// Manager tracks background tasks in a Store. Safe for concurrent use; the
// read-modify-write in UpdateTask is serialized by an internal mutex.
type Manager struct {
	cfg   Config
	store Store

	mu sync.Mutex
}

// NewManager returns a manager over store.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "tasks:"
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "task"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatAfter <= 0 {
		cfg.HeartbeatAfter = 15 * time.Second
	}
	return &Manager{cfg: cfg, store: store}
}

func (m *Manager) keyFor(id string) string {
	return m.cfg.KeyPrefix + id
}

// CreateTask stores an initial pending record and returns its id. The id has
// the form "{prefix}_{type}_{random}".
func (m *Manager) CreateTask(taskType string, metadata map[string]any) (string, error) {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	id := fmt.Sprintf("%s_%s_%s", m.cfg.IDPrefix, taskType, random)

	now := time.Now()
	task := &Task{
		ID:        id,
		Type:      taskType,
		Status:    StatusPending,
		CreatedAt: now,
		Metadata:  metadata,
		Heartbeat: now,
	}
	if err := m.put(task); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateTask loads the current record, merges the partial update, refreshes
// the heartbeat, and rewrites the record with the TTL reset.
func (m *Manager) UpdateTask(id string, update Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.load(id)
	if err != nil {
		return err
	}

	if update.Status != nil && *update.Status != task.Status {
		if task.Status.IsTerminal() || statusRank(*update.Status) < statusRank(task.Status) {
			return fmt.Errorf("tasks: invalid transition %s -> %s for %s",
				task.Status, *update.Status, id)
		}
		task.Status = *update.Status
	}
	if update.ProgressPercent != nil {
		task.ProgressPercent = *update.ProgressPercent
	}
	if update.Error != nil {
		task.Error = *update.Error
	}
	if update.StartedAt != nil {
		task.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		task.CompletedAt = update.CompletedAt
	}
	if len(update.Metadata) > 0 {
		if task.Metadata == nil {
			task.Metadata = make(map[string]any, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			task.Metadata[k] = v
		}
	}
	if len(update.Result) > 0 {
		if task.Result == nil {
			task.Result = make(map[string]any, len(update.Result))
		}
		for k, v := range update.Result {
			task.Result[k] = v
		}
	}
	task.Heartbeat = time.Now()

	return m.put(task)
}

// StartTask is a convenience update marking the task running.
func (m *Manager) StartTask(id string) error {
	now := time.Now()
	status := StatusRunning
	return m.UpdateTask(id, Update{Status: &status, StartedAt: &now})
}

// CompleteTask marks the task completed with the given result.
func (m *Manager) CompleteTask(id string, result map[string]any) error {
	now := time.Now()
	status := StatusCompleted
	progress := 100
	return m.UpdateTask(id, Update{
		Status:          &status,
		ProgressPercent: &progress,
		Result:          result,
		CompletedAt:     &now,
	})
}

// FailTask marks the task failed with the given error message.
func (m *Manager) FailTask(id, errMsg string) error {
	now := time.Now()
	status := StatusFailed
	return m.UpdateTask(id, Update{
		Status:      &status,
		Error:       &errMsg,
		CompletedAt: &now,
	})
}

// GetTask returns the task record for id, or ErrTaskNotFound.
func (m *Manager) GetTask(id string) (*Task, error) {
	return m.load(id)
}

// ListTasks returns all live task records, optionally filtered by status.
func (m *Manager) ListTasks(statusFilter Status) ([]*Task, error) {
	raws, err := m.store.Scan(m.cfg.KeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(raws))
	for _, raw := range raws {
		task, err := decodeTask(raw)
		if err != nil {
			continue
		}
		if statusFilter != "" && task.Status != statusFilter {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

// Stats returns task counts by status.
func (m *Manager) Stats() (map[Status]int, error) {
	all, err := m.ListTasks("")
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int)
	for _, t := range all {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *Manager) load(id string) (*Task, error) {
	raw, err := m.store.Get(m.keyFor(id))
	if err != nil {
		return nil, err
	}
	return decodeTask(raw)
}

func (m *Manager) put(task *Task) error {
	raw, err := msgpack.Marshal(task)
	if err != nil {
		return err
	}
	return m.store.Set(m.keyFor(task.ID), raw, m.cfg.TTL)
}

// decodeTask tries msgpack first, then JSON, so records written by older
// JSON-encoding deployments still decode.
func decodeTask(raw []byte) (*Task, error) {
	var task Task
	if err := msgpack.Unmarshal(raw, &task); err == nil && task.ID != "" {
		return &task, nil
	}
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("tasks: undecodable record: %w", err)
	}
	return &task, nil
}
