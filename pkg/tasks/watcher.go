package tasks

import (
	"context"
	"time"
)

// EventType tags a progress event.
type EventType string

const (
	// EventConnected is sent once when a watch starts.
	EventConnected EventType = "connected"
	// EventProgress is sent when the task's status or percent changed.
	EventProgress EventType = "progress"
	// EventHeartbeat is sent when nothing has changed for HeartbeatAfter.
	EventHeartbeat EventType = "heartbeat"
	// EventCompleted and EventFailed are terminal.
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	// EventError reports a watch failure (e.g. record expired); terminal.
	EventError EventType = "error"
)

// Event is one entry in a task's progress stream.
type Event struct {
	Type  EventType `json:"type"`
	Task  *Task     `json:"task,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Watch polls the task at the configured cadence and sends structured events
// on the returned channel: connected once at start, progress on any change,
// heartbeat during quiet stretches, and one terminal completed/failed/error
// event, after which the channel is closed.
//
// Cancelling ctx is the consumer's cancellation mechanism; the loop is purely
// cooperative and holds no resources beyond its timer.
func (m *Manager) Watch(ctx context.Context, id string) <-chan Event {
	events := make(chan Event, 8)

	go func() {
		defer close(events)

		send := func(e Event) bool {
			select {
			case events <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		task, err := m.GetTask(id)
		if err != nil {
			send(Event{Type: EventError, Error: err.Error()})
			return
		}
		if !send(Event{Type: EventConnected, Task: task}) {
			return
		}

		lastStatus := task.Status
		lastPercent := task.ProgressPercent
		lastChange := time.Now()

		if task.Status.IsTerminal() {
			send(terminalEvent(task))
			return
		}

		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			task, err := m.GetTask(id)
			if err != nil {
				send(Event{Type: EventError, Error: err.Error()})
				return
			}

			changed := task.Status != lastStatus || task.ProgressPercent != lastPercent
			if changed {
				lastStatus = task.Status
				lastPercent = task.ProgressPercent
				lastChange = time.Now()
				if task.Status.IsTerminal() {
					send(terminalEvent(task))
					return
				}
				if !send(Event{Type: EventProgress, Task: task}) {
					return
				}
				continue
			}

			if time.Since(lastChange) >= m.cfg.HeartbeatAfter {
				lastChange = time.Now()
				if !send(Event{Type: EventHeartbeat, Task: task}) {
					return
				}
			}
		}
	}()

	return events
}

func terminalEvent(task *Task) Event {
	if task.Status == StatusFailed {
		return Event{Type: EventFailed, Task: task, Error: task.Error}
	}
	return Event{Type: EventCompleted, Task: task}
}
