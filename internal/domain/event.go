package domain

import "time"

// EventType names a notification published to subscribers.
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
	EventBatchComplete EventType = "batch_complete"
)

// Event is a status-change notification. Batch events carry no TaskID.
type Event struct {
	Type   EventType  `json:"type"`
	TaskID string     `json:"task_id,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	Error  string     `json:"error,omitempty"`
	At     time.Time  `json:"at"`

	Completed int `json:"completed,omitempty"`
	Failed    int `json:"failed,omitempty"`
	Cancelled int `json:"cancelled,omitempty"`
}
