package domain

import "time"

// TaskProgress is the per-task part of a ProgressSnapshot.
type TaskProgress struct {
	ID               string     `json:"task_id"`
	Status           TaskStatus `json:"status"`
	BytesTransferred int64      `json:"bytes_transferred"`
	ExpectedSize     int64      `json:"expected_size"`
	Rate             float64    `json:"rate_bytes_per_sec"`
	ETASeconds       int64      `json:"eta_seconds"` // -1 when unknown
	AttemptCount     int        `json:"attempt_count"`
	LastError        string     `json:"last_error,omitempty"`
	Resumable        bool       `json:"resumable"`
}

// ProgressSnapshot is a read-only, point-in-time view of the batch. It is
// always reconstructible from the task set and never shared with the
// orchestrator's mutable state.
type ProgressSnapshot struct {
	Tasks []TaskProgress `json:"tasks"`

	Total     int                `json:"total"`
	Counts    map[TaskStatus]int `json:"counts"`
	Completed int                `json:"completed"`
	Failed    int                `json:"failed"`
	Cancelled int                `json:"cancelled"`
	Active    int                `json:"active"`

	BytesTransferred int64   `json:"bytes_transferred"`
	BytesTotal       int64   `json:"bytes_total"` // -1 while any size is unknown
	Rate             float64 `json:"rate_bytes_per_sec"`
	ETASeconds       int64   `json:"eta_seconds"`

	OccupiedSlots  int       `json:"occupied_slots"`
	MaxConcurrency int       `json:"max_concurrency"`
	TakenAt        time.Time `json:"taken_at"`
}
