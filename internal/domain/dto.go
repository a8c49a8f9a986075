package domain

import (
	"time"
)

// TaskSpec is what the discovery collaborator supplies for one transfer.
type TaskSpec struct {
	ID             string `json:"id,omitempty" validate:"omitempty,max=128,printascii"`
	Locator        string `json:"locator" validate:"required,locator,public_host"`
	Destination    string `json:"destination" validate:"required,max=4096"`
	ExpectedSize   *int64 `json:"expected_size,omitempty" validate:"omitempty,min=0"`
	ExpectedDigest string `json:"expected_digest,omitempty" validate:"omitempty,digest"`
}

// CreateBatchRequest represents the request body for submitting several tasks.
type CreateBatchRequest struct {
	Tasks []TaskSpec `json:"tasks" validate:"required,min=1,max=1000,dive"`
}

// TaskResponse represents the view of a Task returned by the API.
type TaskResponse struct {
	ID               string     `json:"task_id"`
	Locator          string     `json:"locator"`
	Destination      string     `json:"destination"`
	Status           TaskStatus `json:"status"`
	ExpectedSize     int64      `json:"expected_size"`
	BytesTransferred int64      `json:"bytes_transferred"`
	AttemptCount     int        `json:"attempt_count"`
	LastError        string     `json:"last_error,omitempty"`
	Resumable        bool       `json:"resumable"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// NewTaskResponse converts a task copy into its API view.
func NewTaskResponse(t Task) TaskResponse {
	resp := TaskResponse{
		ID:               t.ID,
		Locator:          t.Locator,
		Destination:      t.Destination,
		Status:           t.Status,
		ExpectedSize:     t.ExpectedSize,
		BytesTransferred: t.BytesTransferred,
		AttemptCount:     t.AttemptCount,
		LastError:        t.LastError,
		Resumable:        t.Resumable,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
	if !t.FinishedAt.IsZero() {
		finished := t.FinishedAt
		resp.FinishedAt = &finished
	}
	return resp
}
