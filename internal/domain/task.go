package domain

import (
	"fmt"
	"time"

	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
)

// SizeUnknown marks an expected size that has not been learned yet.
const SizeUnknown int64 = -1

// Task is one requested transfer plus its run-state.
type Task struct {
	ID             string `json:"id"`
	Locator        string `json:"locator"`
	Destination    string `json:"destination"`
	ExpectedSize   int64  `json:"expected_size"`
	ExpectedDigest string `json:"expected_digest,omitempty"`

	Status           TaskStatus `json:"status"`
	AttemptCount     int        `json:"attempt_count"`
	LastError        string     `json:"last_error,omitempty"`
	BytesTransferred int64      `json:"bytes_transferred"`
	// Offset is the number of bytes durable in the partial artifact; the
	// next attempt resumes from here.
	Offset int64 `json:"offset"`
	// Resumable is cleared once the transport ignored a resume offset and
	// restarted the stream from zero.
	Resumable   bool `json:"resumable"`
	Redownloads int  `json:"redownloads"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewTask builds a queued task from a validated spec and its resolved
// destination path.
func NewTask(id string, spec TaskSpec, destination string, now time.Time) *Task {
	size := SizeUnknown
	if spec.ExpectedSize != nil {
		size = *spec.ExpectedSize
	}
	return &Task{
		ID:             id,
		Locator:        spec.Locator,
		Destination:    destination,
		ExpectedSize:   size,
		ExpectedDigest: spec.ExpectedDigest,
		Status:         TaskStatusQueued,
		Resumable:      true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition moves the task along an allowed edge of the state machine.
func (t *Task) Transition(to TaskStatus, now time.Time) error {
	if !t.Status.CanTransition(to) {
		return &errpkg.InvariantViolation{
			Op:     "transition",
			Detail: fmt.Sprintf("task %s: %s -> %s not allowed", t.ID, t.Status, to),
		}
	}
	t.Status = to
	t.UpdatedAt = now
	if to.IsTerminal() {
		t.FinishedAt = now
	}
	return nil
}

// SizeKnown reports whether the expected size has been learned.
func (t *Task) SizeKnown() bool {
	return t.ExpectedSize >= 0
}

// Advance records that the partial artifact now holds written bytes.
// It returns how far the high-water mark moved, which is zero while a
// restarted stream is still catching up.
func (t *Task) Advance(written int64, now time.Time) int64 {
	t.Offset = written
	t.UpdatedAt = now
	if written <= t.BytesTransferred {
		return 0
	}
	delta := written - t.BytesTransferred
	t.BytesTransferred = written
	return delta
}
