package domain

// TaskStatus represents the current state of a Task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAdmitted  TaskStatus = "admitted"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusVerifying TaskStatus = "verifying"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// AllStatuses lists every status in state machine order.
var AllStatuses = []TaskStatus{
	TaskStatusQueued,
	TaskStatusAdmitted,
	TaskStatusActive,
	TaskStatusVerifying,
	TaskStatusRetrying,
	TaskStatusPaused,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
}

// transitions lists the allowed edges of the task state machine.
// Terminal statuses have no outgoing edges.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:    {TaskStatusAdmitted, TaskStatusPaused, TaskStatusCancelled},
	TaskStatusAdmitted:  {TaskStatusActive, TaskStatusPaused, TaskStatusCancelled, TaskStatusQueued},
	TaskStatusActive:    {TaskStatusVerifying, TaskStatusRetrying, TaskStatusFailed, TaskStatusPaused, TaskStatusCancelled, TaskStatusQueued},
	TaskStatusVerifying: {TaskStatusCompleted, TaskStatusRetrying, TaskStatusFailed, TaskStatusPaused, TaskStatusCancelled, TaskStatusQueued},
	TaskStatusRetrying:  {TaskStatusAdmitted, TaskStatusPaused, TaskStatusCancelled},
	TaskStatusPaused:    {TaskStatusQueued, TaskStatusRetrying, TaskStatusCancelled},
}

func (s TaskStatus) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal returns true for completed, failed and cancelled tasks.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// InFlight returns true while the task holds a concurrency slot.
func (s TaskStatus) InFlight() bool {
	return s == TaskStatusAdmitted || s == TaskStatusActive || s == TaskStatusVerifying
}

// CanTransition reports whether the state machine allows s -> to.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ControlAction is a request issued against a task by the presentation layer.
type ControlAction string

const (
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionCancel ControlAction = "cancel"
)

func (a ControlAction) Valid() bool {
	return a == ActionPause || a == ActionResume || a == ActionCancel
}
