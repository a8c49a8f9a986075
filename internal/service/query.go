package service

import (
	"context"
	"math"
	"time"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
)

// Task returns a copy of the task with the given id.
func (o *Orchestrator) Task(id string) (domain.Task, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	task, ok := o.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *task, true
}

// Tasks returns copies of all tasks in submission order.
func (o *Orchestrator) Tasks() []domain.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()

	tasks := make([]domain.Task, 0, len(o.order))
	for _, id := range o.order {
		tasks = append(tasks, *o.tasks[id])
	}
	return tasks
}

// Snapshot builds a point-in-time progress view.
func (o *Orchestrator) Snapshot() domain.ProgressSnapshot {
	stats := o.progress.Snapshot()

	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := domain.ProgressSnapshot{
		Tasks:          make([]domain.TaskProgress, 0, len(o.order)),
		Total:          len(o.order),
		Counts:         make(map[domain.TaskStatus]int, len(domain.AllStatuses)),
		OccupiedSlots:  o.limiter.Occupied(),
		MaxConcurrency: o.limiter.Capacity(),
		TakenAt:        o.now(),
	}
	for _, s := range domain.AllStatuses {
		snap.Counts[s] = 0
	}

	for _, id := range o.order {
		task := o.tasks[id]
		stat := stats.Tasks[id]

		tp := domain.TaskProgress{
			ID:               task.ID,
			Status:           task.Status,
			BytesTransferred: task.BytesTransferred,
			ExpectedSize:     task.ExpectedSize,
			ETASeconds:       -1,
			AttemptCount:     task.AttemptCount,
			LastError:        task.LastError,
			Resumable:        task.Resumable,
		}
		if task.Status == domain.TaskStatusActive {
			tp.Rate = stat.Rate
			tp.ETASeconds = seconds(stat.ETA)
		}
		snap.Tasks = append(snap.Tasks, tp)
		snap.Counts[task.Status]++
	}

	snap.Completed = snap.Counts[domain.TaskStatusCompleted]
	snap.Failed = snap.Counts[domain.TaskStatusFailed]
	snap.Cancelled = snap.Counts[domain.TaskStatusCancelled]
	snap.Active = snap.Counts[domain.TaskStatusAdmitted] +
		snap.Counts[domain.TaskStatusActive] +
		snap.Counts[domain.TaskStatusVerifying]

	snap.BytesTransferred = stats.Bytes
	snap.BytesTotal = stats.Total
	snap.Rate = stats.Rate
	snap.ETASeconds = seconds(stats.ETA)
	return snap
}

// seconds rounds d up to whole seconds; a negative d means unknown.
func seconds(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return int64(math.Ceil(d.Seconds()))
}

// Drain removes a terminal task and returns its final state.
func (o *Orchestrator) Drain(ctx context.Context, id string) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}

	o.mu.Lock()
	task, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return domain.Task{}, &errpkg.ControlError{TaskID: id, Action: "drain", Err: errpkg.ErrTaskNotFound}
	}
	if !task.Status.IsTerminal() {
		o.mu.Unlock()
		return domain.Task{}, &errpkg.ControlError{TaskID: id, Action: "drain", Err: errpkg.ErrTaskNotTerminal}
	}
	o.removeLocked(id)
	drained := *task
	o.mu.Unlock()

	o.forget(id)
	return drained, nil
}

// DrainTerminal removes every terminal task and returns them in submission
// order.
func (o *Orchestrator) DrainTerminal(ctx context.Context) []domain.Task {
	o.mu.Lock()
	var drained []domain.Task
	for _, id := range append([]string(nil), o.order...) {
		task := o.tasks[id]
		if task.Status.IsTerminal() {
			drained = append(drained, *task)
			o.removeLocked(id)
		}
	}
	o.mu.Unlock()

	for _, task := range drained {
		o.forget(task.ID)
	}
	return drained
}

func (o *Orchestrator) removeLocked(id string) {
	delete(o.tasks, id)
	for i, oid := range o.order {
		if oid == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

func (o *Orchestrator) forget(id string) {
	o.progress.Forget(id)
	o.store.delete(id)
}
