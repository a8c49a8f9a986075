package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
	"github.com/veranemoloko/download-orchestrator/internal/metrics"
)

// Submit validates spec and queues a new task. It may be called before or
// while Run is executing.
func (o *Orchestrator) Submit(ctx context.Context, spec domain.TaskSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := o.validator.TaskSpec(spec); err != nil {
		return "", err
	}

	dest, err := o.fs.Resolve(spec.Destination)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errpkg.ErrInvalidTaskSpec, err)
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	o.mu.Lock()
	if _, exists := o.tasks[id]; exists {
		o.mu.Unlock()
		return "", &errpkg.DuplicateTaskError{TaskID: id}
	}
	if owner, taken := o.destOwnerLocked(dest); taken {
		o.mu.Unlock()
		return "", &errpkg.DuplicateTaskError{TaskID: id, Destination: dest, Owner: owner}
	}
	if err := o.queue.Enqueue(id); err != nil {
		o.mu.Unlock()
		return "", err
	}

	task := domain.NewTask(id, spec, dest, o.now())
	o.tasks[id] = task
	o.order = append(o.order, id)
	o.reserveLocked(dest, id)
	o.progress.Track(id, task.ExpectedSize, 0)
	snapshot := *task
	o.mu.Unlock()

	metrics.TasksSubmitted.Inc()
	o.logger.Info("Task submitted",
		"task_id", id,
		"locator", spec.Locator,
		"destination", dest,
	)
	o.afterChange(snapshot)
	o.signal()
	return id, nil
}

// SubmitBatch submits specs in order. It stops at the first rejected spec
// and returns the ids accepted so far.
func (o *Orchestrator) SubmitBatch(ctx context.Context, specs []domain.TaskSpec) ([]string, error) {
	ids := make([]string, 0, len(specs))
	for i, spec := range specs {
		id, err := o.Submit(ctx, spec)
		if err != nil {
			return ids, fmt.Errorf("task %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Recover reloads persisted tasks. Terminal tasks stay visible until
// drained; the rest are queued again, resuming from whatever the partial
// artifact on disk holds. Call it before Run.
func (o *Orchestrator) Recover(ctx context.Context) error {
	if o.repo == nil {
		return nil
	}
	if o.running.Load() {
		return fmt.Errorf("recover: orchestrator is running")
	}

	tasks, err := o.repo.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted tasks: %w", err)
	}

	requeued := 0
	for i := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		task := tasks[i]

		o.mu.RLock()
		_, exists := o.tasks[task.ID]
		o.mu.RUnlock()
		if exists {
			continue
		}

		if !task.Status.IsTerminal() {
			offset, err := o.fs.PartSize(task.Destination)
			if err != nil {
				o.logger.Warn("Cannot read partial artifact, restarting from zero", "task_id", task.ID, "error", err)
				offset = 0
			}
			if task.SizeKnown() && offset > task.ExpectedSize {
				offset = 0
			}
			task.Offset = offset
			if offset > task.BytesTransferred {
				task.BytesTransferred = offset
			}
			if err := o.requeueRecovered(&task); err != nil {
				return err
			}
			requeued++
		}

		o.mu.Lock()
		o.tasks[task.ID] = &task
		o.order = append(o.order, task.ID)
		if !task.Status.IsTerminal() {
			o.reserveLocked(task.Destination, task.ID)
		}
		o.progress.Track(task.ID, task.ExpectedSize, task.BytesTransferred)
		o.mu.Unlock()

		o.persist(task)
	}

	o.logger.Info("Tasks recovered", "total", len(tasks), "requeued", requeued)
	if requeued > 0 {
		o.signal()
	}
	return nil
}

// requeueRecovered puts a non-terminal task back in the queue. In-flight
// statuses from the previous run are reset to queued.
func (o *Orchestrator) requeueRecovered(task *domain.Task) error {
	switch task.Status {
	case domain.TaskStatusPaused:
		if err := o.queue.Enqueue(task.ID); err != nil {
			return err
		}
		_, err := o.queue.Pause(task.ID)
		return err
	case domain.TaskStatusRetrying:
		o.queue.EnqueueRetry(task.ID, o.now())
		return nil
	default:
		task.Status = domain.TaskStatusQueued
		task.UpdatedAt = o.now()
		return o.queue.Enqueue(task.ID)
	}
}

// artifacts lists every path a task writing dest may create.
func (o *Orchestrator) artifacts(dest string) []string {
	return []string{dest, o.fs.PartPath(dest), o.fs.CorruptPath(dest)}
}

// destOwnerLocked reports the live task already holding any artifact path
// of dest.
func (o *Orchestrator) destOwnerLocked(dest string) (string, bool) {
	for _, path := range o.artifacts(dest) {
		if owner, taken := o.dests[path]; taken {
			return owner, true
		}
	}
	return "", false
}

func (o *Orchestrator) reserveLocked(dest, id string) {
	for _, path := range o.artifacts(dest) {
		o.dests[path] = id
	}
}

func (o *Orchestrator) releaseLocked(dest, id string) {
	for _, path := range o.artifacts(dest) {
		if o.dests[path] == id {
			delete(o.dests, path)
		}
	}
}
