package service

import (
	"context"
	"errors"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
	"github.com/veranemoloko/download-orchestrator/internal/metrics"
	"github.com/veranemoloko/download-orchestrator/internal/retry"
)

type controlRequest struct {
	id     string
	action domain.ControlAction
}

// Control records a pause, resume or cancel request for one task. It fails
// fast for unknown or terminal tasks; the loop applies accepted requests on
// its next iteration.
func (o *Orchestrator) Control(ctx context.Context, id string, action domain.ControlAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !action.Valid() {
		return &errpkg.ControlError{TaskID: id, Action: string(action), Err: errpkg.ErrUnknownAction}
	}

	o.mu.RLock()
	task, ok := o.tasks[id]
	terminal := ok && task.Status.IsTerminal()
	o.mu.RUnlock()

	if !ok {
		return &errpkg.ControlError{TaskID: id, Action: string(action), Err: errpkg.ErrTaskNotFound}
	}
	if terminal {
		return &errpkg.ControlError{TaskID: id, Action: string(action), Err: errpkg.ErrTaskTerminal}
	}

	o.enqueueControls(controlRequest{id: id, action: action})
	o.logger.Debug("Control request accepted", "task_id", id, "action", action)
	return nil
}

// ControlAll applies action to every non-terminal task and returns how many
// requests were recorded.
func (o *Orchestrator) ControlAll(ctx context.Context, action domain.ControlAction) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !action.Valid() {
		return 0, &errpkg.ControlError{Action: string(action), Err: errpkg.ErrUnknownAction}
	}

	o.mu.RLock()
	reqs := make([]controlRequest, 0, len(o.order))
	for _, id := range o.order {
		if !o.tasks[id].Status.IsTerminal() {
			reqs = append(reqs, controlRequest{id: id, action: action})
		}
	}
	o.mu.RUnlock()

	o.enqueueControls(reqs...)
	o.logger.Info("Batch control request accepted", "action", action, "tasks", len(reqs))
	return len(reqs), nil
}

func (o *Orchestrator) enqueueControls(reqs ...controlRequest) {
	if len(reqs) == 0 {
		return
	}
	o.ctrlMu.Lock()
	o.pending = append(o.pending, reqs...)
	o.ctrlMu.Unlock()
	o.signal()
}

func (o *Orchestrator) applyControls() error {
	o.ctrlMu.Lock()
	reqs := o.pending
	o.pending = nil
	o.ctrlMu.Unlock()

	for _, req := range reqs {
		if err := o.applyControl(req); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) applyControl(req controlRequest) error {
	o.mu.Lock()
	task, ok := o.tasks[req.id]
	if !ok || task.Status.IsTerminal() {
		// drained or finished since the request was accepted
		o.mu.Unlock()
		return nil
	}

	if a, inFlight := o.active[req.id]; inFlight {
		switch req.action {
		case domain.ActionCancel:
			a.requestStop(stopCancel)
		case domain.ActionPause:
			switch a.reason() {
			case stopNone:
				a.requestStop(stopPause)
			case stopPause:
				a.resumeAfterPause = false
			}
		case domain.ActionResume:
			if a.reason() == stopPause {
				a.resumeAfterPause = true
			}
		}
		o.mu.Unlock()
		return nil
	}

	var to domain.TaskStatus
	switch req.action {
	case domain.ActionCancel:
		if !o.queue.Cancel(req.id) {
			o.mu.Unlock()
			return nil
		}
		to = domain.TaskStatusCancelled
	case domain.ActionPause:
		prev, err := o.queue.Pause(req.id)
		if err != nil || prev == domain.TaskStatusPaused {
			o.mu.Unlock()
			return nil
		}
		to = domain.TaskStatusPaused
	case domain.ActionResume:
		next, err := o.queue.Resume(req.id)
		if err != nil || task.Status != domain.TaskStatusPaused {
			o.mu.Unlock()
			return nil
		}
		to = next
	}

	if err := task.Transition(to, o.now()); err != nil {
		o.mu.Unlock()
		return err
	}
	if to == domain.TaskStatusCancelled {
		o.releaseLocked(task.Destination, task.ID)
	}
	snapshot := *task
	o.mu.Unlock()

	if to == domain.TaskStatusCancelled {
		o.discard(snapshot.Destination, snapshot.ID)
		metrics.TasksFinished.WithLabelValues(string(to)).Inc()
	}
	o.logger.Info("Control applied", "task_id", req.id, "action", req.action, "status", to)
	o.afterChange(snapshot)
	return nil
}

// handleResult releases the attempt's slot and moves the task on according
// to how the attempt ended.
func (o *Orchestrator) handleResult(res attemptResult) error {
	o.mu.Lock()
	a, ok := o.active[res.id]
	task := o.tasks[res.id]
	if !ok || task == nil {
		o.mu.Unlock()
		return &errpkg.InvariantViolation{Op: "handle result", Detail: "result for task " + res.id + " without an active attempt"}
	}
	delete(o.active, res.id)
	o.mu.Unlock()

	if err := o.limiter.Release(a.slot); err != nil {
		return err
	}
	metrics.AttemptDuration.Observe(o.now().Sub(a.started).Seconds())

	if errors.Is(res.err, errpkg.ErrInvariant) {
		return res.err
	}

	switch {
	case res.err == nil:
		return o.finish(task, domain.TaskStatusCompleted, "")
	case errors.Is(res.err, errStopped):
		return o.handleStopped(task, a)
	default:
		return o.handleFailure(task, res.err)
	}
}

func (o *Orchestrator) handleStopped(task *domain.Task, a *attempt) error {
	reason := a.reason()
	if reason == stopNone {
		reason = stopShutdown
	}

	switch reason {
	case stopCancel:
		o.discard(task.Destination, task.ID)
		return o.finish(task, domain.TaskStatusCancelled, "")

	case stopPause:
		o.mu.Lock()
		prev := task.Status
		if err := task.Transition(domain.TaskStatusPaused, o.now()); err != nil {
			o.mu.Unlock()
			return err
		}
		paused := *task
		if a.resumeAfterPause {
			if err := task.Transition(domain.TaskStatusQueued, o.now()); err != nil {
				o.mu.Unlock()
				return err
			}
			o.queue.EnqueueFront(task.ID)
		} else {
			o.queue.Park(task.ID, prev)
		}
		snapshot := *task
		o.mu.Unlock()

		o.logger.Info("Task paused", "task_id", task.ID, "offset", paused.Offset)
		o.publish(statusEvent(paused))
		if snapshot.Status != paused.Status {
			o.afterChange(snapshot)
		} else {
			o.persist(snapshot)
		}
		return nil

	default:
		o.mu.Lock()
		if err := task.Transition(domain.TaskStatusQueued, o.now()); err != nil {
			o.mu.Unlock()
			return err
		}
		o.queue.EnqueueFront(task.ID)
		snapshot := *task
		o.mu.Unlock()

		o.logger.Info("Task requeued on shutdown", "task_id", task.ID, "offset", snapshot.Offset)
		o.afterChange(snapshot)
		return nil
	}
}

func (o *Orchestrator) handleFailure(task *domain.Task, cause error) error {
	o.mu.RLock()
	attempts := task.AttemptCount
	o.mu.RUnlock()

	decision := o.classifier.Classify(cause, attempts)

	var integrityErr *errpkg.IntegrityError
	isIntegrity := errors.As(cause, &integrityErr)
	if isIntegrity {
		metrics.IntegrityFailures.Inc()
	}

	if decision.Outcome == retry.Permanent {
		if isIntegrity && o.opts.QuarantineCorrupt {
			if path, err := o.fs.Quarantine(task.Destination); err != nil {
				o.logger.Error("Failed to quarantine artifact", "task_id", task.ID, "error", err)
			} else if path != "" {
				o.logger.Warn("Corrupt artifact quarantined", "task_id", task.ID, "path", path)
			}
		} else {
			o.discard(task.Destination, task.ID)
		}
		o.logger.Error("Task failed",
			"task_id", task.ID,
			"attempt", attempts,
			"reason", decision.Reason,
			"error", cause,
		)
		return o.finish(task, domain.TaskStatusFailed, cause.Error())
	}

	if isIntegrity {
		o.discard(task.Destination, task.ID)
	}

	o.mu.Lock()
	task.LastError = cause.Error()
	if isIntegrity {
		task.Offset = 0
		task.Redownloads++
	}
	if err := task.Transition(domain.TaskStatusRetrying, o.now()); err != nil {
		o.mu.Unlock()
		return err
	}
	o.queue.EnqueueRetry(task.ID, o.now().Add(decision.Delay))
	snapshot := *task
	o.mu.Unlock()

	metrics.RetriesTotal.Inc()
	o.logger.Warn("Task will be retried",
		"task_id", task.ID,
		"attempt", attempts,
		"delay", decision.Delay,
		"reason", decision.Reason,
		"error", cause,
	)
	o.afterChange(snapshot)
	return nil
}

// finish moves a task to a terminal status and frees its destination.
func (o *Orchestrator) finish(task *domain.Task, to domain.TaskStatus, lastErr string) error {
	o.mu.Lock()
	if err := task.Transition(to, o.now()); err != nil {
		o.mu.Unlock()
		return err
	}
	if to == domain.TaskStatusCompleted {
		task.LastError = ""
	} else if lastErr != "" {
		task.LastError = lastErr
	}
	o.releaseLocked(task.Destination, task.ID)
	snapshot := *task
	o.mu.Unlock()

	metrics.TasksFinished.WithLabelValues(string(to)).Inc()
	if to == domain.TaskStatusCompleted {
		o.logger.Info("Task completed",
			"task_id", task.ID,
			"attempts", snapshot.AttemptCount,
			"bytes", snapshot.BytesTransferred,
		)
	}
	o.afterChange(snapshot)
	return nil
}

func (o *Orchestrator) discard(dest, id string) {
	if err := o.fs.Discard(dest); err != nil {
		o.logger.Error("Failed to discard partial artifact", "task_id", id, "error", err)
	}
}
