package service

import (
	"github.com/veranemoloko/download-orchestrator/internal/domain"
	"github.com/veranemoloko/download-orchestrator/internal/metrics"
)

// Subscribe returns a channel of events and a function that ends the
// subscription. Events are dropped, not queued, when the subscriber falls
// more than buffer events behind.
func (o *Orchestrator) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = o.opts.EventBuffer
	}
	ch := make(chan domain.Event, buffer)

	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if _, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(ch)
		}
	}
}

func (o *Orchestrator) publish(ev domain.Event) {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	for id, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			o.logger.Warn("Dropping event for slow subscriber", "subscriber", id, "type", ev.Type, "task_id", ev.TaskID)
		}
	}
}

func (o *Orchestrator) publishBatchComplete() {
	o.mu.RLock()
	ev := domain.Event{Type: domain.EventBatchComplete, At: o.now()}
	for _, task := range o.tasks {
		switch task.Status {
		case domain.TaskStatusCompleted:
			ev.Completed++
		case domain.TaskStatusFailed:
			ev.Failed++
		case domain.TaskStatusCancelled:
			ev.Cancelled++
		}
	}
	o.mu.RUnlock()

	o.logger.Info("Batch complete",
		"completed", ev.Completed,
		"failed", ev.Failed,
		"cancelled", ev.Cancelled,
	)
	o.publish(ev)
}

func statusEvent(task domain.Task) domain.Event {
	ev := domain.Event{
		Type:   domain.EventStatusChanged,
		TaskID: task.ID,
		Status: task.Status,
		At:     task.UpdatedAt,
	}
	switch task.Status {
	case domain.TaskStatusCompleted:
		ev.Type = domain.EventTaskCompleted
	case domain.TaskStatusFailed:
		ev.Type = domain.EventTaskFailed
		ev.Error = task.LastError
	case domain.TaskStatusCancelled:
		ev.Type = domain.EventTaskCancelled
	case domain.TaskStatusRetrying:
		ev.Error = task.LastError
	}
	return ev
}
