package queue

import (
	"container/list"
	"sync"
	"time"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
)

type entry struct {
	id       string
	status   domain.TaskStatus
	prePause domain.TaskStatus
	readyAt  time.Time
	lane     *list.List
}

// Queue holds task ids that are not in flight. Retrying, resumed and parked
// tasks live in a priority lane served ahead of the FIFO lane of fresh tasks.
type Queue struct {
	mu       sync.Mutex
	priority *list.List
	fresh    *list.List
	index    map[string]*list.Element
}

func New() *Queue {
	return &Queue{
		priority: list.New(),
		fresh:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Enqueue appends a fresh task in queued status.
func (q *Queue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[id]; ok {
		return &errpkg.DuplicateTaskError{TaskID: id}
	}
	q.index[id] = q.fresh.PushBack(&entry{id: id, status: domain.TaskStatusQueued, lane: q.fresh})
	return nil
}

// EnqueueRetry puts id at the front in retrying status. It becomes
// dispatchable once readyAt has passed.
func (q *Queue) EnqueueRetry(id string, readyAt time.Time) {
	q.pushFront(&entry{id: id, status: domain.TaskStatusRetrying, readyAt: readyAt})
}

// EnqueueFront puts id at the front in queued status.
func (q *Queue) EnqueueFront(id string) {
	q.pushFront(&entry{id: id, status: domain.TaskStatusQueued})
}

// Park holds a paused in-flight task at the front until it is resumed.
func (q *Queue) Park(id string, prePause domain.TaskStatus) {
	q.pushFront(&entry{id: id, status: domain.TaskStatusPaused, prePause: prePause})
}

func (q *Queue) pushFront(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeLocked(e.id)
	e.lane = q.priority
	q.index[e.id] = q.priority.PushFront(e)
}

// DequeueNext removes and returns the next dispatchable id. Paused entries
// and retrying entries still in backoff are skipped.
func (q *Queue) DequeueNext(now time.Time) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el := q.nextLocked(now)
	if el == nil {
		return "", false
	}
	e := el.Value.(*entry)
	q.removeLocked(e.id)
	return e.id, true
}

// Dispatchable reports whether DequeueNext would return an id.
func (q *Queue) Dispatchable(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextLocked(now) != nil
}

// NextReadyAt returns the earliest backoff deadline among retrying entries.
func (q *Queue) NextReadyAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	found := false
	for el := q.priority.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.status != domain.TaskStatusRetrying {
			continue
		}
		if !found || e.readyAt.Before(earliest) {
			earliest = e.readyAt
			found = true
		}
	}
	return earliest, found
}

func (q *Queue) nextLocked(now time.Time) *list.Element {
	for el := q.priority.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		switch e.status {
		case domain.TaskStatusPaused:
			continue
		case domain.TaskStatusRetrying:
			if e.readyAt.After(now) {
				continue
			}
		}
		return el
	}
	for el := q.fresh.Front(); el != nil; el = el.Next() {
		if el.Value.(*entry).status != domain.TaskStatusPaused {
			return el
		}
	}
	return nil
}

// Cancel removes id. It reports whether id was queued.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(id)
}

// Pause marks a queued or retrying entry as paused and returns the status it
// had before. Pausing an already paused entry is a no-op.
func (q *Queue) Pause(id string) (domain.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[id]
	if !ok {
		return "", errpkg.ErrTaskNotFound
	}
	e := el.Value.(*entry)
	prev := e.status
	if prev != domain.TaskStatusPaused {
		e.prePause = prev
		e.status = domain.TaskStatusPaused
	}
	return prev, nil
}

// Resume reactivates a paused entry and returns its new status. A task paused
// while queued keeps its place; a task parked from flight moves to the front
// as queued. Resuming an entry that is not paused is a no-op.
func (q *Queue) Resume(id string) (domain.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[id]
	if !ok {
		return "", errpkg.ErrTaskNotFound
	}
	e := el.Value.(*entry)
	if e.status != domain.TaskStatusPaused {
		return e.status, nil
	}

	switch e.prePause {
	case domain.TaskStatusQueued, domain.TaskStatusRetrying:
		e.status = e.prePause
	default:
		e.status = domain.TaskStatusQueued
		e.lane.Remove(el)
		e.lane = q.priority
		q.index[id] = q.priority.PushFront(e)
	}
	e.prePause = ""
	return e.status, nil
}

// Len returns the number of held ids, paused ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Pending returns the number of held ids that are not paused.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, el := range q.index {
		if el.Value.(*entry).status != domain.TaskStatusPaused {
			n++
		}
	}
	return n
}

func (q *Queue) removeLocked(id string) bool {
	el, ok := q.index[id]
	if !ok {
		return false
	}
	el.Value.(*entry).lane.Remove(el)
	delete(q.index, id)
	return true
}
