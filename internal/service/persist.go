package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
	"github.com/veranemoloko/download-orchestrator/internal/repository"
)

// persister writes task state off the loop goroutine. Changes to the same
// task made between two flushes collapse into one write of the latest copy.
type persister struct {
	repo   repository.TaskRepo
	logger *slog.Logger

	mu sync.Mutex
	// dirty maps a task id to its latest copy; nil marks a deletion.
	dirty map[string]*domain.Task
	kick  chan struct{}
}

func newPersister(repo repository.TaskRepo, logger *slog.Logger) *persister {
	return &persister{
		repo:   repo,
		logger: logger,
		dirty:  make(map[string]*domain.Task),
		kick:   make(chan struct{}, 1),
	}
}

func (p *persister) save(task domain.Task) {
	if p.repo == nil {
		return
	}
	p.mu.Lock()
	p.dirty[task.ID] = &task
	p.mu.Unlock()
	p.notify()
}

func (p *persister) delete(id string) {
	if p.repo == nil {
		return
	}
	p.mu.Lock()
	p.dirty[id] = nil
	p.mu.Unlock()
	p.notify()
}

func (p *persister) notify() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// run flushes pending changes whenever new ones arrive, until ctx is done.
// Changes recorded after that are left for a final flush.
func (p *persister) run(ctx context.Context) {
	p.flushAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
			p.flushAndLog(ctx)
		}
	}
}

func (p *persister) flushAndLog(ctx context.Context) {
	if err := p.flush(ctx); err != nil {
		p.logger.Error("Failed to persist tasks", "error", err)
	}
}

// flush writes everything recorded so far in at most one save and one
// delete call. Entries whose write failed stay pending unless a newer change
// replaced them meanwhile.
func (p *persister) flush(ctx context.Context) error {
	if p.repo == nil {
		return nil
	}

	p.mu.Lock()
	batch := p.dirty
	p.dirty = make(map[string]*domain.Task)
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var saves []domain.Task
	var deletes []string
	for id, task := range batch {
		if task == nil {
			deletes = append(deletes, id)
			continue
		}
		saves = append(saves, *task)
	}

	var errs []error
	if len(saves) > 0 {
		if err := p.repo.SaveTasks(ctx, saves...); err != nil {
			errs = append(errs, fmt.Errorf("save %d tasks: %w", len(saves), err))
			p.retain(batch, false)
		}
	}
	if len(deletes) > 0 {
		if err := p.repo.DeleteTasks(ctx, deletes...); err != nil {
			errs = append(errs, fmt.Errorf("delete %d tasks: %w", len(deletes), err))
			p.retain(batch, true)
		}
	}
	return errors.Join(errs...)
}

// retain puts the save or delete entries of a failed batch back.
func (p *persister) retain(batch map[string]*domain.Task, deletions bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, task := range batch {
		if (task == nil) != deletions {
			continue
		}
		if _, newer := p.dirty[id]; !newer {
			p.dirty[id] = task
		}
	}
}
