package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
)

// TaskStorage keeps tasks in memory and mirrors them to a JSON state file.
type TaskStorage struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
	file  string
	// writeMu serializes state file writes.
	writeMu sync.Mutex
}

// NewTaskStorage creates a new TaskStorage and loads tasks from the file if it exists.
func NewTaskStorage(filePath string) (*TaskStorage, error) {
	repo := &TaskStorage{
		tasks: make(map[string]domain.Task),
		file:  filepath.Clean(filePath),
	}

	if err := repo.restoreTasks(); err != nil {
		return nil, fmt.Errorf("failed to load state from file: %w", err)
	}

	slog.Info("File repository initialized", "file_path", repo.file, "tasks_count", len(repo.tasks))
	return repo, nil
}

func (r *TaskStorage) restoreTasks() error {
	data, err := os.ReadFile(r.file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("State file does not exist, starting with empty state", "file_path", r.file)
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if len(data) == 0 {
		slog.Warn("State file is empty")
		return nil
	}

	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("failed to unmarshal state file: %w", err)
	}

	for _, task := range tasks {
		if !task.Status.Valid() {
			slog.Warn("Skipping task with unknown status", "task_id", task.ID, "status", task.Status)
			continue
		}
		r.tasks[task.ID] = task
	}

	slog.Info("State loaded from file", "tasks_count", len(r.tasks), "file_path", r.file)
	return nil
}

func (r *TaskStorage) persistTasks() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tasks := r.sortedTasks()

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}

	tempFile := r.file + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tempFile, r.file); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	slog.Debug("State saved to file", "tasks_count", len(tasks), "file_path", r.file)
	return nil
}

func (r *TaskStorage) sortedTasks() []domain.Task {
	r.mu.RLock()
	tasks := make([]domain.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// SaveTasks inserts or replaces tasks and persists the state file once.
func (r *TaskStorage) SaveTasks(ctx context.Context, tasks ...domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	r.mu.Lock()
	for _, task := range tasks {
		r.tasks[task.ID] = task
	}
	r.mu.Unlock()

	if err := r.persistTasks(); err != nil {
		return fmt.Errorf("failed to save state after saving tasks: %w", err)
	}

	slog.Debug("Tasks saved", "tasks_count", len(tasks))
	return nil
}

// DeleteTasks removes tasks. Unknown ids are ignored; nothing is written
// when none of the ids was stored.
func (r *TaskStorage) DeleteTasks(ctx context.Context, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	removed := 0
	r.mu.Lock()
	for _, id := range ids {
		if _, exists := r.tasks[id]; exists {
			delete(r.tasks, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed == 0 {
		return nil
	}
	if err := r.persistTasks(); err != nil {
		return fmt.Errorf("failed to save state after deleting tasks: %w", err)
	}

	slog.Debug("Tasks deleted", "tasks_count", removed)
	return nil
}

// ListTasks returns every stored task ordered by creation time.
func (r *TaskStorage) ListTasks(ctx context.Context) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.sortedTasks(), nil
}
