package repository

import (
	"context"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
)

// TaskRepo persists task state across restarts. Each call is applied as one
// write, however many tasks it carries.
type TaskRepo interface {
	SaveTasks(ctx context.Context, tasks ...domain.Task) error
	DeleteTasks(ctx context.Context, ids ...string) error
	ListTasks(ctx context.Context) ([]domain.Task, error)
}
