package task

import (
	"context"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 只把 pending 任务切换为 running，保证每个任务最多执行一次。
	Claim(ctx context.Context, id string) (*Task, error)
	// Complete 按调用结果写入 succeeded 或 failed。
	Complete(ctx context.Context, id string, result dispatch.ExecuteResult) error
	// MarkFailed 记录与调用无关的失败，例如入队失败。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
