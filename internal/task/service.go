package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

// SubmitRequest 描述一次异步调用请求。
type SubmitRequest struct {
	// ID 可选，用于幂等提交：相同 ID 的重复提交返回已有任务。
	ID      string                  `json:"id,omitempty"`
	AgentID string                  `json:"agentId"`
	Call    dispatch.StructuredCall `json:"call"`
}

// Validator 在入队前检查调用能否构造，tool.Engine 实现了该接口。
type Validator interface {
	Validate(agentID string, call dispatch.StructuredCall) (*dispatch.Plan, dispatch.Stage, error)
}

// Service 负责任务的创建与查询。
type Service struct {
	store     Store
	producer  Producer
	validator Validator
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithValidator 在提交时预先校验调用，校验失败的任务不会入库。
func WithValidator(v Validator) ServiceOption {
	return func(s *Service) {
		s.validator = v
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的任务并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:      taskID,
		AgentID: strings.TrimSpace(req.AgentID),
		Call:    req.Call,
		Status:  StatusPending,
	}
	return s.enqueue(ctx, task)
}

// Resubmit 为已失败的任务显式创建一个新任务。成功或仍在执行的任务不能重提。
func (s *Service) Resubmit(ctx context.Context, id string) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	original, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch original.Status {
	case StatusSucceeded:
		return nil, ErrTaskCompleted
	case StatusPending, StatusRunning:
		return nil, ErrTaskConflict
	}

	task := &Task{
		ID:              uuid.NewString(),
		AgentID:         original.AgentID,
		Call:            original.Call,
		Status:          StatusPending,
		ResubmittedFrom: original.ID,
	}
	return s.enqueue(ctx, task)
}

func (s *Service) validate(req SubmitRequest) error {
	if strings.TrimSpace(req.AgentID) == "" {
		return xerrors.New(CodeTaskValidation, "agentId 不能为空")
	}
	if strings.TrimSpace(req.Call.ContractAddress) == "" || strings.TrimSpace(req.Call.FunctionName) == "" {
		return xerrors.New(CodeTaskValidation, "contractAddress 与 functionName 均为必填")
	}
	if s.validator == nil {
		return nil
	}
	if _, stage, err := s.validator.Validate(req.AgentID, req.Call); err != nil {
		return xerrors.Wrap(xerrors.CodeOf(err), err, "调用校验失败",
			xerrors.WithMetadata("stage", string(stage)))
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, task *Task) (*Task, error) {
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, task.ID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, task.ID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, task.ID, CodeTaskPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", task.ID),
		slog.String("agent_id", task.AgentID),
		slog.String("contract", task.Call.ContractAddress),
		slog.String("function", task.Call.FunctionName),
		slog.String("resubmitted_from", task.ResubmittedFrom),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询任务状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
