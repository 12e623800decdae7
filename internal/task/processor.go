package task

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/observability/alerting"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

// Runner 执行一次结构化调用。tool.Engine 实现了该接口。
type Runner interface {
	Run(ctx context.Context, agentID string, call dispatch.StructuredCall) dispatch.ExecuteResult
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, agentID string, call dispatch.StructuredCall) dispatch.ExecuteResult

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, agentID string, call dispatch.StructuredCall) dispatch.ExecuteResult {
	return f(ctx, agentID, call)
}

// Processor 负责从队列消费任务并执行。每个任务只执行一次，不会自动重试。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observer    Observer
}

// Observer 接收任务终态，通常由 metrics.Registry 实现。
type Observer interface {
	ObserveTask(status, code string)
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithTaskObserver 配置任务终态观察者。
func WithTaskObserver(o Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = o
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.logger == nil {
		p.logger = logger.Named("task")
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 领取并执行一个任务。只有在调用开始前失败时才返回错误。
func (p *Processor) Handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result := p.runner.Run(ctx, task.AgentID, task.Call)

	if err := p.store.Complete(ctx, task.ID, result); err != nil {
		// 调用已经发生，不能重新投递，只记录失败。
		p.logger.Error("记录任务结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, xerrors.CodeStorageFailure, err.Error()); storeErr != nil {
			p.logger.Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		}
		p.emitAlert(ctx, task, xerrors.CodeStorageFailure, err, "complete")
		p.observe(StatusFailed, string(xerrors.CodeStorageFailure))
		return nil
	}

	if result.Success {
		p.observe(StatusSucceeded, "")
		logger.Audit().Info("任务执行成功",
			slog.String("task_id", task.ID),
			slog.String("agent_id", task.AgentID),
			slog.String("contract", task.Call.ContractAddress),
			slog.String("function", task.Call.FunctionName),
			slog.String("tx_hash", result.TxHash),
		)
		return nil
	}

	code, stage := xerrors.CodeUnknown, ""
	if result.Error != nil {
		code, stage = result.Error.Code, string(result.Error.Stage)
	}
	p.observe(StatusFailed, string(code))
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("agent_id", task.AgentID),
		slog.String("contract", task.Call.ContractAddress),
		slog.String("function", task.Call.FunctionName),
		slog.String("error_code", string(code)),
		slog.String("stage", stage),
	)
	if xerrors.AttributesOf(code).Alert {
		p.emitAlert(ctx, task, code, stdErrors.New(result.Error.Error()), stage)
	}
	return nil
}

func (p *Processor) observe(status Status, code string) {
	if p.observer != nil {
		p.observer.ObserveTask(string(status), code)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	event := alerting.FromError(code, cause, stage)
	event.TaskID = task.ID
	event.AgentID = task.AgentID
	event.Metadata = map[string]string{
		"contract": task.Call.ContractAddress,
		"function": task.Call.FunctionName,
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
