package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/acgodson/autonomify-sub000/internal/agent"
	"github.com/acgodson/autonomify-sub000/internal/api"
	"github.com/acgodson/autonomify-sub000/internal/task"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API、任务处理器与智能体会话",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rt, err := newRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.metrics.WithRuntimeCollectors()

	store, err := rt.taskStore(ctx)
	if err != nil {
		return err
	}
	queue, err := rt.taskQueue(ctx)
	if err != nil {
		_ = store.Close()
		return err
	}
	tasks := task.NewService(store, queue, task.WithValidator(rt.engine))
	defer func() { _ = tasks.Close() }()

	processor := task.NewProcessor(rt.engine, store, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithAlertDispatcher(rt.alerter()),
		task.WithTaskObserver(rt.metrics),
	)

	authSvc, err := rt.authService()
	if err != nil {
		return err
	}

	opts := []api.Option{
		api.WithTaskService(tasks),
		api.WithHealth(rt.chains),
		api.WithAuth(authSvc),
		api.WithDefaultAgent(cfg.Agent.ID),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, api.WithMetrics(rt.metrics, cfg.Metrics.Path))
	}

	llmClient, err := rt.llmClient()
	if err != nil {
		return err
	}
	if llmClient != nil {
		sessions := agent.NewRegistry(agent.WithHistoryLimit(cfg.Agent.HistoryMessages))
		opts = append(opts, api.WithAgents(sessions, rt.agentLoop(llmClient)))
	} else {
		logger.L().Warn("未配置大模型 API Key，智能体对话接口不可用")
	}

	if rt.readOnly {
		logger.L().Warn("调用引擎以只读模式运行")
	}

	server := api.NewServer(cfg.Server.Address, rt.engine, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return processor.Start(gctx) })

	logger.L().Info("autonomifyd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.Uint64("chain_id", rt.bundle.Chain.ID),
		slog.Int("contracts", len(rt.bundle.Contracts)),
		slog.String("queue", cfg.Queue.Driver),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("autonomifyd 已退出")
	return nil
}
