package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/acgodson/autonomify-sub000/internal/agent"
	"github.com/acgodson/autonomify-sub000/internal/auth"
	"github.com/acgodson/autonomify-sub000/internal/observability/metrics"
	"github.com/acgodson/autonomify-sub000/internal/task"
	"github.com/acgodson/autonomify-sub000/internal/tool"
	"github.com/acgodson/autonomify-sub000/internal/web3"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

// HealthReporter 返回各条链的连通状态，provider.Registry 实现了该接口。
type HealthReporter interface {
	Snapshots(ctx context.Context) []web3.ChainSnapshot
}

// Server 负责暴露 REST 接口，供外部驱动调用引擎。
type Server struct {
	addr         string
	engine       *tool.Engine
	defaultAgent string
	tasks        *task.Service
	sessions     *agent.Registry
	loop         *agent.Loop
	health       HealthReporter
	metrics      *metrics.Registry
	metricsPath  string
	auth         *auth.Service
	shutdown     time.Duration
	logger       *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithTaskService 启用 /api/v1/tasks 路由。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithAgents 启用 /api/v1/agents 对话路由。
func WithAgents(sessions *agent.Registry, loop *agent.Loop) Option {
	return func(s *Server) {
		s.sessions = sessions
		s.loop = loop
	}
}

// WithHealth 配置健康检查数据源。
func WithHealth(h HealthReporter) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics 记录 HTTP 指标并在 path 暴露 Prometheus 端点。
func WithMetrics(reg *metrics.Registry, path string) Option {
	return func(s *Server) {
		s.metrics = reg
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithAuth 配置 API Key 认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithDefaultAgent 设置请求未携带 agentId 时使用的智能体。
func WithDefaultAgent(agentID string) Option {
	return func(s *Server) { s.defaultAgent = agentID }
}

// WithShutdownTimeout 设置优雅退出的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdown = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, engine *tool.Engine, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		engine:      engine,
		metricsPath: "/metrics",
		shutdown:    5 * time.Second,
		logger:      logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 构造路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "/api/v1/execute", "execute", s.handleExecute, auth.PermissionExecute)
	s.route(mux, "/api/v1/validate", "validate", s.handleValidate, auth.PermissionRead)
	s.route(mux, "/api/v1/contracts", "contracts", s.handleContracts, auth.PermissionRead)
	s.route(mux, "/api/v1/tasks", "tasks", s.handleTasks, auth.PermissionTasks)
	s.route(mux, "/api/v1/tasks/stats", "task_stats", s.handleTaskStats, auth.PermissionRead)
	s.route(mux, "/api/v1/tasks/", "task_detail", s.handleTaskDetail, auth.PermissionTasks)
	s.route(mux, "/api/v1/agents/", "agents", s.handleAgent, auth.PermissionChat)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle(s.metricsPath, s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc, perms ...string) {
	var handler http.Handler = h
	if s.auth != nil {
		handler = s.auth.Middleware(perms...)(handler)
	}
	if s.metrics != nil {
		handler = s.metrics.Middleware(name, handler)
	}
	mux.Handle(pattern, handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	resp := healthResponse{Status: "ok"}
	if s.engine != nil && s.engine.Bundle() != nil {
		resp.ChainID = s.engine.Bundle().Chain.ID
		resp.Contracts = len(s.engine.Bundle().Contracts)
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		resp.Chains = s.health.Snapshots(ctx)
		cancel()
	}
	if s.sessions != nil {
		resp.Sessions = len(s.sessions.IDs())
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status    string               `json:"status"`
	ChainID   uint64               `json:"chainId,omitempty"`
	Contracts int                  `json:"contracts"`
	Sessions  int                  `json:"sessions"`
	Chains    []web3.ChainSnapshot `json:"chains,omitempty"`
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, "仅支持 "+allowed, http.StatusMethodNotAllowed)
}
