package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/acgodson/autonomify-sub000/internal/abifetch"
	"github.com/acgodson/autonomify-sub000/internal/agent"
	"github.com/acgodson/autonomify-sub000/internal/auth"
	"github.com/acgodson/autonomify-sub000/internal/config"
	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	"github.com/acgodson/autonomify-sub000/internal/export"
	"github.com/acgodson/autonomify-sub000/internal/llm"
	"github.com/acgodson/autonomify-sub000/internal/llm/openai"
	"github.com/acgodson/autonomify-sub000/internal/observability/alerting"
	"github.com/acgodson/autonomify-sub000/internal/observability/metrics"
	redisstore "github.com/acgodson/autonomify-sub000/internal/storage/redis"
	"github.com/acgodson/autonomify-sub000/internal/task"
	"github.com/acgodson/autonomify-sub000/internal/tool"
	"github.com/acgodson/autonomify-sub000/internal/web3/provider"
	"github.com/acgodson/autonomify-sub000/internal/web3/signer"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

// runtime 汇总一次进程内共享的组件。
type runtime struct {
	cfg      *config.Config
	chains   *provider.Registry
	bundle   *export.Bundle
	engine   *tool.Engine
	metrics  *metrics.Registry
	redis    *goredis.Client
	closers  []func()
	readOnly bool
}

// newRuntime 加载 bundle、连接链并构造调用引擎。withSigner 为 false 时只支持读操作。
func newRuntime(ctx context.Context, cfg *config.Config, withSigner bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, metrics: metrics.Default()}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, err
	}
	rt.chains = chains
	rt.closers = append(rt.closers, chains.Close)

	bundle, err := export.Load(cfg.Export.Path)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.bundle = bundle

	client, err := chains.ForBundle(ctx, bundle)
	if err != nil {
		rt.Close()
		return nil, err
	}

	d := dispatch.New(dispatch.WithObserver(rt.metrics))

	var s dispatch.Signer
	if withSigner {
		local, err := signer.FromEnv(cfg.Signer.PrivateKeyEnv, client, signer.WithGasMultiplier(cfg.Signer.GasMultiplier))
		if err != nil {
			logger.L().Warn("未配置签名私钥，写操作将返回 SIGNING_FAILURE",
				slog.String("env", cfg.Signer.PrivateKeyEnv), slog.Any("error", err))
			rt.readOnly = true
		} else {
			s = local
			logger.L().Info("签名器已就绪", slog.String("address", local.Address().Hex()))
		}
	}
	rt.engine = tool.NewEngine(bundle, client, s, d)
	return rt, nil
}

// redisClient 按需建立共享 Redis 连接。
func (rt *runtime) redisClient(ctx context.Context) (*goredis.Client, error) {
	if rt.redis != nil {
		return rt.redis, nil
	}
	client, err := redisstore.Connect(ctx, redisstore.Config{
		Address:  rt.cfg.Storage.Redis.Address,
		Password: rt.cfg.Storage.Redis.Password,
		DB:       rt.cfg.Storage.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	rt.redis = client
	rt.closers = append(rt.closers, func() { _ = client.Close() })
	return client, nil
}

// taskStore 根据配置选择任务存储。
func (rt *runtime) taskStore(ctx context.Context) (task.Store, error) {
	switch rt.cfg.Storage.TaskStore.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case task.DriverMySQL, task.DriverSQLite:
		return task.NewSQLStore(ctx, rt.cfg.Storage.TaskStore.Driver, rt.cfg.Storage.TaskStore.DSN)
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", rt.cfg.Storage.TaskStore.Driver)
	}
}

// taskQueue 根据配置选择任务队列。
func (rt *runtime) taskQueue(ctx context.Context) (task.Queue, error) {
	q := rt.cfg.Queue
	switch q.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		client, err := rt.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return task.NewRedisQueue(client, task.RedisQueueConfig{
			Queue:     q.Name,
			BlockWait: time.Duration(q.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      q.RabbitMQ.URL,
			Queue:    q.Name,
			Prefetch: q.RabbitMQ.Prefetch,
			Durable:  q.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", q.Driver)
	}
}

// llmClient 构造大模型客户端，未配置 API Key 时返回 nil。
func (rt *runtime) llmClient() (llm.Client, error) {
	switch rt.cfg.LLM.Provider {
	case "", "openai":
		apiKey := config.Secret(rt.cfg.LLM.OpenAI.APIKeyEnv)
		if apiKey == "" {
			return nil, nil
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: rt.cfg.LLM.OpenAI.BaseURL,
			Model:   rt.cfg.LLM.OpenAI.Model,
			Timeout: time.Duration(rt.cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", rt.cfg.LLM.Provider)
	}
}

// agentLoop 构造对话循环。
func (rt *runtime) agentLoop(client llm.Client) *agent.Loop {
	a := rt.cfg.Agent
	return agent.NewLoop(agent.LoopConfig{
		LLM:        client,
		MaxSteps:   a.MaxSteps,
		MaxCalls:   a.MaxCalls,
		RatePerSec: a.LLMRatePerSec,
		Burst:      a.LLMBurst,
		LLMTimeout: time.Duration(rt.cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
		OnAbort:    rt.metrics.ObserveLoopAbort,
	})
}

// authService 从环境变量读取 API Key。
func (rt *runtime) authService() (*auth.Service, error) {
	keys := make([]auth.Key, 0, len(rt.cfg.Auth.APIKeys))
	for _, k := range rt.cfg.Auth.APIKeys {
		secret := config.Secret(k.KeyEnv)
		if secret == "" {
			return nil, fmt.Errorf("API Key %q 的环境变量 %s 未设置", k.Name, k.KeyEnv)
		}
		keys = append(keys, auth.Key{Name: k.Name, Secret: secret, Permissions: k.Permissions, Disabled: k.Disabled})
	}
	return auth.NewService(keys)
}

// alerter 组装告警渠道。
func (rt *runtime) alerter() alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if url := strings.TrimSpace(rt.cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	return alerting.NewFanout(notifiers...)
}

// abiFetcher 构造带缓存的 ABI 拉取器。
func (rt *runtime) abiFetcher(ctx context.Context, chainID uint64) (abifetch.Fetcher, error) {
	fc := rt.cfg.ABIFetch
	endpoints := map[uint64]string{}
	if api, ok := rt.chains.ExplorerAPI(chainID); ok {
		endpoints[chainID] = api
	}
	explorer, err := abifetch.NewExplorerFetcher(abifetch.ExplorerConfig{
		BaseURL:   fc.BaseURL,
		APIKey:    config.Secret(fc.APIKeyEnv),
		Timeout:   time.Duration(fc.TimeoutSeconds) * time.Second,
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	cacheCfg := abifetch.CacheConfig{
		Size: fc.CacheSize,
		TTL:  time.Duration(fc.CacheTTLSeconds) * time.Second,
	}
	if fc.RedisCache {
		client, err := rt.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		cacheCfg.Shared = redisstore.NewCache(client, "autonomify:")
	}
	return abifetch.NewCachedFetcher(explorer, cacheCfg), nil
}

// Close 逆序释放资源。
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
