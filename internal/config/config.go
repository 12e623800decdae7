package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 autonomifyd 在启动阶段需要加载的全部配置。
// 配置文件可以是 YAML 或 JSON（JSON 是 YAML 的子集）。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Export   ExportConfig   `yaml:"export"`
	Web3     Web3Config     `yaml:"web3"`
	Signer   SignerConfig   `yaml:"signer"`
	Agent    AgentConfig    `yaml:"agent"`
	LLM      LLMConfig      `yaml:"llm"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	ABIFetch ABIFetchConfig `yaml:"abi_fetch"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Auth     AuthConfig     `yaml:"auth"`
	Alerting AlertingConfig `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string `yaml:"address"`
	ShutdownSeconds int    `yaml:"shutdown_seconds"`
}

// LogConfig 对应 pkg/logger 的初始化参数。
type LogConfig struct {
	Level   string      `yaml:"level"`
	Format  string      `yaml:"format"`
	Outputs []string    `yaml:"outputs"`
	Audit   AuditConfig `yaml:"audit"`
}

// AuditConfig 描述写操作审计日志。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ExportConfig 指向调用引擎使用的 ExportBundle 文件。
type ExportConfig struct {
	Path string `yaml:"path"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	ChainConfig  string `yaml:"chain_config"`
	DefaultChain string `yaml:"default_chain"`
	RPCURL       string `yaml:"rpc_url"`
}

// SignerConfig 描述本地签名器。私钥只从环境变量读取。
type SignerConfig struct {
	PrivateKeyEnv string  `yaml:"private_key_env"`
	GasMultiplier float64 `yaml:"gas_multiplier"`
}

// AgentConfig 控制对话循环的安全边界。
type AgentConfig struct {
	ID              string  `yaml:"id"`
	MaxSteps        int     `yaml:"max_steps"`
	MaxCalls        int     `yaml:"max_calls"`
	LLMRatePerSec   float64 `yaml:"llm_rate_per_sec"`
	LLMBurst        int     `yaml:"llm_burst"`
	HistoryMessages int     `yaml:"history_messages"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `yaml:"provider"`
	OpenAI   OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKeyEnv      string `yaml:"api_key_env"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// StorageConfig 统一描述 MySQL、SQLite、Redis 等后端的连接信息。
type StorageConfig struct {
	TaskStore TaskStoreConfig `yaml:"task_store"`
	Redis     RedisConfig     `yaml:"redis"`
}

// TaskStoreConfig 选择任务存储实现：memory、mysql 或 sqlite。
type TaskStoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig 描述 Redis 连接，被任务队列和 ABI 缓存共用。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig 选择任务队列实现：memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver           string         `yaml:"driver"`
	Workers          int            `yaml:"workers"`
	Name             string         `yaml:"name"`
	BlockWaitSeconds int            `yaml:"block_wait_seconds"`
	RabbitMQ         RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// ABIFetchConfig 描述区块浏览器 ABI 拉取服务。
type ABIFetchConfig struct {
	BaseURL         string `yaml:"base_url"`
	APIKeyEnv       string `yaml:"api_key_env"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	CacheSize       int    `yaml:"cache_size"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	RedisCache      bool   `yaml:"redis_cache"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AuthConfig 列出允许访问 HTTP API 的静态 API Key。为空时不做认证。
type AuthConfig struct {
	APIKeys []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig 描述一个 API Key，密钥本身从 KeyEnv 指定的环境变量读取。
type APIKeyConfig struct {
	Name        string   `yaml:"name"`
	KeyEnv      string   `yaml:"key_env"`
	Permissions []string `yaml:"permissions"`
	Disabled    bool     `yaml:"disabled"`
}

// AlertingConfig 控制告警通知渠道。日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Load 负责解析指定路径的配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Parse 解析内存中的配置内容，不填充默认值。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

// Default 返回一份只包含默认值的配置。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 5
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	c.Log.Audit.Path = resolvePath(baseDir, c.Log.Audit.Path)

	c.Export.Path = resolvePath(baseDir, c.Export.Path)
	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)

	if c.Signer.PrivateKeyEnv == "" {
		c.Signer.PrivateKeyEnv = "AUTONOMIFY_SIGNER_KEY"
	}
	if c.Signer.GasMultiplier < 1 {
		c.Signer.GasMultiplier = 1.2
	}

	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 5
	}
	if c.Agent.MaxCalls <= 0 {
		c.Agent.MaxCalls = 5
	}
	if c.Agent.LLMRatePerSec <= 0 {
		c.Agent.LLMRatePerSec = 2
	}
	if c.Agent.LLMBurst <= 0 {
		c.Agent.LLMBurst = 1
	}
	if c.Agent.HistoryMessages <= 0 {
		c.Agent.HistoryMessages = 20
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	c.Storage.TaskStore.Driver = strings.ToLower(c.Storage.TaskStore.Driver)
	if c.Storage.TaskStore.Driver == "sqlite" && c.Storage.TaskStore.DSN == "" {
		c.Storage.TaskStore.DSN = filepath.Join(baseDir, "data", "tasks.db")
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	c.Queue.Driver = strings.ToLower(c.Queue.Driver)
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "autonomify.tasks"
	}
	if c.Queue.BlockWaitSeconds <= 0 {
		c.Queue.BlockWaitSeconds = 5
	}

	if c.ABIFetch.TimeoutSeconds <= 0 {
		c.ABIFetch.TimeoutSeconds = 15
	}
	if c.ABIFetch.CacheSize <= 0 {
		c.ABIFetch.CacheSize = 256
	}
	if c.ABIFetch.CacheTTLSeconds <= 0 {
		c.ABIFetch.CacheTTLSeconds = 24 * 3600
	}
	if c.ABIFetch.APIKeyEnv == "" {
		c.ABIFetch.APIKeyEnv = "EXPLORER_API_KEY"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ShutdownTimeout 返回服务优雅退出的等待时间。
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}

// Secret 读取配置中以环境变量名引用的敏感信息。
func Secret(envName string) string {
	if strings.TrimSpace(envName) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
