package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/acgodson/autonomify-sub000/internal/config"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

var configPath string

// main 是 autonomifyd 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "autonomifyd",
		Short:         "Autonomify call engine",
		Long:          "autonomifyd 将智能体的结构化调用转换为合约读写，并通过 Executor 合约路由所有写操作。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径 (默认读取 AUTONOMIFY_CONFIG 或 configs/autonomify.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(executeCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(mcpCmd())
	root.AddCommand(exportCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "autonomifyd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置并初始化日志。配置文件不存在时使用默认值。
// adjust 在初始化日志之前修改配置。
func loadConfig(adjust ...func(*config.Config)) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("AUTONOMIFY_CONFIG")
	}
	if path == "" {
		path = filepath.Join("configs", "autonomify.yaml")
	}

	var cfg *config.Config
	if _, err := os.Stat(path); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if configPath != "" {
		return nil, fmt.Errorf("配置文件不存在: %s", path)
	} else {
		cfg = config.Default(".")
	}
	for _, fn := range adjust {
		fn(cfg)
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
