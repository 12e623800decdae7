package main

import (
	"github.com/spf13/cobra"

	"github.com/acgodson/autonomify-sub000/internal/config"
	"github.com/acgodson/autonomify-sub000/internal/tool/mcptool"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

func mcpCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "通过 stdio 以 MCP 工具形式暴露 autonomify_execute",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout 留给 MCP 协议。
			cfg, err := loadConfig(func(c *config.Config) { c.Log.Outputs = []string{"stderr"} })
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			rt, err := newRuntime(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if agentID == "" {
				agentID = cfg.Agent.ID
			}
			return mcptool.ServeStdio(rt.engine.ForAgent(agentID))
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "智能体 ID (默认使用配置中的 agent.id)")
	return cmd
}
