// Package mcptool serves autonomify_execute over the Model Context Protocol.
package mcptool

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/acgodson/autonomify-sub000/internal/tool"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

// ServerName and ServerVersion identify the MCP server.
const (
	ServerName    = "autonomify"
	ServerVersion = "0.1.0"
)

// NewTool builds the MCP tool description for the executor's bundle.
func NewTool(e *tool.Executor) mcp.Tool {
	t := mcp.NewTool(tool.Name,
		mcp.WithDescription(tool.Summary(e.Bundle())),
		mcp.WithString("contractAddress",
			mcp.Required(),
			mcp.Description("Address of a contract from the list, 0x-prefixed.")),
		mcp.WithString("functionName",
			mcp.Required(),
			mcp.Description("Exact function name from the contract ABI.")),
		mcp.WithString("value",
			mcp.Description("Native coin to send with payable functions, in whole units such as \"0.01\".")),
	)
	// args 可以是列表或对象，mcp 的属性选项只能表达单一类型。
	t.InputSchema.Properties["args"] = tool.ArgsSchema()
	return t
}

// Handler adapts the executor to an MCP tool handler. Dispatch failures are
// returned as tool errors carrying the ExecuteResult JSON, never as protocol
// errors.
func Handler(e *tool.Executor) server.ToolHandlerFunc {
	log := logger.Named("mcp")
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError("工具参数无法序列化: " + err.Error()), nil
		}
		res := e.ExecuteJSON(ctx, raw)
		body, err := json.Marshal(res)
		if err != nil {
			return mcp.NewToolResultError("结果序列化失败: " + err.Error()), nil
		}
		if !res.Success {
			log.Info("tool call failed", slog.String("code", string(res.ErrorCode())))
			return mcp.NewToolResultError(string(body)), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

// NewServer creates an MCP server exposing the executor's tool.
func NewServer(e *tool.Executor) *server.MCPServer {
	s := server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false))
	Register(s, e)
	return s
}

// Register adds autonomify_execute to an existing server.
func Register(s *server.MCPServer, e *tool.Executor) {
	s.AddTool(NewTool(e), Handler(e))
}

// ServeStdio serves the executor over stdin/stdout until the input closes.
func ServeStdio(e *tool.Executor) error {
	return server.ServeStdio(NewServer(e))
}
