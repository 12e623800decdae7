package llm

import "context"

// Role 标识对话消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是一条对话消息。assistant 消息可以携带工具调用，tool 消息通过
// ToolCallID 回应其中一个调用。
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall 是模型请求的一次工具调用，Arguments 为原始 JSON 文本。
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec 描述提供给模型的工具及其 JSON schema。
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request 描述发送给大模型的一轮对话。
type Request struct {
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
}

// Response 是模型返回的 assistant 消息。
type Response struct {
	Message      Message
	FinishReason string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Chat calls f(ctx, req).
func (f ClientFunc) Chat(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }
