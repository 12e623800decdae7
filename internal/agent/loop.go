package agent

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/time/rate"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/llm"
	"github.com/acgodson/autonomify-sub000/internal/tool"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

// CodeLLMFailure 表示大模型调用失败。
const CodeLLMFailure xerrors.Code = "LLM_FAILURE"

func init() {
	xerrors.Register(CodeLLMFailure, xerrors.Attributes{
		Message:   "language model request failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

const (
	defaultMaxSteps    = 5
	defaultMaxCalls    = 5
	defaultTemperature = 0.2
)

// 循环终止原因，写入 LOOP_DETECTED 错误的 reason 元数据。
const (
	ReasonDuplicateCall = "duplicate_call"
	ReasonMaxCalls      = "max_calls"
	ReasonMaxSteps      = "max_steps"
)

// CallRecord 记录一轮中执行过的一次调用。
type CallRecord struct {
	ToolCallID string                  `json:"toolCallId"`
	Call       dispatch.StructuredCall `json:"call"`
	Result     dispatch.ExecuteResult  `json:"result"`
}

// TurnResult 汇总一轮对话。
type TurnResult struct {
	Reply string       `json:"reply"`
	Steps int          `json:"steps"`
	Calls []CallRecord `json:"calls"`
}

// LoopConfig 汇总循环的依赖与安全边界。
type LoopConfig struct {
	LLM         llm.Client
	Prompt      *PromptBuilder
	Logger      *slog.Logger
	MaxSteps    int
	MaxCalls    int
	RatePerSec  float64
	Burst       int
	LLMTimeout  time.Duration
	Temperature float64
	// OnAbort 在循环被终止时回调，通常用于指标。
	OnAbort func(reason string)
}

// Loop 在大模型与 autonomify_execute 之间往返，直到模型给出最终回复。
type Loop struct {
	llm         llm.Client
	prompt      *PromptBuilder
	logger      *slog.Logger
	limiter     *rate.Limiter
	maxSteps    int
	maxCalls    int
	llmTimeout  time.Duration
	temperature float64
	onAbort     func(reason string)
}

// NewLoop 根据配置创建对话循环。
func NewLoop(cfg LoopConfig) *Loop {
	l := &Loop{
		llm:         cfg.LLM,
		prompt:      cfg.Prompt,
		logger:      cfg.Logger,
		maxSteps:    cfg.MaxSteps,
		onAbort:     cfg.OnAbort,
		maxCalls:    cfg.MaxCalls,
		llmTimeout:  cfg.LLMTimeout,
		temperature: cfg.Temperature,
	}
	if l.prompt == nil {
		l.prompt = NewPromptBuilder("")
	}
	if l.logger == nil {
		l.logger = logger.Named("agent")
	}
	if l.maxSteps <= 0 {
		l.maxSteps = defaultMaxSteps
	}
	if l.maxCalls <= 0 {
		l.maxCalls = defaultMaxCalls
	}
	if l.temperature <= 0 {
		l.temperature = defaultTemperature
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	l.limiter = rate.NewLimiter(limit, burst)
	return l
}

// RunTurn 处理一条用户消息。轮内最多调用 MaxSteps 次大模型、执行 MaxCalls 次
// 调用；重复的 (合约, 函数, 参数) 调用会立即终止本轮并返回 LOOP_DETECTED。
// 出错时仍返回已执行调用的记录。
func (l *Loop) RunTurn(ctx context.Context, s *Session, userMessage string) (*TurnResult, error) {
	if l.llm == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if s == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话不能为空")
	}
	userMessage = strings.TrimSpace(userMessage)
	if userMessage == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户消息不能为空")
	}

	s.turn.Lock()
	defer s.turn.Unlock()

	exec := s.Executor()
	def := l.prompt.Tool(exec.Bundle())
	tools := []llm.ToolSpec{{Name: def.Name, Description: def.Description, Parameters: def.Parameters}}

	messages := make([]llm.Message, 0, 8)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: l.prompt.Build(exec.Bundle(), s.ID())})
	messages = append(messages, s.History()...)
	userMsg := llm.Message{Role: llm.RoleUser, Content: userMessage}
	messages = append(messages, userMsg)

	result := &TurnResult{}
	seen := mapset.NewThreadUnsafeSet[common.Hash]()

	for result.Steps < l.maxSteps {
		resp, err := l.chat(ctx, messages, tools)
		result.Steps++
		if err != nil {
			return result, err
		}

		if len(resp.Message.ToolCalls) == 0 {
			result.Reply = resp.Message.Content
			s.remember(userMsg, llm.Message{Role: llm.RoleAssistant, Content: result.Reply})
			return result, nil
		}

		messages = append(messages, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			if tc.Name != tool.Name {
				messages = append(messages, toolMessage(tc.ID, unknownTool(tc.Name)))
				continue
			}
			call, err := tool.DecodeCall([]byte(tc.Arguments))
			if err != nil {
				messages = append(messages, toolMessage(tc.ID, invalidArguments(err)))
				continue
			}

			fp := Fingerprint(call)
			if seen.Contains(fp) {
				return result, l.abort(s, userMsg, ReasonDuplicateCall, call)
			}
			if len(result.Calls) >= l.maxCalls {
				return result, l.abort(s, userMsg, ReasonMaxCalls, call)
			}
			seen.Add(fp)

			res := exec.Execute(ctx, call)
			result.Calls = append(result.Calls, CallRecord{ToolCallID: tc.ID, Call: call, Result: res})
			l.logger.Info("agent tool call",
				slog.String("agent_id", s.ID()),
				slog.String("contract", call.ContractAddress),
				slog.String("function", call.FunctionName),
				slog.Bool("success", res.Success),
				slog.String("code", string(res.ErrorCode())),
			)
			messages = append(messages, toolMessage(tc.ID, res))
		}
	}

	return result, l.abort(s, userMsg, ReasonMaxSteps, dispatch.StructuredCall{})
}

func (l *Loop) chat(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (*llm.Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "等待大模型限流失败")
	}

	llmCtx := ctx
	if l.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, l.llmTimeout)
		defer cancel()
	}

	resp, err := l.llm.Chat(llmCtx, llm.Request{Messages: messages, Tools: tools, Temperature: l.temperature})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(CodeLLMFailure, err, "大模型推理失败")
	}
	if resp == nil {
		return nil, xerrors.New(CodeLLMFailure, "大模型返回空响应")
	}
	return resp, nil
}

func (l *Loop) abort(s *Session, userMsg llm.Message, reason string, call dispatch.StructuredCall) error {
	l.logger.Warn("agent loop aborted",
		slog.String("agent_id", s.ID()),
		slog.String("reason", reason),
		slog.String("function", call.FunctionName),
	)
	s.remember(userMsg, llm.Message{Role: llm.RoleAssistant, Content: fmt.Sprintf("本轮已终止: %s", reason)})
	if l.onAbort != nil {
		l.onAbort(reason)
	}
	opts := []xerrors.Option{xerrors.WithMetadata("reason", reason), xerrors.WithMetadata("agent_id", s.ID())}
	if call.FunctionName != "" {
		opts = append(opts,
			xerrors.WithMetadata("contract", call.ContractAddress),
			xerrors.WithMetadata("function", call.FunctionName))
	}
	return xerrors.New(xerrors.CodeLoopDetected, "智能体循环已终止", opts...)
}

// Fingerprint 是调用的去重键：合约、函数、参数与金额规范化 JSON 的 keccak256。
func Fingerprint(call dispatch.StructuredCall) common.Hash {
	args, err := call.Args.MarshalJSON()
	if err != nil {
		args = []byte(fmt.Sprintf("%v", call.Args))
	}
	// 数字保留原始位数，超过 2^53 的金额不能合并。
	var normalized any
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	if err := dec.Decode(&normalized); err != nil {
		normalized = string(args)
	}
	canonical, _ := json.Marshal(map[string]any{
		"contract": strings.ToLower(strings.TrimSpace(call.ContractAddress)),
		"function": strings.TrimSpace(call.FunctionName),
		"args":     normalized,
		"value":    strings.TrimSpace(string(call.Value)),
	})
	return crypto.Keccak256Hash(canonical)
}

func toolMessage(id string, res dispatch.ExecuteResult) llm.Message {
	body, err := json.Marshal(res)
	if err != nil {
		body = []byte(`{"success":false}`)
	}
	return llm.Message{Role: llm.RoleTool, ToolCallID: id, Content: string(body)}
}

func unknownTool(name string) dispatch.ExecuteResult {
	return dispatch.ExecuteResult{Error: &dispatch.ExecuteError{
		Code:    xerrors.CodeInvalidArgument,
		Message: fmt.Sprintf("未知工具 %s，只能使用 %s", name, tool.Name),
		Stage:   dispatch.StageResolving,
	}}
}

func invalidArguments(err error) dispatch.ExecuteResult {
	return dispatch.ExecuteResult{Error: &dispatch.ExecuteError{
		Code:    xerrors.CodeInvalidArgument,
		Message: err.Error(),
		Stage:   dispatch.StageResolving,
	}}
}
