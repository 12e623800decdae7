// Package tool exposes the call engine as a single agent-facing tool,
// autonomify_execute, bound to one bundle, one agent and one chain.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export"
	"github.com/acgodson/autonomify-sub000/internal/resolver"
)

// Name is the tool name presented to models and MCP clients.
const Name = "autonomify_execute"

// Definition is a provider-neutral tool description with a JSON schema.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Executor binds a bundle, an agent identity and chain capabilities.
type Executor struct {
	bundle     *export.Bundle
	agentID    string
	reader     dispatch.ReadClient
	signer     dispatch.Signer
	dispatcher *dispatch.Dispatcher
}

// NewExecutor builds an Executor. signer may be nil for read-only sessions;
// writes then fail with SIGNING_FAILURE.
func NewExecutor(b *export.Bundle, agentID string, reader dispatch.ReadClient, signer dispatch.Signer, d *dispatch.Dispatcher) *Executor {
	if d == nil {
		d = dispatch.New()
	}
	return &Executor{bundle: b, agentID: agentID, reader: reader, signer: signer, dispatcher: d}
}

// Bundle returns the bound bundle.
func (e *Executor) Bundle() *export.Bundle { return e.bundle }

// AgentID returns the bound agent identifier.
func (e *Executor) AgentID() string { return e.agentID }

// Execute dispatches one structured call.
func (e *Executor) Execute(ctx context.Context, call dispatch.StructuredCall) dispatch.ExecuteResult {
	return e.dispatcher.Dispatch(ctx, e.bundle, e.agentID, call, e.reader, e.signer)
}

// ExecuteJSON decodes raw tool arguments and dispatches them. Undecodable
// arguments are reported as INVALID_ARGUMENT rather than returned as an error.
func (e *Executor) ExecuteJSON(ctx context.Context, raw []byte) dispatch.ExecuteResult {
	call, err := DecodeCall(raw)
	if err != nil {
		return dispatch.ExecuteResult{Error: &dispatch.ExecuteError{
			Code:    xerrors.CodeInvalidArgument,
			Message: err.Error(),
			Stage:   dispatch.StageResolving,
		}}
	}
	return e.Execute(ctx, call)
}

// DecodeCall parses tool arguments into a StructuredCall.
func DecodeCall(raw []byte) (dispatch.StructuredCall, error) {
	var call dispatch.StructuredCall
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return call, fmt.Errorf("工具参数为空")
	}
	if err := json.Unmarshal(trimmed, &call); err != nil {
		return call, fmt.Errorf("工具参数解析失败: %w", err)
	}
	if strings.TrimSpace(call.ContractAddress) == "" || strings.TrimSpace(call.FunctionName) == "" {
		return call, fmt.Errorf("contractAddress 与 functionName 均为必填")
	}
	return call, nil
}

// Describe returns the tool definition for a bundle. The description names
// every contract so a model can pick addresses without a separate lookup.
func Describe(b *export.Bundle) Definition {
	return Definition{
		Name:        Name,
		Description: Summary(b),
		Parameters:  Schema(),
	}
}

// Schema is the JSON schema of the tool arguments.
func Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"contractAddress": map[string]any{
				"type":        "string",
				"description": "Address of a contract from the list, 0x-prefixed.",
			},
			"functionName": map[string]any{
				"type":        "string",
				"description": "Exact function name from the contract ABI.",
			},
			"args": ArgsSchema(),
			"value": map[string]any{
				"type":        "string",
				"description": "Native coin to send with payable functions, in whole units such as \"0.01\".",
			},
		},
		"required": []string{"contractAddress", "functionName"},
	}
}

// ArgsSchema describes args: a positional list or an object keyed by
// parameter name.
func ArgsSchema() map[string]any {
	return map[string]any{
		"type":        []string{"array", "object"},
		"description": ArgsDescription,
	}
}

// ArgsDescription is shared by every tool surface.
const ArgsDescription = "Function arguments, either a positional list or an object keyed by parameter name " +
	"such as {\"spender\":\"0x..\",\"amount\":\"1000000\"}. Pass large integers as decimal strings and arrays as JSON arrays."

// Summary renders a short description listing every contract in the bundle.
func Summary(b *export.Bundle) string {
	var sb strings.Builder
	sb.WriteString("Call a function on one of the agent's contracts. ")
	sb.WriteString("View and pure functions return their result; other functions are sent as transactions and return a transaction hash.")
	if b == nil {
		return sb.String()
	}
	sb.WriteString("\nContracts:")
	for _, addr := range b.Addresses() {
		c, _ := b.Contract(addr)
		kind := resolver.Classify(c.FunctionNames())
		fmt.Fprintf(&sb, "\n- %s (%s, %s)", c.Address().Hex(), c.Name, kind)
	}
	return sb.String()
}
