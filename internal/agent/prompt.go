package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/acgodson/autonomify-sub000/internal/export"
	"github.com/acgodson/autonomify-sub000/internal/resolver"
	"github.com/acgodson/autonomify-sub000/internal/tool"
)

const basePrompt = `You are an on-chain agent. You act only through the autonomify_execute tool.
Use view and pure functions to look things up before sending transactions.
Never repeat a call that already succeeded in this turn. When a call fails, explain the error to the user instead of guessing.
Token amounts are integers in the token's smallest unit; use the decimals metadata to convert.`

// PromptBuilder renders the system prompt for a bundle.
type PromptBuilder struct {
	extra string
}

// NewPromptBuilder returns a builder. extra is appended verbatim when set.
func NewPromptBuilder(extra string) *PromptBuilder {
	return &PromptBuilder{extra: strings.TrimSpace(extra)}
}

// Build lists the chain and every contract with its kind, metadata and
// callable functions.
func (p *PromptBuilder) Build(b *export.Bundle, agentID string) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)
	if agentID != "" {
		fmt.Fprintf(&sb, "\nAgent: %s", agentID)
	}
	if b == nil {
		return p.finish(&sb)
	}

	fmt.Fprintf(&sb, "\nChain: %s (id %d)", b.Chain.Name, b.Chain.ID)
	sb.WriteString("\n\nContracts:")
	for _, addr := range b.Addresses() {
		c, _ := b.Contract(addr)
		kind := resolver.Classify(c.FunctionNames())
		fmt.Fprintf(&sb, "\n\n%s %q (%s)", c.Address().Hex(), c.Name, kind)
		if meta := renderMetadata(c.Metadata); meta != "" {
			fmt.Fprintf(&sb, "\n  metadata: %s", meta)
		}
		for i := range c.Functions {
			fmt.Fprintf(&sb, "\n  - %s", renderFunction(&c.Functions[i]))
		}
	}
	return p.finish(&sb)
}

// Tool returns the tool definition offered alongside the prompt.
func (p *PromptBuilder) Tool(b *export.Bundle) tool.Definition {
	return tool.Describe(b)
}

func (p *PromptBuilder) finish(sb *strings.Builder) string {
	if p.extra != "" {
		sb.WriteString("\n\n")
		sb.WriteString(p.extra)
	}
	return sb.String()
}

func renderMetadata(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, meta[k]))
	}
	return strings.Join(parts, ", ")
}

func renderFunction(fn *export.Function) string {
	params := make([]string, 0, len(fn.Inputs))
	for _, in := range fn.Inputs {
		if in.Name == "" {
			params = append(params, in.Type)
			continue
		}
		params = append(params, in.Type+" "+in.Name)
	}
	out := fmt.Sprintf("%s(%s) %s", fn.Name, strings.Join(params, ", "), fn.StateMutability)
	if len(fn.Outputs) > 0 {
		types := make([]string, 0, len(fn.Outputs))
		for _, o := range fn.Outputs {
			types = append(types, o.Type)
		}
		out += " returns (" + strings.Join(types, ", ") + ")"
	}
	return out
}
