// Package llm defines the provider-neutral chat interface used by the agent
// loop: messages, tool specifications and tool calls.
package llm
