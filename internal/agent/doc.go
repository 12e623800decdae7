// Package agent drives the conversational tool loop: it keeps one Session per
// agent in an explicit Registry, renders the system prompt from the agent's
// bundle and runs bounded LLM turns that call autonomify_execute.
package agent
