package tool

import (
	"context"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	"github.com/acgodson/autonomify-sub000/internal/export"
)

// Engine holds the chain capabilities shared by every agent of one bundle.
// It is safe for concurrent use.
type Engine struct {
	bundle     *export.Bundle
	reader     dispatch.ReadClient
	signer     dispatch.Signer
	dispatcher *dispatch.Dispatcher
}

// NewEngine builds an Engine. signer may be nil for read-only deployments.
func NewEngine(b *export.Bundle, reader dispatch.ReadClient, signer dispatch.Signer, d *dispatch.Dispatcher) *Engine {
	if d == nil {
		d = dispatch.New()
	}
	return &Engine{bundle: b, reader: reader, signer: signer, dispatcher: d}
}

// Bundle returns the bound bundle.
func (e *Engine) Bundle() *export.Bundle { return e.bundle }

// Dispatcher returns the dispatcher used by Run.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Reader returns the read client.
func (e *Engine) Reader() dispatch.ReadClient { return e.reader }

// Run dispatches one call on behalf of agentID.
func (e *Engine) Run(ctx context.Context, agentID string, call dispatch.StructuredCall) dispatch.ExecuteResult {
	return e.dispatcher.Dispatch(ctx, e.bundle, agentID, call, e.reader, e.signer)
}

// Validate runs the pure half of a dispatch without touching the chain.
func (e *Engine) Validate(agentID string, call dispatch.StructuredCall) (*dispatch.Plan, dispatch.Stage, error) {
	return e.dispatcher.Prepare(e.bundle, agentID, call)
}

// ForAgent returns an Executor bound to agentID.
func (e *Engine) ForAgent(agentID string) *Executor {
	return NewExecutor(e.bundle, agentID, e.reader, e.signer, e.dispatcher)
}
