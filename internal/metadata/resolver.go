// Package metadata reads descriptive on-chain values (name, symbol, decimals
// and the like) from contracts by calling their zero-argument view functions.
package metadata

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	"github.com/acgodson/autonomify-sub000/internal/export"
	"github.com/acgodson/autonomify-sub000/internal/resolver"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

// Resolver collects metadata through the dispatcher's read path, so values
// are rendered exactly as a tool call would render them.
type Resolver struct {
	dispatcher  *dispatch.Dispatcher
	concurrency int
	logger      *slog.Logger
}

// NewResolver builds a Resolver. concurrency bounds parallel eth_calls per
// contract; values below 1 mean 4.
func NewResolver(d *dispatch.Dispatcher, concurrency int) *Resolver {
	if d == nil {
		d = dispatch.New()
	}
	if concurrency < 1 {
		concurrency = 4
	}
	return &Resolver{dispatcher: d, concurrency: concurrency, logger: logger.Named("metadata")}
}

// Candidates returns the functions Resolve would call: read-only, no inputs,
// exactly one output. Overloads are skipped after the first.
func Candidates(c *export.Contract) []export.Function {
	seen := make(map[string]struct{})
	out := make([]export.Function, 0)
	for _, fn := range c.Functions {
		if _, dup := seen[fn.Name]; dup {
			continue
		}
		seen[fn.Name] = struct{}{}
		if len(fn.Inputs) == 0 && len(fn.Outputs) == 1 && resolver.IsReadOnly(&fn) {
			out = append(out, fn)
		}
	}
	return out
}

// Resolve calls every candidate function of the contract at address and
// returns name -> rendered value. Failing calls are logged and omitted.
func (r *Resolver) Resolve(ctx context.Context, b *export.Bundle, address string, reader dispatch.ReadClient) map[string]any {
	contract, ok := b.Contract(address)
	if !ok {
		return map[string]any{}
	}
	candidates := Candidates(contract)

	var (
		mu  sync.Mutex
		g   errgroup.Group
		out = make(map[string]any, len(candidates))
	)
	g.SetLimit(r.concurrency)
	for _, fn := range candidates {
		name := fn.Name
		g.Go(func() error {
			res := r.dispatcher.Dispatch(ctx, b, "", dispatch.StructuredCall{
				ContractAddress: address,
				FunctionName:    name,
			}, reader, nil)
			if !res.Success {
				r.logger.Debug("读取合约元数据失败",
					slog.String("contract", strings.ToLower(address)),
					slog.String("function", name),
					slog.String("code", string(res.ErrorCode())))
				return nil
			}
			mu.Lock()
			out[name] = res.Result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
