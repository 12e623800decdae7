// Package builder assembles an ExportBundle from contract addresses by
// fetching verified ABIs and reading on-chain metadata.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/acgodson/autonomify-sub000/internal/abifetch"
	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export"
	"github.com/acgodson/autonomify-sub000/internal/metadata"
	"github.com/acgodson/autonomify-sub000/internal/resolver"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

// BundleVersion is written into every bundle the builder produces.
const BundleVersion = "1"

// Request describes the bundle to build.
type Request struct {
	Chain     export.Chain
	Executor  string
	Contracts []string
}

// Builder fetches ABIs and metadata for a set of contracts.
type Builder struct {
	fetcher  abifetch.Fetcher
	metadata *metadata.Resolver
	logger   *slog.Logger
}

// New constructs a Builder. A nil metadata resolver disables metadata reads.
func New(fetcher abifetch.Fetcher, meta *metadata.Resolver) *Builder {
	return &Builder{fetcher: fetcher, metadata: meta, logger: logger.Named("export.builder")}
}

// Build fetches every contract's ABI, derives its function list and, when a
// reader is supplied, fills metadata from zero-argument view functions. The
// returned bundle has been through export.Parse and is ready to serve.
func (b *Builder) Build(ctx context.Context, req Request, reader dispatch.ReadClient) (*export.Bundle, error) {
	if b.fetcher == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 ABI 拉取器")
	}
	if len(req.Contracts) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个合约地址")
	}
	if req.Chain.ID == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少链 ID")
	}

	doc := export.Bundle{
		Version:   BundleVersion,
		Executor:  export.Executor{Address: strings.TrimSpace(req.Executor)},
		Chain:     req.Chain,
		Contracts: make(map[string]*export.Contract, len(req.Contracts)),
	}
	for _, raw := range req.Contracts {
		addr := strings.TrimSpace(raw)
		if !common.IsHexAddress(addr) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("合约地址 %q 无效", raw))
		}
		address := common.HexToAddress(addr)
		fetched, err := b.fetcher.Fetch(ctx, req.Chain.ID, address)
		if err != nil {
			return nil, err
		}
		name := fetched.Name
		if name == "" {
			name = address.Hex()
		}
		doc.Contracts[strings.ToLower(address.Hex())] = &export.Contract{Name: name, ABI: fetched.ABI}
	}

	encoded, err := json.Marshal(&doc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 ExportBundle 失败")
	}
	bundle, err := export.Parse(encoded)
	if err != nil {
		return nil, err
	}

	for _, addr := range bundle.Addresses() {
		contract, _ := bundle.Contract(addr)
		meta := map[string]any{"kind": resolver.Classify(contract.FunctionNames()).String()}
		if b.metadata != nil && reader != nil {
			for k, v := range b.metadata.Resolve(ctx, bundle, addr, reader) {
				meta[k] = v
			}
		}
		contract.Metadata = meta
		b.logger.Info("合约已加入导出包",
			slog.String("contract", addr),
			slog.String("name", contract.Name),
			slog.Int("functions", len(contract.Functions)),
			slog.Int("metadata", len(meta)))
	}
	return bundle, nil
}
