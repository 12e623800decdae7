package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/acgodson/autonomify-sub000/internal/config"
	"github.com/acgodson/autonomify-sub000/internal/export"
	"github.com/acgodson/autonomify-sub000/internal/web3"
	"github.com/acgodson/autonomify-sub000/internal/web3/ethereum"
)

// Dialer creates a client for one chain.
type Dialer func(ctx context.Context, cfg ethereum.Config) (web3.Client, error)

func dialEthereum(ctx context.Context, cfg ethereum.Config) (web3.Client, error) {
	return ethereum.NewClient(ctx, cfg)
}

// Registry manages chain clients keyed by chain id. Chains from the YAML
// table are dialled up front; a bundle whose chain is not in the table is
// served from the bundle's own rpc URL on first use.
type Registry struct {
	mu           sync.RWMutex
	defs         web3.ChainDefinitions
	defaultChain uint64
	clients      map[uint64]web3.Client
	dial         Dialer
}

// Option customises a Registry.
type Option func(*Registry)

// WithDialer replaces the client constructor.
func WithDialer(d Dialer) Option {
	return func(r *Registry) {
		if d != nil {
			r.dial = d
		}
	}
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts ...Option) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	r := &Registry{defs: defs, clients: make(map[uint64]web3.Client), dial: dialEthereum}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	for _, name := range defs.Names() {
		chain := defs.Chains[name]
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := r.dial(ctx, ethereum.Config{
			Name:    name,
			RPCURL:  chain.RPCURL,
			ChainID: chain.ChainID,
			Notes:   chain.Description,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[chain.ChainID] = client
	}

	if len(r.clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := r.dial(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("获取默认链 ID 失败: %w", err)
		}
		r.clients[id.Uint64()] = client
		r.defaultChain = id.Uint64()
	}

	if name := strings.TrimSpace(cfg.DefaultChain); name != "" {
		chain, ok := defs.Chains[name]
		if !ok {
			r.Close()
			return nil, fmt.Errorf("默认链 %s 未在配置中找到", name)
		}
		r.defaultChain = chain.ChainID
	} else if r.defaultChain == 0 {
		if ids := r.ChainIDs(); len(ids) > 0 {
			r.defaultChain = ids[0]
		}
	}
	return r, nil
}

// Register adds or replaces the client for a chain id.
func (r *Registry) Register(chainID uint64, client web3.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.clients[chainID]; ok && old != client {
		old.Close()
	}
	r.clients[chainID] = client
	if r.defaultChain == 0 {
		r.defaultChain = chainID
	}
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.Client(r.defaultChain)
	if !ok {
		return nil, errors.New("未配置默认链")
	}
	return client, nil
}

// Client returns the chain client registered for a chain id.
func (r *Registry) Client(chainID uint64) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[chainID]
	return client, ok
}

// ForBundle returns the client for the bundle's chain, dialling the bundle's
// rpc URL when the chain is not configured.
func (r *Registry) ForBundle(ctx context.Context, b *export.Bundle) (web3.Client, error) {
	if r == nil || b == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	if client, ok := r.Client(b.Chain.ID); ok {
		return client, nil
	}
	if strings.TrimSpace(b.Chain.RPC) == "" {
		return nil, fmt.Errorf("链 %d 未配置 RPC 端点", b.Chain.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[b.Chain.ID]; ok {
		return client, nil
	}
	client, err := r.dial(ctx, ethereum.Config{Name: b.Chain.Name, RPCURL: b.Chain.RPC, ChainID: b.Chain.ID})
	if err != nil {
		return nil, fmt.Errorf("连接链 %d 失败: %w", b.Chain.ID, err)
	}
	r.clients[b.Chain.ID] = client
	return client, nil
}

// ExplorerAPI returns the block explorer endpoint configured for a chain.
func (r *Registry) ExplorerAPI(chainID uint64) (string, bool) {
	if r == nil {
		return "", false
	}
	_, def, ok := r.defs.ByChainID(chainID)
	if !ok || strings.TrimSpace(def.ExplorerAPI) == "" {
		return "", false
	}
	return def.ExplorerAPI, true
}

// Snapshots reports the head of every registered chain. Unreachable chains
// are reported with the error text in Notes.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	ids := r.ChainIDs()
	out := make([]web3.ChainSnapshot, 0, len(ids))
	for _, id := range ids {
		client, ok := r.Client(id)
		if !ok {
			continue
		}
		snap, err := client.FetchChainSnapshot(ctx)
		if err != nil {
			snap = web3.ChainSnapshot{Name: client.Name(), ChainID: fmt.Sprintf("0x%x", id), Notes: err.Error()}
		}
		out = append(out, snap)
	}
	return out
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, id)
	}
}

// ChainIDs returns the registered chain ids in ascending order.
func (r *Registry) ChainIDs() []uint64 {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
