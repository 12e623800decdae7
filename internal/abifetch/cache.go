package abifetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

// SecondLevel is a shared byte cache, typically Redis.
type SecondLevel interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CacheConfig controls CachedFetcher.
type CacheConfig struct {
	Size   int
	TTL    time.Duration
	Shared SecondLevel
}

// CachedFetcher fronts a Fetcher with an expiring in-process LRU and an
// optional shared cache. Concurrent misses for the same contract share a
// single upstream request. Failures are never cached.
type CachedFetcher struct {
	next   Fetcher
	local  *expirable.LRU[string, *Contract]
	shared SecondLevel
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewCachedFetcher wraps next.
func NewCachedFetcher(next Fetcher, cfg CacheConfig) *CachedFetcher {
	size := cfg.Size
	if size <= 0 {
		size = 256
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedFetcher{
		next:   next,
		local:  expirable.NewLRU[string, *Contract](size, nil, ttl),
		shared: cfg.Shared,
		ttl:    ttl,
		logger: logger.Named("abifetch"),
	}
}

// Fetch implements Fetcher. The returned contract is shared with other
// callers and the cache; treat it as read-only.
func (c *CachedFetcher) Fetch(ctx context.Context, chainID uint64, address common.Address) (*Contract, error) {
	key := cacheKey(chainID, address)
	if contract, ok := c.local.Get(key); ok {
		return contract, nil
	}

	// 共享请求不随单个调用方取消，超时由下游 fetcher 控制。
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if contract, ok := c.fromShared(shared, key); ok {
			c.local.Add(key, contract)
			return contract, nil
		}
		contract, err := c.next.Fetch(shared, chainID, address)
		if err != nil {
			return nil, err
		}
		c.local.Add(key, contract)
		c.toShared(shared, key, contract)
		return contract, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Contract), nil
	}
}

// Len reports the number of contracts held in process.
func (c *CachedFetcher) Len() int { return c.local.Len() }

func (c *CachedFetcher) fromShared(ctx context.Context, key string) (*Contract, bool) {
	if c.shared == nil {
		return nil, false
	}
	raw, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		c.logger.Warn("读取 ABI 共享缓存失败", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var contract Contract
	if err := json.Unmarshal(raw, &contract); err != nil {
		c.logger.Warn("ABI 共享缓存内容损坏", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return &contract, true
}

func (c *CachedFetcher) toShared(ctx context.Context, key string, contract *Contract) {
	if c.shared == nil {
		return
	}
	raw, err := json.Marshal(contract)
	if err != nil {
		return
	}
	if err := c.shared.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn("写入 ABI 共享缓存失败", slog.String("key", key), slog.Any("error", err))
	}
}

func cacheKey(chainID uint64, address common.Address) string {
	return fmt.Sprintf("abi:%d:%s", chainID, strings.ToLower(address.Hex()))
}

var _ Fetcher = (*CachedFetcher)(nil)
