package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/acgodson/autonomify-sub000/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	// ChainID, when non-zero, must match what the node reports.
	ChainID uint64
	Notes   string
}

// Client implements web3.Client for EVM compatible chains. All chain access
// methods are promoted from the underlying backend.
type Client struct {
	web3.Backend

	name      string
	notes     string
	rpcClient *gethrpc.Client
	chainID   *big.Int
	mu        sync.Mutex
	closed    bool
}

// NewClient dials the configured RPC endpoint, reads the chain id and checks
// it against cfg.ChainID.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		rpcClient.Close()
		return nil, fmt.Errorf("节点链 ID %s 与配置的 %d 不一致", chainID, cfg.ChainID)
	}

	return &Client{
		Backend:   eth,
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		chainID:   chainID,
	}, nil
}

// NewBackendClient wraps an existing backend, such as the go-ethereum
// simulated client used in tests.
func NewBackendClient(name string, chainID *big.Int, backend web3.Backend) *Client {
	return &Client{
		Backend: backend,
		name:    name,
		chainID: new(big.Int).Set(chainID),
		notes:   "in-process backend",
	}
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// ChainID returns the chain id read when the client was created.
func (c *Client) ChainID(context.Context) (*big.Int, error) {
	if c == nil || c.chainID == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	return new(big.Int).Set(c.chainID), nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.Backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	blockNumber, err := c.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(c.chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
