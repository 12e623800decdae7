package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// Backend is the subset of an EVM JSON-RPC client used by the engine. Both
// *ethclient.Client and the go-ethereum simulated client satisfy it.
type Backend interface {
	gethcore.ContractCaller
	gethcore.ChainStateReader
	gethcore.GasEstimator
	gethcore.GasPricer
	gethcore.GasPricer1559
	gethcore.PendingStateReader
	gethcore.TransactionSender
	gethcore.ChainIDReader
	gethcore.BlockNumberReader

	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can interact with different networks uniformly.
type Client interface {
	Backend

	Name() string
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
