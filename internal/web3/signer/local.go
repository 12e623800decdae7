// Package signer provides the reference sign-and-broadcast capability used by
// the daemon. It signs with a single local ECDSA key and sends each
// transaction exactly once.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"os"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

// DefaultGasMultiplier adds headroom on top of the node's gas estimate.
const DefaultGasMultiplier = 1.2

// Backend is what the signer needs from a chain client.
type Backend interface {
	gethcore.GasEstimator
	gethcore.GasPricer
	gethcore.GasPricer1559
	gethcore.TransactionSender
	gethcore.ChainIDReader
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// LocalSigner signs with an in-memory private key.
type LocalSigner struct {
	key           *ecdsa.PrivateKey
	from          common.Address
	backend       Backend
	gasMultiplier float64
	logger        *slog.Logger

	// mu serialises nonce lookup and broadcast for this account.
	mu sync.Mutex
}

// Option customises a LocalSigner.
type Option func(*LocalSigner)

// WithGasMultiplier overrides the gas headroom factor. Values below 1 are ignored.
func WithGasMultiplier(m float64) Option {
	return func(s *LocalSigner) {
		if m >= 1 {
			s.gasMultiplier = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *LocalSigner) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a signer from a hex encoded private key (with or without 0x).
func New(hexKey string, backend Backend, opts ...Option) (*LocalSigner, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "签名器缺少链客户端")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析签名私钥失败")
	}
	return NewWithKey(key, backend, opts...), nil
}

// NewWithKey builds a signer around an existing key.
func NewWithKey(key *ecdsa.PrivateKey, backend Backend, opts ...Option) *LocalSigner {
	s := &LocalSigner{
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		backend:       backend,
		gasMultiplier: DefaultGasMultiplier,
		logger:        logger.Named("signer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// FromEnv reads the private key from the named environment variable.
func FromEnv(envName string, backend Backend, opts ...Option) (*LocalSigner, error) {
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("环境变量 %s 未设置签名私钥", envName))
	}
	return New(raw, backend, opts...)
}

// Address returns the account that pays for and signs transactions.
func (s *LocalSigner) Address() common.Address { return s.from }

// SignAndBroadcast fills nonce, gas and fees, signs and sends tx. It never
// retries: a failed broadcast is returned to the caller as SIGNING_FAILURE.
func (s *LocalSigner) SignAndBroadcast(ctx context.Context, tx dispatch.UnsignedTransaction) (common.Hash, error) {
	if tx.ChainID == nil {
		return common.Hash{}, signingError(nil, "交易缺少 chainId")
	}
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}

	nodeChain, err := s.backend.ChainID(ctx)
	if err != nil {
		return common.Hash{}, signingError(err, "获取链 ID 失败")
	}
	if nodeChain.Cmp(tx.ChainID) != 0 {
		return common.Hash{}, signingError(nil,
			fmt.Sprintf("交易 chainId %s 与节点 %s 不一致", tx.ChainID, nodeChain))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	to := tx.To
	estimate, err := s.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:  s.from,
		To:    &to,
		Value: value,
		Data:  tx.Data,
	})
	if err != nil {
		return common.Hash{}, signingError(err, "估算 gas 失败")
	}
	gas := uint64(math.Ceil(float64(estimate) * s.gasMultiplier))

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return common.Hash{}, signingError(err, "获取账户 nonce 失败")
	}

	unsigned, err := s.buildTx(ctx, tx.ChainID, nonce, gas, to, value, tx.Data)
	if err != nil {
		return common.Hash{}, err
	}

	signed, err := types.SignTx(unsigned, types.LatestSignerForChainID(tx.ChainID), s.key)
	if err != nil {
		return common.Hash{}, signingError(err, "签名交易失败")
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, signingError(err, "广播交易失败")
	}

	s.logger.Info("交易已广播",
		slog.String("from", s.from.Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
		slog.String("tx_hash", signed.Hash().Hex()))
	return signed.Hash(), nil
}

// buildTx prefers an EIP-1559 transaction and falls back to a legacy one on
// chains whose head carries no base fee.
func (s *LocalSigner) buildTx(ctx context.Context, chainID *big.Int, nonce, gas uint64, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, signingError(err, "获取最新区块头失败")
	}

	if head.BaseFee == nil {
		gasPrice, err := s.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, signingError(err, "获取 gas price 失败")
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		}), nil
	}

	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, signingError(err, "获取 gas tip 失败")
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}

func signingError(cause error, message string) error {
	if cause == nil {
		return xerrors.New(xerrors.CodeSigningFailure, message)
	}
	return xerrors.Wrap(xerrors.CodeSigningFailure, cause, message)
}

var _ dispatch.Signer = (*LocalSigner)(nil)
