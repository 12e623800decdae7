package signer_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/require"

	"github.com/acgodson/autonomify-sub000/internal/calldata"
	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export/exporttest"
	"github.com/acgodson/autonomify-sub000/internal/web3/signer"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

func newChain(t *testing.T) (*simulated.Backend, simulated.Client, *signer.LocalSigner) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	oneEther := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	sim := simulated.NewBackend(types.GenesisAlloc{from: {Balance: new(big.Int).Mul(oneEther, big.NewInt(10))}})
	t.Cleanup(func() { _ = sim.Close() })

	client := sim.Client()
	return sim, client, signer.NewWithKey(key, client, signer.WithLogger(logger.Discard()))
}

func TestSignAndBroadcastValueTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sim, client, s := newChain(t)

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	hash, err := s.SignAndBroadcast(ctx, dispatch.UnsignedTransaction{
		To:      recipient,
		Value:   big.NewInt(12345),
		ChainID: big.NewInt(1337),
	})
	require.NoError(t, err)
	sim.Commit()

	receipt, err := client.TransactionReceipt(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	balance, err := client.BalanceAt(ctx, recipient, nil)
	require.NoError(t, err)
	require.Equal(t, int64(12345), balance.Int64())

	tx, _, err := client.TransactionByHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
}

func TestSignAndBroadcastRejectsChainMismatch(t *testing.T) {
	_, _, s := newChain(t)
	_, err := s.SignAndBroadcast(context.Background(), dispatch.UnsignedTransaction{
		To:      common.HexToAddress("0x01"),
		ChainID: big.NewInt(56),
	})
	require.Error(t, err)
	require.Equal(t, xerrors.CodeSigningFailure, xerrors.CodeOf(err))

	_, err = s.SignAndBroadcast(context.Background(), dispatch.UnsignedTransaction{To: common.HexToAddress("0x01")})
	require.Equal(t, xerrors.CodeSigningFailure, xerrors.CodeOf(err))
}

func TestNewFromHexKey(t *testing.T) {
	_, client, _ := newChain(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	s, err := signer.New("0x"+common.Bytes2Hex(crypto.FromECDSA(key)), client)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

	_, err = signer.New("not-a-key", client)
	require.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))

	t.Setenv("AUTONOMIFY_TEST_KEY", "")
	_, err = signer.FromEnv("AUTONOMIFY_TEST_KEY", client)
	require.Error(t, err)
}

// A write dispatched against a simulated chain lands as a transaction to the
// executor whose calldata wraps the target call.
func TestDispatchWriteLandsOnChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sim, client, s := newChain(t)

	b := exporttest.Bundle(t)
	res := dispatch.New(dispatch.WithLogger(logger.Discard()), dispatch.WithAuditLogger(logger.Discard())).
		Dispatch(ctx, b, "agent-1", dispatch.StructuredCall{
			ContractAddress: exporttest.TokenAddress,
			FunctionName:    "transfer",
			Args:            dispatch.PositionalArgs("0x00000000000000000000000000000000000000cc", "1000"),
		}, client, s)
	require.True(t, res.Success, "%+v", res.Error)
	sim.Commit()

	tx, _, err := client.TransactionByHash(ctx, common.HexToHash(res.TxHash))
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(exporttest.ExecutorAddress), *tx.To())
	require.Equal(t, calldata.DefaultExecutorABI().Methods["execute"].ID, tx.Data()[:4])

	receipt, err := client.TransactionReceipt(ctx, tx.Hash())
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
}
