package tool_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export/exporttest"
	"github.com/acgodson/autonomify-sub000/internal/tool"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

func TestDecodeCall(t *testing.T) {
	call, err := tool.DecodeCall([]byte(`{"contractAddress":"0x1","functionName":"f","args":"[1,\"2\"]","value":0.1}`))
	require.NoError(t, err)
	require.Equal(t, []any{json.Number("1"), "2"}, call.Args.List)
	require.Equal(t, dispatch.NativeAmount("0.1"), call.Value)

	_, err = tool.DecodeCall([]byte(`{"functionName":"f"}`))
	require.Error(t, err)
	_, err = tool.DecodeCall(nil)
	require.Error(t, err)
}

func TestDescribe(t *testing.T) {
	def := tool.Describe(exporttest.Bundle(t))
	require.Equal(t, tool.Name, def.Name)
	require.Contains(t, def.Description, "ERC20")
	require.Contains(t, def.Description, "DEXRouter")
	require.Equal(t, []string{"contractAddress", "functionName"}, def.Parameters["required"])
}

func TestExecuteJSONWithoutSignerFailsWrites(t *testing.T) {
	d := dispatch.New(dispatch.WithLogger(logger.Discard()), dispatch.WithAuditLogger(logger.Discard()))
	e := tool.NewExecutor(exporttest.Bundle(t), "agent-1", nil, nil, d)

	res := e.ExecuteJSON(context.Background(), []byte(`{"contractAddress":"`+exporttest.TokenAddress+`","functionName":"approve","args":["0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB","1"]}`))
	require.False(t, res.Success)
	require.Equal(t, xerrors.CodeSigningFailure, res.ErrorCode())

	res = e.ExecuteJSON(context.Background(), []byte(`not json`))
	require.Equal(t, xerrors.CodeInvalidArgument, res.ErrorCode())
}

func TestEngineSharesCapabilitiesAcrossAgents(t *testing.T) {
	d := dispatch.New(dispatch.WithLogger(logger.Discard()), dispatch.WithAuditLogger(logger.Discard()))
	engine := tool.NewEngine(exporttest.Bundle(t), nil, nil, d)

	exec := engine.ForAgent("agent-7")
	require.Equal(t, "agent-7", exec.AgentID())
	require.Same(t, engine.Bundle(), exec.Bundle())

	plan, stage, err := engine.Validate("agent-7", dispatch.StructuredCall{
		ContractAddress: exporttest.TokenAddress,
		FunctionName:    "approve",
		Args:            dispatch.PositionalArgs("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", "1"),
	})
	require.NoError(t, err)
	require.Equal(t, dispatch.StageWriting, stage)
	require.False(t, plan.ReadOnly)
	require.NotNil(t, plan.Tx)

	res := engine.Run(context.Background(), "agent-7", dispatch.StructuredCall{
		ContractAddress: exporttest.TokenAddress,
		FunctionName:    "symbol",
	})
	require.Equal(t, xerrors.CodeReadCallFailure, res.ErrorCode())
}

func TestSchemaAcceptsListOrNamedArgs(t *testing.T) {
	args := tool.Schema()["properties"].(map[string]any)["args"].(map[string]any)
	require.ElementsMatch(t, []string{"array", "object"}, args["type"])

	d := dispatch.New(dispatch.WithLogger(logger.Discard()), dispatch.WithAuditLogger(logger.Discard()))
	var sent []dispatch.UnsignedTransaction
	signer := dispatch.SignerFunc(func(_ context.Context, tx dispatch.UnsignedTransaction) (common.Hash, error) {
		sent = append(sent, tx)
		return common.HexToHash("0xbeef"), nil
	})
	e := tool.NewExecutor(exporttest.Bundle(t), "agent-1", nil, signer, d)

	res := e.ExecuteJSON(context.Background(), []byte(`{"contractAddress":"`+exporttest.TokenAddress+
		`","functionName":"approve","args":{"spender":"0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB","amount":"1"}}`))
	require.True(t, res.Success, "%+v", res.Error)
	require.Len(t, sent, 1)
	require.Equal(t, common.HexToHash("0xbeef").Hex(), res.TxHash)
}
