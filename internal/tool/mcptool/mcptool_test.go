package mcptool_test

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	"github.com/acgodson/autonomify-sub000/internal/export/exporttest"
	"github.com/acgodson/autonomify-sub000/internal/tool"
	"github.com/acgodson/autonomify-sub000/internal/tool/mcptool"
	"github.com/acgodson/autonomify-sub000/pkg/logger"
)

type constReader []byte

func (r constReader) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return r, nil
}

func callRequest(t *testing.T, args string) mcp.CallToolRequest {
	t.Helper()
	var req mcp.CallToolRequest
	require.NoError(t, json.Unmarshal([]byte(`{"method":"tools/call","params":{"name":"autonomify_execute","arguments":`+args+`}}`), &req))
	return req
}

func newExecutor(t *testing.T, signer dispatch.Signer) *tool.Executor {
	d := dispatch.New(dispatch.WithLogger(logger.Discard()), dispatch.WithAuditLogger(logger.Discard()))
	return tool.NewExecutor(exporttest.Bundle(t), "agent-1", constReader(common.LeftPadBytes([]byte{0x2a}, 32)), signer, d)
}

func TestToolDescription(t *testing.T) {
	tl := mcptool.NewTool(newExecutor(t, nil))
	require.Equal(t, tool.Name, tl.Name)
	require.Contains(t, tl.Description, common.HexToAddress(exporttest.TokenAddress).Hex())
	require.ElementsMatch(t, []string{"contractAddress", "functionName"}, tl.InputSchema.Required)
}

func TestHandlerRead(t *testing.T) {
	h := mcptool.Handler(newExecutor(t, nil))
	res, err := h(context.Background(), callRequest(t,
		`{"contractAddress":"`+exporttest.TokenAddress+`","functionName":"balanceOf","args":["0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"]}`))
	require.NoError(t, err)
	require.False(t, res.IsError)

	text := res.Content[0].(mcp.TextContent).Text
	var out dispatch.ExecuteResult
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	require.True(t, out.Success)
	require.Equal(t, "42", out.Result)
}

func TestHandlerWriteWithNumericArgs(t *testing.T) {
	var sent []dispatch.UnsignedTransaction
	signer := dispatch.SignerFunc(func(_ context.Context, tx dispatch.UnsignedTransaction) (common.Hash, error) {
		sent = append(sent, tx)
		return common.HexToHash("0xfeed"), nil
	})
	h := mcptool.Handler(newExecutor(t, signer))
	res, err := h(context.Background(), callRequest(t,
		`{"contractAddress":"`+exporttest.TokenAddress+`","functionName":"transfer","args":["0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", 1000]}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, sent, 1)
	require.Contains(t, res.Content[0].(mcp.TextContent).Text, common.HexToHash("0xfeed").Hex())
}

func TestHandlerFailureIsToolError(t *testing.T) {
	h := mcptool.Handler(newExecutor(t, nil))
	res, err := h(context.Background(), callRequest(t,
		`{"contractAddress":"`+exporttest.TokenAddress+`","functionName":"mint","args":[]}`))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, res.Content[0].(mcp.TextContent).Text, "FUNCTION_NOT_FOUND")

	res, err = h(context.Background(), callRequest(t, `{"functionName":"mint"}`))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, res.Content[0].(mcp.TextContent).Text, "INVALID_ARGUMENT")
}

func TestToolSchemaAllowsNamedArgs(t *testing.T) {
	tl := mcptool.NewTool(newExecutor(t, nil))
	args, ok := tl.InputSchema.Properties["args"].(map[string]any)
	require.True(t, ok)
	require.ElementsMatch(t, []string{"array", "object"}, args["type"])

	raw, err := json.Marshal(tl)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"type":["array","object"]`)
}

func TestHandlerNamedArgs(t *testing.T) {
	h := mcptool.Handler(newExecutor(t, nil))
	res, err := h(context.Background(), callRequest(t,
		`{"contractAddress":"`+exporttest.TokenAddress+`","functionName":"balanceOf","args":{"account":"0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}}`))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out dispatch.ExecuteResult
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].(mcp.TextContent).Text), &out))
	require.True(t, out.Success)
	require.Equal(t, "42", out.Result)

	var sent []dispatch.UnsignedTransaction
	signer := dispatch.SignerFunc(func(_ context.Context, tx dispatch.UnsignedTransaction) (common.Hash, error) {
		sent = append(sent, tx)
		return common.HexToHash("0xfeed"), nil
	})
	h = mcptool.Handler(newExecutor(t, signer))
	res, err = h(context.Background(), callRequest(t,
		`{"contractAddress":"`+exporttest.TokenAddress+`","functionName":"approve","args":{"spender":"0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA","amount":"2500"}}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, sent, 1)
}
