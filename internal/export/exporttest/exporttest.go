// Package exporttest provides ExportBundle fixtures shared by package tests.
package exporttest

import (
	"encoding/json"
	"testing"

	"github.com/acgodson/autonomify-sub000/internal/export"
)

const (
	TokenAddress    = "0x1111111111111111111111111111111111111111"
	RouterAddress   = "0x2222222222222222222222222222222222222222"
	OverloadAddress = "0x3333333333333333333333333333333333333333"
	ExecutorAddress = "0x9999999999999999999999999999999999999999"
	ChainID         = 1337
)

// ERC20ABI is a trimmed ERC-20 interface.
const ERC20ABI = `[
 {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

// RouterABI is a trimmed Uniswap V2 style router.
const RouterABI = `[
 {"type":"function","name":"WETH","stateMutability":"pure","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"getAmountsOut","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"type":"function","name":"swapExactETHForTokens","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"type":"function","name":"addLiquidity","stateMutability":"nonpayable","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"amountADesired","type":"uint256"},{"name":"amountBDesired","type":"uint256"},{"name":"amountAMin","type":"uint256"},{"name":"amountBMin","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amountA","type":"uint256"},{"name":"amountB","type":"uint256"},{"name":"liquidity","type":"uint256"}]}
]`

// OverloadABI exercises overloads, fixed arrays, fixed bytes and tuples.
const OverloadABI = `[
 {"type":"function","name":"ping","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"ping","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"},{"name":"peer","type":"address"}],"outputs":[]},
 {"type":"function","name":"tag","stateMutability":"pure","inputs":[{"name":"key","type":"bytes32"},{"name":"flags","type":"uint8[3]"},{"name":"enabled","type":"bool"},{"name":"note","type":"string"},{"name":"blob","type":"bytes"}],"outputs":[{"name":"","type":"bytes32"}]},
 {"type":"function","name":"submit","stateMutability":"nonpayable","inputs":[{"name":"order","type":"tuple","components":[{"name":"maker","type":"address"},{"name":"amount","type":"uint256"}]}],"outputs":[]},
 {"type":"function","name":"delta","stateMutability":"view","inputs":[{"name":"value","type":"int64"}],"outputs":[{"name":"","type":"int256"}]}
]`

// BundleJSON returns a complete ExportBundle document. An empty executor
// address yields a bundle whose executor is not deployed.
func BundleJSON(executor string) []byte {
	abiOf := func(s string) json.RawMessage { return json.RawMessage(s) }
	doc := map[string]any{
		"version":  "1",
		"executor": map[string]any{"address": executor},
		"chain":    map[string]any{"id": ChainID, "name": "devnet", "rpc": "http://127.0.0.1:8545"},
		"contracts": map[string]any{
			TokenAddress: map[string]any{
				"name":     "Test Token",
				"abi":      abiOf(ERC20ABI),
				"metadata": map[string]any{"symbol": "TT", "decimals": "18"},
			},
			RouterAddress: map[string]any{
				"name": "Router",
				"abi":  abiOf(RouterABI),
			},
			OverloadAddress: map[string]any{
				"name": "Overloaded",
				"abi":  abiOf(OverloadABI),
			},
		},
	}
	out, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return out
}

// Bundle parses BundleJSON with the default executor address.
func Bundle(t testing.TB) *export.Bundle {
	t.Helper()
	return BundleWithExecutor(t, ExecutorAddress)
}

// BundleWithExecutor parses BundleJSON with the given executor address.
func BundleWithExecutor(t testing.TB, executor string) *export.Bundle {
	t.Helper()
	b, err := export.Parse(BundleJSON(executor))
	if err != nil {
		t.Fatalf("parse bundle fixture: %v", err)
	}
	return b
}
