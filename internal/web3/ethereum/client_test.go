package ethereum

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

func newRPCServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		result, ok := results[req.Method]
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": -32601, "message": "method not found"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClientVerifiesChainID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newRPCServer(t, map[string]string{"eth_chainId": "0x61", "eth_blockNumber": "0x10"})

	client, err := NewClient(ctx, Config{Name: "bsc-testnet", RPCURL: srv.URL, ChainID: 97})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	id, err := client.ChainID(ctx)
	if err != nil || id.Uint64() != 97 {
		t.Fatalf("unexpected chain id %v (%v)", id, err)
	}
	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x61" || snapshot.BlockNumber != "0x10" || snapshot.Name != "bsc-testnet" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	if _, err := NewClient(ctx, Config{RPCURL: srv.URL, ChainID: 56}); err == nil || !strings.Contains(err.Error(), "不一致") {
		t.Fatalf("expected chain id mismatch, got %v", err)
	}
	if _, err := NewClient(ctx, Config{}); err == nil {
		t.Fatal("expected missing rpc url error")
	}
}

func TestBackendClientReadsSimulatedChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	funded := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	sim := simulated.NewBackend(types.GenesisAlloc{funded: {Balance: big.NewInt(1_000_000)}})
	t.Cleanup(func() { _ = sim.Close() })
	sim.Commit()

	client := NewBackendClient("simulated", big.NewInt(1337), sim.Client())
	t.Cleanup(client.Close)

	balance, err := client.BalanceAt(ctx, funded, nil)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 1_000_000 {
		t.Fatalf("unexpected balance %s", balance)
	}

	out, err := client.CallContract(ctx, gethcore.CallMsg{To: &funded, Data: []byte{0x01, 0x02, 0x03, 0x04}}, nil)
	if err != nil {
		t.Fatalf("call contract: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty return data from an account without code, got %x", out)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" || snapshot.BlockNumber == "0x0" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}
