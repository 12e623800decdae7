package abifetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export/exporttest"
)

var token = common.HexToAddress(exporttest.TokenAddress)

func explorerServer(t *testing.T, hits *int32, abiText string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		q := r.URL.Query()
		if q.Get("module") != "contract" || q.Get("action") != "getsourcecode" || q.Get("apikey") != "k" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "1",
			"message": "OK",
			"result": []map[string]string{{
				"SourceCode":   "contract T {}",
				"ABI":          abiText,
				"ContractName": "TestToken",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExplorerFetcher(t *testing.T) {
	var hits int32
	srv := explorerServer(t, &hits, exporttest.ERC20ABI)

	f, err := NewExplorerFetcher(ExplorerConfig{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	contract, err := f.Fetch(context.Background(), 97, token)
	require.NoError(t, err)
	require.Equal(t, "TestToken", contract.Name)
	require.Equal(t, uint64(97), contract.ChainID)
	require.JSONEq(t, exporttest.ERC20ABI, string(contract.ABI))
}

func TestExplorerFetcherUnverified(t *testing.T) {
	var hits int32
	srv := explorerServer(t, &hits, "Contract source code not verified")

	f, err := NewExplorerFetcher(ExplorerConfig{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), 97, token)
	require.Equal(t, CodeABINotVerified, xerrors.CodeOf(err))
	require.False(t, xerrors.RetryableError(err))
}

func TestExplorerFetcherUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("address") == token.Hex() {
			_, _ = w.Write([]byte(`{"status":"0","message":"NOTOK","result":"Invalid API Key"}`))
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	f, err := NewExplorerFetcher(ExplorerConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), 97, token)
	require.Equal(t, CodeUpstreamFailure, xerrors.CodeOf(err))
	require.Contains(t, err.Error(), "Invalid API Key")

	_, err = f.Fetch(context.Background(), 97, common.HexToAddress(exporttest.RouterAddress))
	require.Equal(t, CodeUpstreamFailure, xerrors.CodeOf(err))

	_, err = NewExplorerFetcher(ExplorerConfig{})
	require.Error(t, err)
}

func TestExplorerFetcherPerChainEndpoint(t *testing.T) {
	var hits int32
	srv := explorerServer(t, &hits, exporttest.ERC20ABI)
	f, err := NewExplorerFetcher(ExplorerConfig{APIKey: "k", Endpoints: map[uint64]string{56: srv.URL}})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), 56, token)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), 1, token)
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

type memoryShared struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryShared) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryShared) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestCachedFetcherUsesBothLevels(t *testing.T) {
	var hits int32
	srv := explorerServer(t, &hits, exporttest.ERC20ABI)
	upstream, err := NewExplorerFetcher(ExplorerConfig{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	shared := &memoryShared{data: map[string][]byte{}}
	first := NewCachedFetcher(upstream, CacheConfig{Size: 8, TTL: time.Minute, Shared: shared})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = first.Fetch(context.Background(), 97, token)
		}()
	}
	wg.Wait()
	_, err = first.Fetch(context.Background(), 97, token)
	require.NoError(t, err)
	require.LessOrEqual(t, atomic.LoadInt32(&hits), int32(2))
	require.Equal(t, 1, first.Len())
	require.Len(t, shared.data, 1)

	before := atomic.LoadInt32(&hits)
	second := NewCachedFetcher(upstream, CacheConfig{Shared: shared})
	contract, err := second.Fetch(context.Background(), 97, token)
	require.NoError(t, err)
	require.Equal(t, "TestToken", contract.Name)
	require.Equal(t, before, atomic.LoadInt32(&hits), "served from the shared cache")
}

func TestCachedFetcherDoesNotCacheFailures(t *testing.T) {
	var hits int32
	srv := explorerServer(t, &hits, "Contract source code not verified")
	upstream, err := NewExplorerFetcher(ExplorerConfig{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	c := NewCachedFetcher(upstream, CacheConfig{})
	_, err = c.Fetch(context.Background(), 97, token)
	require.Error(t, err)
	_, err = c.Fetch(context.Background(), 97, token)
	require.Error(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&hits))
	require.Zero(t, c.Len())
}

type gatedFetcher struct {
	gate  chan struct{}
	calls int32
}

func (g *gatedFetcher) Fetch(ctx context.Context, chainID uint64, address common.Address) (*Contract, error) {
	atomic.AddInt32(&g.calls, 1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Contract{Address: address, ChainID: chainID, Name: "Gated"}, nil
}

func TestCachedFetcherCallerCancelDoesNotFailWaiters(t *testing.T) {
	upstream := &gatedFetcher{gate: make(chan struct{})}
	c := NewCachedFetcher(upstream, CacheConfig{})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(first, 97, token)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&upstream.calls) == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan *Contract, 1)
	go func() {
		contract, err := c.Fetch(context.Background(), 97, token)
		if err == nil {
			second <- contract
		}
		close(second)
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(upstream.gate)
	select {
	case contract, ok := <-second:
		require.True(t, ok, "waiter failed after the first caller cancelled")
		require.Equal(t, "Gated", contract.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not return")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&upstream.calls))
	require.Equal(t, 1, c.Len())
}
