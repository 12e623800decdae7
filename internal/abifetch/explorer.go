// Package abifetch retrieves verified contract ABIs from Etherscan-compatible
// block explorers and caches them in process and, optionally, in Redis.
package abifetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
)

// 浏览器相关错误码。
const (
	CodeABINotVerified  xerrors.Code = "ABI_NOT_VERIFIED"
	CodeUpstreamFailure xerrors.Code = "EXPLORER_FAILURE"
)

func init() {
	xerrors.Register(CodeABINotVerified, xerrors.Attributes{
		Message:  "contract source is not verified",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeUpstreamFailure, xerrors.Attributes{
		Message:   "block explorer request failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

const defaultTimeout = 15 * time.Second

// Contract is what an explorer knows about a verified contract.
type Contract struct {
	Address common.Address  `json:"address"`
	ChainID uint64          `json:"chainId"`
	Name    string          `json:"name"`
	ABI     json.RawMessage `json:"abi"`
	Source  string          `json:"source,omitempty"`
}

// Fetcher retrieves the verified ABI of a contract.
type Fetcher interface {
	Fetch(ctx context.Context, chainID uint64, address common.Address) (*Contract, error)
}

// ExplorerConfig describes an Etherscan-compatible API.
type ExplorerConfig struct {
	// BaseURL is the API endpoint, for example https://api.bscscan.com/api.
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Endpoints overrides BaseURL per chain id.
	Endpoints map[uint64]string
}

// ExplorerFetcher calls module=contract&action=getsourcecode.
type ExplorerFetcher struct {
	baseURL    string
	apiKey     string
	endpoints  map[uint64]string
	httpClient *http.Client
}

// NewExplorerFetcher validates the configuration and builds a fetcher.
func NewExplorerFetcher(cfg ExplorerConfig) (*ExplorerFetcher, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" && len(cfg.Endpoints) == 0 {
		return nil, errors.New("未配置区块浏览器 API 地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	endpoints := make(map[uint64]string, len(cfg.Endpoints))
	for id, endpoint := range cfg.Endpoints {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			endpoints[id] = endpoint
		}
	}
	return &ExplorerFetcher{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type sourceCodeResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type sourceCodeEntry struct {
	SourceCode   string `json:"SourceCode"`
	ABI          string `json:"ABI"`
	ContractName string `json:"ContractName"`
}

// Fetch 拉取已验证合约的 ABI。未验证的合约返回 ABI_NOT_VERIFIED。
func (f *ExplorerFetcher) Fetch(ctx context.Context, chainID uint64, address common.Address) (*Contract, error) {
	endpoint := f.endpointFor(chainID)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("链 %d 未配置区块浏览器", chainID))
	}

	query := url.Values{}
	query.Set("module", "contract")
	query.Set("action", "getsourcecode")
	query.Set("address", address.Hex())
	if f.apiKey != "" {
		query.Set("apikey", f.apiKey)
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+sep+query.Encode(), nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeUpstreamFailure, err, "构建区块浏览器请求失败")
	}
	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(CodeUpstreamFailure, err, "请求区块浏览器失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(CodeUpstreamFailure,
			fmt.Sprintf("区块浏览器返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded sourceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(CodeUpstreamFailure, err, "解析区块浏览器响应失败")
	}
	if decoded.Status != "1" {
		var reason string
		_ = json.Unmarshal(decoded.Result, &reason)
		return nil, xerrors.New(CodeUpstreamFailure,
			fmt.Sprintf("区块浏览器返回失败: %s %s", decoded.Message, reason))
	}

	var entries []sourceCodeEntry
	if err := json.Unmarshal(decoded.Result, &entries); err != nil || len(entries) == 0 {
		return nil, xerrors.New(CodeUpstreamFailure, "区块浏览器响应中没有合约信息")
	}
	entry := entries[0]
	abiText := strings.TrimSpace(entry.ABI)
	if abiText == "" || !strings.HasPrefix(abiText, "[") {
		return nil, xerrors.New(CodeABINotVerified,
			fmt.Sprintf("合约 %s 未在区块浏览器验证", address.Hex()),
			xerrors.WithMetadata("contract", address.Hex()),
		)
	}
	if !json.Valid([]byte(abiText)) {
		return nil, xerrors.New(CodeUpstreamFailure, "区块浏览器返回的 ABI 不是合法 JSON")
	}

	return &Contract{
		Address: address,
		ChainID: chainID,
		Name:    strings.TrimSpace(entry.ContractName),
		ABI:     json.RawMessage(abiText),
		Source:  entry.SourceCode,
	}, nil
}

func (f *ExplorerFetcher) endpointFor(chainID uint64) string {
	if endpoint, ok := f.endpoints[chainID]; ok {
		return endpoint
	}
	return f.baseURL
}

var _ Fetcher = (*ExplorerFetcher)(nil)
