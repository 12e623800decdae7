package export

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
)

// Param 描述函数的一个输入或输出参数。
type Param struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Components []Param `json:"components,omitempty"`
}

// Function 是合约中一个可调用函数的派生描述。
type Function struct {
	Name            string  `json:"name"`
	Signature       string  `json:"signature"`
	StateMutability string  `json:"stateMutability"`
	Inputs          []Param `json:"inputs"`
	Outputs         []Param `json:"outputs"`

	method *abi.Method
}

// Method 返回与该函数绑定的 go-ethereum 方法描述。
func (f *Function) Method() *abi.Method {
	if f == nil {
		return nil
	}
	return f.method
}

// Contract 是 ExportBundle 中的合约描述，加载完成后只读。
type Contract struct {
	Name      string          `json:"name"`
	ABI       json.RawMessage `json:"abi"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Functions []Function      `json:"functions,omitempty"`

	address common.Address
	parsed  abi.ABI
}

// Address 返回合约地址。
func (c *Contract) Address() common.Address { return c.address }

// ParsedABI 返回解析后的 ABI。
func (c *Contract) ParsedABI() *abi.ABI { return &c.parsed }

// FunctionNames 按声明顺序返回全部函数名。
func (c *Contract) FunctionNames() []string {
	names := make([]string, 0, len(c.Functions))
	for _, fn := range c.Functions {
		names = append(names, fn.Name)
	}
	return names
}

// Executor 描述链上的 Executor 合约。
type Executor struct {
	Address string          `json:"address"`
	ABI     json.RawMessage `json:"abi,omitempty"`

	address common.Address
	parsed  *abi.ABI
}

// AddressValue 返回 Executor 地址，未配置时为零地址。
func (e *Executor) AddressValue() common.Address { return e.address }

// ParsedABI 返回 Executor ABI；bundle 未携带 ABI 时返回 nil。
func (e *Executor) ParsedABI() *abi.ABI { return e.parsed }

// Chain 描述 bundle 面向的链。
type Chain struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
	RPC  string `json:"rpc"`
}

// ChainID 以 big.Int 形式返回链 ID。
func (c Chain) ChainID() *big.Int { return new(big.Int).SetUint64(c.ID) }

// Bundle 是调用引擎唯一的配置输入。Load 之后不可修改，可被并发读取。
type Bundle struct {
	Version   string               `json:"version"`
	Executor  Executor             `json:"executor"`
	Chain     Chain                `json:"chain"`
	Contracts map[string]*Contract `json:"contracts"`
}

// Load 读取并解析 ExportBundle 文件。
func Load(path string) (*Bundle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ExportBundle 路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取 ExportBundle 失败")
	}
	return Parse(content)
}

// Parse 解析 ExportBundle JSON，规范化合约地址键并补全函数列表。
func Parse(content []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(content, &b); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 ExportBundle 失败")
	}
	if err := b.prepare(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Bundle) prepare() error {
	if err := b.Executor.prepare(); err != nil {
		return err
	}
	contracts := make(map[string]*Contract, len(b.Contracts))
	for key, contract := range b.Contracts {
		if contract == nil {
			continue
		}
		addr := strings.TrimSpace(key)
		if !common.IsHexAddress(addr) || !strings.HasPrefix(strings.ToLower(addr), "0x") {
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("合约地址 %q 不是合法的 20 字节地址", key))
		}
		contract.address = common.HexToAddress(addr)
		if err := contract.prepare(); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err,
				fmt.Sprintf("合约 %s 的 ABI 无效", addr))
		}
		normalized := strings.ToLower(addr)
		if _, dup := contracts[normalized]; dup {
			return xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("合约地址 %s 重复出现", normalized))
		}
		contracts[normalized] = contract
	}
	b.Contracts = contracts
	return nil
}

func (e *Executor) prepare() error {
	addr := strings.TrimSpace(e.Address)
	switch {
	case addr == "":
		e.address = common.Address{}
	case common.IsHexAddress(addr):
		e.address = common.HexToAddress(addr)
	default:
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("Executor 地址 %q 无效", e.Address))
	}
	raw, err := normalizeABI(e.ABI)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "Executor ABI 无效")
	}
	if len(raw) == 0 {
		return nil
	}
	parsed, err := abi.JSON(strings.NewReader(string(raw)))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 Executor ABI 失败")
	}
	e.parsed = &parsed
	return nil
}

func (c *Contract) prepare() error {
	raw, err := normalizeABI(c.ABI)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		raw = []byte("[]")
	}
	c.ABI = raw
	if c.parsed, err = abi.JSON(strings.NewReader(string(raw))); err != nil {
		return err
	}
	derived, err := DeriveFunctions(raw)
	if err != nil {
		return err
	}
	if len(c.Functions) == 0 {
		c.Functions = derived
	} else {
		mergeDerived(c.Functions, derived)
	}
	for i := range c.Functions {
		c.Functions[i].method = bindMethod(&c.parsed, &c.Functions[i])
	}
	return nil
}

// Contract 按地址查找合约，大小写不敏感。
func (b *Bundle) Contract(address string) (*Contract, bool) {
	if b == nil {
		return nil, false
	}
	c, ok := b.Contracts[strings.ToLower(strings.TrimSpace(address))]
	return c, ok
}

// Addresses 按字典序返回 bundle 中全部合约地址（小写）。
func (b *Bundle) Addresses() []string {
	out := make([]string, 0, len(b.Contracts))
	for addr := range b.Contracts {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// normalizeABI 接受 ABI 数组，或者内容为 ABI 数组的 JSON 字符串。
func normalizeABI(raw json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return nil, err
		}
		return []byte(strings.TrimSpace(inner)), nil
	}
	return []byte(trimmed), nil
}

// Marshal 以缩进格式序列化 bundle，合约按地址排序。
func (b *Bundle) Marshal() ([]byte, error) {
	out, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 ExportBundle 失败")
	}
	return out, nil
}

// Save 将 bundle 写入文件。
func Save(path string, b *Bundle) error {
	content, err := b.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(content, '\n'), 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 ExportBundle 失败")
	}
	return nil
}
