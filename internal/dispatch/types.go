package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export"
)

// ReadClient performs unsigned eth_call style reads.
type ReadClient interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Signer signs and broadcasts a transaction, returning its hash.
type Signer interface {
	SignAndBroadcast(ctx context.Context, tx UnsignedTransaction) (common.Hash, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, tx UnsignedTransaction) (common.Hash, error)

// SignAndBroadcast calls f(ctx, tx).
func (f SignerFunc) SignAndBroadcast(ctx context.Context, tx UnsignedTransaction) (common.Hash, error) {
	return f(ctx, tx)
}

// UnsignedTransaction is the write request handed to the signer. To is always
// the executor address.
type UnsignedTransaction struct {
	To      common.Address `json:"to"`
	Data    hexutil.Bytes  `json:"data"`
	Value   *big.Int       `json:"value"`
	ChainID *big.Int       `json:"chainId"`
}

// Args holds call arguments as either a positional list or a name-keyed map.
// Numbers are kept as json.Number so large integers survive decoding.
type Args struct {
	List  []any
	Named map[string]any
}

// PositionalArgs builds Args from a list.
func PositionalArgs(values ...any) Args { return Args{List: values} }

// NamedArgs builds Args from a map.
func NamedArgs(values map[string]any) Args { return Args{Named: values} }

// Len returns the number of supplied arguments.
func (a Args) Len() int {
	if a.Named != nil {
		return len(a.Named)
	}
	return len(a.List)
}

// UnmarshalJSON accepts a JSON array, a JSON object, a JSON string holding
// either of those, or null.
func (a *Args) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*a = Args{}
		return nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return err
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			*a = Args{}
			return nil
		}
		trimmed = []byte(inner)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return fmt.Errorf("args 解析失败: %w", err)
	}
	switch v := decoded.(type) {
	case []any:
		*a = Args{List: v}
	case map[string]any:
		*a = Args{Named: v}
	default:
		return fmt.Errorf("args 必须是数组或对象")
	}
	return nil
}

// MarshalJSON writes the map form when present, otherwise the list.
func (a Args) MarshalJSON() ([]byte, error) {
	if a.Named != nil {
		return json.Marshal(a.Named)
	}
	if a.List == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a.List)
}

// Positional orders the arguments by the function's declared inputs. Named
// arguments are looked up by input name, then by position ("0", "1", ...).
func (a Args) Positional(inputs []export.Param) ([]any, error) {
	if a.Named == nil {
		return a.List, nil
	}
	out := make([]any, len(inputs))
	used := 0
	for i, in := range inputs {
		v, ok := a.Named[in.Name]
		if !ok || in.Name == "" {
			v, ok = a.Named[strconv.Itoa(i)]
		}
		if !ok {
			return nil, xerrors.New(xerrors.CodeTypeMismatch,
				fmt.Sprintf("缺少参数 %s", paramLabel(in, i)),
				xerrors.WithMetadata("argument_index", strconv.Itoa(i)),
				xerrors.WithMetadata("argument_name", in.Name),
				xerrors.WithMetadata("expected_type", in.Type),
				xerrors.WithMetadata("received", "missing"),
			)
		}
		out[i] = v
		used++
	}
	if used != len(a.Named) {
		extra := make([]string, 0)
		for k := range a.Named {
			if !knownKey(k, inputs) {
				extra = append(extra, k)
			}
		}
		return nil, xerrors.New(xerrors.CodeTypeMismatch,
			fmt.Sprintf("存在未声明的参数: %s", strings.Join(extra, ",")),
			xerrors.WithMetadata("received", strings.Join(extra, ",")),
			xerrors.WithMetadata("expected_type", "none"),
		)
	}
	return out, nil
}

func knownKey(k string, inputs []export.Param) bool {
	for i, in := range inputs {
		if (in.Name != "" && in.Name == k) || strconv.Itoa(i) == k {
			return true
		}
	}
	return false
}

func paramLabel(in export.Param, i int) string {
	if in.Name != "" {
		return fmt.Sprintf("#%d (%s %s)", i, in.Type, in.Name)
	}
	return fmt.Sprintf("#%d (%s)", i, in.Type)
}

// StructuredCall is one tool invocation.
type StructuredCall struct {
	ContractAddress string       `json:"contractAddress"`
	FunctionName    string       `json:"functionName"`
	Args            Args         `json:"args"`
	Value           NativeAmount `json:"value,omitempty"`
}

// Stage names a step of the dispatch state machine.
type Stage string

const (
	StageResolving Stage = "resolving"
	StageCoercing  Stage = "coercing"
	StageEncoding  Stage = "encoding"
	StageReading   Stage = "reading"
	StageWriting   Stage = "writing"
	StageDone      Stage = "done"
)

// ExecuteError carries enough context for a caller to explain a failure
// without guessing.
type ExecuteError struct {
	Code          xerrors.Code      `json:"code"`
	Message       string            `json:"message"`
	Stage         Stage             `json:"stage"`
	Contract      string            `json:"contract,omitempty"`
	Function      string            `json:"function,omitempty"`
	ArgumentIndex *int              `json:"argumentIndex,omitempty"`
	ArgumentName  string            `json:"argumentName,omitempty"`
	ExpectedType  string            `json:"expectedType,omitempty"`
	Received      string            `json:"received,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

func (e *ExecuteError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ExecuteResult is the uniform outcome of a dispatch. Exactly one of Result,
// TxHash and Error is set.
type ExecuteResult struct {
	Success bool          `json:"success"`
	Result  any           `json:"result,omitempty"`
	TxHash  string        `json:"txHash,omitempty"`
	Error   *ExecuteError `json:"error,omitempty"`
}

// ErrorCode returns the error code or an empty string on success.
func (r ExecuteResult) ErrorCode() xerrors.Code {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}
