// Package calldata builds contract calldata from coerced arguments and wraps
// write calls into the executor's execute(bytes32,address,bytes) entry point.
// Packing and unpacking are delegated to go-ethereum's accounts/abi.
package calldata

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export"
	"github.com/acgodson/autonomify-sub000/internal/identity"
)

// ExecutorABI is the executor surface used when a bundle does not ship its own.
const ExecutorABI = `[
 {"type":"function","name":"execute","stateMutability":"payable","inputs":[{"name":"agentId","type":"bytes32"},{"name":"target","type":"address"},{"name":"data","type":"bytes"}],"outputs":[{"name":"success","type":"bool"},{"name":"result","type":"bytes"}]},
 {"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"agentId","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"event","name":"Executed","anonymous":false,"inputs":[{"name":"agentId","type":"bytes32","indexed":true},{"name":"target","type":"address","indexed":true},{"name":"selector","type":"bytes4","indexed":false},{"name":"nullifier","type":"bytes32","indexed":false},{"name":"success","type":"bool","indexed":false},{"name":"returnData","type":"bytes","indexed":false}]}
]`

const executeSig = "execute(bytes32,address,bytes)"

var defaultExecutor = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ExecutorABI))
	if err != nil {
		panic(fmt.Sprintf("executor abi: %v", err))
	}
	return parsed
}()

// DefaultExecutorABI returns the built-in executor ABI.
func DefaultExecutorABI() *abi.ABI { return &defaultExecutor }

// EncodeCall 按函数声明顺序打包参数，返回 selector + 编码后的参数。
func EncodeCall(fn *export.Function, args []any) ([]byte, error) {
	method := fn.Method()
	if method == nil {
		return nil, xerrors.New(xerrors.CodeEncodingFailure,
			fmt.Sprintf("函数 %s 无法与 ABI 中的方法对应", fn.Signature),
			xerrors.WithMetadata("function", fn.Name),
		)
	}
	if len(args) != len(method.Inputs) {
		return nil, xerrors.New(xerrors.CodeEncodingFailure,
			fmt.Sprintf("%s 需要 %d 个参数, 实际 %d 个", method.Sig, len(method.Inputs), len(args)),
			xerrors.WithMetadata("function", fn.Name),
		)
	}

	values := make([]any, len(args))
	for i, in := range method.Inputs {
		v, err := toGo(args[i], in.Type)
		if err != nil {
			return nil, argumentError(err, fn, i, in)
		}
		values[i] = v
	}

	packed, err := method.Inputs.Pack(values...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncodingFailure, err,
			fmt.Sprintf("编码 %s 失败", method.Sig),
			xerrors.WithMetadata("function", fn.Name),
		)
	}
	return append(append([]byte{}, method.ID...), packed...), nil
}

// EncodeExecutorCall 生成 execute(agentId, target, data) 的 calldata。
// executor 为 nil 或缺少 execute 时使用内置 ABI。
func EncodeExecutorCall(executor *abi.ABI, agentID identity.ID, target common.Address, inner []byte) ([]byte, error) {
	method, err := executeMethod(executor)
	if err != nil {
		return nil, err
	}
	packed, err := method.Inputs.Pack([32]byte(agentID), target, inner)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncodingFailure, err, "编码 Executor 调用失败")
	}
	return append(append([]byte{}, method.ID...), packed...), nil
}

// EncodeNonceCall 生成 getNonce(agentId) 的 calldata，仅用于查询链上计数。
func EncodeNonceCall(executor *abi.ABI, agentID identity.ID) ([]byte, error) {
	parsed := executor
	if parsed == nil {
		parsed = &defaultExecutor
	}
	if _, ok := parsed.Methods["getNonce"]; !ok {
		parsed = &defaultExecutor
	}
	data, err := parsed.Pack("getNonce", [32]byte(agentID))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncodingFailure, err, "编码 getNonce 失败")
	}
	return data, nil
}

func executeMethod(executor *abi.ABI) (*abi.Method, error) {
	if executor != nil {
		for _, m := range executor.Methods {
			if m.RawName != "execute" {
				continue
			}
			if m.Sig != executeSig {
				return nil, xerrors.New(xerrors.CodeEncodingFailure,
					fmt.Sprintf("Executor ABI 中的 execute 签名为 %s, 需要 %s", m.Sig, executeSig))
			}
			method := m
			return &method, nil
		}
	}
	method := defaultExecutor.Methods["execute"]
	return &method, nil
}

func argumentError(err error, fn *export.Function, index int, in abi.Argument) error {
	if e, ok := xerrors.From(err); ok && e.Code() == xerrors.CodeTypeMismatch {
		opts := []xerrors.Option{
			xerrors.WithMetadata("function", fn.Name),
			xerrors.WithMetadata("argument_index", fmt.Sprint(index)),
			xerrors.WithMetadata("argument_name", in.Name),
		}
		for k, v := range e.Metadata() {
			opts = append(opts, xerrors.WithMetadata(k, v))
		}
		return xerrors.New(xerrors.CodeTypeMismatch, e.Message(), opts...)
	}
	return xerrors.Wrap(xerrors.CodeEncodingFailure, err,
		fmt.Sprintf("参数 #%d (%s) 无法编码为 %s", index, in.Name, in.Type.String()),
		xerrors.WithMetadata("function", fn.Name),
		xerrors.WithMetadata("argument_index", fmt.Sprint(index)),
		xerrors.WithMetadata("argument_name", in.Name),
		xerrors.WithMetadata("expected_type", in.Type.String()),
	)
}
