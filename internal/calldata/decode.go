package calldata

import (
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export"
)

// DecodeOutputs 按函数声明的输出解码返回数据，并转成便于 JSON 序列化的值：
// 整数为十进制字符串，地址为校验和格式，字节为 0x 十六进制，tuple 为对象。
// 单个输出直接返回该值，多个输出按声明顺序返回数组。
func DecodeOutputs(fn *export.Function, data []byte) (any, error) {
	method := fn.Method()
	if method == nil {
		return nil, xerrors.New(xerrors.CodeEncodingFailure,
			fmt.Sprintf("函数 %s 无法与 ABI 中的方法对应", fn.Signature))
	}
	if len(method.Outputs) == 0 {
		return nil, nil
	}
	values, err := method.Outputs.Unpack(data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeReadCallFailure, err,
			fmt.Sprintf("解码 %s 的返回值失败", method.Sig),
			xerrors.WithMetadata("function", fn.Name),
			xerrors.WithMetadata("return_data", hexutil.Encode(data)),
		)
	}
	if len(values) == 1 {
		return Render(values[0], method.Outputs[0].Type), nil
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = Render(v, method.Outputs[i].Type)
	}
	return out, nil
}

// DecodeNonce 解码 getNonce 的返回值。
func DecodeNonce(data []byte) (*big.Int, error) {
	values, err := defaultExecutor.Methods["getNonce"].Outputs.Unpack(data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeReadCallFailure, err, "解码 getNonce 返回值失败")
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeReadCallFailure, "getNonce 返回值类型异常")
	}
	return n, nil
}

// Render 将 go-ethereum 解码出的值转为 JSON 友好的形式。
func Render(v any, t abi.Type) any {
	rv := reflect.ValueOf(v)
	switch t.T {
	case abi.SliceTy, abi.ArrayTy:
		// uint8[] 在 go-ethereum 中解码为 []byte，这里仍按数组逐个输出。
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Render(rv.Index(i).Interface(), *t.Elem)
		}
		return out
	case abi.TupleTy:
		out := make(map[string]any, len(t.TupleElems))
		for i, elem := range t.TupleElems {
			out[t.TupleRawNames[i]] = Render(rv.Field(i).Interface(), *elem)
		}
		return out
	case abi.FixedBytesTy:
		raw := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(raw), rv)
		return hexutil.Encode(raw)
	}

	switch val := v.(type) {
	case *big.Int:
		return val.String()
	case common.Address:
		return val.Hex()
	case []byte:
		return hexutil.Encode(val)
	case bool, string:
		return val
	default:
		return fmt.Sprint(v)
	}
}
