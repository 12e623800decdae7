package calldata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/acgodson/autonomify-sub000/internal/coerce"
)

// toGo 将已转换的参数变成 go-ethereum 打包时要求的精确 Go 类型：
// 8/16/32/64 位整数用对应的定长整数，其余用 *big.Int；address 用 common.Address；
// bytesN 用 [N]byte；tuple 用 go-ethereum 生成的结构体。
func toGo(v any, t abi.Type) (any, error) {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		n, err := asBig(v, t)
		if err != nil {
			return nil, err
		}
		if t.GetType().Kind() == reflect.Ptr {
			return n, nil
		}
		out := reflect.New(t.GetType()).Elem()
		if t.T == abi.UintTy {
			out.SetUint(n.Uint64())
		} else {
			out.SetInt(n.Int64())
		}
		return out.Interface(), nil

	case abi.BoolTy, abi.StringTy:
		return coerce.Value(v, t.String())

	case abi.AddressTy:
		s, err := coerce.Value(v, "address")
		if err != nil {
			return nil, err
		}
		return common.HexToAddress(s.(string)), nil

	case abi.BytesTy:
		raw, err := decodeHex(v, "bytes")
		if err != nil {
			return nil, err
		}
		return raw, nil

	case abi.FixedBytesTy:
		raw, err := decodeHex(v, t.String())
		if err != nil {
			return nil, err
		}
		out := reflect.New(t.GetType()).Elem()
		reflect.Copy(out, reflect.ValueOf(raw))
		return out.Interface(), nil

	case abi.SliceTy, abi.ArrayTy:
		return listToGo(v, t)

	case abi.TupleTy:
		return tupleToGo(v, t)

	default:
		return nil, fmt.Errorf("暂不支持的 ABI 类型 %s", t.String())
	}
}

func asBig(v any, t abi.Type) (*big.Int, error) {
	if n, ok := v.(*big.Int); ok && n != nil {
		return n, nil
	}
	coerced, err := coerce.Value(v, t.String())
	if err != nil {
		return nil, err
	}
	return coerced.(*big.Int), nil
}

func decodeHex(v any, typ string) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	s, err := coerce.Value(v, typ)
	if err != nil {
		return nil, err
	}
	str := s.(string)
	if str == "" || str == "0x" {
		return []byte{}, nil
	}
	return hexutil.Decode(str)
}

func listToGo(v any, t abi.Type) (any, error) {
	items, err := coerce.Value(v, t.String())
	if err != nil {
		return nil, err
	}
	list := items.([]any)

	var out reflect.Value
	if t.T == abi.SliceTy {
		out = reflect.MakeSlice(t.GetType(), len(list), len(list))
	} else {
		out = reflect.New(t.GetType()).Elem()
	}
	for i, item := range list {
		converted, err := toGo(item, *t.Elem)
		if err != nil {
			return nil, fmt.Errorf("元素 %d: %w", i, err)
		}
		out.Index(i).Set(reflect.ValueOf(converted))
	}
	return out.Interface(), nil
}

// tupleToGo 接受按组件名索引的对象，或按位置排列的数组。
func tupleToGo(v any, t abi.Type) (any, error) {
	v = parseRecord(v)
	out := reflect.New(t.GetType()).Elem()

	switch record := v.(type) {
	case map[string]any:
		for i, elem := range t.TupleElems {
			name := t.TupleRawNames[i]
			raw, ok := record[name]
			if !ok {
				raw, ok = record[out.Type().Field(i).Name]
			}
			if !ok {
				return nil, fmt.Errorf("tuple 缺少字段 %s", name)
			}
			converted, err := toGo(raw, *elem)
			if err != nil {
				return nil, fmt.Errorf("tuple 字段 %s: %w", name, err)
			}
			out.Field(i).Set(reflect.ValueOf(converted))
		}
	case []any:
		if len(record) != len(t.TupleElems) {
			return nil, fmt.Errorf("tuple 需要 %d 个字段, 实际 %d 个", len(t.TupleElems), len(record))
		}
		for i, elem := range t.TupleElems {
			converted, err := toGo(record[i], *elem)
			if err != nil {
				return nil, fmt.Errorf("tuple 字段 %d: %w", i, err)
			}
			out.Field(i).Set(reflect.ValueOf(converted))
		}
	default:
		return nil, fmt.Errorf("tuple 需要对象或数组, 实际为 %s", coerce.Describe(v))
	}
	return out.Interface(), nil
}

func parseRecord(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if !(strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) &&
		!(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return v
	}
	return parsed
}
