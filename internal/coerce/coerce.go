// Package coerce turns loosely typed tool-call arguments into values whose
// runtime shape matches their ABI type: *big.Int for every integer type,
// validated hex strings for address and bytes types, bool, string, and []any
// for arrays. Tuples pass through unvalidated.
package coerce

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export"
)

var (
	decimalPattern = regexp.MustCompile(`^-?[0-9]+$`)
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	hexPattern     = regexp.MustCompile(`^0x([0-9a-fA-F]{2})*$`)
)

// maxSafeFloat 是 float64 能精确表示的最大整数。
const maxSafeFloat = 1 << 53

// Args 按声明顺序将原始参数逐个转换为 ABI 类型要求的值。
func Args(inputs []export.Param, raw []any) ([]any, error) {
	if len(raw) != len(inputs) {
		idx := min(len(raw), len(inputs))
		expected, name, received := "none", "", "extra argument"
		if idx < len(inputs) {
			expected, name, received = inputs[idx].Type, inputs[idx].Name, "missing"
		}
		return nil, xerrors.New(xerrors.CodeTypeMismatch,
			fmt.Sprintf("参数数量不匹配: 需要 %d 个, 实际 %d 个", len(inputs), len(raw)),
			xerrors.WithMetadata("argument_index", strconv.Itoa(idx)),
			xerrors.WithMetadata("argument_name", name),
			xerrors.WithMetadata("expected_type", expected),
			xerrors.WithMetadata("received", received),
		)
	}
	out := make([]any, len(inputs))
	for i, in := range inputs {
		v, err := Value(raw[i], in.Type)
		if err != nil {
			return nil, withArgument(err, i, in.Name)
		}
		out[i] = v
	}
	return out, nil
}

// Value 将单个原始值转换为 typ 对应的值，失败时返回 TYPE_MISMATCH。
func Value(raw any, typ string) (any, error) {
	typ = strings.TrimSpace(typ)

	if elem, size, ok := SplitArray(typ); ok {
		return coerceArray(repairList(raw), typ, elem, size)
	}

	switch {
	case strings.HasPrefix(typ, "uint"), strings.HasPrefix(typ, "int"):
		return coerceInteger(raw, typ)
	case typ == "bool":
		b, ok := raw.(bool)
		if !ok {
			return nil, mismatch(typ, raw, "需要布尔值")
		}
		return b, nil
	case typ == "address":
		s, ok := raw.(string)
		if !ok || !addressPattern.MatchString(strings.TrimSpace(s)) {
			return nil, mismatch(typ, raw, "需要 0x 开头的 40 位十六进制地址")
		}
		return strings.TrimSpace(s), nil
	case strings.HasPrefix(typ, "bytes"):
		return coerceBytes(raw, typ)
	case typ == "string":
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch(typ, raw, "需要字符串")
		}
		return s, nil
	default:
		// tuple 以及无法识别的类型原样透传，由编码阶段做最终校验。
		return repairList(raw), nil
	}
}

// SplitArray 拆分数组类型，size 为 -1 表示动态数组。
func SplitArray(typ string) (elem string, size int, ok bool) {
	if !strings.HasSuffix(typ, "]") {
		return "", 0, false
	}
	open := strings.LastIndex(typ, "[")
	if open <= 0 {
		return "", 0, false
	}
	inner := typ[open+1 : len(typ)-1]
	if inner == "" {
		return typ[:open], -1, true
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return "", 0, false
	}
	return typ[:open], n, true
}

func coerceArray(raw any, typ, elem string, size int) (any, error) {
	items, ok := asList(raw)
	if !ok {
		return nil, mismatch(typ, raw, "需要数组")
	}
	if size >= 0 && len(items) != size {
		return nil, mismatch(typ, raw, fmt.Sprintf("定长数组需要 %d 个元素, 实际 %d 个", size, len(items)))
	}
	out := make([]any, len(items))
	for i, item := range items {
		v, err := Value(item, elem)
		if err != nil {
			return nil, withElement(err, i)
		}
		out[i] = v
	}
	return out, nil
}

// repairList 修复被序列化成字符串的数组，例如 "[\"0xa\",\"0xb\"]"。
func repairList(raw any) any {
	s, ok := raw.(string)
	if !ok {
		return raw
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return raw
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.UseNumber()
	var parsed []any
	if err := dec.Decode(&parsed); err != nil {
		return raw
	}
	return parsed
}

func asList(raw any) ([]any, bool) {
	if list, ok := raw.([]any); ok {
		return list, true
	}
	if raw == nil {
		return nil, false
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	// []byte 是字节串而不是数组。
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func coerceInteger(raw any, typ string) (any, error) {
	signed := strings.HasPrefix(typ, "int")
	bits, err := integerBits(typ, signed)
	if err != nil {
		return nil, mismatch(typ, raw, err.Error())
	}

	var n *big.Int
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		if !decimalPattern.MatchString(s) {
			return nil, mismatch(typ, raw, "需要十进制整数字符串")
		}
		n, _ = new(big.Int).SetString(s, 10)
	case json.Number:
		s := v.String()
		if !decimalPattern.MatchString(s) {
			return nil, mismatch(typ, raw, "需要整数, 不接受小数或科学计数法")
		}
		n, _ = new(big.Int).SetString(s, 10)
	case *big.Int:
		if v == nil {
			return nil, mismatch(typ, raw, "整数为空")
		}
		n = new(big.Int).Set(v)
	case big.Int:
		n = new(big.Int).Set(&v)
	case int:
		n = big.NewInt(int64(v))
	case int8:
		n = big.NewInt(int64(v))
	case int16:
		n = big.NewInt(int64(v))
	case int32:
		n = big.NewInt(int64(v))
	case int64:
		n = big.NewInt(v)
	case uint:
		n = new(big.Int).SetUint64(uint64(v))
	case uint8:
		n = new(big.Int).SetUint64(uint64(v))
	case uint16:
		n = new(big.Int).SetUint64(uint64(v))
	case uint32:
		n = new(big.Int).SetUint64(uint64(v))
	case uint64:
		n = new(big.Int).SetUint64(v)
	case float64:
		if n, err = fromFloat(v); err != nil {
			return nil, mismatch(typ, raw, err.Error())
		}
	case float32:
		if n, err = fromFloat(float64(v)); err != nil {
			return nil, mismatch(typ, raw, err.Error())
		}
	default:
		return nil, mismatch(typ, raw, "需要整数")
	}

	if !signed && n.Sign() < 0 {
		return nil, mismatch(typ, raw, "无符号整数不能为负数")
	}
	if !inRange(n, bits, signed) {
		return nil, mismatch(typ, raw, fmt.Sprintf("超出 %s 的取值范围", typ))
	}
	return n, nil
}

// fromFloat 只接受能被 float64 精确表示的整数值，小数一律拒绝。
func fromFloat(f float64) (*big.Int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, fmt.Errorf("需要整数, 不接受浮点数 %v", f)
	}
	if math.Abs(f) > maxSafeFloat {
		return nil, fmt.Errorf("数值 %v 超出浮点数精确范围, 请使用十进制字符串", f)
	}
	return big.NewInt(int64(f)), nil
}

func integerBits(typ string, signed bool) (int, error) {
	prefix := "uint"
	if signed {
		prefix = "int"
	}
	rest := strings.TrimPrefix(typ, prefix)
	if rest == "" {
		return 256, nil
	}
	bits, err := strconv.Atoi(rest)
	if err != nil || bits <= 0 || bits > 256 || bits%8 != 0 {
		return 0, fmt.Errorf("未知的整数类型 %s", typ)
	}
	return bits, nil
}

func inRange(n *big.Int, bits int, signed bool) bool {
	if signed {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
		lower := new(big.Int).Neg(limit)
		return n.Cmp(lower) >= 0 && n.Cmp(limit) < 0
	}
	return n.BitLen() <= bits
}

func coerceBytes(raw any, typ string) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, mismatch(typ, raw, "需要十六进制字符串")
	}
	s = strings.TrimSpace(s)
	if s != "" && !hexPattern.MatchString(s) {
		return nil, mismatch(typ, raw, "需要 0x 开头且长度为偶数的十六进制字符串")
	}
	if typ == "bytes" {
		return s, nil
	}
	size, err := strconv.Atoi(strings.TrimPrefix(typ, "bytes"))
	if err != nil || size <= 0 || size > 32 {
		return nil, mismatch(typ, raw, fmt.Sprintf("未知的字节类型 %s", typ))
	}
	if length := len(strings.TrimPrefix(s, "0x")) / 2; length > size {
		return nil, mismatch(typ, raw, fmt.Sprintf("%s 最多 %d 字节, 实际 %d 字节", typ, size, length))
	}
	return s, nil
}
