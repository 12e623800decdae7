package export

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

type abiEntry struct {
	Type            string  `json:"type"`
	Name            string  `json:"name"`
	Inputs          []Param `json:"inputs"`
	Outputs         []Param `json:"outputs"`
	StateMutability string  `json:"stateMutability"`
	Constant        bool    `json:"constant"`
	Payable         bool    `json:"payable"`
}

// DeriveFunctions 从 ABI JSON 中按声明顺序派生函数列表。
func DeriveFunctions(raw []byte) ([]Function, error) {
	var entries []abiEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	functions := make([]Function, 0, len(entries))
	for _, entry := range entries {
		if entry.Type != "" && entry.Type != "function" {
			continue
		}
		fn := Function{
			Name:            entry.Name,
			StateMutability: mutabilityOf(entry),
			Inputs:          entry.Inputs,
			Outputs:         entry.Outputs,
		}
		fn.Signature = CanonicalSignature(fn.Name, fn.Inputs)
		functions = append(functions, fn)
	}
	return functions, nil
}

// 兼容 0.4 时代只有 constant/payable 标记的 ABI。
func mutabilityOf(entry abiEntry) string {
	if entry.StateMutability != "" {
		return entry.StateMutability
	}
	switch {
	case entry.Constant:
		return "view"
	case entry.Payable:
		return "payable"
	default:
		return "nonpayable"
	}
}

// CanonicalSignature 生成 name(type1,type2) 形式的函数签名，tuple 展开为括号形式。
func CanonicalSignature(name string, inputs []Param) string {
	types := make([]string, 0, len(inputs))
	for _, in := range inputs {
		types = append(types, canonicalType(in))
	}
	return name + "(" + strings.Join(types, ",") + ")"
}

func canonicalType(p Param) string {
	if !strings.HasPrefix(p.Type, "tuple") || len(p.Components) == 0 {
		return p.Type
	}
	inner := make([]string, 0, len(p.Components))
	for _, c := range p.Components {
		inner = append(inner, canonicalType(c))
	}
	return "(" + strings.Join(inner, ",") + ")" + strings.TrimPrefix(p.Type, "tuple")
}

// mergeDerived 用 ABI 派生的信息补全导出文件中缺失的字段。
func mergeDerived(functions []Function, derived []Function) {
	for i := range functions {
		fn := &functions[i]
		match := findDerived(derived, fn)
		if match == nil {
			continue
		}
		if fn.StateMutability == "" {
			fn.StateMutability = match.StateMutability
		}
		if fn.Inputs == nil {
			fn.Inputs = match.Inputs
		}
		if fn.Outputs == nil {
			fn.Outputs = match.Outputs
		}
		if fn.Signature == "" {
			fn.Signature = match.Signature
		}
	}
}

func findDerived(derived []Function, fn *Function) *Function {
	var byName *Function
	for i := range derived {
		d := &derived[i]
		if d.Name != fn.Name {
			continue
		}
		if fn.Signature != "" && compactSignature(fn.Signature) == d.Signature {
			return d
		}
		if fn.Inputs != nil && len(fn.Inputs) == len(d.Inputs) && sameTypes(fn.Inputs, d.Inputs) {
			return d
		}
		if byName == nil {
			byName = d
		}
	}
	return byName
}

// bindMethod 找到与函数描述对应的 go-ethereum 方法。重载函数在 go-ethereum
// 中会被改名为 name0、name1，因此按签名和参数类型匹配而不是按名字。
func bindMethod(parsed *abi.ABI, fn *Function) *abi.Method {
	want := CanonicalSignature(fn.Name, fn.Inputs)
	given := compactSignature(fn.Signature)
	for _, m := range parsed.Methods {
		if m.Sig == want || (given != "" && m.Sig == given) {
			method := m
			return &method
		}
	}
	for _, m := range parsed.Methods {
		if m.RawName != fn.Name || len(m.Inputs) != len(fn.Inputs) {
			continue
		}
		matched := true
		for i, in := range m.Inputs {
			if in.Type.String() != canonicalType(fn.Inputs[i]) && in.Type.String() != fn.Inputs[i].Type {
				matched = false
				break
			}
		}
		if matched {
			method := m
			return &method
		}
	}
	return nil
}

func compactSignature(sig string) string {
	return strings.ReplaceAll(strings.TrimSpace(sig), " ", "")
}

func sameTypes(a, b []Param) bool {
	for i := range a {
		if canonicalType(a[i]) != canonicalType(b[i]) && a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}
