// Package resolver finds contract functions inside an ExportBundle and
// classifies them as free reads or state-changing writes.
package resolver

import (
	"fmt"
	"strings"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/export"
)

// AnyArity disables arity based overload selection.
const AnyArity = -1

// Resolve 按地址（大小写不敏感）和函数名查找合约与函数。
//
// 同名函数按声明顺序取第一个；当 argCount >= 0 且存在参数个数相同的重载时，
// 取其中第一个。
func Resolve(b *export.Bundle, address, functionName string, argCount int) (*export.Contract, *export.Function, error) {
	contract, ok := b.Contract(address)
	if !ok {
		return nil, nil, xerrors.New(xerrors.CodeContractNotFound,
			fmt.Sprintf("合约 %s 不在导出包中", strings.TrimSpace(address)),
			xerrors.WithMetadata("contract", strings.TrimSpace(address)),
		)
	}

	name := strings.TrimSpace(functionName)
	var first *export.Function
	for i := range contract.Functions {
		fn := &contract.Functions[i]
		if fn.Name != name {
			continue
		}
		if first == nil {
			first = fn
		}
		if argCount == AnyArity || len(fn.Inputs) == argCount {
			return contract, fn, nil
		}
	}
	if first != nil {
		return contract, first, nil
	}
	return nil, nil, xerrors.New(xerrors.CodeFunctionNotFound,
		fmt.Sprintf("合约 %s 中没有函数 %s", contractLabel(contract), name),
		xerrors.WithMetadata("contract", strings.ToLower(contract.Address().Hex())),
		xerrors.WithMetadata("function", name),
		xerrors.WithMetadata("available", strings.Join(uniqueNames(contract), ",")),
	)
}

// IsReadOnly 当且仅当函数声明为 view 或 pure 时返回 true，payable 也属于写操作。
func IsReadOnly(fn *export.Function) bool {
	if fn == nil {
		return false
	}
	switch strings.ToLower(fn.StateMutability) {
	case "view", "pure":
		return true
	default:
		return false
	}
}

// Validate 执行调用前检查：合约存在且函数存在。
func Validate(b *export.Bundle, address, functionName string) error {
	_, _, err := Resolve(b, address, functionName, AnyArity)
	return err
}

func contractLabel(c *export.Contract) string {
	if c.Name != "" {
		return fmt.Sprintf("%s(%s)", c.Name, c.Address().Hex())
	}
	return c.Address().Hex()
}

func uniqueNames(c *export.Contract) []string {
	seen := make(map[string]struct{}, len(c.Functions))
	out := make([]string, 0, len(c.Functions))
	for _, fn := range c.Functions {
		if _, ok := seen[fn.Name]; ok {
			continue
		}
		seen[fn.Name] = struct{}{}
		out = append(out, fn.Name)
	}
	return out
}
