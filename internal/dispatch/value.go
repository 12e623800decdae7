package dispatch

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
)

// NativeDecimals is the fixed scale assumed for native currency amounts.
const NativeDecimals = 18

var nativePattern = regexp.MustCompile(`^[0-9]*\.?[0-9]*$`)

// NativeAmount is a native-currency amount in display units ("0.5" means half
// a coin). It is deliberately distinct from raw integer contract arguments,
// which are already scaled by the token's own decimals.
type NativeAmount string

// UnmarshalJSON accepts both "0.5" and 0.5.
func (n *NativeAmount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*n = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*n = NativeAmount(strings.TrimSpace(str))
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("value 必须是十进制数: %w", err)
	}
	*n = NativeAmount(num.String())
	return nil
}

// Wei converts the display amount into the smallest native unit. An empty
// amount is zero.
func (n NativeAmount) Wei() (*big.Int, error) {
	s := strings.TrimSpace(string(n))
	if s == "" {
		return new(big.Int), nil
	}
	if !nativePattern.MatchString(s) || s == "." {
		return nil, invalidValue(s, "需要非负十进制数")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > NativeDecimals {
		return nil, invalidValue(s, fmt.Sprintf("小数位最多 %d 位", NativeDecimals))
	}
	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", NativeDecimals-len(frac)), "0")
	if digits == "" {
		return new(big.Int), nil
	}
	wei, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, invalidValue(s, "无法解析")
	}
	return wei, nil
}

func invalidValue(s, reason string) error {
	return xerrors.New(xerrors.CodeInvalidValue,
		fmt.Sprintf("无效的原生币数量 %q: %s", s, reason),
		xerrors.WithMetadata("received", s),
		xerrors.WithMetadata("expected_type", "native amount (decimal, 18 decimals)"),
	)
}
