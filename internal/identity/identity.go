// Package identity normalises caller supplied agent identifiers into the
// 32-byte value the executor contract keys its audit trail and nonce on.
package identity

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
)

// ID is a canonical agent identity.
type ID [32]byte

// Hex returns the 0x-prefixed lowercase hex form.
func (id ID) Hex() string { return "0x" + hex.EncodeToString(id[:]) }

func (id ID) String() string { return id.Hex() }

var (
	bytes32Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	uuidPattern    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// ToCanonicalID 将 agent 标识转换为 32 字节值，规则按优先级：
//  1. 0x + 64 位十六进制：原样使用；
//  2. UUID（8-4-4-4-12）：去掉连字符得到 16 字节，右侧补零；
//  3. 其他字符串：取 UTF-8 字节右侧补零，超过 32 字节报错。
//
// 以 0x 开头但不是合法 32 字节十六进制的字符串视为错误，不会按普通字符串处理。
func ToCanonicalID(raw string) (ID, error) {
	var id ID
	if raw == "" {
		return id, invalid(raw, "agent 标识不能为空")
	}

	switch {
	case bytes32Pattern.MatchString(raw):
		decoded, _ := hex.DecodeString(raw[2:])
		copy(id[:], decoded)
		return id, nil
	case strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X"):
		return id, invalid(raw, "0x 开头的标识必须是 64 位十六进制")
	case uuidPattern.MatchString(raw):
		u, err := uuid.Parse(raw)
		if err != nil {
			return id, invalid(raw, err.Error())
		}
		copy(id[:], u[:])
		return id, nil
	default:
		if len(raw) > len(id) {
			return id, invalid(raw, fmt.Sprintf("标识长度 %d 字节超过 32 字节", len(raw)))
		}
		copy(id[:], raw)
		return id, nil
	}
}

// MustCanonicalID is ToCanonicalID for identifiers known to be valid, such as
// configuration constants. It panics on error.
func MustCanonicalID(raw string) ID {
	id, err := ToCanonicalID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func invalid(raw, reason string) error {
	return xerrors.New(xerrors.CodeInvalidArgument,
		"无效的 agent 标识: "+reason,
		xerrors.WithMetadata("agent_id", raw),
	)
}
