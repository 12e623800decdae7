package coerce

import (
	"fmt"
	"strconv"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
)

const maxReceivedLen = 96

func mismatch(expected string, raw any, reason string) error {
	return xerrors.New(xerrors.CodeTypeMismatch,
		fmt.Sprintf("期望 %s: %s", expected, reason),
		xerrors.WithMetadata("expected_type", expected),
		xerrors.WithMetadata("received", Describe(raw)),
	)
}

// withArgument 在错误上补充参数位置与名称。
func withArgument(err error, index int, name string) error {
	e, ok := xerrors.From(err)
	if !ok {
		return err
	}
	opts := []xerrors.Option{
		xerrors.WithMetadata("argument_index", strconv.Itoa(index)),
		xerrors.WithMetadata("argument_name", name),
	}
	for k, v := range e.Metadata() {
		opts = append(opts, xerrors.WithMetadata(k, v))
	}
	label := strconv.Itoa(index)
	if name != "" {
		label += " (" + name + ")"
	}
	return xerrors.New(e.Code(), fmt.Sprintf("参数 #%s 类型不匹配, %s", label, e.Message()), opts...)
}

func withElement(err error, index int) error {
	e, ok := xerrors.From(err)
	if !ok {
		return err
	}
	opts := make([]xerrors.Option, 0, len(e.Metadata())+1)
	for k, v := range e.Metadata() {
		opts = append(opts, xerrors.WithMetadata(k, v))
	}
	path := "[" + strconv.Itoa(index) + "]"
	if prev, ok := e.Metadata()["element_path"]; ok {
		path += prev
	}
	opts = append(opts, xerrors.WithMetadata("element_path", path))
	return xerrors.New(e.Code(), fmt.Sprintf("元素 %d: %s", index, e.Message()), opts...)
}

// Describe 返回原始值的简短描述，用于错误信息中的 received 字段。
func Describe(raw any) string {
	if raw == nil {
		return "null"
	}
	s := fmt.Sprintf("%T(%v)", raw, raw)
	if len(s) > maxReceivedLen {
		s = s[:maxReceivedLen] + "..."
	}
	return s
}
