// Package errors 错误包装工具。哨兵错误由各领域包自行定义（如 orchestrator 的
// ErrStaleState），这里只收跨包通用的包装辅助，不引入错误码体系
package errors

import (
	"errors"
	"fmt"
)

// Wrap 在保留错误链（errors.Is/As 可穿透）的前提下附加上下文；err 为 nil 时返回 nil
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式化上下文的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Cause 沿 Unwrap 链取最内层错误
func Cause(err error) error {
	for err != nil {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err
		}
		err = inner
	}
	return nil
}
