package errs

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrPanic 把 recover() 的值转成带栈的内部错误
func ErrPanic(r any) error {
	return ErrPanicMsg(r, ServerInternalError, "panic error")
}

func ErrPanicMsg(r any, code int, msg string) error {
	if r == nil {
		return nil
	}
	err := NewCodeError(code, msg).withStatus(ErrInternal.Status())
	err.Detail = fmt.Sprint(r)
	return pkgerrors.WithStack(err)
}
