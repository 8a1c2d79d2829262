package safe

import (
	"fmt"
	"reflect"

	"PGateway/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required dependencies during construction.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// Go starts a goroutine that recovers from panic and logs it,
// so that a broken connection or subscription can't crash the process.
func Go(log *zap.Logger, name string, f func()) {
	go Run(log, name, f)
}

// Run is the synchronous form of Go.
func Run(log *zap.Logger, name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.Error("panic recovered", zap.String("task", name), zap.Error(errs.ErrPanic(r)))
			}
		}
	}()
	f()
}
