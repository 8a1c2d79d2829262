package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// 错误码分段：1xxxx 准入/请求侧，2xxxx 投递/依赖侧
const (
	MalformedRequest    = 10400
	Unauthorized        = 10401
	Forbidden           = 10403
	PayloadTooLarge     = 10413
	RateLimited         = 10429
	ServerInternalError = 10500
	NotAccepting        = 10503

	DeliveryDegraded    = 20502
	StoreUnavailable    = 20503
	SlowConsumerEvicted = 20508
)

var (
	ErrMalformedRequest    = NewCodeError(MalformedRequest, "malformed request").withStatus(http.StatusBadRequest)
	ErrUnauthorized        = NewCodeError(Unauthorized, "unauthorized").withStatus(http.StatusUnauthorized)
	ErrForbidden           = NewCodeError(Forbidden, "forbidden").withStatus(http.StatusForbidden)
	ErrPayloadTooLarge     = NewCodeError(PayloadTooLarge, "payload too large").withStatus(http.StatusRequestEntityTooLarge)
	ErrRateLimited         = NewCodeError(RateLimited, "rate limited").withStatus(http.StatusTooManyRequests)
	ErrInternal            = NewCodeError(ServerInternalError, "internal error").withStatus(http.StatusInternalServerError)
	ErrNotAccepting        = NewCodeError(NotAccepting, "not accepting connections").withStatus(http.StatusServiceUnavailable)
	ErrDeliveryDegraded    = NewCodeError(DeliveryDegraded, "delivery degraded").withStatus(http.StatusBadGateway)
	ErrStoreUnavailable    = NewCodeError(StoreUnavailable, "session store unavailable").withStatus(http.StatusServiceUnavailable)
	ErrSlowConsumerEvicted = NewCodeError(SlowConsumerEvicted, "slow consumer evicted").withStatus(http.StatusServiceUnavailable)
)

// CodeError 带业务码的错误；哨兵值只读，WithDetail/WrapMsg 总是返回副本
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`

	status int
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg, status: http.StatusInternalServerError}
}

func (e *CodeError) withStatus(status int) *CodeError {
	e.status = status
	return e
}

func (e *CodeError) clone() *CodeError {
	c := *e
	return &c
}

// Status HTTP 状态码
func (e *CodeError) Status() int {
	if e == nil || e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	c := e.clone()
	if c.Detail == "" {
		c.Detail = detail
	} else {
		c.Detail += ", " + detail
	}
	return c
}

// Wrap 附带调用栈
func (e *CodeError) Wrap() error {
	return pkgerrors.WithStack(e.clone())
}

// WrapMsg 追加 detail（msg + kv 对）并附带调用栈
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	c := e.clone()
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if c.Detail == "" {
			c.Detail = detail
		} else {
			c.Detail += ", " + detail
		}
	}
	return pkgerrors.WithStack(c)
}

// Is 按错误码比较，支持 errors.Is(err, errs.ErrRateLimited)
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	if e == nil || t == nil {
		return e == t
	}
	return e.Code == t.Code
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// As 取出错误链上的 CodeError；非 CodeError 统一视为内部错误
func As(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// HTTPStatus 错误 -> HTTP 状态码
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if ce, ok := As(err); ok {
		return ce.Status()
	}
	return http.StatusInternalServerError
}

// Wrap 普通错误附带调用栈
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

// WrapMsg 普通错误附带上下文
func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			sb.WriteString("MISSING")
		}
	}
	return sb.String()
}
