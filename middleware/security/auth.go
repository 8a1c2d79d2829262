package security

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"PGateway/module/notify/model"
	"PGateway/tools/errs"
	tsec "PGateway/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// —— context key ——
const (
	PPCtxAuthKey      = "authorization" // 原始凭证 string
	PPCtxPrincipalKey = "principal"     // model.Principal
	QueryTokenKey     = "access_token"  // websocket 客户端无法带头时走 query
)

type principalCtxKey struct{}

// WithPrincipal 把身份放进 request context，业务层用 PrincipalFrom 读取
func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(model.Principal)
	return p, ok && p.Valid()
}

// PrincipalOf 先查 gin 上下文，再查 request context
func PrincipalOf(c *gin.Context) (model.Principal, bool) {
	if v, ok := c.Get(PPCtxPrincipalKey); ok {
		if p, ok := v.(model.Principal); ok && p.Valid() {
			return p, true
		}
	}
	return PrincipalFrom(c.Request.Context())
}

type Options struct {
	Verifier tsec.Verifier
	Exempt   []string // 精确路径；以 / 结尾的按前缀匹配
	Logger   *zap.Logger
}

// Authenticator 流水线最后一关：提取凭证 -> 校验 -> 绑定身份
type Authenticator struct {
	verifier tsec.Verifier
	log      *zap.Logger

	mu     sync.RWMutex
	exact  map[string]struct{}
	prefix []string
}

func NewAuthenticator(opts Options) *Authenticator {
	a := &Authenticator{
		verifier: opts.Verifier,
		log:      opts.Logger,
		exact:    map[string]struct{}{},
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	for _, p := range opts.Exempt {
		a.Exempt(p)
	}
	return a
}

// Exempt 登记免鉴权路径
func (a *Authenticator) Exempt(path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if strings.HasSuffix(path, "/") {
		a.prefix = append(a.prefix, path)
		return
	}
	a.exact[path] = struct{}{}
}

func (a *Authenticator) IsExempt(path string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, ok := a.exact[path]; ok {
		return true
	}
	for _, p := range a.prefix {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Handler 不调用 c.Next，可挂在流水线里也可挂在路由链上
func (a *Authenticator) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if a.IsExempt(path) || a.IsExempt(c.Request.URL.Path) {
			return
		}
		if _, ok := PrincipalOf(c); ok {
			return
		}

		token := Credential(c.Request)
		if token == "" {
			abort(c, errs.ErrUnauthorized.WithDetail("missing credential"))
			return
		}
		if a.verifier == nil {
			abort(c, errs.ErrUnauthorized.WithDetail("no verifier configured"))
			return
		}
		p, err := a.verifier.Verify(token)
		if err != nil {
			a.log.Debug("credential rejected",
				zap.String("path", c.Request.URL.Path),
				zap.String("token_hash", tsec.HashToken(token)),
				zap.Error(err))
			if _, ok := errs.As(err); !ok {
				err = errs.ErrUnauthorized.WithDetail(err.Error())
			}
			abort(c, err)
			return
		}

		c.Set(PPCtxAuthKey, token)
		c.Set(PPCtxPrincipalKey, p)
		c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), p))
	}
}

// Credential 依次尝试 Authorization: Bearer、authorization 裸 token、access_token 查询参数
func Credential(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
		return authz
	}
	return strings.TrimSpace(r.URL.Query().Get(QueryTokenKey))
}

// RequireRole 路由级角色校验，需在 Authenticate 之后
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalOf(c)
		if !ok {
			abort(c, errs.ErrUnauthorized)
			return
		}
		if len(roles) > 0 && !p.HasAnyRole(roles...) {
			abort(c, errs.ErrForbidden.WithDetail("requires role "+strings.Join(roles, "|")))
		}
	}
}

func abort(c *gin.Context, err error) {
	ce, ok := errs.As(err)
	if !ok {
		ce = errs.ErrInternal
	}
	c.AbortWithStatusJSON(ce.Status(), ce)
}
