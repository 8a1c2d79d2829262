package middleware

import (
	"sync"
	"time"

	midsec "PGateway/middleware/security"
	"PGateway/tools/errs"
	tsec "PGateway/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Options 准入流水线参数
type Options struct {
	AllowedOrigins []string
	BodyLimit      int64
	RateWindow     time.Duration
	RateMax        int
	Verifier       tsec.Verifier
	Exempt         []string
	Logger         *zap.Logger

	// OnReject 被流水线拒绝时回调（指标用），status 为写出的 HTTP 状态码
	OnReject func(status int)
}

// Pipeline 有序、可短路的准入链：Headers -> Origin -> BodyLimit -> RateLimit -> Authenticate。
// 每一关只做检查或 Abort，不调用 c.Next。
type Pipeline struct {
	mu   sync.RWMutex
	mids []gin.HandlerFunc

	auth     *midsec.Authenticator
	limiter  *RateLimiter
	onReject func(status int)
}

// NewManager 空流水线
func NewManager() *Pipeline {
	return &Pipeline{}
}

// NewPipeline 按固定顺序装配五个阶段
func NewPipeline(opts Options) *Pipeline {
	p := NewManager()
	p.onReject = opts.OnReject
	p.limiter = NewRateLimiter(opts.RateWindow, opts.RateMax)
	p.auth = midsec.NewAuthenticator(midsec.Options{
		Verifier: opts.Verifier,
		Exempt:   opts.Exempt,
		Logger:   opts.Logger,
	})

	p.Add(Headers())
	p.Add(Origin(opts.AllowedOrigins))
	p.Add(BodyLimit(opts.BodyLimit))
	p.Add(p.limiter.Handler())
	p.Add(p.auth.Handler())
	return p
}

// Add 注册一个阶段
func (p *Pipeline) Add(h gin.HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mids = append(p.mids, h)
}

// Use 返回一个 gin.HandlerFunc，作为总控挂载到 Engine 上
func (p *Pipeline) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		p.mu.RLock()
		handlers := append([]gin.HandlerFunc{}, p.mids...) // 拷贝一份快照
		p.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				if p.onReject != nil && c.Writer.Status() >= 400 {
					p.onReject(c.Writer.Status())
				}
				return
			}
		}
		c.Next()
	}
}

// Limiter 限流器，Start/Close 由进程生命周期驱动
func (p *Pipeline) Limiter() *RateLimiter { return p.limiter }

func (p *Pipeline) Authenticator() *midsec.Authenticator { return p.auth }

// Abort 以 CodeError JSON 结束请求
func Abort(c *gin.Context, err error) {
	ce, ok := errs.As(err)
	if !ok {
		ce = errs.ErrInternal
	}
	c.AbortWithStatusJSON(ce.Status(), ce)
}
