package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"PGateway/tools/errs"

	"github.com/gin-gonic/gin"
)

// rateWindow 固定窗口计数
type rateWindow struct {
	start time.Time
	count int
}

// RateLimiter 实例内固定窗口限流：每个身份每窗口至多 max 次，第 max+1 次拒绝，窗口到期重置
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	buckets map[string]*rateWindow
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func NewRateLimiter(window time.Duration, limit int) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = 120
	}
	return &RateLimiter{
		window:  window,
		max:     limit,
		buckets: make(map[string]*rateWindow),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Allow 计数并判断；拒绝时返回距窗口重置的时长
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.buckets[key]
	if !ok || !now.Before(w.start.Add(l.window)) {
		w = &rateWindow{start: now}
		l.buckets[key] = w
	}
	if w.count >= l.max {
		return false, w.start.Add(l.window).Sub(now)
	}
	w.count++
	return true, 0
}

// Sweep 清理已过期窗口，返回清理数量
func (l *RateLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for k, w := range l.buckets {
		if !now.Before(w.start.Add(l.window)) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Start 后台按窗口周期清理空闲计数，Close 停止
func (l *RateLimiter) Start() {
	go func() {
		t := time.NewTicker(l.window)
		defer t.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-t.C:
				l.Sweep()
			}
		}
	}()
}

func (l *RateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Handler 按客户端 IP 计数。限流排在认证之前，此时还没有 principal；
// 客户端 IP 只在对端是可信代理时才取自 X-Forwarded-For（见 TrustProxies）
func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retry := l.Allow("ip:" + c.ClientIP())
		if ok {
			return
		}
		secs := int(math.Ceil(retry.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		Abort(c, errs.ErrRateLimited.WithDetail("retry after "+strconv.Itoa(secs)+"s"))
	}
}

// TrustProxies 设置可信代理；为空时不信任任何转发头，ClientIP 即 socket 对端地址
func TrustProxies(r *gin.Engine, proxies []string) error {
	if len(proxies) == 0 {
		proxies = nil
	}
	return r.SetTrustedProxies(proxies)
}
