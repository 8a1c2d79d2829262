package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy 有界重试：Attempts 为总尝试次数（含首次），Backoff 每次翻倍，封顶 MaxBackoff
type Policy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Retryable 返回 false 时立即放弃；nil 表示所有错误都重试
	Retryable func(error) bool
}

func (p Policy) norm() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Backoff <= 0 {
		p.Backoff = 10 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = time.Second
	}
	return p
}

// NewBackOff 不限次数的指数退避（无抖动、无总时长上限），供长期循环自行调用 NextBackOff
func (p Policy) NewBackOff() backoff.BackOff {
	p = p.norm()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do 执行 fn 直到成功、不可重试、次数耗尽或 ctx 结束；返回最后一次错误
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.norm()
	b := backoff.WithContext(backoff.WithMaxRetries(p.NewBackOff(), uint64(p.Attempts-1)), ctx)

	var last error
	err := backoff.Retry(func() error {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}, b)
	if err != nil && last != nil {
		// ctx 结束时 backoff 返回 ctx.Err()，调用方要的是业务错误
		return last
	}
	return err
}
