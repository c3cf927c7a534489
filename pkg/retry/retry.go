// Package retry 为外部调用（embedding、向量库、生成）提供有界的指数退避重试。
package retry

import (
	"context"
	"time"

	"docsense-go/pkg/errs"
	"docsense-go/pkg/log"

	goretry "github.com/sethvargo/go-retry"
)

const (
	defaultBaseDelay = 200 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
	jitterPercent    = 20
)

// Policy 描述一次调用允许的重试次数和退避区间。
type Policy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p Policy) backoff() goretry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	b := goretry.NewExponential(base)
	b = goretry.WithJitterPercent(jitterPercent, b)
	b = goretry.WithCappedDuration(maxDelay, b)
	return goretry.WithMaxRetries(p.MaxRetries, b)
}

// Do 执行 fn，仅当返回的错误被标记为 Transient 时按退避策略重试。
// 重试耗尽后返回最后一次的错误；ctx 在等待期间被取消时返回 ctx.Err()。
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errs.IsTransient(err) && ctx.Err() == nil {
			log.Warnf("[Retry] %s 第 %d 次调用失败，准备重试: %v", op, attempt, err)
			return goretry.RetryableError(err)
		}
		return err
	})
}
