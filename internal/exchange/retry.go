package exchange

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy 统一重试策略：按错误类型决定是否重试，网络/解析错误指数退避。
type RetryPolicy struct {
	MaxAttempts int           // 总尝试次数（含首次）
	BaseDelay   time.Duration // 基础延迟
	MaxDelay    time.Duration // 最大延迟
}

// DefaultRetryPolicy 返回默认重试策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Retriable 限流不立即重试（交给 Limiter 退避），鉴权/参数/业务错误直接失败。
func (p RetryPolicy) Retriable(kind Kind) bool {
	switch kind {
	case KindNetwork, KindMalformed:
		return true
	default:
		return false
	}
}

// Backoff 第 attempt 次失败后的等待：BaseDelay * 2^attempt，封顶 MaxDelay
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := p.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay
}

// Do 执行 fn，按策略重试；ctx 结束时立即返回。
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		kind := KindOf(lastErr)
		if !p.Retriable(kind) || attempt == attempts-1 {
			return lastErr
		}
		delay := p.Backoff(attempt)
		log.Debug().
			Str("op", op).
			Str("kind", kind.String()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(lastErr).
			Msg("请求失败，退避后重试")
		if err := sleepCtx(ctx, delay); err != nil {
			return &Error{Kind: KindNetwork, Op: op, Msg: "retry aborted", Err: lastErr}
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
