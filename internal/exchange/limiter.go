package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// LimiterMode 限速器状态
type LimiterMode int

const (
	LimiterOpen LimiterMode = iota
	LimiterThrottled
)

func (m LimiterMode) String() string {
	if m == LimiterThrottled {
		return "throttled"
	}
	return "open"
}

// RateLimitState 限流状态快照，只由 Limiter 修改
type RateLimitState struct {
	Remaining int           `json:"remaining"`
	ResetAt   time.Time     `json:"resetAt"`
	Exceeded  bool          `json:"exceeded"`
	Backoff   time.Duration `json:"backoff"`
}

// LimiterConfig 限速配置
type LimiterConfig struct {
	MinInterval       time.Duration // 两次放行的最小间隔
	RequestsPerMinute int           // 每分钟请求上限（0=不限）
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	LowWatermark      int // 剩余额度低于等于该值时主动进入 Throttled
}

// DefaultLimiterConfig 返回默认限速配置
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MinInterval:       100 * time.Millisecond,
		RequestsPerMinute: 600,
		BaseBackoff:       time.Second,
		MaxBackoff:        60 * time.Second,
		LowWatermark:      5,
	}
}

// Limiter 间隔 + 每分钟额度 + 指数退避的组合限速器
type Limiter struct {
	mu     sync.Mutex
	cfg    LimiterConfig
	budget *rate.Limiter
	last   time.Time // 上一次放行的时间槽
	state  RateLimitState
	now    func() time.Time

	onChange func(RateLimitState)
}

// NewLimiter 创建限速器
func NewLimiter(cfg LimiterConfig) *Limiter {
	def := DefaultLimiterConfig()
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = def.MaxBackoff
		if cfg.MaxBackoff < cfg.BaseBackoff {
			cfg.MaxBackoff = cfg.BaseBackoff
		}
	}
	if cfg.LowWatermark < 0 {
		cfg.LowWatermark = 0
	}
	l := &Limiter{
		cfg: cfg,
		now: time.Now,
		state: RateLimitState{Backoff: cfg.BaseBackoff},
	}
	if cfg.RequestsPerMinute > 0 {
		perSec := float64(cfg.RequestsPerMinute) / 60.0
		l.budget = rate.NewLimiter(rate.Limit(perSec), cfg.RequestsPerMinute)
		l.state.Remaining = cfg.RequestsPerMinute
	}
	return l
}

// OnChange 状态变化回调（指标上报用）
func (l *Limiter) OnChange(fn func(RateLimitState)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Acquire 阻塞直到可以发起下一次请求；
// 如果调用方的 deadline 早于可放行时间，立即返回 RateLimited。
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	l.refreshLocked(now)

	slot := now
	if l.state.Exceeded && l.state.ResetAt.After(slot) {
		slot = l.state.ResetAt
	}
	if !l.last.IsZero() {
		if next := l.last.Add(l.cfg.MinInterval); next.After(slot) {
			slot = next
		}
	}
	if deadline, ok := ctx.Deadline(); ok && slot.After(deadline) {
		resetAt := l.state.ResetAt
		l.mu.Unlock()
		return &Error{
			Kind: KindRateLimited,
			Op:   "acquire",
			Msg:  fmt.Sprintf("next slot in %s exceeds caller deadline (reset at %s)", slot.Sub(now), resetAt.Format(time.RFC3339)),
		}
	}
	prev := l.last
	l.last = slot
	l.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			// 放弃的时间槽如果仍是最后一个，归还给后续调用方
			l.mu.Lock()
			if l.last.Equal(slot) {
				l.last = prev
			}
			l.mu.Unlock()
			return &Error{Kind: KindRateLimited, Op: "acquire", Msg: "wait cancelled", Err: ctx.Err()}
		case <-timer.C:
		}
	}

	if l.budget != nil {
		if err := l.budget.Wait(ctx); err != nil {
			return &Error{Kind: KindRateLimited, Op: "acquire", Msg: "per-minute budget exhausted", Err: err}
		}
	}
	return nil
}

// Signal 收到限流信号（错误码/429/剩余额度过低），进入 Throttled。
// resetAt 为交易所给出的恢复时间，可为零值。
func (l *Limiter) Signal(resetAt time.Time) {
	l.mu.Lock()
	now := l.now()
	backoff := l.state.Backoff * 2
	if backoff > l.cfg.MaxBackoff {
		backoff = l.cfg.MaxBackoff
	}
	if backoff < l.cfg.BaseBackoff {
		backoff = l.cfg.BaseBackoff
	}
	until := now.Add(backoff)
	if resetAt.After(until) {
		until = resetAt
	}
	l.state.Backoff = backoff
	l.state.Exceeded = true
	if until.After(l.state.ResetAt) {
		l.state.ResetAt = until
	}
	l.state.Remaining = 0
	snap := l.state
	fn := l.onChange
	l.mu.Unlock()

	log.Warn().
		Dur("backoff", backoff).
		Time("reset_at", snap.ResetAt).
		Msg("触发限流，进入退避")
	if fn != nil {
		fn(snap)
	}
}

// Observe 记录响应头里的剩余额度；低于阈值时自动 Signal，并返回 true。
func (l *Limiter) Observe(remaining int, resetAt time.Time) bool {
	if remaining < 0 {
		remaining = 0
	}
	l.mu.Lock()
	l.state.Remaining = remaining
	if !resetAt.IsZero() && !l.state.Exceeded {
		l.state.ResetAt = resetAt
	}
	low := remaining <= l.cfg.LowWatermark
	snap := l.state
	fn := l.onChange
	l.mu.Unlock()

	if low {
		l.Signal(resetAt)
		return true
	}
	if fn != nil {
		fn(snap)
	}
	return false
}

// Refresh 到达 resetAt 后回到 Open（健康检查周期调用）
func (l *Limiter) Refresh() LimiterMode {
	l.mu.Lock()
	changed := l.refreshLocked(l.now())
	mode := l.modeLocked()
	snap := l.state
	fn := l.onChange
	l.mu.Unlock()
	if changed {
		log.Info().Msg("限流解除，恢复正常")
		if fn != nil {
			fn(snap)
		}
	}
	return mode
}

func (l *Limiter) refreshLocked(now time.Time) bool {
	if !l.state.Exceeded || now.Before(l.state.ResetAt) {
		return false
	}
	l.state.Exceeded = false
	l.state.Backoff = l.cfg.BaseBackoff
	if l.cfg.RequestsPerMinute > 0 && l.state.Remaining == 0 {
		l.state.Remaining = l.cfg.RequestsPerMinute
	}
	return true
}

func (l *Limiter) modeLocked() LimiterMode {
	if l.state.Exceeded {
		return LimiterThrottled
	}
	return LimiterOpen
}

// Mode 当前状态（惰性检查 resetAt）
func (l *Limiter) Mode() LimiterMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshLocked(l.now())
	return l.modeLocked()
}

// State 返回状态副本
func (l *Limiter) State() RateLimitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
